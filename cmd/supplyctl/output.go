package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"supply-agent/internal/domain"
	"supply-agent/internal/usecase"
	"supply-agent/internal/workflow"
)

// eventPrinter renders stage transitions as they happen.
type eventPrinter struct {
	w io.Writer
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{w: w}
}

func (p *eventPrinter) print(e workflow.Event) {
	switch e.Kind {
	case workflow.EventStarted:
		fmt.Fprintf(p.w, "%s %s\n", color.CyanString("running"), e.Stage)
	case workflow.EventCompleted:
		fmt.Fprintf(p.w, "%s %s (%s)\n", color.GreenString("done"), e.Stage, e.Duration.Round(time.Millisecond))
	case workflow.EventFailed:
		fmt.Fprintf(p.w, "%s %s: %v\n", color.RedString("failed"), e.Stage, e.Err)
	}
}

func (p *eventPrinter) summary(s domain.WorkflowState) {
	fmt.Fprintf(p.w, "%s run %s: %s; %s\n", color.GreenString("finished"), s.RunID, s.PersistStatus, s.FinalStatus)
}

func printReplySummary(w io.Writer, s usecase.ReplySummary) {
	fmt.Fprintf(w, "inbox: %d seen, %d skipped, %d replied, %d closed, %d failed\n",
		s.Seen, s.Skipped, s.Replied, s.Closed, s.Failed)
}

func renderSuppliers(w io.Writer, list []domain.SupplierRecord) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Company", "Email", "Product", "Status", "Thread", "Created"})
	for _, s := range list {
		tw.AppendRow(table.Row{s.ID, s.CompanyName, s.Email, s.ProductName, s.Status, s.ThreadID, s.CreatedAt.Format(time.DateTime)})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "Total", len(list)})
	tw.Render()
}

func renderConversation(w io.Writer, s domain.SupplierRecord, conv domain.ConversationRecord) {
	fmt.Fprintf(w, "%s <%s> (%s), thread %s\n", s.CompanyName, s.Email, s.Status, conv.ThreadID)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "From", "At", "Message"})
	for i, m := range conv.Messages {
		from := s.CompanyName
		if m.Role == domain.RoleModel {
			from = "us"
		}
		tw.AppendRow(table.Row{i + 1, from, m.At.Format(time.DateTime), m.Content})
	}
	tw.Render()
}
