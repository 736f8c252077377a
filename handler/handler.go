package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"supply-agent/internal/usecase"
)

type InboxProcessor interface {
	ProcessInbox(ctx context.Context) (usecase.ReplySummary, error)
}

// Response is returned to the scheduler and written to the invocation log.
type Response struct {
	CorrelationID string `json:"correlationId"`
	Seen          int    `json:"seen"`
	Skipped       int    `json:"skipped"`
	Replied       int    `json:"replied"`
	Closed        int    `json:"closed"`
	Failed        int    `json:"failed"`
	Error         string `json:"error,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type Handler struct {
	inbox  InboxProcessor
	logger *slog.Logger
}

func NewHandler(inbox InboxProcessor, logger *slog.Logger) (*Handler, error) {
	if inbox == nil {
		return nil, errors.New("handler: inbox processor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inbox: inbox, logger: logger}, nil
}

// Handle runs one inbox pass per scheduled event. A failed pass is returned
// as an error so the invocation is reported as failed.
func (h *Handler) Handle(ctx context.Context, event events.CloudWatchEvent) (Response, error) {
	correlationID := event.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID)

	sum, err := h.inbox.ProcessInbox(ctx)
	resp := Response{
		CorrelationID: correlationID,
		Seen:          sum.Seen,
		Skipped:       sum.Skipped,
		Replied:       sum.Replied,
		Closed:        sum.Closed,
		Failed:        sum.Failed,
	}
	if err != nil {
		resp.Error, resp.Reason = classify(err)
		log.Error("inbox pass failed", "code", resp.Error, "reason", resp.Reason, "err", err)
		return resp, err
	}
	log.Info("inbox pass finished", "seen", sum.Seen, "replied", sum.Replied, "closed", sum.Closed, "failed", sum.Failed)
	return resp, nil
}

func classify(err error) (code, reason string) {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		return string(ue.Code), ue.Reason
	}
	return string(usecase.ErrorInternal), "unexpected_error"
}
