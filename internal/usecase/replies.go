package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"supply-agent/internal/domain"
	"supply-agent/internal/integrations/gmail"
	"supply-agent/internal/repository"
)

type ReplyConfig struct {
	Model      string
	Company    string
	Quantity   int
	StopMarker string
}

// ReplyService answers supplier emails on threads this system started.
type ReplyService struct {
	mailer Mailer
	store  Store
	llm    LLMClient
	cfg    ReplyConfig
	system string
	logger *slog.Logger
	now    func() time.Time
}

// ReplySummary counts what one inbox pass did. Closed is a subset of Replied.
type ReplySummary struct {
	Seen    int
	Skipped int
	Replied int
	Closed  int
	Failed  int
}

func NewReplyService(m Mailer, s Store, llm LLMClient, cfg ReplyConfig, logger *slog.Logger) (*ReplyService, error) {
	if m == nil {
		return nil, errors.New("usecase: mailer must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("usecase: reply model must not be empty")
	}
	if strings.TrimSpace(cfg.StopMarker) == "" {
		return nil, errors.New("usecase: stop marker must not be empty")
	}
	if strings.TrimSpace(cfg.Company) == "" {
		return nil, errors.New("usecase: outreach company must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyService{
		mailer: m,
		store:  s,
		llm:    llm,
		cfg:    cfg,
		system: buildReplySystemPrompt(cfg.Company, cfg.Quantity, cfg.StopMarker),
		logger: logger.With("component", "replies"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// ProcessInbox handles every unread inbound message once. Per-message
// collaborator failures are counted and skipped; a storage failure stops the
// pass because the thread may already have been answered.
func (r *ReplyService) ProcessInbox(ctx context.Context) (ReplySummary, error) {
	var sum ReplySummary
	refs, err := r.mailer.ListUnread(ctx)
	if err != nil {
		return sum, collaboratorError("gmail", err)
	}
	sum.Seen = len(refs)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		outcome, err := r.handle(ctx, ref)
		if err != nil {
			return sum, err
		}
		switch outcome {
		case outcomeSkipped:
			sum.Skipped++
		case outcomeFailed:
			sum.Failed++
		case outcomeReplied:
			sum.Replied++
		case outcomeClosed:
			sum.Replied++
			sum.Closed++
		}
	}
	r.logger.Info("inbox processed",
		"seen", sum.Seen, "skipped", sum.Skipped, "replied", sum.Replied, "closed", sum.Closed, "failed", sum.Failed)
	return sum, nil
}

type replyOutcome int

const (
	outcomeSkipped replyOutcome = iota
	outcomeFailed
	outcomeReplied
	outcomeClosed
)

func (r *ReplyService) handle(ctx context.Context, ref gmail.InboundRef) (replyOutcome, error) {
	log := r.logger.With("message_id", ref.ID, "thread_id", ref.ThreadID)

	conv, err := r.store.FindConversation(ctx, ref.ThreadID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("thread not started by outreach, skipping")
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeFailed, newError(ErrorPersistence, "conversation_lookup_error", err)
	}

	inbound, err := r.mailer.Get(ctx, ref.ID)
	if err != nil {
		log.Error("fetch reply failed", "err", err)
		return outcomeFailed, nil
	}
	if inbound.Body == "" {
		log.Info("reply has no text body, skipping")
		return outcomeSkipped, nil
	}

	supplier, err := r.store.GetSupplier(ctx, conv.SupplierID)
	if err != nil {
		return outcomeFailed, newError(ErrorPersistence, "supplier_lookup_error", err)
	}
	if supplier.Status.Terminal() {
		log.Info("conversation already closed, marking read", "supplier_id", supplier.ID)
		return r.markRead(ctx, log, ref.ID, outcomeSkipped), nil
	}

	flagged, err := r.llm.Moderate(ctx, inbound.Body)
	if err != nil {
		log.Error("moderation failed", "err", collaboratorError("moderation", err))
		return outcomeFailed, nil
	}
	if flagged {
		log.Warn("reply flagged by moderation, not answering", "supplier_id", supplier.ID)
		return r.markRead(ctx, log, ref.ID, outcomeSkipped), nil
	}

	raw, err := r.llm.Chat(ctx, r.cfg.Model, buildReplyMessages(r.system, conv.Messages, inbound.Body))
	if err != nil {
		log.Error("reply generation failed", "err", collaboratorError("openai", err))
		return outcomeFailed, nil
	}
	text, stop := stripMarker(raw, r.cfg.StopMarker)
	if text == "" {
		text = fmt.Sprintf("Thank you for your reply. Our relevant department will review it.\n\nBest regards,\n%s Supply Chain Management", r.cfg.Company)
	}

	// Build the appended messages before any side effect so a thread that
	// cannot be recorded is never answered.
	known := len(conv.Messages)
	now := r.now()
	userMsg, err := conv.Append(domain.RoleUser, inbound.Body, now)
	if err != nil {
		log.Error("thread history out of order", "err", err)
		return outcomeFailed, nil
	}
	modelMsg, err := conv.Append(domain.RoleModel, text, now)
	if err != nil {
		log.Error("thread history out of order", "err", err)
		return outcomeFailed, nil
	}

	to := replyAddress(inbound.From, supplier.Email)
	if _, err := r.mailer.Send(ctx, gmail.OutboundEmail{
		To:       to,
		Subject:  replySubject(inbound.Subject),
		Body:     text,
		ThreadID: ref.ThreadID,
	}); err != nil {
		log.Error("send reply failed", "err", collaboratorError("gmail", err))
		return outcomeFailed, nil
	}

	if err := r.store.AppendMessages(ctx, ref.ThreadID, known, userMsg, modelMsg); err != nil {
		return outcomeFailed, newError(ErrorPersistence, "conversation_append_error", err)
	}

	next := domain.StatusAwaitingReply
	outcome := outcomeReplied
	if stop {
		next = domain.StatusClosed
		outcome = outcomeClosed
	}
	if domain.CanTransition(supplier.Status, next) {
		if err := r.store.UpdateStatus(ctx, supplier.ID, next); err != nil {
			return outcomeFailed, newError(ErrorPersistence, "status_update_error", err)
		}
	} else {
		// quoted suppliers keep their status while the thread continues.
		next = supplier.Status
	}
	log.Info("reply sent", "supplier_id", supplier.ID, "status", next)

	return r.markRead(ctx, log, ref.ID, outcome), nil
}

// markRead returns outcome, or outcomeFailed when the message stays unread
// and will be seen again on the next pass.
func (r *ReplyService) markRead(ctx context.Context, log *slog.Logger, id string, outcome replyOutcome) replyOutcome {
	if err := r.mailer.MarkRead(ctx, id); err != nil {
		log.Error("mark read failed", "err", err)
		return outcomeFailed
	}
	return outcome
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// replyAddress answers the sender of the inbound email, falling back to the
// supplier's stored address when the From header cannot be parsed.
func replyAddress(from, fallback string) string {
	if addr, err := mail.ParseAddress(from); err == nil && addr.Address != "" {
		return addr.Address
	}
	return fallback
}
