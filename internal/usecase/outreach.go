package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"supply-agent/internal/domain"
	"supply-agent/internal/integrations/gmail"
)

type OutreachConfig struct {
	Company  string
	Quantity int
}

// OutreachService sends the first quotation request to newly persisted
// suppliers and opens their conversation records.
type OutreachService struct {
	mailer   Mailer
	store    Store
	company  string
	quantity int
	logger   *slog.Logger
	now      func() time.Time
}

// OutreachResult counts first-contact attempts.
type OutreachResult struct {
	Contacted int
	Failed    int
	Skipped   int
}

func NewOutreachService(m Mailer, s Store, cfg OutreachConfig, logger *slog.Logger) (*OutreachService, error) {
	if m == nil {
		return nil, errors.New("usecase: mailer must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	if strings.TrimSpace(cfg.Company) == "" {
		return nil, errors.New("usecase: outreach company must not be empty")
	}
	if cfg.Quantity <= 0 {
		return nil, errors.New("usecase: outreach quantity must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutreachService{
		mailer:   m,
		store:    s,
		company:  strings.TrimSpace(cfg.Company),
		quantity: cfg.Quantity,
		logger:   logger.With("component", "outreach"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// ContactSuppliers emails every pending supplier. A failed send is logged and
// counted; a failed conversation write aborts with a PERSISTENCE_ERROR since
// the email has already left.
func (o *OutreachService) ContactSuppliers(ctx context.Context, suppliers []domain.SupplierRecord) (OutreachResult, error) {
	var res OutreachResult
	for _, s := range suppliers {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if s.Status != domain.StatusPending {
			o.logger.Info("supplier already contacted", "supplier_id", s.ID, "status", s.Status)
			res.Skipped++
			continue
		}

		subject, body := buildInitialEmail(o.company, o.quantity, s)
		sent, err := o.mailer.Send(ctx, gmail.OutboundEmail{To: s.Email, Subject: subject, Body: body})
		if err != nil {
			o.logger.Error("first contact failed", "supplier_id", s.ID, "company", s.CompanyName, "err", err)
			res.Failed++
			continue
		}

		now := o.now()
		conv := domain.ConversationRecord{ThreadID: sent.ThreadID, SupplierID: s.ID, CreatedAt: now}
		if _, err := conv.Append(domain.RoleModel, body, now); err != nil {
			return res, newError(ErrorInternal, "conversation_build_error", err)
		}
		if err := o.store.CreateConversation(ctx, conv); err != nil {
			return res, newError(ErrorPersistence, "conversation_create_error", err)
		}
		o.logger.Info("supplier contacted", "supplier_id", s.ID, "company", s.CompanyName, "thread_id", sent.ThreadID)
		res.Contacted++
	}
	return res, nil
}
