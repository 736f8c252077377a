package usecase

import (
	"context"

	"supply-agent/internal/domain"
	"supply-agent/internal/integrations/gmail"
	"supply-agent/internal/integrations/openai"
)

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage, opts ...openai.ChatOption) (string, error)
	Moderate(ctx context.Context, input string) (bool, error)
}

type NewsFetcher interface {
	FetchRiskNews(ctx context.Context) (string, error)
}

type Researcher interface {
	Research(ctx context.Context, prompt string) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, msg gmail.OutboundEmail) (gmail.SentEmail, error)
	ListUnread(ctx context.Context) ([]gmail.InboundRef, error)
	Get(ctx context.Context, id string) (gmail.InboundEmail, error)
	MarkRead(ctx context.Context, id string) error
}

// Store is the persistence gateway for suppliers and their conversations.
type Store interface {
	InsertSuppliers(ctx context.Context, runID string, suppliers []domain.SupplierRecord) ([]domain.SupplierRecord, error)
	GetSupplier(ctx context.Context, id string) (domain.SupplierRecord, error)
	ListSuppliers(ctx context.Context, status domain.SupplierStatus) ([]domain.SupplierRecord, error)
	UpdateStatus(ctx context.Context, id string, status domain.SupplierStatus) error
	CreateConversation(ctx context.Context, conv domain.ConversationRecord) error
	FindConversation(ctx context.Context, threadID string) (domain.ConversationRecord, error)
	AppendMessages(ctx context.Context, threadID string, known int, msgs ...domain.Message) error
}
