package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"supply-agent/internal/domain"
	"supply-agent/internal/integrations/gmail"
	"supply-agent/internal/integrations/openai"
	"supply-agent/internal/repository"
)

type chatCall struct {
	model    string
	messages []domain.ChatMessage
}

type fakeLLM struct {
	answers     map[string]string
	errs        map[string]error
	calls       []chatCall
	flagged     bool
	moderateErr error
	moderated   []string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{answers: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeLLM) Chat(_ context.Context, model string, messages []domain.ChatMessage, _ ...openai.ChatOption) (string, error) {
	f.calls = append(f.calls, chatCall{model: model, messages: messages})
	if err := f.errs[model]; err != nil {
		return "", err
	}
	answer, ok := f.answers[model]
	if !ok {
		return "", fmt.Errorf("no answer for model %q", model)
	}
	return answer, nil
}

func (f *fakeLLM) Moderate(_ context.Context, input string) (bool, error) {
	f.moderated = append(f.moderated, input)
	return f.flagged, f.moderateErr
}

type fakeNews struct {
	text  string
	err   error
	calls int
}

func (f *fakeNews) FetchRiskNews(context.Context) (string, error) {
	f.calls++
	return f.text, f.err
}

type fakeResearcher struct {
	text    string
	err     error
	prompts []string
	block   bool
}

func (f *fakeResearcher) Research(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

type fakeMailer struct {
	sent     []gmail.OutboundEmail
	sendErr  map[string]error
	unread   []gmail.InboundRef
	listErr  error
	inbound  map[string]gmail.InboundEmail
	getErr   error
	markRead []string
	markErr  error
	nextID   int
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{sendErr: map[string]error{}, inbound: map[string]gmail.InboundEmail{}}
}

func (f *fakeMailer) Send(_ context.Context, msg gmail.OutboundEmail) (gmail.SentEmail, error) {
	if err := f.sendErr[msg.To]; err != nil {
		return gmail.SentEmail{}, err
	}
	f.sent = append(f.sent, msg)
	f.nextID++
	thread := msg.ThreadID
	if thread == "" {
		thread = fmt.Sprintf("thread-%d", f.nextID)
	}
	return gmail.SentEmail{ID: fmt.Sprintf("msg-%d", f.nextID), ThreadID: thread}, nil
}

func (f *fakeMailer) ListUnread(context.Context) ([]gmail.InboundRef, error) {
	return f.unread, f.listErr
}

func (f *fakeMailer) Get(_ context.Context, id string) (gmail.InboundEmail, error) {
	if f.getErr != nil {
		return gmail.InboundEmail{}, f.getErr
	}
	msg, ok := f.inbound[id]
	if !ok {
		return gmail.InboundEmail{}, fmt.Errorf("message %s not found", id)
	}
	return msg, nil
}

func (f *fakeMailer) MarkRead(_ context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markRead = append(f.markRead, id)
	return nil
}

// fakeStore is an in-memory Store with the same rules as the real gateways.
type fakeStore struct {
	mu            sync.Mutex
	suppliers     map[string]domain.SupplierRecord
	order         []string
	conversations map[string]domain.ConversationRecord
	insertErr     error
	createErr     error
	appendErr     error
	updateErr     error
	findErr       error
	insertCalls   int
	seq           int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		suppliers:     map[string]domain.SupplierRecord{},
		conversations: map[string]domain.ConversationRecord{},
	}
}

func (f *fakeStore) InsertSuppliers(_ context.Context, runID string, list []domain.SupplierRecord) ([]domain.SupplierRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	out := make([]domain.SupplierRecord, 0, len(list))
	for _, s := range list {
		f.seq++
		s.ID = fmt.Sprintf("sup-%d", f.seq)
		s.RunID = runID
		s.Status = domain.StatusPending
		f.suppliers[s.ID] = s
		f.order = append(f.order, s.ID)
		out = append(out, s)
	}
	return out, nil
}

// seed stores a supplier in the given status and returns its id.
func (f *fakeStore) seed(s domain.SupplierRecord) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if s.ID == "" {
		s.ID = fmt.Sprintf("sup-%d", f.seq)
	}
	f.suppliers[s.ID] = s
	f.order = append(f.order, s.ID)
	return s.ID
}

func (f *fakeStore) GetSupplier(_ context.Context, id string) (domain.SupplierRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.suppliers[id]
	if !ok {
		return domain.SupplierRecord{}, repository.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSuppliers(_ context.Context, status domain.SupplierStatus) ([]domain.SupplierRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SupplierRecord
	for _, id := range f.order {
		s := f.suppliers[id]
		if status == "" || s.Status == status {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id string, status domain.SupplierStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	s, ok := f.suppliers[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !domain.CanTransition(s.Status, status) {
		return fmt.Errorf("%w: %s -> %s", repository.ErrInvalidTransition, s.Status, status)
	}
	s.Status = status
	f.suppliers[id] = s
	return nil
}

func (f *fakeStore) CreateConversation(_ context.Context, conv domain.ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.conversations[conv.ThreadID]; ok {
		return repository.ErrConflict
	}
	s, ok := f.suppliers[conv.SupplierID]
	if !ok {
		return repository.ErrNotFound
	}
	if s.Status != domain.StatusPending {
		return repository.ErrInvalidTransition
	}
	s.Status = domain.StatusContacted
	s.ThreadID = conv.ThreadID
	f.suppliers[s.ID] = s
	conv.Messages = append([]domain.Message(nil), conv.Messages...)
	f.conversations[conv.ThreadID] = conv
	return nil
}

func (f *fakeStore) FindConversation(_ context.Context, threadID string) (domain.ConversationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return domain.ConversationRecord{}, f.findErr
	}
	conv, ok := f.conversations[threadID]
	if !ok {
		return domain.ConversationRecord{}, repository.ErrNotFound
	}
	conv.Messages = append([]domain.Message(nil), conv.Messages...)
	return conv, nil
}

func (f *fakeStore) AppendMessages(_ context.Context, threadID string, known int, msgs ...domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	conv, ok := f.conversations[threadID]
	if !ok {
		return repository.ErrNotFound
	}
	if len(conv.Messages) != known {
		return repository.ErrConflict
	}
	conv.Messages = append(conv.Messages, msgs...)
	f.conversations[threadID] = conv
	return nil
}

// openThread stores a supplier in contacted state with a one-message thread.
func (f *fakeStore) openThread(threadID string, s domain.SupplierRecord) string {
	if s.Status == "" {
		s.Status = domain.StatusContacted
	}
	s.ThreadID = threadID
	id := f.seed(s)
	at := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	f.mu.Lock()
	f.conversations[threadID] = domain.ConversationRecord{
		ThreadID:   threadID,
		SupplierID: id,
		CreatedAt:  at,
		Messages:   []domain.Message{{Role: domain.RoleModel, Content: "Dear Acme Steel Team, please quote.", At: at}},
	}
	f.mu.Unlock()
	return id
}

var errBoom = errors.New("boom")

type statusErr struct{ code int }

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) HTTPStatusCode() int { return e.code }
