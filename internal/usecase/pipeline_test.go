package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supply-agent/internal/domain"
	"supply-agent/internal/workflow"
)

const (
	analysisModel   = "analysis-model"
	extractionModel = "extraction-model"
)

type pipelineFixture struct {
	news     *fakeNews
	research *fakeResearcher
	llm      *fakeLLM
	store    *fakeStore
	mailer   *fakeMailer
	events   []workflow.Event
	mu       sync.Mutex
}

func newPipelineFixture() *pipelineFixture {
	llm := newFakeLLM()
	llm.answers[analysisModel] = `{"search_prompt":"Find 3 company name and contact email for suppliers of steel rebar"}`
	llm.answers[extractionModel] = `{"suppliers":[
		{"company_name":"Acme Steel","email":"acme@steel.com","product_name":"rebar"},
		{"company_name":"BadCorp","email":"not-an-email","product_name":"bolts"}
	]}`
	return &pipelineFixture{
		news:     &fakeNews{text: "Steel tariffs disrupt automotive supply."},
		research: &fakeResearcher{text: "Contact: Acme Steel, acme@steel.com, rebar\nBadCorp, not-an-email, bolts"},
		llm:      llm,
		store:    newFakeStore(),
		mailer:   newFakeMailer(),
	}
}

func (f *pipelineFixture) build(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	outreach, err := NewOutreachService(f.mailer, f.store, OutreachConfig{Company: "Ford Otosan", Quantity: 10000}, nil)
	require.NoError(t, err)
	if cfg.AnalysisModel == "" {
		cfg.AnalysisModel = analysisModel
	}
	if cfg.ExtractionModel == "" {
		cfg.ExtractionModel = extractionModel
	}
	if cfg.Company == "" {
		cfg.Company = "Ford Otosan"
	}
	p, err := NewPipeline(PipelineDeps{
		News:       f.news,
		Researcher: f.research,
		LLM:        f.llm,
		Store:      f.store,
		Outreach:   outreach,
	}, cfg)
	require.NoError(t, err)
	p.newID = func() string { return "run-1" }
	p.OnEvent(func(e workflow.Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	})
	return p
}

func (f *pipelineFixture) stagesWith(kind workflow.EventKind) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e.Stage)
		}
	}
	return out
}

func expectCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var ue *Error
	require.ErrorAs(t, err, &ue)
	require.Equal(t, code, ue.Code)
	if reason != "" {
		require.Equal(t, reason, ue.Reason)
	}
}

func TestPipeline_HappyPath(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t, PipelineConfig{})

	state, err := p.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, "run-1", state.RunID)
	require.Equal(t, "Find 3 company name and contact email for suppliers of steel rebar", state.SearchPrompt)
	require.Equal(t, []string{state.SearchPrompt}, f.research.prompts)
	require.Equal(t, "1 inserted", state.PersistStatus)
	require.Equal(t, "1 contacted, 0 failed", state.FinalStatus)
	require.Equal(t, Stages(), f.stagesWith(workflow.EventCompleted))

	require.Len(t, f.mailer.sent, 1)
	require.Equal(t, "acme@steel.com", f.mailer.sent[0].To)
	require.Equal(t, "Quotation Request: rebar", f.mailer.sent[0].Subject)
	require.Contains(t, f.mailer.sent[0].Body, "10000 units of rebar")

	suppliers, err := f.store.ListSuppliers(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, suppliers, 1)
	require.Equal(t, domain.StatusContacted, suppliers[0].Status)
	require.Equal(t, "run-1", suppliers[0].RunID)

	conv, err := f.store.FindConversation(context.Background(), suppliers[0].ThreadID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	require.Equal(t, domain.RoleModel, conv.Messages[0].Role)
}

func TestPipeline_EmptyNewsStopsBeforeRiskAnalysis(t *testing.T) {
	f := newPipelineFixture()
	f.news.text = "   "
	p := f.build(t, PipelineConfig{})

	_, err := p.Run(context.Background())
	expectCode(t, err, ErrorUpstreamEmpty, "news_empty")

	require.Empty(t, f.llm.calls)
	require.Equal(t, []string{StageNews}, f.stagesWith(workflow.EventStarted))
	require.Equal(t, []string{StageNews}, f.stagesWith(workflow.EventFailed))
}

func TestPipeline_ExtractionDropsInvalidEmail(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t, PipelineConfig{})

	state, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Suppliers, 1)
	require.Equal(t, "Acme Steel", state.Suppliers[0].CompanyName)
	require.Equal(t, "acme@steel.com", state.Suppliers[0].Email)
	require.Equal(t, "rebar", state.Suppliers[0].ProductName)
}

func TestPipeline_EmptyExtractionCompletes(t *testing.T) {
	for name, answer := range map[string]string{
		"empty list":   `{"suppliers":[]}`,
		"bare array":   `[]`,
		"unparseable":  `I could not find any suppliers.`,
		"missing key":  `{"companies":[]}`,
		"all rejected": `[{"company_name":"","email":"x@y.com"}]`,
	} {
		t.Run(name, func(t *testing.T) {
			f := newPipelineFixture()
			f.llm.answers[extractionModel] = answer
			p := f.build(t, PipelineConfig{})

			state, err := p.Run(context.Background())
			require.NoError(t, err)
			require.Empty(t, state.Suppliers)
			require.Equal(t, "0 inserted", state.PersistStatus)
			require.Equal(t, "no suppliers to contact", state.FinalStatus)
			require.Empty(t, f.mailer.sent)
			require.Zero(t, f.store.insertCalls)
			require.Equal(t, Stages(), f.stagesWith(workflow.EventCompleted))
		})
	}
}

func TestPipeline_EmptyResearchIsFatal(t *testing.T) {
	f := newPipelineFixture()
	f.research.text = ""
	p := f.build(t, PipelineConfig{})

	_, err := p.Run(context.Background())
	expectCode(t, err, ErrorUpstreamEmpty, "research_empty")
	require.Len(t, f.llm.calls, 1)
}

func TestPipeline_MalformedRiskAnalysisIsFatal(t *testing.T) {
	f := newPipelineFixture()
	f.llm.answers[analysisModel] = `{"prompt":"steel"}`
	p := f.build(t, PipelineConfig{})

	state, err := p.Run(context.Background())
	expectCode(t, err, ErrorParse, "risk_analysis_malformed")
	require.Empty(t, f.research.prompts)
	require.Empty(t, state.SearchPrompt)
	require.NotEmpty(t, state.NewsText)
}

func TestPipeline_RiskAnalysisAcceptsFencedJSON(t *testing.T) {
	f := newPipelineFixture()
	f.llm.answers[analysisModel] = "```json\n{\"search_prompt\":\"aluminum sheet suppliers\"}\n```"
	p := f.build(t, PipelineConfig{})

	state, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "aluminum sheet suppliers", state.SearchPrompt)
}

func TestPipeline_CollaboratorErrors(t *testing.T) {
	t.Run("news rate limited", func(t *testing.T) {
		f := newPipelineFixture()
		f.news.err = statusErr{code: http.StatusTooManyRequests}
		_, err := f.build(t, PipelineConfig{}).Run(context.Background())
		expectCode(t, err, ErrorRateLimited, "news_rate_limited")
	})
	t.Run("browser unreachable", func(t *testing.T) {
		f := newPipelineFixture()
		f.research.err = errBoom
		_, err := f.build(t, PipelineConfig{}).Run(context.Background())
		expectCode(t, err, ErrorUnreachable, "browser_error")
		require.ErrorIs(t, err, errBoom)
	})
	t.Run("extraction model down", func(t *testing.T) {
		f := newPipelineFixture()
		f.llm.errs[extractionModel] = statusErr{code: http.StatusBadGateway}
		_, err := f.build(t, PipelineConfig{}).Run(context.Background())
		expectCode(t, err, ErrorUnreachable, "openai_error")
		require.Zero(t, f.store.insertCalls)
	})
}

func TestPipeline_PersistenceFailureIsFatal(t *testing.T) {
	f := newPipelineFixture()
	f.store.insertErr = errBoom
	p := f.build(t, PipelineConfig{})

	state, err := p.Run(context.Background())
	expectCode(t, err, ErrorPersistence, "supplier_insert_error")
	require.Empty(t, f.mailer.sent)
	require.Empty(t, state.PersistStatus)
	require.Equal(t, []string{StagePersistence}, f.stagesWith(workflow.EventFailed))
}

func TestPipeline_SendFailureIsAbsorbed(t *testing.T) {
	f := newPipelineFixture()
	f.mailer.sendErr["acme@steel.com"] = errBoom
	p := f.build(t, PipelineConfig{})

	state, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "0 contacted, 1 failed", state.FinalStatus)

	suppliers, err := f.store.ListSuppliers(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, suppliers, 1)
}

func TestPipeline_StalledResearchTimesOut(t *testing.T) {
	f := newPipelineFixture()
	f.research.block = true
	p := f.build(t, PipelineConfig{StageTimeout: time.Second, ResearchTimeout: 20 * time.Millisecond})

	_, err := p.Run(context.Background())
	require.Error(t, err)
	var se *workflow.StageError
	require.ErrorAs(t, err, &se)
	require.True(t, se.Timeout)
	require.Equal(t, StageWebResearch, se.Stage)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.NotEmpty(t, CodeOf(err))
	require.Empty(t, f.mailer.sent)
}

func TestPipeline_RunIDReachesEvents(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t, PipelineConfig{})
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	for _, e := range f.events {
		require.Equal(t, "run-1", e.RunID)
	}
}

func TestPipeline_RiskAnalysisPromptCarriesNewsAndCompany(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t, PipelineConfig{Company: "Acme Motors"})
	_, err := p.Run(context.Background())
	require.NoError(t, err)

	first := f.llm.calls[0]
	require.Equal(t, analysisModel, first.model)
	require.True(t, strings.Contains(first.messages[0].Content, "Acme Motors"))
	require.Contains(t, first.messages[1].Content, "Steel tariffs disrupt automotive supply.")
}

func TestNewPipeline_Validation(t *testing.T) {
	f := newPipelineFixture()
	outreach, err := NewOutreachService(f.mailer, f.store, OutreachConfig{Company: "Ford Otosan", Quantity: 1}, nil)
	require.NoError(t, err)
	full := PipelineDeps{News: f.news, Researcher: f.research, LLM: f.llm, Store: f.store, Outreach: outreach}
	cfg := PipelineConfig{AnalysisModel: "a", ExtractionModel: "b", Company: "c"}

	_, err = NewPipeline(full, cfg)
	require.NoError(t, err)

	noNews := full
	noNews.News = nil
	_, err = NewPipeline(noNews, cfg)
	require.Error(t, err)

	noStore := full
	noStore.Store = nil
	_, err = NewPipeline(noStore, cfg)
	require.Error(t, err)

	_, err = NewPipeline(full, PipelineConfig{AnalysisModel: "a", Company: "c"})
	require.Error(t, err)
}

func TestPipeline_CallerDeadlineMapsToTimeout(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t, PipelineConfig{StageTimeout: time.Second})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err := p.Run(ctx)
	expectCode(t, err, ErrorUnreachable, StageNews+"_timeout")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, f.llm.calls)
}

func TestPipeline_CallerCancelKeepsUncodedError(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t, PipelineConfig{StageTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, CodeOf(err))
}

func TestPipeline_FinalStatusIsWrittenOnce(t *testing.T) {
	f := newPipelineFixture()
	p := f.build(t, PipelineConfig{})

	s := &domain.WorkflowState{RunID: "run-1", FinalStatus: "earlier"}
	require.NoError(t, s.SetInserted(nil, "0 inserted"))
	_, err := p.initialOutreach(context.Background(), s)
	expectCode(t, err, ErrorInternal, "state_error")
	require.ErrorIs(t, err, domain.ErrFieldAlreadySet)
	require.Equal(t, "earlier", s.FinalStatus)
}
