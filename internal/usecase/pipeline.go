package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"supply-agent/internal/domain"
	"supply-agent/internal/integrations/openai"
	"supply-agent/internal/logging"
	"supply-agent/internal/workflow"
)

// Stage names, in execution order.
const (
	StageNews            = "news"
	StageRiskAnalysis    = "risk_analysis"
	StageWebResearch     = "web_research"
	StageExtraction      = "extraction"
	StagePersistence     = "persistence"
	StageInitialOutreach = "initial_outreach"
)

// Stages returns the pipeline stage names in execution order.
func Stages() []string {
	return []string{StageNews, StageRiskAnalysis, StageWebResearch, StageExtraction, StagePersistence, StageInitialOutreach}
}

type PipelineDeps struct {
	News       NewsFetcher
	Researcher Researcher
	LLM        LLMClient
	Store      Store
	Outreach   *OutreachService
	Logger     *slog.Logger
}

type PipelineConfig struct {
	AnalysisModel   string
	ExtractionModel string
	Company         string
	// StageTimeout bounds every stage; ResearchTimeout overrides it for web
	// research. Zero leaves a stage bounded only by the caller's context.
	StageTimeout    time.Duration
	ResearchTimeout time.Duration
}

// Pipeline runs one risk-to-outreach pass.
type Pipeline struct {
	deps  PipelineDeps
	cfg   PipelineConfig
	graph *workflow.Graph[*domain.WorkflowState]
	log   *slog.Logger
	newID func() string
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig) (*Pipeline, error) {
	switch {
	case deps.News == nil:
		return nil, errors.New("usecase: news fetcher must not be nil")
	case deps.Researcher == nil:
		return nil, errors.New("usecase: researcher must not be nil")
	case deps.LLM == nil:
		return nil, errors.New("usecase: llm client must not be nil")
	case deps.Store == nil:
		return nil, errors.New("usecase: store must not be nil")
	case deps.Outreach == nil:
		return nil, errors.New("usecase: outreach service must not be nil")
	}
	if strings.TrimSpace(cfg.AnalysisModel) == "" || strings.TrimSpace(cfg.ExtractionModel) == "" {
		return nil, errors.New("usecase: analysis and extraction models must be set")
	}
	if strings.TrimSpace(cfg.Company) == "" {
		return nil, errors.New("usecase: outreach company must not be empty")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		deps:  deps,
		cfg:   cfg,
		log:   logger.With("component", "pipeline"),
		newID: uuid.NewString,
	}

	g := workflow.New[*domain.WorkflowState](cfg.StageTimeout)
	g.AddNode(StageNews, p.news)
	g.AddNode(StageRiskAnalysis, p.riskAnalysis)
	if cfg.ResearchTimeout > 0 {
		g.AddNode(StageWebResearch, p.webResearch, workflow.WithTimeout(cfg.ResearchTimeout))
	} else {
		g.AddNode(StageWebResearch, p.webResearch)
	}
	g.AddNode(StageExtraction, p.extraction)
	g.AddNode(StagePersistence, p.persistence)
	g.AddNode(StageInitialOutreach, p.initialOutreach)
	g.Chain(Stages()...)
	if _, err := g.Compile(); err != nil {
		return nil, err
	}
	g.OnEvent(p.logEvent)
	p.graph = g
	return p, nil
}

// OnEvent registers a listener for stage transitions.
func (p *Pipeline) OnEvent(l workflow.Listener) {
	p.graph.OnEvent(l)
}

// Run executes every stage once. The returned state holds whatever the
// completed stages produced, also on failure.
func (p *Pipeline) Run(ctx context.Context) (domain.WorkflowState, error) {
	runID := p.newID()
	ctx = logging.WithRunID(ctx, runID)
	state := &domain.WorkflowState{RunID: runID}

	logging.FromContext(ctx, p.log).Info("workflow started")
	_, err := p.graph.Run(ctx, runID, state)
	if err != nil {
		var se *workflow.StageError
		if errors.As(err, &se) && CodeOf(err) == "" && (se.Timeout || errors.Is(err, context.DeadlineExceeded)) {
			err = newError(ErrorUnreachable, se.Stage+"_timeout", err)
		}
		logging.FromContext(ctx, p.log).Error("workflow failed", "code", CodeOf(err), "err", err)
		return *state, err
	}
	logging.FromContext(ctx, p.log).Info("workflow finished", "status", state.FinalStatus)
	return *state, nil
}

func (p *Pipeline) logEvent(e workflow.Event) {
	log := p.log.With("run_id", e.RunID, "stage", e.Stage)
	switch e.Kind {
	case workflow.EventStarted:
		log.Info("stage started")
	case workflow.EventCompleted:
		log.Info("stage completed", "duration", e.Duration)
	case workflow.EventFailed:
		log.Error("stage failed", "duration", e.Duration, "err", e.Err)
	}
}

func (p *Pipeline) news(ctx context.Context, s *domain.WorkflowState) (*domain.WorkflowState, error) {
	text, err := p.deps.News.FetchRiskNews(ctx)
	if err != nil {
		return s, collaboratorError("news", err)
	}
	if strings.TrimSpace(text) == "" {
		return s, newError(ErrorUpstreamEmpty, "news_empty", nil)
	}
	if err := domain.SetString(&s.NewsText, "news_text", text); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	return s, nil
}

func (p *Pipeline) riskAnalysis(ctx context.Context, s *domain.WorkflowState) (*domain.WorkflowState, error) {
	if err := domain.RequireString(s.NewsText, "news_text"); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	raw, err := p.deps.LLM.Chat(ctx, p.cfg.AnalysisModel,
		buildRiskAnalysisMessages(p.cfg.Company, s.NewsText),
		openai.WithJSONSchema("search_prompt", searchPromptSchema))
	if err != nil {
		return s, collaboratorError("openai", err)
	}
	prompt, err := parseSearchPrompt(raw)
	if err != nil {
		return s, newError(ErrorParse, "risk_analysis_malformed", err)
	}
	logging.FromContext(ctx, p.log).Info("search prompt generated", "prompt", prompt)
	if err := domain.SetString(&s.SearchPrompt, "search_prompt", prompt); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	return s, nil
}

func (p *Pipeline) webResearch(ctx context.Context, s *domain.WorkflowState) (*domain.WorkflowState, error) {
	if err := domain.RequireString(s.SearchPrompt, "search_prompt"); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	text, err := p.deps.Researcher.Research(ctx, s.SearchPrompt)
	if err != nil {
		return s, collaboratorError("browser", err)
	}
	if strings.TrimSpace(text) == "" {
		return s, newError(ErrorUpstreamEmpty, "research_empty", nil)
	}
	if err := domain.SetString(&s.ResearchText, "research_text", text); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	return s, nil
}

// extraction degrades to an empty list when the model output cannot be
// parsed; only a failed model call stops the run.
func (p *Pipeline) extraction(ctx context.Context, s *domain.WorkflowState) (*domain.WorkflowState, error) {
	if err := domain.RequireString(s.ResearchText, "research_text"); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	log := logging.FromContext(ctx, p.log)
	raw, err := p.deps.LLM.Chat(ctx, p.cfg.ExtractionModel,
		buildExtractionMessages(s.ResearchText),
		openai.WithJSONSchema("supplier_list", supplierListSchema))
	if err != nil {
		return s, collaboratorError("openai", err)
	}
	candidates, err := parseSupplierList(raw)
	if err != nil {
		log.Warn("extraction output unparseable, continuing with no suppliers", "err", err)
		candidates = nil
	}
	suppliers := FilterCandidates(candidates, log)
	log.Info("suppliers extracted", "candidates", len(candidates), "valid", len(suppliers))
	if err := s.SetSuppliers(suppliers); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	return s, nil
}

func (p *Pipeline) persistence(ctx context.Context, s *domain.WorkflowState) (*domain.WorkflowState, error) {
	if !s.Extracted() {
		return s, newError(ErrorInternal, "state_error", fmt.Errorf("%w: suppliers", domain.ErrMissingInput))
	}
	var inserted []domain.SupplierRecord
	if len(s.Suppliers) > 0 {
		var err error
		inserted, err = p.deps.Store.InsertSuppliers(ctx, s.RunID, s.Suppliers)
		if err != nil {
			return s, newError(ErrorPersistence, "supplier_insert_error", err)
		}
	}
	if err := s.SetInserted(inserted, fmt.Sprintf("%d inserted", len(inserted))); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	return s, nil
}

func (p *Pipeline) initialOutreach(ctx context.Context, s *domain.WorkflowState) (*domain.WorkflowState, error) {
	if !s.Persisted() {
		return s, newError(ErrorInternal, "state_error", fmt.Errorf("%w: inserted", domain.ErrMissingInput))
	}
	if len(s.Inserted) == 0 {
		if err := domain.SetString(&s.FinalStatus, "final_status", "no suppliers to contact"); err != nil {
			return s, newError(ErrorInternal, "state_error", err)
		}
		return s, nil
	}
	res, err := p.deps.Outreach.ContactSuppliers(ctx, s.Inserted)
	if err != nil {
		return s, err
	}
	if err := domain.SetString(&s.FinalStatus, "final_status", fmt.Sprintf("%d contacted, %d failed", res.Contacted, res.Failed)); err != nil {
		return s, newError(ErrorInternal, "state_error", err)
	}
	return s, nil
}
