// Package app assembles collaborators from configuration. It is the only
// place that knows which concrete store, mail or model client backs a run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"supply-agent/internal/config"
	"supply-agent/internal/integrations/browser"
	"supply-agent/internal/integrations/gmail"
	"supply-agent/internal/integrations/newsapi"
	"supply-agent/internal/integrations/openai"
	"supply-agent/internal/integrations/paramstore"
	"supply-agent/internal/repository"
	"supply-agent/internal/usecase"
)

// LocalParamPrefix namespaces secrets taken from the environment.
const LocalParamPrefix = "/supply-agent"

// App holds the store and secret source shared by every command of one
// process. Clients for external services are built on demand.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	store  usecase.Store
	params paramstore.Getter
	prefix string
	close  func() error

	awsCfg *aws.Config
}

// Open validates the store settings and connects to it.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, usecase.NewConfigurationError(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, close: func() error { return nil }}

	switch cfg.Store.Driver {
	case config.DriverSQLite:
		client, err := repository.OpenSQLite(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.store = client
		a.close = client.Close
	case config.DriverDynamoDB:
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		client, err := repository.NewDynamo(awsdynamodb.NewFromConfig(awsCfg), cfg.Store.Table)
		if err != nil {
			return nil, err
		}
		a.store = client
	}
	logger.Debug("store opened", "driver", cfg.Store.Driver)
	return a, nil
}

func (a *App) Store() usecase.Store {
	return a.store
}

func (a *App) Close() error {
	return a.close()
}

func (a *App) aws(ctx context.Context) (aws.Config, error) {
	if a.awsCfg != nil {
		return *a.awsCfg, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load aws config: %w", err)
	}
	a.awsCfg = &awsCfg
	return awsCfg, nil
}

// secrets returns the parameter source and the prefix clients read under.
func (a *App) secrets(ctx context.Context) (paramstore.Getter, string, error) {
	if a.params != nil {
		return a.params, a.prefix, nil
	}
	if a.cfg.UsesParamStore() {
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return nil, "", err
		}
		client, err := paramstore.NewSSM(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, "", err
		}
		a.params, a.prefix = paramstore.NewCached(client), a.cfg.Params.Prefix
		return a.params, a.prefix, nil
	}
	a.params, a.prefix = localSecrets(a.cfg.Secrets), LocalParamPrefix
	return a.params, a.prefix, nil
}

func localSecrets(s config.Secrets) paramstore.Static {
	params := paramstore.Static{}
	for name, value := range map[string]string{
		"/open-ai-token":  s.OpenAIKey,
		"/news-api-token": s.NewsAPIKey,
		"/gmail-token":    s.GmailToken,
	} {
		if value != "" {
			params[LocalParamPrefix+name] = paramstore.TokenJSON(value)
		}
	}
	return params
}

func (a *App) openAI(ctx context.Context) (*openai.Client, error) {
	ps, prefix, err := a.secrets(ctx)
	if err != nil {
		return nil, err
	}
	opts := []openai.Option{openai.WithLogger(a.logger.With("component", "openai"))}
	if a.cfg.OpenAI.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(a.cfg.OpenAI.BaseURL))
	}
	return openai.NewClient(ps, prefix, opts...)
}

func (a *App) mailer(ctx context.Context) (*gmail.Client, error) {
	ps, prefix, err := a.secrets(ctx)
	if err != nil {
		return nil, err
	}
	var opts []gmail.Option
	if a.cfg.Gmail.BaseURL != "" {
		opts = append(opts, gmail.WithBaseURL(a.cfg.Gmail.BaseURL))
	}
	return gmail.NewClient(ps, prefix, a.cfg.Gmail.Sender, opts...)
}

func (a *App) news(ctx context.Context) (*newsapi.Client, error) {
	ps, prefix, err := a.secrets(ctx)
	if err != nil {
		return nil, err
	}
	n := a.cfg.News
	opts := []newsapi.Option{
		newsapi.WithLogger(a.logger.With("component", "newsapi")),
		newsapi.WithLimits(n.MaxArticles, n.LookbackDays, n.MinArticleLength, n.PageSize),
	}
	if n.BaseURL != "" {
		opts = append(opts, newsapi.WithBaseURL(n.BaseURL))
	}
	return newsapi.NewClient(ps, prefix, opts...)
}

// Pipeline builds the full risk-to-outreach workflow.
func (a *App) Pipeline(ctx context.Context) (*usecase.Pipeline, error) {
	if err := a.cfg.ValidateWorkflow(); err != nil {
		return nil, usecase.NewConfigurationError(err)
	}
	llm, err := a.openAI(ctx)
	if err != nil {
		return nil, err
	}
	mailer, err := a.mailer(ctx)
	if err != nil {
		return nil, err
	}
	news, err := a.news(ctx)
	if err != nil {
		return nil, err
	}
	researcher, err := browser.NewClient(a.cfg.Browser.URL, browser.WithMaxSteps(a.cfg.Browser.MaxSteps))
	if err != nil {
		return nil, err
	}
	outreach, err := usecase.NewOutreachService(mailer, a.store, usecase.OutreachConfig{
		Company:  a.cfg.Outreach.Company,
		Quantity: a.cfg.Outreach.Quantity,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	return usecase.NewPipeline(usecase.PipelineDeps{
		News:       news,
		Researcher: researcher,
		LLM:        llm,
		Store:      a.store,
		Outreach:   outreach,
		Logger:     a.logger,
	}, usecase.PipelineConfig{
		AnalysisModel:   a.cfg.OpenAI.AnalysisModel,
		ExtractionModel: a.cfg.OpenAI.ExtractionModel,
		Company:         a.cfg.Outreach.Company,
		StageTimeout:    a.cfg.Timeouts.Stage,
		ResearchTimeout: a.cfg.Timeouts.Research,
	})
}

// Replies builds the inbound reply service.
func (a *App) Replies(ctx context.Context) (*usecase.ReplyService, error) {
	if err := a.cfg.ValidateReplies(); err != nil {
		return nil, usecase.NewConfigurationError(err)
	}
	llm, err := a.openAI(ctx)
	if err != nil {
		return nil, err
	}
	mailer, err := a.mailer(ctx)
	if err != nil {
		return nil, err
	}
	return usecase.NewReplyService(mailer, a.store, llm, usecase.ReplyConfig{
		Model:      a.cfg.OpenAI.ReplyModel,
		Company:    a.cfg.Outreach.Company,
		Quantity:   a.cfg.Outreach.Quantity,
		StopMarker: a.cfg.Outreach.StopMarker,
	}, a.logger)
}
