package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every configuration key read from the environment.
const EnvPrefix = "SUPPLY_AGENT"

const (
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
)

type Config struct {
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Params   ParamsConfig   `mapstructure:"params" yaml:"params"`
	OpenAI   OpenAIConfig   `mapstructure:"openai" yaml:"openai"`
	News     NewsConfig     `mapstructure:"news" yaml:"news"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Gmail    GmailConfig    `mapstructure:"gmail" yaml:"gmail"`
	Outreach OutreachConfig `mapstructure:"outreach" yaml:"outreach"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`

	// Secrets are only consulted when Params.Prefix is empty.
	Secrets Secrets `mapstructure:"secrets" yaml:"-"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	Table      string `mapstructure:"table" yaml:"table,omitempty"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path,omitempty"`
}

// ParamsConfig selects where credentials come from. A non-empty Prefix reads
// them from SSM Parameter Store under that path.
type ParamsConfig struct {
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

type OpenAIConfig struct {
	BaseURL         string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	AnalysisModel   string `mapstructure:"analysis_model" yaml:"analysis_model"`
	ExtractionModel string `mapstructure:"extraction_model" yaml:"extraction_model"`
	ReplyModel      string `mapstructure:"reply_model" yaml:"reply_model"`
}

type NewsConfig struct {
	BaseURL          string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	MaxArticles      int    `mapstructure:"max_articles" yaml:"max_articles"`
	LookbackDays     int    `mapstructure:"lookback_days" yaml:"lookback_days"`
	MinArticleLength int    `mapstructure:"min_article_length" yaml:"min_article_length"`
	PageSize         int    `mapstructure:"page_size" yaml:"page_size"`
}

type BrowserConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxSteps int    `mapstructure:"max_steps" yaml:"max_steps"`
}

type GmailConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Sender  string `mapstructure:"sender" yaml:"sender"`
}

type OutreachConfig struct {
	Company    string `mapstructure:"company" yaml:"company"`
	Quantity   int    `mapstructure:"quantity" yaml:"quantity"`
	StopMarker string `mapstructure:"stop_marker" yaml:"stop_marker"`
}

type TimeoutsConfig struct {
	Stage    time.Duration `mapstructure:"stage" yaml:"stage"`
	Research time.Duration `mapstructure:"research" yaml:"research"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type Secrets struct {
	OpenAIKey  string `mapstructure:"openai_api_key"`
	NewsAPIKey string `mapstructure:"news_api_key"`
	GmailToken string `mapstructure:"gmail_token"`
}

// MissingError lists required settings that are absent or invalid.
type MissingError struct {
	Keys []string
}

func (e *MissingError) Error() string {
	return "config: missing or invalid settings: " + strings.Join(e.Keys, ", ")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.table", "")
	v.SetDefault("store.sqlite_path", "supply-agent.db")
	v.SetDefault("params.prefix", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.analysis_model", "gpt-4o")
	v.SetDefault("openai.extraction_model", "gpt-4o-mini")
	v.SetDefault("openai.reply_model", "gpt-4o-mini")
	v.SetDefault("news.base_url", "")
	v.SetDefault("news.max_articles", 3)
	v.SetDefault("news.lookback_days", 2)
	v.SetDefault("news.min_article_length", 300)
	v.SetDefault("news.page_size", 20)
	v.SetDefault("browser.url", "")
	v.SetDefault("browser.max_steps", 12)
	v.SetDefault("gmail.base_url", "")
	v.SetDefault("gmail.sender", "")
	v.SetDefault("outreach.company", "Ford Otosan")
	v.SetDefault("outreach.quantity", 10000)
	v.SetDefault("outreach.stop_marker", "[STOP_CONVERSATION]")
	v.SetDefault("timeouts.stage", 2*time.Minute)
	v.SetDefault("timeouts.research", 10*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance carrying defaults and environment bindings.
// Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("secrets.openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("secrets.news_api_key", "NEWS_API_KEY")
	_ = v.BindEnv("secrets.gmail_token", "GMAIL_TOKEN")
	return v
}

// Load reads an optional YAML file at path and layers the environment on top.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Params.Prefix = strings.TrimRight(strings.TrimSpace(cfg.Params.Prefix), "/")
	return &cfg, nil
}

func (c *Config) UsesParamStore() bool {
	return c.Params.Prefix != ""
}

func (c *Config) validateCommon(missing []string) []string {
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			missing = append(missing, "store.sqlite_path")
		}
	case DriverDynamoDB:
		if strings.TrimSpace(c.Store.Table) == "" {
			missing = append(missing, "store.table")
		}
	default:
		missing = append(missing, "store.driver")
	}
	if strings.TrimSpace(c.Gmail.Sender) == "" {
		missing = append(missing, "gmail.sender")
	}
	if c.Timeouts.Stage <= 0 {
		missing = append(missing, "timeouts.stage")
	}
	if strings.TrimSpace(c.Outreach.StopMarker) == "" {
		missing = append(missing, "outreach.stop_marker")
	}
	if !c.UsesParamStore() {
		if c.Secrets.OpenAIKey == "" {
			missing = append(missing, "OPENAI_API_KEY")
		}
		if c.Secrets.GmailToken == "" {
			missing = append(missing, "GMAIL_TOKEN")
		}
	}
	return missing
}

// ValidateWorkflow checks everything a full pipeline run depends on.
func (c *Config) ValidateWorkflow() error {
	missing := c.validateCommon(nil)
	if strings.TrimSpace(c.Browser.URL) == "" {
		missing = append(missing, "browser.url")
	}
	if c.OpenAI.AnalysisModel == "" {
		missing = append(missing, "openai.analysis_model")
	}
	if c.OpenAI.ExtractionModel == "" {
		missing = append(missing, "openai.extraction_model")
	}
	if c.Outreach.Quantity <= 0 {
		missing = append(missing, "outreach.quantity")
	}
	if strings.TrimSpace(c.Outreach.Company) == "" {
		missing = append(missing, "outreach.company")
	}
	if c.Timeouts.Research <= 0 {
		missing = append(missing, "timeouts.research")
	}
	if !c.UsesParamStore() && c.Secrets.NewsAPIKey == "" {
		missing = append(missing, "NEWS_API_KEY")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}
	return nil
}

// ValidateReplies checks what the inbound reply loop depends on.
func (c *Config) ValidateReplies() error {
	missing := c.validateCommon(nil)
	if c.OpenAI.ReplyModel == "" {
		missing = append(missing, "openai.reply_model")
	}
	if len(missing) > 0 {
		return &MissingError{Keys: missing}
	}
	return nil
}

// ValidateStore checks only the persistence settings, for read-only commands.
func (c *Config) ValidateStore() error {
	missing := c.validateCommon(nil)
	keep := missing[:0]
	for _, k := range missing {
		if strings.HasPrefix(k, "store.") {
			keep = append(keep, k)
		}
	}
	if len(keep) > 0 {
		return &MissingError{Keys: keep}
	}
	return nil
}

// YAML renders the effective configuration without secrets.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: encode yaml: %w", err)
	}
	return out, nil
}

// IsMissing reports whether err is a *MissingError.
func IsMissing(err error) bool {
	var m *MissingError
	return errors.As(err, &m)
}
