// Package openai talks to OpenAI-compatible chat completion and moderation
// endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"supply-agent/internal/domain"
	"supply-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	tokenParam     = "/open-ai-token"
	maxErrorBody   = 4096
	maxBody        = 1 << 20
)

var (
	// ErrRefused is returned when the model declines to produce structured output.
	ErrRefused = errors.New("openai: model refused the request")
	// ErrTruncated is returned when the completion hit the token limit.
	ErrTruncated = errors.New("openai: completion truncated")
)

type completionRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *schemaSpec `json:"json_schema,omitempty"`
}

type schemaSpec struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type moderationResponse struct {
	Results []struct {
		Flagged    bool            `json:"flagged"`
		Categories map[string]bool `json:"categories"`
	} `json:"results"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// HTTPStatusError is a non-2xx answer. Message is the provider's error text
// when the body carries one.
type HTTPStatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// ChatOption customizes a single Chat call.
type ChatOption func(*completionRequest)

// WithJSONSchema asks for strict structured output matching schema.
func WithJSONSchema(name string, schema json.RawMessage) ChatOption {
	return func(r *completionRequest) {
		r.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &schemaSpec{Name: name, Strict: true, Schema: schema},
		}
	}
}

func WithTemperature(t float64) ChatOption {
	return func(r *completionRequest) {
		r.Temperature = &t
	}
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	getter     paramstore.Getter
	tokenName  string
	logger     *slog.Logger

	mu     sync.Mutex
	apiKey string
}

type Option func(*Client)

// WithBaseURL points the client at an OpenAI-compatible server. Empty keeps
// the default.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient builds a client whose API key is read from
// <paramPrefix>/open-ai-token on first use.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		getter:     ps,
		tokenName:  paramPrefix + tokenParam,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		return nil, errors.New("openai: http client must not be nil")
	}
	return c, nil
}

// key returns the cached API key. A failed lookup is not cached, so a
// transient parameter store error only fails the current call.
func (c *Client) key(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	k, err := paramstore.Token(ctx, c.getter, c.tokenName)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	c.apiKey = k
	return k, nil
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// Chat returns the content of the first choice.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage, opts ...ChatOption) (string, error) {
	if strings.TrimSpace(model) == "" {
		return "", errors.New("openai: model must not be empty")
	}
	req := completionRequest{Model: model, Messages: messages}
	for _, opt := range opts {
		opt(&req)
	}

	var out completionResponse
	if err := c.call(ctx, "/chat/completions", req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	choice := out.Choices[0]
	c.logger.Debug("chat completion",
		"model", model,
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason)

	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("%w: %s", ErrRefused, choice.Message.Refusal)
	}
	if choice.FinishReason == "length" {
		return "", ErrTruncated
	}
	return choice.Message.Content, nil
}

// Moderate reports whether input is flagged by the moderation endpoint.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	var out moderationResponse
	if err := c.call(ctx, "/moderations", map[string]string{"input": input}, &out); err != nil {
		return false, err
	}
	if len(out.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	res := out.Results[0]
	if res.Flagged {
		var cats []string
		for name, hit := range res.Categories {
			if hit {
				cats = append(cats, name)
			}
		}
		sort.Strings(cats)
		c.logger.Debug("moderation flagged input", "categories", cats)
	}
	return res.Flagged, nil
}

func (c *Client) call(ctx context.Context, path string, payload, out any) error {
	apiKey, err := c.key(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("openai: encode %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: build %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openai: %s: %w", path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return statusError(res)
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return fmt.Errorf("openai: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai: decode %s: %w", path, err)
	}
	return nil
}

func statusError(res *http.Response) *HTTPStatusError {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	e := &HTTPStatusError{StatusCode: res.StatusCode, Message: strings.TrimSpace(string(raw))}
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		e.Message = env.Error.Message
	}
	if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}
