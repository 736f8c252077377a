package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultMaxSteps bounds how many browser actions the agent may take per task.
const DefaultMaxSteps = 12

// navigationHints are appended to the agent's system message for every task.
const navigationHints = `- Always open a new tab first.
- Wait for autocomplete suggestions and click the most relevant one instead of pressing Enter when one is shown.
- If no suggestion is clickable, press Enter; as a last resort click the search button.
- Scroll down when the visible content does not contain relevant elements, then re-evaluate the page.
- If a page stays blank or loads too slowly, refresh once, then skip to the next result.`

type taskRequest struct {
	Task                string `json:"task"`
	MaxSteps            int    `json:"max_steps"`
	ExtendSystemMessage string `json:"extend_system_message,omitempty"`
}

type taskResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// HTTPStatusError captures non-2xx responses from the browser agent service.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("browser: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client submits research tasks to a browser-automation agent over HTTP.
// The request carries no client-side timeout; callers bound it with ctx.
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxSteps   int
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithMaxSteps(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxSteps = n
		}
	}
}

func NewClient(endpoint string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("browser: endpoint must not be empty")
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		maxSteps:   DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		return nil, errors.New("browser: http client must not be nil")
	}
	return c, nil
}

// Research runs prompt as a browsing task and returns the agent's final
// answer. An agent that finishes without an answer yields "".
func (c *Client) Research(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("browser: prompt must not be empty")
	}

	buf, err := json.Marshal(taskRequest{
		Task:                prompt,
		MaxSteps:            c.maxSteps,
		ExtendSystemMessage: navigationHints,
	})
	if err != nil {
		return "", fmt.Errorf("browser: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("browser: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("browser: research: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, URL: c.endpoint, Body: string(body)}
	}

	var out taskResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("browser: decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("browser: agent failed: %s", out.Error)
	}
	return strings.TrimSpace(out.Result), nil
}
