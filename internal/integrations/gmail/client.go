package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"supply-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com"
	unreadQuery    = "is:unread from:(-me)"
	tokenTTL       = 5 * time.Minute
)

// OutboundEmail is a plain-text message to send. An empty ThreadID starts a
// new thread.
type OutboundEmail struct {
	To       string
	Subject  string
	Body     string
	ThreadID string
}

// SentEmail identifies a message accepted by Gmail.
type SentEmail struct {
	ID       string
	ThreadID string
}

// InboundRef is the summary returned when listing unread messages.
type InboundRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

// InboundEmail is a fetched message reduced to what the reply loop needs.
type InboundEmail struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	Body     string
}

// HTTPStatusError captures non-2xx responses from the Gmail API.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gmail: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the Gmail REST API on behalf of the sender mailbox.
// The OAuth access token is read from the parameter store and refreshed
// out of band; it is cached only briefly because it expires.
type Client struct {
	baseURL     string
	sender      string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string
	now         func() time.Time

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(baseURL); v != "" {
			c.baseURL = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient builds a Gmail client sending as sender.
func NewClient(ps paramstore.Getter, paramPrefix, sender string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gmail: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gmail: parameter prefix must not be empty")
	}
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return nil, errors.New("gmail: sender must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		sender:      sender,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Sub(c.fetchedAt) < tokenTTL {
		return c.token, nil
	}
	token, err := paramstore.Token(ctx, c.getter, c.paramPrefix+"/gmail-token")
	if err != nil {
		return "", fmt.Errorf("gmail: %w", err)
	}
	c.token = token
	c.fetchedAt = c.now()
	return token, nil
}

func (c *Client) messagesURL(suffix string) string {
	return strings.TrimRight(c.baseURL, "/") + "/gmail/v1/users/me/messages" + suffix
}

// Send delivers a plain-text email, threading it when ThreadID is set.
func (c *Client) Send(ctx context.Context, msg OutboundEmail) (SentEmail, error) {
	if strings.TrimSpace(msg.To) == "" {
		return SentEmail{}, errors.New("gmail: recipient must not be empty")
	}
	payload := map[string]string{"raw": encodeRaw(c.sender, msg)}
	if msg.ThreadID != "" {
		payload["threadId"] = msg.ThreadID
	}
	var out struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	if err := c.do(ctx, http.MethodPost, c.messagesURL("/send"), payload, &out); err != nil {
		return SentEmail{}, fmt.Errorf("gmail: send: %w", err)
	}
	if out.ThreadID == "" {
		return SentEmail{}, errors.New("gmail: send: response missing thread id")
	}
	return SentEmail{ID: out.ID, ThreadID: out.ThreadID}, nil
}

// ListUnread returns unread messages not sent by the mailbox owner.
func (c *Client) ListUnread(ctx context.Context) ([]InboundRef, error) {
	q := url.Values{}
	q.Set("q", unreadQuery)
	var out struct {
		Messages []InboundRef `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, c.messagesURL("?"+q.Encode()), nil, &out); err != nil {
		return nil, fmt.Errorf("gmail: list unread: %w", err)
	}
	return out.Messages, nil
}

type messagePart struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

// Get fetches a full message and extracts its plain-text body.
func (c *Client) Get(ctx context.Context, id string) (InboundEmail, error) {
	if strings.TrimSpace(id) == "" {
		return InboundEmail{}, errors.New("gmail: message id must not be empty")
	}
	var out struct {
		ID       string      `json:"id"`
		ThreadID string      `json:"threadId"`
		Payload  messagePart `json:"payload"`
	}
	if err := c.do(ctx, http.MethodGet, c.messagesURL("/"+url.PathEscape(id)+"?format=full"), nil, &out); err != nil {
		return InboundEmail{}, fmt.Errorf("gmail: get %s: %w", id, err)
	}
	body, err := plainBody(out.Payload)
	if err != nil {
		return InboundEmail{}, fmt.Errorf("gmail: get %s: %w", id, err)
	}
	subject := header(out.Payload, "subject")
	if subject == "" {
		subject = "No Subject"
	}
	return InboundEmail{
		ID:       out.ID,
		ThreadID: out.ThreadID,
		From:     header(out.Payload, "from"),
		Subject:  subject,
		Body:     strings.TrimSpace(body),
	}, nil
}

// MarkRead removes the UNREAD label from a message.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	payload := map[string][]string{"removeLabelIds": {"UNREAD"}}
	if err := c.do(ctx, http.MethodPost, c.messagesURL("/"+url.PathEscape(id)+"/modify"), payload, nil); err != nil {
		return fmt.Errorf("gmail: mark read %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, payload, v any) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func encodeRaw(from string, msg OutboundEmail) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

// plainBody walks the MIME tree depth-first and returns the first text/plain
// part, falling back to the top-level body for single-part messages.
func plainBody(p messagePart) (string, error) {
	if len(p.Parts) == 0 {
		return decodeData(p.Body.Data)
	}
	for _, part := range p.Parts {
		if part.MimeType == "text/plain" {
			return decodeData(part.Body.Data)
		}
		if len(part.Parts) > 0 {
			body, err := plainBody(part)
			if err != nil {
				return "", err
			}
			if body != "" {
				return body, nil
			}
		}
	}
	return "", nil
}

func decodeData(data string) (string, error) {
	if data == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return "", fmt.Errorf("decode body: %w", err)
		}
	}
	return string(raw), nil
}

func header(p messagePart, name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
