package newsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"supply-agent/internal/integrations/paramstore"
)

// ArticleSeparator delimits article texts in the returned news bundle.
const ArticleSeparator = "\n\n--- ARTICLE SEPARATOR ---\n\n"

var (
	riskKeywords = []string{
		"steel", "aluminum", "semiconductor", "chip", "lithium", "cobalt", "rubber",
		"logistics", "shipping", "port", "tariff", "strike", "disaster", "shortage",
		"crisis", "wars", "harbour",
	}
	contextKeywords = []string{"automotive", `"car manufacturing"`, `"auto industry"`, "Ford"}
	paywallMarkers  = []string{"log in", "login", "subscribe", "password", "user id", "create an account"}
)

// HTTPStatusError captures non-2xx responses from NewsAPI.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("newsapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client searches NewsAPI for supply-chain risk headlines and downloads the
// full text of matching articles.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	getter       paramstore.Getter
	paramPrefix  string
	logger       *slog.Logger
	now          func() time.Time
	maxArticles  int
	lookbackDays int
	minLength    int
	pageSize     int

	keyMu  sync.Mutex
	apiKey string
}

type Option func(*Client)

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

// WithLimits overrides the article selection limits. Non-positive values keep
// the defaults.
func WithLimits(maxArticles, lookbackDays, minLength, pageSize int) Option {
	return func(c *Client) {
		if maxArticles > 0 {
			c.maxArticles = maxArticles
		}
		if lookbackDays > 0 {
			c.lookbackDays = lookbackDays
		}
		if minLength > 0 {
			c.minLength = minLength
		}
		if pageSize > 0 {
			c.pageSize = pageSize
		}
	}
}

// NewClient builds a NewsAPI client whose key is read from
// <paramPrefix>/news-api-token on first use.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("newsapi: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("newsapi: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:      "https://newsapi.org",
		httpClient:   &http.Client{Timeout: 20 * time.Second},
		getter:       ps,
		paramPrefix:  paramPrefix,
		logger:       slog.Default(),
		now:          time.Now,
		maxArticles:  3,
		lookbackDays: 2,
		minLength:    300,
		pageSize:     20,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		return nil, errors.New("newsapi: http client must not be nil")
	}
	return c, nil
}

// resolveKey caches the key once a lookup succeeds.
func (c *Client) resolveKey(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := paramstore.Token(ctx, c.getter, c.paramPrefix+"/news-api-token")
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

// Query returns the title query used to search for risk headlines.
func Query() string {
	return "(" + strings.Join(riskKeywords, " OR ") + ") AND (" + strings.Join(contextKeywords, " OR ") + ")"
}

type article struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// FetchRiskNews returns the text of up to maxArticles qualifying articles
// joined by ArticleSeparator, or "" when none qualify. Articles that fail to
// download or look paywalled are skipped.
func (c *Client) FetchRiskNews(ctx context.Context) (string, error) {
	articles, err := c.search(ctx)
	if err != nil {
		return "", err
	}

	texts := make([]string, 0, c.maxArticles)
	for _, a := range articles {
		if len(texts) >= c.maxArticles {
			break
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		text, err := c.articleText(ctx, a.URL)
		if err != nil {
			c.logger.Debug("article download failed", "url", a.URL, "err", err)
			continue
		}
		if !c.acceptable(text) {
			c.logger.Debug("article rejected", "url", a.URL, "length", len(text))
			continue
		}
		texts = append(texts, text)
	}
	c.logger.Info("risk news collected", "candidates", len(articles), "accepted", len(texts))
	return strings.Join(texts, ArticleSeparator), nil
}

func (c *Client) search(ctx context.Context) ([]article, error) {
	key, err := c.resolveKey(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("qInTitle", Query())
	q.Set("language", "en")
	q.Set("from", c.now().AddDate(0, 0, -c.lookbackDays).Format("2006-01-02"))
	q.Set("sortBy", "publishedAt")
	q.Set("pageSize", fmt.Sprint(c.pageSize))
	endpoint := strings.TrimRight(c.baseURL, "/") + "/v2/everything?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("newsapi: create request: %w", err)
	}
	req.Header.Set("X-Api-Key", key)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newsapi: search: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: c.baseURL + "/v2/everything", Body: string(buf)}
	}

	var out struct {
		Status   string    `json:"status"`
		Message  string    `json:"message"`
		Articles []article `json:"articles"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("newsapi: decode response: %w", err)
	}
	if out.Status != "" && out.Status != "ok" {
		return nil, fmt.Errorf("newsapi: search returned status %q: %s", out.Status, out.Message)
	}
	return out.Articles, nil
}

func (c *Client) articleText(ctx context.Context, articleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "supply-agent/1.0")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request article: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("article returned %s", res.Status)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}
	return extractText(doc), nil
}

// extractText joins the non-empty paragraphs of the main content, preferring
// an <article> element when the page has one.
func extractText(doc *goquery.Document) string {
	doc.Find("script, style, nav, header, footer, aside, form").Remove()

	scope := doc.Find("article").First()
	if scope.Length() == 0 || strings.TrimSpace(scope.Find("p").Text()) == "" {
		scope = doc.Find("body")
	}

	var paragraphs []string
	scope.Find("p").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	return strings.Join(paragraphs, "\n")
}

func (c *Client) acceptable(text string) bool {
	if utf8.RuneCountInString(text) < c.minLength {
		return false
	}
	lower := strings.ToLower(text)
	for _, marker := range paywallMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
