package socrata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
	"github.com/mkoziy/fireincidents/ingester/internal/ratelimit"
)

const (
	DefaultDomain   = "data.sfgov.org"
	DefaultDataset  = "wr8u-xric"
	DefaultPageSize = 2000

	appTokenHeader = "X-App-Token"
	maxErrorBody   = 512
)

// Config describes the dataset to pull.
type Config struct {
	Domain   string        `yaml:"domain"`
	Dataset  string        `yaml:"dataset"`
	AppToken string        `yaml:"app_token"`
	PageSize int           `yaml:"page_size"`
	Timeout  time.Duration `yaml:"timeout"`
	// Where is an extra SoQL filter AND-ed with the watermark filter.
	Where    string `yaml:"where"`
	Prefetch bool   `yaml:"prefetch"`
}

// PageQuery is one SoQL page request.
type PageQuery struct {
	Where  string
	Order  string
	Limit  int
	Offset int
}

// Client handles Socrata resource API requests.
type Client struct {
	httpClient *http.Client
	limiter    ratelimit.Limiter
	retry      ratelimit.Config
	endpoint   string
	appToken   string
	logger     *slog.Logger
	onRetry    func(reason string)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryObserver is called before every retry with a short reason such
// as "429" or "timeout".
func WithRetryObserver(fn func(reason string)) Option {
	return func(c *Client) { c.onRetry = fn }
}

// NewClient creates a client for cfg.Dataset on cfg.Domain. The domain may
// carry a scheme; plain host names are reached over HTTPS.
func NewClient(cfg Config, limiter ratelimit.Limiter, retry ratelimit.Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	domain := cfg.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	dataset := cfg.Dataset
	if dataset == "" {
		dataset = DefaultDataset
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		retry:      retry.Normalize(),
		endpoint:   fmt.Sprintf("%s/resource/%s.json", strings.TrimRight(domain, "/"), url.PathEscape(dataset)),
		appToken:   cfg.AppToken,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the resource URL pages are fetched from.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// FetchPage retrieves one page of records. Timeouts, 5xx and 429 responses
// are retried with backoff; once retries run out the error wraps
// models.ErrTransientNetwork.
func (c *Client) FetchPage(ctx context.Context, q PageQuery) ([]models.RawRecord, error) {
	params := url.Values{}
	if q.Where != "" {
		params.Set("$where", q.Where)
	}
	if q.Order != "" {
		params.Set("$order", q.Order)
	}
	params.Set("$limit", strconv.Itoa(q.Limit))
	params.Set("$offset", strconv.Itoa(q.Offset))
	u := c.endpoint + "?" + params.Encode()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		records, hint, err := c.do(ctx, u)
		if err == nil {
			return records, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var te *transientError
		if !errors.As(err, &te) {
			return nil, err
		}
		lastErr = err
		if !ratelimit.ShouldRetry(attempt+1, c.retry.MaxRetries) {
			break
		}

		wait := c.limiter.RetryAfter(attempt+1, hint)
		c.logger.WarnContext(ctx, "socrata request failed, retrying",
			"offset", q.Offset, "attempt", attempt+1, "reason", te.reason, "wait", wait)
		if c.onRetry != nil {
			c.onRetry(te.reason)
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: giving up after %d attempts: %w", models.ErrTransientNetwork, c.retry.MaxRetries+1, lastErr)
}

// transientError marks a failure worth retrying.
type transientError struct {
	reason string
	err    error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) do(ctx context.Context, u string) ([]models.RawRecord, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: create request: %w", models.ErrConfiguration, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		req.Header.Set(appTokenHeader, c.appToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		reason := "network"
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			reason = "timeout"
		}
		return nil, 0, &transientError{reason: reason, err: fmt.Errorf("execute request: %w", err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &transientError{reason: "network", err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, retryAfter(resp.Header.Get("Retry-After"), time.Now()), &transientError{
			reason: strconv.Itoa(resp.StatusCode),
			err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet(body)),
		}
	default:
		return nil, 0, fmt.Errorf("%w: unexpected status %d: %s", models.ErrConfiguration, resp.StatusCode, snippet(body))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var records []models.RawRecord
	if err := dec.Decode(&records); err != nil {
		return nil, 0, fmt.Errorf("%w: decode response: %w", models.ErrRemoteProtocol, err)
	}
	return records, 0, nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody] + "..."
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
