package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mailmerge/internal/external"
	"mailmerge/internal/types"
)

// Defaults for ClientConfig.
const (
	DefaultBaseURL        = "https://ulvis.net"
	DefaultPixelURL       = "https://upload.wikimedia.org/wikipedia/commons/c/ca/1x1.png"
	DefaultMaxConcurrency = 25
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = 250 * time.Millisecond
	DefaultUserAgent      = "MailMerge/1.0"

	expireLayout = "01/02/2006"
	maxBodyBytes = 1 << 20
)

// Operation labels for metrics.
const (
	OpCreate = "create"
	OpRead   = "read"
)

// Metrics receives tracking outcomes.
type Metrics interface {
	RecordTrackingRequest(ctx context.Context, operation string, success bool)
	RecordRetired(ctx context.Context)
	RecordFallback(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordTrackingRequest(context.Context, string, bool) {}
func (noopMetrics) RecordRetired(context.Context)                       {}
func (noopMetrics) RecordFallback(context.Context)                      {}

// ClientConfig configures a Client. Zero values take the defaults above.
type ClientConfig struct {
	BaseURL        string
	PixelURL       string
	MaxConcurrency int
	MaxAttempts    int
	RetryDelay     time.Duration
	UserAgent      string

	// BreakerThreshold is the number of consecutive upstream failures
	// tolerated before the circuit opens. Defaults to
	// MaxConcurrency*MaxAttempts, so only a service that is down for a whole
	// fan-out trips it.
	BreakerThreshold uint32

	// HTTPClient replaces the pooled client. Its transport should enforce
	// the same per-host connection cap.
	HTTPClient *http.Client
	// Sleep waits between attempts. Defaults to time.Sleep.
	Sleep   func(time.Duration)
	Metrics Metrics
	Logger  *slog.Logger
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.PixelURL == "" {
		c.PixelURL = DefaultPixelURL
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = uint32(c.MaxConcurrency * c.MaxAttempts)
	}
	if c.Sleep == nil {
		c.Sleep = time.Sleep
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client talks to the tracking service. It is safe for concurrent use.
type Client struct {
	cfg  ClientConfig
	base *external.BaseClient
}

// NewClient creates a Client with its own connection pool of at most
// MaxConcurrency connections to the service.
func NewClient(cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxConnsPerHost:     cfg.MaxConcurrency,
				MaxIdleConnsPerHost: cfg.MaxConcurrency,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	// Attempts are counted here, so BaseClient must not retry on its own.
	base := external.NewBaseClient(
		httpClient,
		"tracking",
		external.NoRetryPolicy(),
		cfg.UserAgent,
		external.WithBreaker(external.NewBreaker("tracking", cfg.BreakerThreshold)),
	)
	return &Client{cfg: cfg, base: base}
}

// CloseIdleConnections releases the client's pooled connections.
func (c *Client) CloseIdleConnections() {
	c.base.CloseIdleConnections()
}

// PixelURL is the image every tracking link redirects to.
func (c *Client) PixelURL() string { return c.cfg.PixelURL }

// Create registers a private short link for id that points at the pixel and
// expires on expire's date. It returns the short URL.
func (c *Client) Create(ctx context.Context, id string, expire time.Time) (string, error) {
	q := url.Values{
		"url":     {c.cfg.PixelURL},
		"type":    {"json"},
		"private": {"1"},
		"expire":  {expire.Format(expireLayout)},
		"custom":  {id},
	}

	var link string
	err := c.withRetry(func() error {
		env, err := c.get(ctx, "/API/write/get", q)
		if err != nil {
			return err
		}
		if env.Data == nil || env.Data.URL == nil || *env.Data.URL == "" {
			return env.failure("response has no data.url")
		}
		link = *env.Data.URL
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create link %q: %w", id, err)
	}
	return link, nil
}

// Read returns the hit count of the link registered under id.
func (c *Client) Read(ctx context.Context, id string) (int64, error) {
	q := url.Values{
		"type": {"json"},
		"id":   {id},
	}

	var hits int64
	err := c.withRetry(func() error {
		env, err := c.get(ctx, "/API/read/get", q)
		if err != nil {
			return err
		}
		if env.Data == nil || env.Data.Hits == nil {
			return env.failure("response has no data.hits")
		}
		hits = int64(*env.Data.Hits)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read count %q: %w", id, err)
	}
	return hits, nil
}

// withRetry makes up to MaxAttempts attempts with a fixed delay between
// them. An open circuit ends the loop early.
func (c *Client) withRetry(attempt func() error) error {
	var err error
	for i := 1; i <= c.cfg.MaxAttempts; i++ {
		if err = attempt(); err == nil {
			return nil
		}
		if external.IsCircuitOpen(err) || i == c.cfg.MaxAttempts {
			break
		}
		c.cfg.Sleep(c.cfg.RetryDelay)
	}
	return err
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build tracking request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, upstreamError("failed to read response body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, upstreamError(fmt.Sprintf("tracking service returned %d", resp.StatusCode), nil)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, upstreamError("response is not valid JSON", err)
	}
	return &env, nil
}

// envelope is the service's response shape. Only the fields read here are
// declared; anything else is ignored.
type envelope struct {
	Data *struct {
		URL    *string   `json:"url"`
		Hits   *hitCount `json:"hits"`
		Status any       `json:"status"`
	} `json:"data"`
	Error *struct {
		Msg string `json:"msg"`
	} `json:"error"`
}

// failure builds an attempt error, appending any reason the service gave.
func (e *envelope) failure(msg string) error {
	if e.Data != nil && e.Data.Status != nil {
		msg += ": " + fmt.Sprint(e.Data.Status)
	} else if e.Error != nil && e.Error.Msg != "" {
		msg += ": " + e.Error.Msg
	}
	return upstreamError(msg, nil)
}

// hitCount accepts a non-negative integer encoded as a JSON number or string.
type hitCount int64

func (h *hitCount) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("invalid hits value %s", b)
		}
		n = int64(f)
	}
	if n < 0 {
		return fmt.Errorf("negative hits value %d", n)
	}
	*h = hitCount(n)
	return nil
}

func upstreamError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeUpstreamTracking, msg, err)
}

// detail returns the human-readable part of a tracking error.
func detail(err error) string {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
