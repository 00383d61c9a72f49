// Package fetch is the one HTTP client every remote adapter and
// embedding provider goes through. It layers three behaviors over
// net/http: a per-host token bucket, bounded retries with full-jitter
// backoff for idempotent requests, and classification of failures into
// the errkind taxonomy.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/qloader/internal/fetch"

// Defaults applied by New when Config leaves fields zero.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 1 * time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultRPM         = 60
	defaultMaxBytes    = 32 * 1024 * 1024
)

// Config tunes a Client. Zero values take the package defaults.
type Config struct {
	// RequestsPerMinute is the per-host default refill rate. Hosts
	// can be tuned individually with SetHostRate.
	RequestsPerMinute int

	// Timeout is the per-call budget unless the Request overrides it.
	Timeout time.Duration

	// MaxWait bounds time spent waiting for a rate limiter token.
	// Zero means the request's own timeout.
	MaxWait time.Duration

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	UserAgent string
	Logger    *logging.Logger

	// Transport overrides the underlying RoundTripper in tests.
	Transport http.RoundTripper
}

// Request describes one outbound call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Idempotent opts a POST into the retry policy. GET and HEAD are
	// always retryable.
	Idempotent bool

	// Timeout overrides the client default when positive.
	Timeout time.Duration

	// MaxBytes caps the response body read. Zero means 32 MiB.
	MaxBytes int64
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestError carries the coordinates of a failed request. It is
// always wrapped in an errkind classification.
type RequestError struct {
	Method   string
	URL      string
	Host     string
	Status   int
	Attempts int
	Err      error
}

func (e *RequestError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: status %d after %d attempt(s): %v", e.Method, e.URL, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s: %v after %d attempt(s)", e.Method, e.URL, e.Err, e.Attempts)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Client is safe for concurrent use.
type Client struct {
	http    *http.Client
	cfg     Config
	logger  *logging.Logger
	backoff func(attempt int, retryAfter time.Duration) time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	requests metric.Int64Counter
	retries  metric.Int64Counter
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRPM
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("qloader.http.client.requests",
		metric.WithDescription("Outbound HTTP requests by host and status class"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	retries, err := meter.Int64Counter("qloader.http.client.retries",
		metric.WithDescription("Retried outbound HTTP requests"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}

	c := &Client{
		http:     &http.Client{Transport: transport},
		cfg:      cfg,
		logger:   cfg.Logger.Named("fetch"),
		limiters: make(map[string]*rate.Limiter),
		requests: requests,
		retries:  retries,
	}
	c.backoff = c.jitterBackoff
	return c, nil
}

// SetHostRate pins a host to its own requests-per-minute budget.
// Adapters call this once from their source configuration.
func (c *Client) SetHostRate(host string, rpm int) {
	if rpm <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limiters[host] = newLimiter(rpm)
}

// newLimiter keeps burst at one token: across any 60 second window a
// host sees at most requests_per_minute calls plus the single token.
func newLimiter(rpm int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
}

func (c *Client) limiter(host string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[host]; ok {
		return l
	}
	l := newLimiter(c.cfg.RequestsPerMinute)
	c.limiters[host] = l
	return l
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	return c.Do(ctx, &Request{Method: http.MethodGet, URL: rawURL, Header: header})
}

// Do executes req with rate limiting, retries, and classification.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, &RequestError{
			Method: req.Method, URL: req.URL, Attempts: 0, Err: err,
		})
	}
	host := u.Host

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	maxWait := c.cfg.MaxWait
	if maxWait <= 0 {
		maxWait = timeout
	}

	if err := c.waitForToken(ctx, host, maxWait); err != nil {
		return nil, errkind.Wrap(errkind.Transient, &RequestError{
			Method: req.Method, URL: req.URL, Host: host,
			Err: fmt.Errorf("rate limited locally: %w", err),
		})
	}

	retryable := req.Method == http.MethodGet || req.Method == http.MethodHead || req.Idempotent
	maxAttempts := c.cfg.MaxAttempts
	if !retryable {
		maxAttempts = 1
	}

	var (
		lastStatus int
		lastErr    error
		attempt    int
	)
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			c.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("host", host)))
			retryAfter := retryAfterHint(lastErr)
			select {
			case <-time.After(c.backoff(attempt-1, retryAfter)):
			case <-ctx.Done():
				return nil, errkind.Wrap(errkind.KindOf(ctx.Err()), ctx.Err())
			}
			// Each retry consumes its own token.
			if err := c.waitForToken(ctx, host, maxWait); err != nil {
				break
			}
		}

		resp, err := c.attempt(ctx, req, timeout)
		if err == nil {
			c.count(ctx, host, req.Method, resp.StatusCode)
			return resp, nil
		}
		lastErr = err

		var transient *transientStatus
		var terminal *terminalStatus
		switch {
		case errors.As(err, &transient):
			lastStatus = transient.status
		case errors.As(err, &terminal):
			// Terminal statuses classify immediately, no retry.
			c.count(ctx, host, req.Method, terminal.status)
			kind := errkind.FromHTTPStatus(terminal.status)
			if kind == errkind.Unknown {
				kind = errkind.InvalidRequest
			}
			return nil, errkind.Wrap(kind, &RequestError{
				Method: req.Method, URL: req.URL, Host: host,
				Status: terminal.status, Attempts: attempt, Err: err,
			})
		}
		c.logger.Warn(ctx, "request attempt failed",
			zap.String("host", host),
			zap.String("method", req.Method),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	c.count(ctx, host, req.Method, lastStatus)
	reqErr := &RequestError{
		Method: req.Method, URL: req.URL, Host: host,
		Status: lastStatus, Attempts: min(attempt, maxAttempts), Err: lastErr,
	}
	if retryable && maxAttempts > 1 {
		// Transient failures that survived the retry budget escalate.
		return nil, errkind.Wrap(errkind.Server, reqErr)
	}
	return nil, errkind.Wrap(errkind.Transient, reqErr)
}

func (c *Client) waitForToken(ctx context.Context, host string, maxWait time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	return c.limiter(host).Wait(waitCtx)
}

// transientStatus marks a retryable HTTP status (429, 502, 503, 504).
type transientStatus struct {
	status     int
	retryAfter time.Duration
	body       string
}

func (e *transientStatus) Error() string {
	return fmt.Sprintf("retryable status %d: %s", e.status, e.body)
}

// terminalStatus marks a status that must not be retried.
type terminalStatus struct {
	status int
	body   string
}

func (e *terminalStatus) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func (c *Client) attempt(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &terminalStatus{status: 0, body: err.Error()}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if c.cfg.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Transport errors (refused, reset, timeout) are retryable.
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, &terminalStatus{status: resp.StatusCode, body: fmt.Sprintf("response exceeds %d bytes", maxBytes)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, &transientStatus{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			body:       preview(data),
		}
	default:
		return nil, &terminalStatus{status: resp.StatusCode, body: preview(data)}
	}
}

// jitterBackoff implements full jitter: rand(0, min(cap, base<<attempt)),
// overridden by an upstream Retry-After when present.
func (c *Client) jitterBackoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
		return retryAfter
	}
	ceiling := c.cfg.BaseBackoff << uint(attempt-1)
	if ceiling > c.cfg.MaxBackoff || ceiling <= 0 {
		ceiling = c.cfg.MaxBackoff
	}
	return rand.N(ceiling)
}

func retryAfterHint(err error) time.Duration {
	var ts *transientStatus
	if errors.As(err, &ts) {
		return ts.retryAfter
	}
	return 0
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func preview(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func (c *Client) count(ctx context.Context, host, method string, status int) {
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("host", host),
		attribute.String("method", method),
		attribute.Int("status", status),
	))
}
