// Package client provides the Congress.gov HTTP client: single attempts
// with credential rotation, the round-based retry controller, per-record
// endpoint fan-out and the bill listing call used by the partitioner.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/congress-harvest/pkg/credentials"
	"github.com/Sternrassler/congress-harvest/pkg/limiter"
	"github.com/Sternrassler/congress-harvest/pkg/ratelimit"
)

// DefaultBaseURL is the Congress.gov API v3 root.
const DefaultBaseURL = "https://api.congress.gov/v3"

// DefaultListGroup is the credential group used by bill listing calls.
const DefaultListGroup = "list"

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total API requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	retryRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_rounds_total",
		Help: "Failed retry rounds followed by a backoff, by endpoint",
	}, []string{"endpoint"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration between retry rounds by endpoint",
		Buckets: []float64{1, 5, 10, 15, 30, 60},
	}, []string{"endpoint"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Fetches that failed every retry round, by endpoint",
	}, []string{"endpoint"})
)

// Config holds the client configuration.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string

	// Pool supplies credentials per group (REQUIRED).
	Pool *credentials.Pool

	// Limiter bounds concurrent retry sequences. Defaults to
	// limiter.New(limiter.DefaultCapacity).
	Limiter *limiter.Limiter

	// Tracker records quota headers. Defaults to an in-memory tracker.
	Tracker *ratelimit.Tracker

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	// RequestsPerSecond caps the request rate across all goroutines.
	// Zero means unlimited.
	RequestsPerSecond float64

	// ListGroup is the credential group for bill listing calls.
	ListGroup string

	// Logger defaults to a "congress-client" component logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a configuration with the API's defaults.
func DefaultConfig(pool *credentials.Pool) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		Pool:      pool,
		Timeout:   30 * time.Second,
		ListGroup: DefaultListGroup,
	}
}

// Client fetches Congress.gov resources.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	pool       *credentials.Pool
	limiter    *limiter.Limiter
	tracker    *ratelimit.Tracker
	rps        *rate.Limiter
	listGroup  string
	logger     zerolog.Logger

	// sleep waits between retry rounds; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("credential pool is required")
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}

	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests_per_second must be >= 0 (got %g)", cfg.RequestsPerSecond)
	}

	logger := log.With().Str("component", "congress-client").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	if cfg.Limiter == nil {
		cfg.Limiter = limiter.New(limiter.DefaultCapacity)
	}
	if cfg.Tracker == nil {
		cfg.Tracker = ratelimit.NewTracker(nil, logger)
	}
	if cfg.ListGroup == "" {
		cfg.ListGroup = DefaultListGroup
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var rps *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		rps = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		pool:       cfg.Pool,
		limiter:    cfg.Limiter,
		tracker:    cfg.Tracker,
		rps:        rps,
		listGroup:  cfg.ListGroup,
		logger:     logger,
		sleep:      sleepCtx,
	}, nil
}

// Limiter returns the client's concurrency limiter.
func (c *Client) Limiter() *limiter.Limiter {
	return c.limiter
}

// attempt issues one request with one borrowed credential. The credential
// goes back to the pool on every path.
func (c *Client) attempt(ctx context.Context, endpoint, group, path string, params url.Values, policy Policy) FetchOutcome {
	token, err := c.pool.Borrow(ctx, group)
	if err != nil {
		return failed(endpoint, KindTransportError, 0, fmt.Errorf("borrow credential: %w", err))
	}
	defer c.pool.Return(group, token)

	if c.rps != nil {
		if err := c.rps.Wait(ctx); err != nil {
			return failed(endpoint, KindTransportError, 0, fmt.Errorf("rate limiter: %w", err))
		}
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("api_key", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return failed(endpoint, KindTransportError, 0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, KindTransportError.String()).Inc()
		return failed(endpoint, KindTransportError, 0, redact(err))
	}
	defer resp.Body.Close()

	if err := c.tracker.UpdateFromHeaders(ctx, group, resp.Header); err != nil {
		c.logger.Warn().Err(err).Str("group", group).Msg("Failed to update quota from headers")
	}

	body, readErr := io.ReadAll(resp.Body)

	var out FetchOutcome
	switch {
	case policy.isRetryStatus(resp.StatusCode):
		out = failed(endpoint, KindRateLimited, resp.StatusCode, nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		out = failed(endpoint, KindHTTPError, resp.StatusCode, nil)
	case readErr != nil:
		out = failed(endpoint, KindTransportError, resp.StatusCode, fmt.Errorf("read body: %w", readErr))
	case !json.Valid(body):
		out = failed(endpoint, KindTransportError, resp.StatusCode, ErrInvalidJSON)
	default:
		out = FetchOutcome{Endpoint: endpoint, Kind: KindSuccess, Status: resp.StatusCode, Payload: body}
	}

	requestsTotal.WithLabelValues(endpoint, out.Kind.String()).Inc()
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
