// Package client provides the authenticated HTTP client for the alert API,
// with quota gating, token refresh and retry handling.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/alertfeed/internal/clock"
	"github.com/Sternrassler/alertfeed/pkg/token"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_requests_total",
		Help: "Total API requests by route and status",
	}, []string{"route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alertfeed_request_duration_seconds",
		Help:    "API request duration in seconds by route",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"route"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})

	tokenRefreshesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertfeed_token_refreshes_total",
		Help: "Token refreshes triggered by 401 responses",
	})
)

// HeaderRequestID carries the per-call correlation id.
const HeaderRequestID = "X-Request-ID"

const maxErrorMessage = 512

// TokenSource supplies bearer tokens. *token.Manager satisfies it.
type TokenSource interface {
	Get(ctx context.Context, forceRefresh bool) (token.Token, error)
	Invalidate(ctx context.Context, stale string) error
}

// QuotaGate gates requests on the remote quota. *ratelimit.Limiter
// satisfies it.
type QuotaGate interface {
	Wait(ctx context.Context) error
	Observe(ctx context.Context, headers http.Header) error
}

// Request is one logical API call. Retries resend the same request.
type Request struct {
	Method string

	// Route is the path relative to the base URL, e.g. "/api/v1/alerts".
	Route string

	// Label names the route in metrics and logs; defaults to Route. Set it
	// when Route embeds ids.
	Label string

	Query       url.Values
	Body        []byte
	ContentType string
}

func (r Request) label() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Route
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) message() string {
	msg := strings.TrimSpace(string(r.Body))
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	if msg == "" {
		msg = http.StatusText(r.StatusCode)
	}
	return msg
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, without a trailing slash.
	BaseURL string

	// UserAgent is sent with every request.
	UserAgent string

	Tokens TokenSource
	Quota  QuotaGate

	// HTTPClient is used as-is when set; otherwise one is built with Timeout.
	HTTPClient *http.Client

	// Timeout applies to each attempt.
	Timeout time.Duration

	Retry  RetryPolicy
	Clock  clock.Clock
	Logger zerolog.Logger
}

// DefaultConfig returns a configuration with the default timeout and retry
// policy.
func DefaultConfig(baseURL string, tokens TokenSource, quota QuotaGate) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "alertfeed/1.0",
		Tokens:    tokens,
		Quota:     quota,
		Timeout:   30 * time.Second,
		Retry:     DefaultRetryPolicy(),
	}
}

// Client sends authenticated, quota-gated requests with retries.
type Client struct {
	baseURL    string
	userAgent  string
	tokens     TokenSource
	quota      QuotaGate
	httpClient *http.Client
	retry      RetryPolicy
	clock      clock.Clock
	logger     zerolog.Logger
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.Quota == nil {
		return nil, fmt.Errorf("quota gate is required")
	}
	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.BackoffMultiplier < 1 {
		cfg.Retry.BackoffMultiplier = 2.0
	}
	if cfg.Retry.MaxBackoff <= 0 {
		cfg.Retry.MaxBackoff = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		tokens:     cfg.Tokens,
		quota:      cfg.Quota,
		httpClient: cfg.HTTPClient,
		retry:      cfg.Retry,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Do sends req, refreshing the token once on 401 and retrying 429 and
// transport failures per the retry policy. The quota is consumed before and
// updated after every attempt, whatever its status.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	route := req.label()
	requestID := uuid.NewString()
	logger := c.logger.With().
		Str("request_id", requestID).
		Str("route", route).
		Logger()

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(route).Observe(time.Since(startTime).Seconds())
	}()

	var (
		retries   int
		refreshed bool
	)
	for {
		tok, err := c.tokens.Get(ctx, false)
		if err != nil {
			errorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
			logger.Error().Err(err).Msg("Failed to obtain token")
			return nil, err
		}

		if err := c.quota.Wait(ctx); err != nil {
			return nil, err
		}

		resp, sendErr := c.send(ctx, req, tok.Value, requestID)
		if sendErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("request cancelled: %w", ctxErr)
			}
			requestsTotal.WithLabelValues(route, "network_error").Inc()
			logger.Warn().Err(sendErr).Int("attempt", retries+1).Msg("HTTP request failed")
		} else {
			requestsTotal.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()
			if err := c.quota.Observe(ctx, resp.Header); err != nil {
				logger.Warn().Err(err).Msg("Ignoring malformed rate limit headers")
			}
		}

		decision := c.retry.Decide(Outcome{
			Route:     route,
			Retries:   retries,
			Refreshed: refreshed,
			Response:  resp,
			Err:       sendErr,
		})
		if decision.Class != "" {
			errorsTotal.WithLabelValues(string(decision.Class)).Inc()
		}

		switch decision.Action {
		case ActionSucceed:
			logger.Debug().
				Int("status", resp.StatusCode).
				Int("attempt", retries+1).
				Msg("Request completed")
			return resp, nil

		case ActionRefreshAndRetry:
			refreshed = true
			tokenRefreshesTotal.Inc()
			logger.Info().Msg("Bearer token rejected - refreshing")
			if err := c.tokens.Invalidate(ctx, tok.Value); err != nil {
				logger.Warn().Err(err).Msg("Failed to invalidate rejected token")
			}

		case ActionRetry:
			retries++
			retriesTotal.WithLabelValues(string(decision.Class)).Inc()
			retryBackoffSeconds.WithLabelValues(string(decision.Class)).Observe(decision.Delay.Seconds())
			logger.Warn().
				Str("error_class", string(decision.Class)).
				Int("attempt", retries).
				Dur("backoff", decision.Delay).
				Msg("Retrying request after backoff")
			if err := c.clock.Sleep(ctx, decision.Delay); err != nil {
				return nil, fmt.Errorf("request cancelled during backoff: %w", err)
			}

		default:
			var rle *RateLimitError
			var te *TransportError
			if errors.As(decision.Err, &rle) || errors.As(decision.Err, &te) {
				retryExhaustedTotal.WithLabelValues(string(decision.Class)).Inc()
			}
			logger.Warn().Err(decision.Err).Str("error_class", string(decision.Class)).Msg("Request failed")
			return nil, decision.Err
		}
	}
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, route string, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Route: route, Query: query})
}

// send performs one HTTP attempt and reads the whole body.
func (c *Client) send(ctx context.Context, req Request, bearer, requestID string) (*Response, error) {
	target := c.baseURL + req.Route
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(HeaderRequestID, requestID)
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}
