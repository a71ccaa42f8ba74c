package client

import (
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/Sternrassler/alertfeed/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "alertfeed_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertfeed_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// Action is what the client does after an attempt.
type Action int

const (
	// ActionSucceed returns the response to the caller.
	ActionSucceed Action = iota
	// ActionRetry sleeps Decision.Delay and sends again, consuming one retry.
	ActionRetry
	// ActionRefreshAndRetry replaces the bearer token and sends again without
	// consuming a retry.
	ActionRefreshAndRetry
	// ActionFail returns Decision.Err.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionRetry:
		return "retry"
	case ActionRefreshAndRetry:
		return "refresh_and_retry"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Decision is a classifier's verdict on one attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
	Class  ErrorClass
	Err    error
}

// Outcome describes one attempt for classification.
type Outcome struct {
	Route string

	// Retries is the number of retries already consumed by this call.
	Retries int

	// Refreshed is set once the token has been refreshed during this call.
	Refreshed bool

	// Exactly one of Response and Err is set.
	Response *Response
	Err      error
}

// Classifier maps an attempt outcome to a decision.
type Classifier func(p RetryPolicy, o Outcome) Decision

// RetryPolicy bounds and paces retries.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt. Token
	// refreshes do not count.
	MaxRetries int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Jitter spreads each backoff by ±Jitter (0.2 = ±20%).
	Jitter float64

	// Classify defaults to DefaultClassifier.
	Classify Classifier
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Decide classifies an outcome with the policy's classifier.
func (p RetryPolicy) Decide(o Outcome) Decision {
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	return classify(p, o)
}

// Backoff returns the delay before retry number retries+1, growing
// exponentially from InitialBackoff and capped at MaxBackoff.
func (p RetryPolicy) Backoff(retries int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 0; i < retries; i++ {
		backoff *= p.BackoffMultiplier
		if backoff >= float64(p.MaxBackoff) {
			break
		}
	}
	if p.Jitter > 0 {
		backoff *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}
	if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	return time.Duration(backoff)
}

// DefaultClassifier implements the standard policy:
//
//   - 2xx succeeds.
//   - 401 refreshes the token once per call, then fails with AuthError.
//   - 429 retries after the server's reset delay (or backoff) until the
//     budget is spent, then fails with RateLimitError.
//   - Transport errors retry with backoff, then fail with TransportError.
//   - Everything else fails with APIError.
func DefaultClassifier(p RetryPolicy, o Outcome) Decision {
	if o.Err != nil {
		if o.Retries < p.MaxRetries {
			return Decision{Action: ActionRetry, Delay: p.Backoff(o.Retries), Class: ErrorClassNetwork}
		}
		return Decision{
			Action: ActionFail,
			Class:  ErrorClassNetwork,
			Err:    &TransportError{Attempts: o.Retries + 1, Err: o.Err},
		}
	}

	resp := o.Response
	class := classifyStatus(resp.StatusCode)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Decision{Action: ActionSucceed}

	case resp.StatusCode == http.StatusUnauthorized:
		if !o.Refreshed {
			return Decision{Action: ActionRefreshAndRetry, Class: class}
		}
		return Decision{
			Action: ActionFail,
			Class:  class,
			Err:    &AuthError{StatusCode: resp.StatusCode, Message: "bearer token rejected after refresh: " + resp.message()},
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		reset, hasReset := ratelimit.ResetDelay(resp.Header)
		if o.Retries < p.MaxRetries {
			delay := p.Backoff(o.Retries)
			if hasReset {
				delay = reset
				if p.MaxBackoff > 0 && delay > p.MaxBackoff {
					delay = p.MaxBackoff
				}
			}
			return Decision{Action: ActionRetry, Delay: delay, Class: class}
		}
		return Decision{
			Action: ActionFail,
			Class:  class,
			Err:    &RateLimitError{RetryAfter: reset, Attempts: o.Retries + 1},
		}

	default:
		return Decision{
			Action: ActionFail,
			Class:  class,
			Err:    &APIError{StatusCode: resp.StatusCode, Route: o.Route, Message: resp.message()},
		}
	}
}
