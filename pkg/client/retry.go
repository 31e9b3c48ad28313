package client

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sternrassler/mangadex-client/pkg/ratelimit"
)

// RetryAfterFallback is the pause after a 429 that carries no usable retry-after header.
const RetryAfterFallback = 1250 * time.Millisecond

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangadex_retries_total",
		Help: "Total number of retry attempts by reason",
	}, []string{"reason"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mangadex_retry_backoff_seconds",
		Help:    "Pause before a retry by reason",
		Buckets: []float64{0.25, 0.5, 1, 1.25, 2, 5, 10, 30, 60},
	}, []string{"reason"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mangadex_retry_exhausted_total",
		Help: "Total number of times the retry budget was exhausted by reason",
	}, []string{"reason"})
)

// RetryConfig holds the backoff curve for one error class.
type RetryConfig struct {
	// InitialBackoff is the pause before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the pause.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default backoff curve.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// RetryConfigForErrorClass returns the backoff curve for an error class.
func RetryConfigForErrorClass(class ErrorClass) RetryConfig {
	switch class {
	case ErrorClassServer:
		// 5xx server errors - shorter backoff
		return RetryConfig{
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		}
	case ErrorClassNetwork:
		return RetryConfig{
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
		}
	default:
		return DefaultRetryConfig()
	}
}

// Backoff returns the un-jittered pause before retry number attempt (1-based).
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	backoff := rc.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * rc.BackoffMultiplier)
		if backoff >= rc.MaxBackoff {
			return rc.MaxBackoff
		}
	}
	return backoff
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

// backoff pauses before retrying after a server or transport error.
func (c *Client) backoff(ctx context.Context, class ErrorClass, attempt int) error {
	delay := jitter(RetryConfigForErrorClass(class).Backoff(attempt))
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())

	c.logger.Debug().
		Str("error_class", string(class)).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Msg("Retrying request after backoff")

	return c.sleep(ctx, delay)
}

// RetryAfter computes the pause demanded by a 429 response: the time until the unix timestamp
// in X-RateLimit-Retry-After, or RetryAfterFallback when the header is missing or invalid.
// The result is never negative.
func RetryAfter(header http.Header, now time.Time) time.Duration {
	value := header.Get(ratelimit.HeaderRetryAfter)
	if value == "" {
		return RetryAfterFallback
	}
	resetAt, err := ratelimit.ParseRetryAfter(value)
	if err != nil {
		return RetryAfterFallback
	}
	if d := resetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// waitRetryAfter sleeps for the pause demanded by a 429 response.
func (c *Client) waitRetryAfter(ctx context.Context, header http.Header) error {
	delay := RetryAfter(header, c.now())
	retryBackoffSeconds.WithLabelValues(string(ErrorClassRateLimit)).Observe(delay.Seconds())
	c.logger.Warn().Dur("pause", delay).Msgf("Sleeping for %s", delay)
	return c.sleep(ctx, delay)
}
