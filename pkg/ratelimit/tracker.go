package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for route quota tracking.
var (
	ratelimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mangadex_ratelimit_remaining",
		Help: "Calls remaining in the current window by route",
	}, []string{"rule"})

	ratelimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mangadex_ratelimit_wait_seconds",
		Help:    "Time spent waiting for a route quota to reset",
		Buckets: []float64{0.5, 1, 5, 30, 60, 300, 900, 3600},
	}, []string{"rule"})
)

// Tracker gates requests against per-route quotas.
//
// The decision for a request (load entry, maybe start a new window, reserve a call) runs
// under one mutex. Waiting happens outside it, so concurrent callers only serialize on the
// decision.
type Tracker struct {
	mu     sync.Mutex
	rules  []*Rule
	store  Store
	logger zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewTracker creates a tracker over rules. A nil store selects a MemoryStore.
func NewTracker(rules []*Rule, store Store, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		rules:  rules,
		store:  store,
		logger: logger,
		now:    time.Now,
		sleep:  SleepContext,
	}
}

// SetClock replaces the time source and sleep function (for testing).
func (t *Tracker) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	t.now = now
	t.sleep = sleep
}

// Match returns the first rule governing the request, or nil.
func (t *Tracker) Match(path, method string) *Rule {
	for _, r := range t.rules {
		if r.Matches(path, method) {
			return r
		}
	}
	return nil
}

// Check decides without blocking whether a request may go out now.
//
// It returns the time to wait before retrying (0 when the call was reserved) and the matched
// rule, which is nil for unrestricted routes. The returned duration is never negative.
func (t *Tracker) Check(ctx context.Context, path, method string) (time.Duration, *Rule, error) {
	rule := t.Match(path, method)
	if rule == nil {
		return 0, nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok, err := t.store.Load(ctx, rule.Key())
	if err != nil {
		return 0, rule, fmt.Errorf("load ratelimit entry: %w", err)
	}
	if !ok || entry.Expired(now) {
		entry = freshEntry(rule, now)
	}

	if entry.Exhausted() {
		return entry.TimeUntilReset(now), rule, nil
	}

	entry.Remaining--
	entry.LastUpdate = now
	if err := t.store.Save(ctx, rule.Key(), entry); err != nil {
		return 0, rule, fmt.Errorf("save ratelimit entry: %w", err)
	}
	ratelimitRemaining.WithLabelValues(rule.Key()).Set(float64(entry.Remaining))

	return 0, rule, nil
}

// Sleep waits until the route quota allows the request and reserves a call.
func (t *Tracker) Sleep(ctx context.Context, path, method string) (*Rule, error) {
	for {
		wait, rule, err := t.Check(ctx, path, method)
		if err != nil {
			return rule, err
		}
		if wait <= 0 {
			return rule, nil
		}

		t.logger.Warn().
			Str("rule", rule.Key()).
			Dur("wait", wait).
			Msg("Route quota exhausted, sleeping until reset")
		ratelimitWaitSeconds.WithLabelValues(rule.Key()).Observe(wait.Seconds())

		if err := t.sleep(ctx, wait); err != nil {
			return rule, err
		}
	}
}

// Entry returns the stored state for rule.
func (t *Tracker) Entry(ctx context.Context, rule *Rule) (Entry, bool, error) {
	return t.store.Load(ctx, rule.Key())
}

// Update corrects a rule's entry from the quota headers of a response.
// Responses without quota headers leave the entry untouched.
func (t *Tracker) Update(ctx context.Context, rule *Rule, headers http.Header) error {
	if rule == nil {
		return nil
	}

	limitStr := headers.Get(HeaderLimit)
	remainStr := headers.Get(HeaderRemaining)
	retryStr := headers.Get(HeaderRetryAfter)
	if limitStr == "" && remainStr == "" && retryStr == "" {
		return nil
	}
	t.logger.Trace().
		Str("rule", rule.Key()).
		Str("limit", limitStr).
		Str("remaining", remainStr).
		Str("retry_after", retryStr).
		Msg("Rate limit headers read")

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	entry, ok, err := t.store.Load(ctx, rule.Key())
	if err != nil {
		return fmt.Errorf("load ratelimit entry: %w", err)
	}
	if !ok || entry.Expired(now) {
		entry = freshEntry(rule, now)
	}

	if limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderLimit, err)
		}
		entry.Limit = limit
	}
	if remainStr != "" {
		remaining, err := strconv.Atoi(remainStr)
		if err != nil {
			return fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
		}
		entry.Remaining = remaining
	}
	if retryStr != "" {
		resetAt, err := ParseRetryAfter(retryStr)
		if err != nil {
			return err
		}
		entry.ResetAt = resetAt
	}
	entry.LastUpdate = now

	if err := t.store.Save(ctx, rule.Key(), entry); err != nil {
		return fmt.Errorf("save ratelimit entry: %w", err)
	}
	ratelimitRemaining.WithLabelValues(rule.Key()).Set(float64(entry.Remaining))

	t.logger.Debug().
		Str("rule", rule.Key()).
		Int("remaining", entry.Remaining).
		Int("limit", entry.Limit).
		Time("reset_at", entry.ResetAt).
		Msg("Route quota updated from headers")

	return nil
}

// ParseRetryAfter parses an X-RateLimit-Retry-After value (unix seconds).
func ParseRetryAfter(value string) (time.Time, error) {
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
	}
	return time.Unix(secs, 0), nil
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
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
