package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Global micro-throttle parameters.
const (
	// ThrottleWindow is the trailing window in which dispatches are counted.
	ThrottleWindow = 1250 * time.Millisecond

	// ThrottleBurst is the number of dispatches allowed in ThrottleWindow without a pause.
	ThrottleBurst = 4

	// ThrottlePause is the forced pause for every dispatch beyond the burst.
	ThrottlePause = 1250 * time.Millisecond

	// ThrottleIdleReset clears the window after this much inactivity.
	ThrottleIdleReset = time.Second
)

var throttleSleepsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mangadex_throttle_sleeps_total",
	Help: "Total number of forced pauses applied by the global request throttle",
})

// Throttle counts dispatches across all endpoints and forces a pause once more than
// ThrottleBurst requests fall into the trailing ThrottleWindow.
type Throttle struct {
	mu         sync.Mutex
	dispatches []time.Time
	last       time.Time
	logger     zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewThrottle creates an idle throttle.
func NewThrottle(logger zerolog.Logger) *Throttle {
	return &Throttle{
		logger: logger,
		now:    time.Now,
		sleep:  SleepContext,
	}
}

// SetClock replaces the time source and sleep function (for testing).
func (t *Throttle) SetClock(now func() time.Time, sleep func(context.Context, time.Duration) error) {
	t.now = now
	t.sleep = sleep
}

// Reserve records a dispatch and returns the pause the caller must observe first.
// It never blocks.
func (t *Throttle) Reserve() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) > ThrottleIdleReset {
		t.dispatches = t.dispatches[:0]
	}

	cutoff := now.Add(-ThrottleWindow)
	kept := t.dispatches[:0]
	for _, at := range t.dispatches {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.dispatches = kept

	var pause time.Duration
	if len(t.dispatches) >= ThrottleBurst {
		pause = ThrottlePause
	}

	at := now.Add(pause)
	t.dispatches = append(t.dispatches, at)
	if at.After(t.last) {
		t.last = at
	}
	return pause
}

// Wait reserves a dispatch slot and sleeps for the forced pause, if any.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.Pause(ctx, t.Reserve())
}

// Pause observes a pause returned by Reserve.
func (t *Throttle) Pause(ctx context.Context, pause time.Duration) error {
	if pause <= 0 {
		t.logger.Trace().Msg("Throttle admitted request without pause")
		return nil
	}

	throttleSleepsTotal.Inc()
	t.logger.Warn().Dur("pause", pause).Msg("Request burst exceeded, sleeping")
	return t.sleep(ctx, pause)
}
