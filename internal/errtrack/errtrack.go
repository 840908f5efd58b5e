// Package errtrack counts recurring failures by kind and escalates each
// kind at most once per window, so a broken credential produces one alert
// instead of one per attempt.
package errtrack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const escalationThreshold = 5

// Alerter is the notifier surface errtrack needs.
type Alerter interface {
	SendSystemAlert(ctx context.Context, text string)
}

// Tracker maps error kind to count-in-window.
type Tracker struct {
	mu      sync.Mutex
	counts  map[string]int
	alerter Alerter
	logger  *slog.Logger
}

func NewTracker(alerter Alerter, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{counts: make(map[string]int), alerter: alerter, logger: logger}
}

// Record logs one failure of the given kind. When a kind reaches the
// threshold inside the current window, one system alert is sent and that
// kind's counter resets.
func (t *Tracker) Record(ctx context.Context, kind, detail string) {
	t.mu.Lock()
	t.counts[kind]++
	n := t.counts[kind]
	escalate := n >= escalationThreshold
	if escalate {
		t.counts[kind] = 0
	}
	t.mu.Unlock()

	t.logger.Error("recorded failure", "kind", kind, "detail", detail, "count", n)
	if escalate && t.alerter != nil {
		t.alerter.SendSystemAlert(ctx, fmt.Sprintf("Repeated failure: %s occurred %d times in the last few minutes. Check the daemon log.", kind, n))
	}
}

// RunResetLoop clears all counters every window until ctx is done.
func (t *Tracker) RunResetLoop(ctx context.Context, window time.Duration) error {
	if window <= 0 {
		window = 5 * time.Minute
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.mu.Lock()
			t.counts = make(map[string]int)
			t.mu.Unlock()
		}
	}
}
