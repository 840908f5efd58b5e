// Package sleepwatch detects host suspension by watching for gaps between
// consecutive wall-clock samples taken on a monotonic ticker.
package sleepwatch

import (
	"context"
	"log/slog"
	"time"
)

// Detector fires OnWake when two checks are separated by more than the
// threshold, which only happens when the host slept in between.
type Detector struct {
	interval  time.Duration
	threshold time.Duration
	onWake    func(ctx context.Context, slept time.Duration)
	logger    *slog.Logger
	now       func() time.Time
}

func NewDetector(onWake func(ctx context.Context, slept time.Duration), logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		interval:  time.Second,
		threshold: 15 * time.Second,
		onWake:    onWake,
		logger:    logger,
		// Round(0) strips the monotonic reading: the monotonic clock does
		// not advance during suspend, so only wall-clock subtraction ever
		// sees the gap.
		now: func() time.Time { return time.Now().Round(0) },
	}
}

// Run samples the clock every interval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	last := d.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := d.now()
			elapsed := now.Sub(last)
			last = now
			if elapsed <= d.threshold {
				continue
			}
			slept := elapsed - d.interval
			d.logger.Warn("wake detected", "slept", slept.Round(time.Second).String())
			if d.onWake != nil {
				d.onWake(ctx, slept)
			}
		}
	}
}
