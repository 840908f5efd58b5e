// Package lifecycle runs the daemon's long-lived loops as one unit: every
// registered run job shares a context, the first failure or signal cancels
// the rest, and shutdown hooks fire once all loops have drained.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

type job struct {
	name string
	fn   func(context.Context) error
}

type Manager struct {
	mu        sync.Mutex
	runs      []job
	shutdowns []job
	logger    *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// AddRun registers a loop that blocks until its context ends. Returning a
// non-nil, non-Canceled error brings the whole daemon down.
func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runs = append(m.runs, job{name: name, fn: fn})
	m.mu.Unlock()
}

// AddShutdown registers a hook that runs after every loop has stopped, in
// registration order.
func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.shutdowns = append(m.shutdowns, job{name: name, fn: fn})
	m.mu.Unlock()
}

// StartAndWait blocks until a signal arrives, a run job fails, or every
// run job returns on its own. Shutdown hooks always run.
func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		defer stop()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	runs := append([]job(nil), m.runs...)
	shutdowns := append([]job(nil), m.shutdowns...)
	m.mu.Unlock()

	errCh := make(chan error, len(runs))
	var wg sync.WaitGroup
	for _, j := range runs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			if err := j.fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("run job failed", "job", j.name, "err", err)
				errCh <- err
				cancel()
			}
		}(j)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		cancel()
	case runErr = <-errCh:
		cancel()
	case <-done:
	}
	<-done

	var shutdownErr error
	for _, j := range shutdowns {
		if err := j.fn(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("shutdown hook failed", "hook", j.name, "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	return errors.Join(runErr, shutdownErr)
}
