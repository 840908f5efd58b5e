package lifecycle

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestManager_ContextCancelRunsShutdown(t *testing.T) {
	mgr := NewManager(nil)
	var mu sync.Mutex
	var steps []string
	mark := func(v string) {
		mu.Lock()
		steps = append(steps, v)
		mu.Unlock()
	}

	mgr.AddRun("poller", func(ctx context.Context) error {
		<-ctx.Done()
		mark("poller-stopped")
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		mark("db-closed")
		return nil
	})

	parent, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.StartAndWait(parent) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("StartAndWait should not fail: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Contains(steps, "poller-stopped") {
		t.Fatalf("missing run stop marker: %#v", steps)
	}
	if !slices.Contains(steps, "db-closed") {
		t.Fatalf("missing shutdown marker: %#v", steps)
	}
}

func TestManager_RunErrorCancelsSiblingsAndRunsShutdown(t *testing.T) {
	mgr := NewManager(nil)
	boom := errors.New("boom")
	siblingStopped := make(chan struct{})
	shutdownCalled := 0

	mgr.AddRun("failing", func(context.Context) error { return boom })
	mgr.AddRun("sibling", func(ctx context.Context) error {
		<-ctx.Done()
		close(siblingStopped)
		return nil
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		shutdownCalled++
		return nil
	})

	err := mgr.StartAndWait(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected run error, got %v", err)
	}
	select {
	case <-siblingStopped:
	default:
		t.Fatal("sibling loop was not cancelled")
	}
	if shutdownCalled != 1 {
		t.Fatalf("expected shutdown called once, got %d", shutdownCalled)
	}
}

func TestManager_ShutdownErrorsAreJoined(t *testing.T) {
	mgr := NewManager(nil)
	hookErr := errors.New("flush failed")
	mgr.AddShutdown("flush", func(context.Context) error { return hookErr })
	if err := mgr.StartAndWait(context.Background()); !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
}
