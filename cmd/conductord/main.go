package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"conductor/internal/ai"
	"conductor/internal/autorespond"
	"conductor/internal/command"
	"conductor/internal/config"
	"conductor/internal/confirm"
	"conductor/internal/db"
	"conductor/internal/dispatch"
	"conductor/internal/errtrack"
	"conductor/internal/lifecycle"
	"conductor/internal/logging"
	"conductor/internal/monitor"
	"conductor/internal/notify"
	"conductor/internal/redact"
	"conductor/internal/sessions"
	"conductor/internal/sleepwatch"
	"conductor/internal/telegram"
	"conductor/internal/tmux"
	"conductor/internal/tokens"
)

// BSD sysexits: EX_USAGE for configuration problems, EX_SOFTWARE for
// runtime failures.
const (
	exitConfig  = 64
	exitRuntime = 70
)

const (
	pruneInterval = 24 * time.Hour
	retainHistory = 30 * 24 * time.Hour
	errResetEvery = 5 * time.Minute
	sweepEvery    = 5 * time.Second
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: config.Load,
		RunServe:   runServe,
		RunMigrate: runMigrate,
	})
	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Component: "conductord"}).Error("conductord failed", "err", err)
		var cfgErr *command.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfig)
		}
		os.Exit(exitRuntime)
	}
}

func runMigrate(_ context.Context, cfg config.Config) error {
	gdb, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	return db.Close(gdb)
}

// routerRef breaks the construction cycle between the chat service (which
// owns the bot the notifier transport needs) and the dispatcher (which
// needs the notifier). It is set before any handler can run.
type routerRef struct {
	mu sync.RWMutex
	d  *dispatch.Dispatcher
}

func (r *routerRef) get() *dispatch.Dispatcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.d
}

func (r *routerRef) set(d *dispatch.Dispatcher) {
	r.mu.Lock()
	r.d = d
	r.mu.Unlock()
}

func (r *routerRef) ResolveTarget(ctx context.Context, text string) (*db.Session, error) {
	return r.get().ResolveTarget(ctx, text)
}

func (r *routerRef) SendUserInput(ctx context.Context, sess *db.Session, text string) error {
	return r.get().SendUserInput(ctx, sess, text)
}

func (r *routerRef) Undo(ctx context.Context, sessionID string) bool {
	return r.get().Undo(ctx, sessionID)
}

func (r *routerRef) Suggestion(sessionID string, idx int) (string, bool) {
	return r.get().Suggestion(sessionID, idx)
}

func (r *routerRef) ScheduleAutoResume(sessionID string) {
	r.get().ScheduleAutoResume(sessionID)
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := logging.NewLogger(logging.Options{
		Level:       cfg.Secrets.LogLevel,
		File:        cfg.Preferences.Logging.File,
		MaxSizeMB:   cfg.Preferences.Logging.MaxSizeMB,
		BackupCount: cfg.Preferences.Logging.BackupCount,
		Console:     cfg.Preferences.Logging.ConsoleOutput,
		Component:   "conductord",
	})

	if err := redact.AddCustom(cfg.Preferences.Security.RedactPatterns); err != nil {
		return &command.ConfigError{Err: err}
	}

	gdb, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	store := db.NewStore(gdb)
	if n, perr := store.PruneOld(retainHistory); perr != nil {
		logger.Warn("boot prune failed", "err", perr)
	} else if n > 0 {
		logger.Info("boot prune removed old history", "rows", n)
	}

	adapter := tmux.NewAdapter(&tmux.RealExec{})
	estimator := tokens.NewEstimator(cfg.Preferences.Tokens.PlanTier, cfg.Preferences.Tokens.WindowHours, tokens.Thresholds{
		WarningPct:  cfg.Preferences.Tokens.WarningPct,
		DangerPct:   cfg.Preferences.Tokens.DangerPct,
		CriticalPct: cfg.Preferences.Tokens.CriticalPct,
	})
	confirmTTL := time.Duration(cfg.Preferences.Notifications.ConfirmationTimeoutS) * time.Second
	confirms := confirm.NewManager(confirmTTL)

	responder := autorespond.NewResponder(store, cfg.Preferences.AutoResponder.Enabled, logger.With("module", "autorespond"))
	if err := store.SeedDefaultRules(autorespond.DefaultRules(cfg.Preferences.AutoResponder.DefaultRules)); err != nil {
		logger.Warn("seeding default rules failed", "err", err)
	}

	sessMgr := sessions.NewManager(store, adapter, cfg.Preferences.Sessions, logger.With("module", "sessions"))

	router := &routerRef{}
	svc, err := telegram.NewService(telegram.Deps{
		Token:     cfg.Secrets.TelegramBotToken,
		UserID:    cfg.Secrets.TelegramUserID,
		Router:    router,
		Sessions:  sessMgr,
		Store:     store,
		Responder: responder,
		Confirms:  confirms,
		Capture:   adapter,
		Usage: func(sessionID string) (used, limit, percentage int, tier string) {
			u := estimator.GetUsage(sessionID)
			return u.Used, u.Limit, u.Percentage, u.Tier
		},
		Logger: logger.With("module", "telegram"),
	})
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}

	transport := telegram.NewTransport(svc.Bot(), cfg.Secrets.TelegramUserID)
	notifier := notify.NewNotifier(transport, store, cfg.Preferences.Notifications, logger.With("module", "notify"))
	errs := errtrack.NewTracker(notifier, logger.With("module", "errtrack"))
	aiClient := ai.NewClient(cfg.Secrets.AIAPIKey, cfg.Preferences.AI, errs, logger.With("module", "ai"))

	events := make(chan monitor.Event, 64)
	dispatcher := dispatch.New(events, store, sessMgr, adapter, notifier, aiClient, responder, estimator, logger.With("module", "dispatch"))
	router.set(dispatcher)

	adopted, lost, err := sessMgr.Recover(ctx)
	if err != nil {
		return fmt.Errorf("session recovery: %w", err)
	}
	if len(lost) > 0 {
		notifier.Send(ctx, fmt.Sprintf("⚪ %d session(s) did not survive the restart.", len(lost)), db.EventSystem, nil)
	}

	newSessions := make(chan db.Session, 8)
	svc.OnSessionCreated = func(_ context.Context, sess db.Session) {
		select {
		case newSessions <- sess:
		default:
			logger.Warn("monitor start queue full", "session", sess.Alias)
		}
	}

	sleeper := sleepwatch.NewDetector(func(wakeCtx context.Context, slept time.Duration) {
		dead, serr := sessMgr.HealthSweep(wakeCtx)
		if serr != nil {
			logger.Warn("post-wake health sweep failed", "err", serr)
			return
		}
		if len(dead) > 0 {
			notifier.Send(wakeCtx, fmt.Sprintf("⚪ Host slept %s; %d session(s) did not survive.", slept.Round(time.Second), len(dead)), db.EventSystem, nil)
		}
	}, logger.With("module", "sleepwatch"))

	mgr := lifecycle.NewManager(logger.With("module", "lifecycle"))
	mgr.AddRun("monitors", func(runCtx context.Context) error {
		return superviseMonitors(runCtx, adopted, newSessions, adapter, store, notifier, cfg.Preferences.Monitor, events, logger)
	})
	mgr.AddRun("dispatcher", dispatcher.Run)
	mgr.AddRun("telegram", svc.Run)
	mgr.AddRun("notify-flusher", notifier.RunFlusher)
	mgr.AddRun("notify-liveness", notifier.RunLivenessChecker)
	mgr.AddRun("confirm-sweeper", func(runCtx context.Context) error {
		return confirms.RunSweeper(runCtx, sweepEvery)
	})
	mgr.AddRun("errtrack-reset", func(runCtx context.Context) error {
		return errs.RunResetLoop(runCtx, errResetEvery)
	})
	mgr.AddRun("sleepwatch", sleeper.Run)
	mgr.AddRun("prune", func(runCtx context.Context) error {
		return runPruneLoop(runCtx, store, logger)
	})
	mgr.AddShutdown("close-db", func(context.Context) error {
		return db.Close(gdb)
	})

	logger.Info("conductord starting", "sessions_adopted", len(adopted), "db", cfg.DBPath)
	return mgr.StartAndWait(ctx)
}

// superviseMonitors runs one polling loop per session: the ones adopted at
// startup plus any created later from chat.
func superviseMonitors(ctx context.Context, adopted []db.Session, incoming <-chan db.Session, adapter *tmux.Adapter, store *db.Store, notifier *notify.Notifier, cfg config.MonitorConfig, events chan<- monitor.Event, logger *slog.Logger) error {
	var wg sync.WaitGroup
	start := func(sess db.Session) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := monitor.New(sess, adapter, cfg, events,
				func() string {
					cur, err := store.GetSession(sess.ID)
					if err != nil || cur == nil {
						return db.StatusExited
					}
					return cur.Status
				},
				func(ended db.Session, reason string) {
					if err := store.UpdateSession(ended.ID, map[string]any{"status": db.StatusExited}); err != nil {
						logger.Warn("marking ended session failed", "session", ended.Alias, "err", err)
					}
					notifier.Send(context.Background(),
						fmt.Sprintf("⚪ %s #%d %s ended: %s", ended.ColorToken, ended.Number, ended.Alias, reason),
						db.EventSystem, nil)
				},
				logger.With("module", "monitor"))
			if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("monitor stopped", "session", sess.Alias, "err", err)
			}
		}()
	}
	for _, sess := range adopted {
		start(sess)
	}
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sess := <-incoming:
			start(sess)
		}
	}
}

func runPruneLoop(ctx context.Context, store *db.Store, logger *slog.Logger) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := store.PruneOld(retainHistory)
			if err != nil {
				logger.Warn("history prune failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("history pruned", "rows", n)
			}
		}
	}
}
