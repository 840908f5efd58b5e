// Package monitor runs one polling loop per session pane: capture, feed
// the output buffer, classify whatever is new, and emit onto the
// dispatcher channel. The poll interval adapts to activity so a busy pane
// is watched closely and an idle one barely costs anything.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/detect"
	"conductor/internal/outputbuf"
	"conductor/internal/tmux"
)

const captureLines = 200

// Event is what a monitor hands the dispatcher: the session, the
// classification of the new lines, and the lines themselves. Synthetic
// marks an idle-timeout completion candidate rather than a pattern match.
type Event struct {
	Session    db.Session
	Result     detect.Result
	Lines      []string
	IdleBefore time.Duration
	Synthetic  bool
}

// Capturer is the pane-adapter surface a monitor needs.
type Capturer interface {
	CaptureRecent(target string, maxLines int) (string, error)
}

// StatusFunc reports the session's current status so a paused session is
// polled lazily.
type StatusFunc func() string

// EndedFunc is called once when the monitor enters its terminal state.
type EndedFunc func(session db.Session, reason string)

type Monitor struct {
	sess    db.Session
	mux     Capturer
	buf     *outputbuf.Buffer
	events  chan<- Event
	status  StatusFunc
	onEnded EndedFunc
	logger  *slog.Logger
	now     func() time.Time

	defaultPoll   time.Duration
	activePoll    time.Duration
	idlePoll      time.Duration
	pausedPoll    time.Duration
	idleAfter     time.Duration
	completionIn  time.Duration

	active         bool
	lastActivity   time.Time
	completionSent bool
}

func New(sess db.Session, mux Capturer, cfg config.MonitorConfig, events chan<- Event, status StatusFunc, onEnded EndedFunc, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	ms := func(v, fallback int) time.Duration {
		if v <= 0 {
			v = fallback
		}
		return time.Duration(v) * time.Millisecond
	}
	completion := cfg.CompletionIdleThresholdS
	if completion <= 0 {
		completion = 30
	}
	bufMax := cfg.OutputBufferMaxLines
	if bufMax <= 0 {
		bufMax = outputbuf.DefaultMaxLines
	}
	return &Monitor{
		sess:         sess,
		mux:          mux,
		buf:          outputbuf.New(bufMax),
		events:       events,
		status:       status,
		onEnded:      onEnded,
		logger:       logger.With("session", sess.Alias, "number", sess.Number),
		now:          time.Now,
		defaultPoll:  ms(cfg.PollIntervalMs, 500),
		activePoll:   ms(cfg.ActivePollIntervalMs, 300),
		idlePoll:     ms(cfg.IdlePollIntervalMs, 2000),
		pausedPoll:   5 * time.Second,
		idleAfter:    5 * time.Minute,
		completionIn: time.Duration(completion) * time.Second,
	}
}

// Run polls until the context ends or the pane disappears. Pane loss is
// terminal: onEnded fires once and the loop returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	m.lastActivity = m.now()
	timer := time.NewTimer(m.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if err := m.poll(ctx); err != nil {
			if errors.Is(err, tmux.ErrPaneGone) {
				m.logger.Info("pane gone, monitor ending")
				if m.onEnded != nil {
					m.onEnded(m.sess, "pane gone")
				}
				return nil
			}
			m.logger.Warn("capture failed", "err", err)
		}
		timer.Reset(m.interval())
	}
}

func (m *Monitor) poll(ctx context.Context) error {
	raw, err := m.mux.CaptureRecent(m.sess.MuxSession, captureLines)
	if err != nil {
		return err
	}
	newLines := m.buf.Ingest(raw)
	now := m.now()
	if len(newLines) > 0 {
		idle := now.Sub(m.lastActivity)
		result := detect.Classify(strings.Join(newLines, "\n"))
		m.emit(ctx, Event{
			Session:    m.sess,
			Result:     result,
			Lines:      newLines,
			IdleBefore: idle,
		})
		m.active = true
		m.completionSent = false
		m.lastActivity = now
		return nil
	}
	if m.active && !m.completionSent && now.Sub(m.lastActivity) >= m.completionIn {
		m.emit(ctx, Event{
			Session: m.sess,
			Result: detect.Result{
				Type:       detect.Completion,
				Pattern:    "idle-timeout",
				Confidence: 0.5,
			},
			// The recent window stands in for new lines so the summarizer
			// has material to work with.
			Lines:      m.buf.Recent(40),
			IdleBefore: now.Sub(m.lastActivity),
			Synthetic:  true,
		})
		m.completionSent = true
		m.active = false
	}
	return nil
}

func (m *Monitor) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

func (m *Monitor) interval() time.Duration {
	if m.status != nil {
		switch m.status() {
		case db.StatusPaused, db.StatusRateLimited:
			return m.pausedPoll
		}
	}
	if m.active {
		return m.activePoll
	}
	if m.now().Sub(m.lastActivity) >= m.idleAfter {
		return m.idlePoll
	}
	return m.defaultPoll
}
