// Package notify delivers messages to the chat platform. Non-urgent events
// batch inside a flush window; urgent ones go out immediately. Every
// outgoing text passes the redaction gate, and failed sends land in the
// durable outbox until the liveness checker sees the platform again.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/redact"
)

// Button is one inline control attached to a message. Data is the opaque
// callback payload the platform echoes back on tap.
type Button struct {
	Label string
	Data  string
}

// Transport is the platform surface the notifier needs: one send and one
// trivial reachability probe. SendMessage returns the platform's id for
// the delivered message.
type Transport interface {
	SendMessage(ctx context.Context, text string, silent bool, buttons [][]Button) (int64, error)
	Ping(ctx context.Context) error
}

// Outbox is the durable queue for messages that failed to send.
type Outbox interface {
	EnqueueOutbox(text string, silent bool) error
	PeekOutbox(limit int) ([]db.OutboxMessage, error)
	DeleteOutbox(id int64) error
}

const (
	livenessInterval = 30 * time.Second
	drainDelay       = 100 * time.Millisecond
	shutdownFlush    = 2 * time.Second
	sendRetries      = 3
)

type pendingMsg struct {
	text    string
	silent  bool
	buttons [][]Button
}

type Notifier struct {
	transport   Transport
	outbox      Outbox
	batchWindow time.Duration
	quiet       config.QuietHoursConfig
	sounds      config.SoundsConfig
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending []pendingMsg
	kick    chan struct{}
}

func NewNotifier(transport Transport, outbox Outbox, cfg config.NotificationsConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	window := time.Duration(cfg.BatchWindowS) * time.Second
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Notifier{
		transport:   transport,
		outbox:      outbox,
		batchWindow: window,
		quiet:       cfg.QuietHours,
		sounds:      cfg.Sounds,
		logger:      logger,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
	}
}

// Send enqueues a non-urgent notification into the batch buffer. During
// quiet hours, completed and token_warning events are dropped here (they
// stay persisted as Events, they are just not delivered).
func (n *Notifier) Send(ctx context.Context, text, eventType string, buttons [][]Button) {
	if n.inQuietHours() && (eventType == db.EventCompleted || eventType == db.EventTokenWarning) {
		n.logger.Debug("dropped by quiet hours", "event_type", eventType)
		return
	}
	msg := pendingMsg{text: redact.Sensitive(text), silent: n.silentFor(eventType), buttons: buttons}
	n.mu.Lock()
	n.pending = append(n.pending, msg)
	n.mu.Unlock()
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// SendImmediate bypasses batching but not redaction and not the outbox.
// Quiet hours never suppress it. Returns the platform message id, or 0
// when the message went to the outbox instead.
func (n *Notifier) SendImmediate(ctx context.Context, text, eventType string, buttons [][]Button) int64 {
	return n.deliver(ctx, redact.Sensitive(text), n.silentFor(eventType), buttons)
}

// SendSystemAlert satisfies the error tracker's escalation surface.
func (n *Notifier) SendSystemAlert(ctx context.Context, text string) {
	n.SendImmediate(ctx, text, db.EventSystem, nil)
}

// RunFlusher owns the batch buffer: it arms a timer when the first message
// arrives and flushes the whole batch when it fires. On shutdown the
// remaining batch is flushed best effort within a short bound.
func (n *Notifier) RunFlusher(ctx context.Context) error {
	timer := time.NewTimer(n.batchWindow)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlush)
			n.flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-n.kick:
			if !armed {
				timer.Reset(n.batchWindow)
				armed = true
			}
		case <-timer.C:
			armed = false
			n.flush(ctx)
		}
	}
}

// flush sends the buffered batch: one message goes as-is, two or more are
// concatenated into a single compound message in arrival order.
func (n *Notifier) flush(ctx context.Context) {
	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	n.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		n.deliver(ctx, batch[0].text, batch[0].silent, batch[0].buttons)
		return
	}
	parts := make([]string, 0, len(batch))
	var buttons [][]Button
	silent := true
	for _, m := range batch {
		parts = append(parts, m.text)
		buttons = append(buttons, m.buttons...)
		if !m.silent {
			silent = false
		}
	}
	n.deliver(ctx, strings.Join(parts, "\n\n"), silent, buttons)
}

// deliver sends with bounded retries (429 replies carry their own retry
// delay); when the transport stays down the message goes to the outbox.
// Buttons do not survive the outbox: a drained message is text only, which
// is the acceptable degraded mode when the platform was unreachable for
// long enough that the buttons would have expired anyway.
func (n *Notifier) deliver(ctx context.Context, text string, silent bool, buttons [][]Button) int64 {
	msgID, err := backoff.Retry(ctx, func() (int64, error) {
		return n.transport.SendMessage(ctx, text, silent, buttons)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(sendRetries))
	if err == nil {
		return msgID
	}
	n.logger.Warn("send failed, queueing to outbox", "err", err)
	if qerr := n.outbox.EnqueueOutbox(text, silent); qerr != nil {
		n.logger.Error("outbox enqueue failed, message lost", "err", qerr)
	}
	return 0
}

// RunLivenessChecker probes the platform every 30 s while the outbox is
// non-empty and drains it FIFO once a probe succeeds, pacing sends to
// respect downstream rate limits.
func (n *Notifier) RunLivenessChecker(ctx context.Context) error {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.drainOutbox(ctx)
		}
	}
}

func (n *Notifier) drainOutbox(ctx context.Context) {
	queued, err := n.outbox.PeekOutbox(0)
	if err != nil {
		n.logger.Error("outbox read failed", "err", err)
		return
	}
	if len(queued) == 0 {
		return
	}
	if err := n.transport.Ping(ctx); err != nil {
		n.logger.Debug("platform still unreachable", "queued", len(queued))
		return
	}
	for _, msg := range queued {
		if ctx.Err() != nil {
			return
		}
		if _, err := n.transport.SendMessage(ctx, msg.Text, msg.Silent, nil); err != nil {
			n.logger.Warn("outbox drain interrupted", "err", err)
			return
		}
		if err := n.outbox.DeleteOutbox(msg.ID); err != nil {
			n.logger.Error("outbox delete failed", "id", msg.ID, "err", err)
			return
		}
		pace := time.NewTimer(drainDelay)
		select {
		case <-ctx.Done():
			pace.Stop()
			return
		case <-pace.C:
		}
	}
}

func (n *Notifier) silentFor(eventType string) bool {
	switch eventType {
	case db.EventInputRequired:
		return !n.sounds.InputRequired
	case db.EventTokenWarning:
		return !n.sounds.TokenWarning
	case db.EventError, db.EventRateLimit:
		return !n.sounds.Error
	case db.EventCompleted:
		return !n.sounds.Completed
	default:
		return false
	}
}

// inQuietHours checks the configured local-time window, which may wrap
// midnight.
func (n *Notifier) inQuietHours() bool {
	if !n.quiet.Enabled {
		return false
	}
	loc := time.Local
	if n.quiet.Timezone != "" {
		if l, err := time.LoadLocation(n.quiet.Timezone); err == nil {
			loc = l
		}
	}
	start, ok1 := parseClock(n.quiet.Start)
	end, ok2 := parseClock(n.quiet.End)
	if !ok1 || !ok2 {
		return false
	}
	now := n.now().In(loc)
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
