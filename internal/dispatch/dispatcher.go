// Package dispatch wires the event pipeline together: it consumes
// classified pane events and routes them into the auto-responder, the
// notifier, the AI adapter, the token estimator, and the store. It also
// resolves which session a user message is aimed at.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"conductor/internal/ai"
	"conductor/internal/autorespond"
	"conductor/internal/db"
	"conductor/internal/detect"
	"conductor/internal/monitor"
	"conductor/internal/notify"
	"conductor/internal/tokens"
)

const (
	lastPromptWindow = 60 * time.Second
	undoWindow       = 30 * time.Second
	autoResumeDelay  = 15 * time.Minute
	aiGuessThreshold = 0.8
)

// ErrPickRequired means no resolution rule produced a session; the caller
// should present the active list.
var ErrPickRequired = errors.New("session pick required")

// Mux is the keystroke surface the dispatcher needs.
type Mux interface {
	Send(target, text string, pressEnter bool) error
	SendInterrupt(target string) error
}

// Store is the persistence surface the dispatcher needs.
type Store interface {
	LogCommand(*db.Command) error
	LogEvent(*db.Event) error
	UpdateSession(sessionID string, updates map[string]any) error
	GetSession(sessionID string) (*db.Session, error)
}

// Sessions is the session-manager surface the dispatcher needs.
type Sessions interface {
	Pause(ctx context.Context, sess *db.Session, status string) error
	Resume(ctx context.Context, sess *db.Session) error
	Resolve(ref string) (*db.Session, error)
	Active() ([]db.Session, error)
}

// Notifier is the outbound surface the dispatcher needs. SendImmediate
// returns the platform message id (0 when the send was queued instead).
type Notifier interface {
	Send(ctx context.Context, text, eventType string, buttons [][]notify.Button)
	SendImmediate(ctx context.Context, text, eventType string, buttons [][]notify.Button) int64
}

// AI is the adapter surface the dispatcher needs.
type AI interface {
	Summarize(ctx context.Context, lines []string) string
	Suggest(ctx context.Context, promptText string, recent []string) []string
	ParseIntent(ctx context.Context, text string, sessions []string) ai.Intent
}

// Responder decides autonomous replies.
type Responder interface {
	Decide(ctx context.Context, promptText string) autorespond.Decision
}

// Estimator tracks response-cycle usage.
type Estimator interface {
	RecordCycle(sessionID string)
	GetUsage(sessionID string) tokens.Usage
	CheckThresholds() tokens.Level
}

type Dispatcher struct {
	events    <-chan monitor.Event
	store     Store
	sessions  Sessions
	mux       Mux
	notifier  Notifier
	ai        AI
	responder Responder
	estimator Estimator
	logger    *slog.Logger
	now       func() time.Time

	mu              sync.Mutex
	lastPromptSess  string
	lastPromptAt    time.Time
	undoDeadlines   map[string]time.Time
	lastSuggestions map[string][]string
	tokenLevel      tokens.Level
}

func New(events <-chan monitor.Event, store Store, sessions Sessions, mux Mux, notifier Notifier, aiClient AI, responder Responder, estimator Estimator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		events:          events,
		store:           store,
		sessions:        sessions,
		mux:             mux,
		notifier:        notifier,
		ai:              aiClient,
		responder:       responder,
		estimator:       estimator,
		logger:          logger,
		now:             time.Now,
		undoDeadlines:   map[string]time.Time{},
		lastSuggestions: map[string][]string{},
	}
}

// Run processes events serially until the channel closes or the context
// ends. Serial processing is what gives per-pane ordering.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-d.events:
			if !ok {
				return nil
			}
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev monitor.Event) {
	sess := ev.Session
	// The event carries the session as it looked when its monitor started;
	// status may have moved since (pause, rate limit), so re-read it.
	if cur, err := d.store.GetSession(sess.ID); err == nil && cur != nil {
		sess.Status = cur.Status
	}
	if err := d.store.UpdateSession(sess.ID, map[string]any{"last_activity": d.now().Unix()}); err != nil {
		d.logger.Warn("activity update failed", "session", sess.Alias, "err", err)
	}
	if !ev.Synthetic && tokens.IsCycleBoundary(ev.IdleBefore, len(ev.Lines)) {
		d.estimator.RecordCycle(sess.ID)
		d.checkTokenBudget(ctx, sess)
	}

	text := strings.Join(ev.Lines, "\n")
	switch ev.Result.Type {
	case detect.PermissionPrompt:
		d.handlePermissionPrompt(ctx, sess, ev.Result.MatchedText, text)
	case detect.InputPrompt:
		d.handleInputPrompt(ctx, sess, text, ev.Lines)
	case detect.RateLimit:
		d.handleRateLimit(ctx, sess, ev.Result.MatchedText)
	case detect.Error:
		d.handleError(ctx, sess, ev.Result.MatchedText, text)
	case detect.Completion:
		d.handleCompletion(ctx, sess, ev.Lines)
	case detect.None:
		// Plain output; the activity update above is all it needs.
	}
}

func (d *Dispatcher) handlePermissionPrompt(ctx context.Context, sess db.Session, matched, text string) {
	d.rememberPrompt(sess.ID)
	d.markWaiting(sess)
	buttons := [][]notify.Button{{
		{Label: "✅ Allow", Data: "perm:" + sess.ID + ":allow"},
		{Label: "❌ Deny", Data: "perm:" + sess.ID + ":deny"},
		{Label: "📄 Context", Data: "perm:" + sess.ID + ":context"},
	}}
	msgID := d.notifier.SendImmediate(ctx,
		fmt.Sprintf("%s #%d %s needs permission:\n%s", sess.ColorToken, sess.Number, sess.Alias, tail(text, 12)),
		db.EventInputRequired, buttons)
	d.logEventMsg(sess.ID, db.EventInputRequired, text, msgID)
}

func (d *Dispatcher) handleInputPrompt(ctx context.Context, sess db.Session, text string, lines []string) {
	decision := d.responder.Decide(ctx, text)
	if decision.Respond {
		d.autoRespond(ctx, sess, text, decision)
		return
	}
	d.rememberPrompt(sess.ID)
	d.markWaiting(sess)

	var buttons [][]notify.Button
	for _, opt := range detectOptions(lines) {
		buttons = append(buttons, []notify.Button{{
			Label: opt.label,
			Data:  fmt.Sprintf("pick:%s:%s", sess.ID, opt.value),
		}})
	}
	msgID := d.notifier.SendImmediate(ctx,
		fmt.Sprintf("%s #%d %s is waiting for input:\n%s", sess.ColorToken, sess.Number, sess.Alias, tail(text, 12)),
		db.EventInputRequired, buttons)
	d.logEventMsg(sess.ID, db.EventInputRequired, text, msgID)
}

func (d *Dispatcher) autoRespond(ctx context.Context, sess db.Session, promptText string, decision autorespond.Decision) {
	keystrokes := decision.Response
	if err := d.mux.Send(sess.MuxSession, keystrokes, true); err != nil {
		d.logger.Error("auto-response send failed", "session", sess.Alias, "err", err)
		return
	}
	d.logCommand(sess.ID, db.SourceAuto, keystrokes, fmt.Sprintf("rule %d", decision.RuleID))
	d.logEvent(sess.ID, db.EventAutoResponse,
		fmt.Sprintf("auto-replied %q to %q (rule %d)", keystrokes, decision.Pattern, decision.RuleID))

	d.mu.Lock()
	d.undoDeadlines[sess.ID] = d.now().Add(undoWindow)
	d.mu.Unlock()

	display := keystrokes
	if display == "" {
		display = "<enter>"
	}
	d.notifier.Send(ctx,
		fmt.Sprintf("%s #%d %s auto-replied %q", sess.ColorToken, sess.Number, sess.Alias, display),
		db.EventAutoResponse,
		[][]notify.Button{{{Label: "↩️ Undo", Data: "undo:" + sess.ID}}})
}

func (d *Dispatcher) handleRateLimit(ctx context.Context, sess db.Session, matched string) {
	if err := d.sessions.Pause(ctx, &sess, db.StatusRateLimited); err != nil {
		d.logger.Error("rate-limit pause failed", "session", sess.Alias, "err", err)
	}
	buttons := [][]notify.Button{{
		{Label: "▶️ Resume now", Data: "rate:" + sess.ID + ":resume"},
		{Label: "⏲ Auto-resume 15m", Data: "rate:" + sess.ID + ":wait"},
		{Label: "🔀 Switch task", Data: "rate:" + sess.ID + ":switch"},
	}}
	msgID := d.notifier.SendImmediate(ctx,
		fmt.Sprintf("%s #%d %s hit a rate limit (%s). Session paused.", sess.ColorToken, sess.Number, sess.Alias, strings.TrimSpace(matched)),
		db.EventRateLimit, buttons)
	d.logEventMsg(sess.ID, db.EventRateLimit, matched, msgID)
}

func (d *Dispatcher) handleError(ctx context.Context, sess db.Session, matched, text string) {
	msgID := d.notifier.SendImmediate(ctx,
		fmt.Sprintf("%s #%d %s error:\n%s", sess.ColorToken, sess.Number, sess.Alias, tail(text, 8)),
		db.EventError, nil)
	d.logEventMsg(sess.ID, db.EventError, text, msgID)
}

func (d *Dispatcher) handleCompletion(ctx context.Context, sess db.Session, lines []string) {
	summary := d.ai.Summarize(ctx, lines)
	suggestions := d.ai.Suggest(ctx, summary, lines)
	if err := d.store.UpdateSession(sess.ID, map[string]any{
		"last_summary": summary,
		"token_used":   sess.TokenUsed + 1,
	}); err != nil {
		d.logger.Warn("summary update failed", "session", sess.Alias, "err", err)
	}
	d.logEvent(sess.ID, db.EventCompleted, summary)

	var buttons [][]notify.Button
	d.mu.Lock()
	d.lastSuggestions[sess.ID] = suggestions
	d.mu.Unlock()
	for i, s := range suggestions {
		buttons = append(buttons, []notify.Button{{
			Label: "💡 " + truncate(s, 40),
			Data:  fmt.Sprintf("suggest:%s:%d", sess.ID, i),
		}})
	}
	d.notifier.Send(ctx,
		fmt.Sprintf("%s #%d %s finished:\n%s", sess.ColorToken, sess.Number, sess.Alias, summary),
		db.EventCompleted, buttons)
}

// checkTokenBudget escalates once per threshold level. At critical, every
// session whose cycle lands while the estimate stays critical gets paused,
// not only the one whose cycle crossed the threshold; the level-change
// gate dedupes the alert, never the pause.
func (d *Dispatcher) checkTokenBudget(ctx context.Context, sess db.Session) {
	level := d.estimator.CheckThresholds()
	d.mu.Lock()
	changed := level != d.tokenLevel
	d.tokenLevel = level
	d.mu.Unlock()

	if level == tokens.LevelCritical {
		if sess.Status != db.StatusRateLimited {
			if err := d.sessions.Pause(ctx, &sess, db.StatusRateLimited); err != nil {
				d.logger.Error("critical-budget pause failed", "session", sess.Alias, "err", err)
			}
		}
		usage := d.estimator.GetUsage("")
		if changed {
			d.logEvent("", db.EventTokenWarning,
				fmt.Sprintf("token budget critical: %d/%d (%d%%)", usage.Used, usage.Limit, usage.Percentage))
			d.notifier.SendImmediate(ctx,
				fmt.Sprintf("🚨 Token budget critical: %d%% used, resets in %s. #%d %s paused.",
					usage.Percentage, (time.Duration(usage.ResetInSeconds)*time.Second).Round(time.Minute), sess.Number, sess.Alias),
				db.EventTokenWarning, nil)
			return
		}
		d.notifier.Send(ctx,
			fmt.Sprintf("🚨 #%d %s paused: token budget still critical (%d%%)", sess.Number, sess.Alias, usage.Percentage),
			db.EventTokenWarning, nil)
		return
	}

	if level == tokens.LevelNone || !changed {
		return
	}
	usage := d.estimator.GetUsage("")
	d.logEvent("", db.EventTokenWarning,
		fmt.Sprintf("token budget %s: %d/%d (%d%%)", level, usage.Used, usage.Limit, usage.Percentage))
	d.notifier.Send(ctx,
		fmt.Sprintf("⚠️ Token budget %s: %d%% of the %s window used", level, usage.Percentage, usage.Tier),
		db.EventTokenWarning, nil)
}

// ── User-originated input ──

// replyLike matches the short confirmations that bind to the last
// prompting session.
var replyLike = regexp.MustCompile(`^(?i)(y|n|yes|no|\d+)$`)

func isReplyLike(text string) bool {
	t := strings.TrimSpace(text)
	return replyLike.MatchString(t) || (len(t) > 0 && len(t) <= 10 && !strings.ContainsAny(t, " \t"))
}

// ResolveTarget finds the session a user message is aimed at:
// last-prompting session for reply-like text, then #N/alias, then a lone
// active session, then an AI guess above the confidence bar, and finally
// ErrPickRequired.
func (d *Dispatcher) ResolveTarget(ctx context.Context, text string) (*db.Session, error) {
	d.mu.Lock()
	lastSess, lastAt := d.lastPromptSess, d.lastPromptAt
	d.mu.Unlock()
	if lastSess != "" && d.now().Sub(lastAt) <= lastPromptWindow && isReplyLike(text) {
		if sess, err := d.store.GetSession(lastSess); err == nil && sess != nil && sess.Active() {
			return sess, nil
		}
	}

	for _, token := range strings.Fields(text) {
		if strings.HasPrefix(token, "#") {
			if sess, err := d.sessions.Resolve(token); err == nil {
				return sess, nil
			}
		}
	}
	if sess, err := d.sessions.Resolve(text); err == nil {
		return sess, nil
	}

	active, err := d.sessions.Active()
	if err != nil {
		return nil, err
	}
	if len(active) == 1 {
		return &active[0], nil
	}

	refs := make([]string, 0, len(active))
	for _, s := range active {
		refs = append(refs, fmt.Sprintf("%d %s", s.Number, s.Alias))
	}
	intent := d.ai.ParseIntent(ctx, text, refs)
	if intent.Session != "" && intent.Confidence > aiGuessThreshold {
		if sess, err := d.sessions.Resolve(intent.Session); err == nil {
			return sess, nil
		}
	}
	return nil, ErrPickRequired
}

// SendUserInput forwards text into the session's pane and records it.
func (d *Dispatcher) SendUserInput(ctx context.Context, sess *db.Session, text string) error {
	if err := d.mux.Send(sess.MuxSession, text, true); err != nil {
		return err
	}
	d.mu.Lock()
	if d.lastPromptSess == sess.ID {
		d.lastPromptSess = ""
	}
	d.mu.Unlock()
	if sess.Status == db.StatusWaiting {
		if err := d.store.UpdateSession(sess.ID, map[string]any{"status": db.StatusRunning}); err != nil {
			d.logger.Warn("status update failed", "session", sess.Alias, "err", err)
		}
	}
	d.logCommand(sess.ID, db.SourceUser, text, "")
	return nil
}

// Undo cancels a recent auto-response by interrupting the pane. Returns
// false when the undo window has expired.
func (d *Dispatcher) Undo(ctx context.Context, sessionID string) bool {
	d.mu.Lock()
	deadline, ok := d.undoDeadlines[sessionID]
	if ok {
		delete(d.undoDeadlines, sessionID)
	}
	d.mu.Unlock()
	if !ok || d.now().After(deadline) {
		return false
	}
	sess, err := d.store.GetSession(sessionID)
	if err != nil || sess == nil {
		return false
	}
	if err := d.mux.SendInterrupt(sess.MuxSession); err != nil {
		d.logger.Error("undo interrupt failed", "session", sess.Alias, "err", err)
		return false
	}
	d.logCommand(sess.ID, db.SourceSystem, "\x03", "undo auto-response")
	return true
}

// Suggestion returns the stored suggestion text for a completion button.
func (d *Dispatcher) Suggestion(sessionID string, idx int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.lastSuggestions[sessionID]
	if idx < 0 || idx >= len(s) {
		return "", false
	}
	return s[idx], true
}

// ScheduleAutoResume resumes a rate-limited session after the standard
// delay, unless it was resumed or killed in the meantime.
func (d *Dispatcher) ScheduleAutoResume(sessionID string) {
	time.AfterFunc(autoResumeDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sess, err := d.store.GetSession(sessionID)
		if err != nil || sess == nil || sess.Status != db.StatusRateLimited {
			return
		}
		if err := d.sessions.Resume(ctx, sess); err != nil {
			d.logger.Error("auto-resume failed", "session", sess.Alias, "err", err)
			return
		}
		d.notifier.Send(ctx,
			fmt.Sprintf("%s #%d %s auto-resumed after rate-limit cooldown", sess.ColorToken, sess.Number, sess.Alias),
			db.EventSystem, nil)
	})
}

// markWaiting flips a running session to waiting while its prompt is
// relayed. Paused and rate-limited sessions keep their status.
func (d *Dispatcher) markWaiting(sess db.Session) {
	if sess.Status != db.StatusRunning {
		return
	}
	if err := d.store.UpdateSession(sess.ID, map[string]any{"status": db.StatusWaiting}); err != nil {
		d.logger.Warn("status update failed", "session", sess.Alias, "err", err)
	}
}

func (d *Dispatcher) rememberPrompt(sessionID string) {
	d.mu.Lock()
	d.lastPromptSess = sessionID
	d.lastPromptAt = d.now()
	d.mu.Unlock()
}

func (d *Dispatcher) logEvent(sessionID, eventType, message string) {
	d.logEventMsg(sessionID, eventType, message, 0)
}

// logEventMsg records an event with the platform message id of the
// notification it produced, so the row can be tied back to the chat
// message later.
func (d *Dispatcher) logEventMsg(sessionID, eventType, message string, platformMsgID int64) {
	if err := d.store.LogEvent(&db.Event{SessionID: sessionID, EventType: eventType, Message: message, PlatformMessageID: platformMsgID}); err != nil {
		d.logger.Warn("event log failed", "type", eventType, "err", err)
	}
}

func (d *Dispatcher) logCommand(sessionID, source, input, context string) {
	if err := d.store.LogCommand(&db.Command{SessionID: sessionID, Source: source, Input: input, Context: context}); err != nil {
		d.logger.Warn("command log failed", "source", source, "err", err)
	}
}

// ── Helpers ──

type promptOption struct {
	label string
	value string
}

var optionLine = regexp.MustCompile(`^\s*(\d+)[.)]\s+(.{1,60})`)

// detectOptions synthesizes buttons from a numbered choice list.
func detectOptions(lines []string) []promptOption {
	var out []promptOption
	for _, line := range lines {
		m := optionLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, promptOption{
			label: m[1] + ". " + strings.TrimSpace(m[2]),
			value: m[1],
		})
		if len(out) == 8 {
			break
		}
	}
	return out
}

func tail(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
