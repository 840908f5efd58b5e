package telegram

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"conductor/internal/confirm"
	"conductor/internal/db"
	"conductor/internal/sessions"
)

// Router is the dispatcher surface the handlers call into.
type Router interface {
	ResolveTarget(ctx context.Context, text string) (*db.Session, error)
	SendUserInput(ctx context.Context, sess *db.Session, text string) error
	Undo(ctx context.Context, sessionID string) bool
	Suggestion(sessionID string, idx int) (string, bool)
	ScheduleAutoResume(sessionID string)
}

// SessionOps is the session-manager surface the handlers call into.
type SessionOps interface {
	Create(ctx context.Context, opts sessions.CreateOptions) (*db.Session, error)
	Kill(ctx context.Context, sess *db.Session) error
	Pause(ctx context.Context, sess *db.Session, status string) error
	Resume(ctx context.Context, sess *db.Session) error
	Rename(ctx context.Context, sess *db.Session, alias string) error
	Resolve(ref string) (*db.Session, error)
	Active() ([]db.Session, error)
}

// Store is the persistence surface the handlers call into.
type Store interface {
	GetSession(sessionID string) (*db.Session, error)
	ListRules(enabledOnly bool) ([]db.AutoRule, error)
	AddRule(rule *db.AutoRule) error
	DeleteRule(ruleID int64) (bool, error)
	SetAllRulesEnabled(enabled bool) error
}

// Responder is the auto-responder pause surface.
type Responder interface {
	SetPaused(paused bool)
	Paused() bool
}

// Capturer reads recent pane output for the show-context button.
type Capturer interface {
	CaptureRecent(target string, maxLines int) (string, error)
}

// Service owns the bot connection and every inbound handler.
type Service struct {
	bot       *bot.Bot
	userID    int64
	router    Router
	sessions  SessionOps
	store     Store
	responder Responder
	confirms  ConfirmOps
	capture   Capturer
	usage     UsageFunc
	logger    *slog.Logger

	// OnSessionCreated lets the application start a monitor for sessions
	// created from chat.
	OnSessionCreated func(ctx context.Context, sess db.Session)

	mu          sync.Mutex
	pendingText string
}

// ConfirmOps is the confirmation-manager surface the handlers use.
type ConfirmOps interface {
	Request(userID int64, action, sessionID string) confirm.Pending
	Confirm(userID int64, action, sessionID string) bool
	Cancel(userID int64, action, sessionID string) bool
}

// UsageFunc returns (used, limit, percentage, tier) for /tokens output.
type UsageFunc func(sessionID string) (used, limit, percentage int, tier string)

type Deps struct {
	Token     string
	UserID    int64
	Router    Router
	Sessions  SessionOps
	Store     Store
	Responder Responder
	Confirms  ConfirmOps
	Capture   Capturer
	Usage     UsageFunc
	Logger    *slog.Logger
}

func NewService(deps Deps) (*Service, error) {
	s := &Service{
		userID:    deps.UserID,
		router:    deps.Router,
		sessions:  deps.Sessions,
		store:     deps.Store,
		responder: deps.Responder,
		confirms:  deps.Confirms,
		capture:   deps.Capture,
		usage:     deps.Usage,
		logger:    deps.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	b, err := bot.New(deps.Token,
		bot.WithDefaultHandler(s.onFreeText),
		bot.WithMiddlewares(s.authGate),
	)
	if err != nil {
		return nil, err
	}
	s.bot = b
	s.register()
	return s, nil
}

// Bot exposes the underlying connection for the transport.
func (s *Service) Bot() *bot.Bot { return s.bot }

func (s *Service) register() {
	cmds := map[string]bot.HandlerFunc{
		"/start":    s.cmdStart,
		"/help":     s.cmdStart,
		"/status":   s.cmdStatus,
		"/sessions": s.cmdSessions,
		"/new":      s.cmdNew,
		"/send":     s.cmdSend,
		"/kill":     s.cmdKill,
		"/restart":  s.cmdRestart,
		"/pause":    s.cmdPause,
		"/resume":   s.cmdResume,
		"/rename":   s.cmdRename,
		"/summary":  s.cmdSummary,
		"/tokens":   s.cmdTokens,
		"/auto":     s.cmdAuto,
		"/undo":     s.cmdUndo,
	}
	for cmd, h := range cmds {
		s.bot.RegisterHandler(bot.HandlerTypeMessageText, cmd, bot.MatchTypePrefix, h)
	}
	callbacks := map[string]bot.HandlerFunc{
		"perm:":    s.cbPermission,
		"pick:":    s.cbPick,
		"pickmsg:": s.cbPickMessage,
		"suggest:": s.cbSuggestion,
		"undo:":    s.cbUndo,
		"rate:":    s.cbRateLimit,
		"confirm:": s.cbConfirm,
		"comp:":    s.cbCompletion,
		"status:":  s.cbStatusRefresh,
	}
	for prefix, h := range callbacks {
		s.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, prefix, bot.MatchTypePrefix, h)
	}
}

// Run registers the command menu and blocks in long polling until ctx
// ends.
func (s *Service) Run(ctx context.Context) error {
	s.setCommandMenu(ctx)
	s.bot.Start(ctx)
	return ctx.Err()
}

func (s *Service) setCommandMenu(ctx context.Context) {
	_, err := s.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{
		Commands: []models.BotCommand{
			{Command: "status", Description: "Overview of all sessions"},
			{Command: "sessions", Description: "List active sessions"},
			{Command: "new", Description: "Start a session: /new [type] [dir]"},
			{Command: "send", Description: "Send input: /send <session> <text>"},
			{Command: "summary", Description: "AI summary of a session"},
			{Command: "tokens", Description: "Token budget estimate"},
			{Command: "pause", Description: "Pause a session"},
			{Command: "resume", Description: "Resume a session"},
			{Command: "kill", Description: "Kill a session (asks to confirm)"},
			{Command: "restart", Description: "Restart a session (asks to confirm)"},
			{Command: "rename", Description: "Rename a session"},
			{Command: "auto", Description: "Auto-responder: pause|resume|list|add|del"},
			{Command: "undo", Description: "Undo the last auto-response"},
		},
	})
	if err != nil {
		s.logger.Warn("command menu registration failed", "err", err)
	}
}

// authGate drops every update that is not from the configured user. This
// daemon is strictly single-user; strangers get silence, not an error.
func (s *Service) authGate(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		if senderID(update) != s.userID {
			s.logger.Warn("ignoring update from unauthorized user", "user", senderID(update))
			return
		}
		next(ctx, b, update)
	}
}

func senderID(update *models.Update) int64 {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID
	default:
		return 0
	}
}
