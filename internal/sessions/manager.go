// Package sessions owns Session records: creation with number and alias
// allocation, teardown, pause/resume via process signals, reference
// resolution, and recovery of panes that survived a daemon restart.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/tmux"
)

// colorPalette tags sessions in chat messages. Tokens are reused once a
// session exits.
var colorPalette = []string{"🔵", "🟢", "🟡", "🟣", "🟠", "🔴"}

var (
	ErrMaxConcurrent   = errors.New("max concurrent sessions reached")
	ErrSessionNotFound = errors.New("session not found")
	ErrAmbiguousRef    = errors.New("ambiguous session reference")
)

// Mux is the adapter surface the manager needs.
type Mux interface {
	NewSessionInDir(name, dir, command string) (paneID string, pid int, err error)
	KillSession(name string) error
	ListSessions() ([]string, error)
	PaneExists(target string) (bool, error)
	PanePID(target string) (int, error)
	PaneCurrentPath(target string) (string, error)
}

// Store is the persistence surface the manager needs.
type Store interface {
	CreateSession(*db.Session) error
	UpdateSession(sessionID string, updates map[string]any) error
	ListSessions(activeOnly bool) ([]db.Session, error)
	NextSessionNumber() (int, error)
}

// proc abstracts signal delivery and liveness so tests run without real
// processes.
type proc interface {
	Suspend(pid int) error
	Resume(pid int) error
	Alive(pid int) (bool, error)
}

type gopsutilProc struct{}

func (gopsutilProc) Suspend(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Suspend()
}

func (gopsutilProc) Resume(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Resume()
}

func (gopsutilProc) Alive(pid int) (bool, error) {
	return process.PidExists(int32(pid))
}

type Manager struct {
	store  Store
	mux    Mux
	proc   proc
	cfg    config.SessionsConfig
	logger *slog.Logger
}

func NewManager(store Store, mux Mux, cfg config.SessionsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	return &Manager{store: store, mux: mux, proc: gopsutilProc{}, cfg: cfg, logger: logger}
}

type CreateOptions struct {
	Type    string
	Dir     string
	Alias   string
	Command string
}

// Create allocates a number and alias, spawns the tmux session, and
// persists the record before returning.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*db.Session, error) {
	active, err := m.store.ListSessions(true)
	if err != nil {
		return nil, err
	}
	if len(active) >= m.cfg.MaxConcurrent {
		return nil, fmt.Errorf("%w (%d)", ErrMaxConcurrent, m.cfg.MaxConcurrent)
	}

	typ := opts.Type
	if typ == "" {
		typ = m.cfg.DefaultType
	}
	if typ == "" {
		typ = db.TypeClaudeCode
	}
	dir := config.ExpandPath(opts.Dir)
	if dir == "" {
		dir = config.ExpandPath(m.cfg.DefaultDir)
	}

	number, err := m.store.NextSessionNumber()
	if err != nil {
		return nil, err
	}
	alias := m.uniqueAlias(opts.Alias, dir, active)

	command := opts.Command
	if command == "" && typ == db.TypeClaudeCode {
		command = "claude"
	}

	name := tmux.SessionName(number)
	paneID, pid, err := m.mux.NewSessionInDir(name, dir, command)
	if err != nil {
		return nil, fmt.Errorf("spawn session %s: %w", name, err)
	}

	sess := &db.Session{
		ID:         uuid.NewString(),
		Number:     number,
		Alias:      alias,
		Type:       typ,
		WorkingDir: dir,
		MuxSession: name,
		MuxPaneID:  paneID,
		PID:        pid,
		Status:     db.StatusRunning,
		ColorToken: colorPalette[(number-1)%len(colorPalette)],
		TokenLimit: 45,
	}
	if err := m.store.CreateSession(sess); err != nil {
		_ = m.mux.KillSession(name)
		return nil, err
	}
	m.logger.Info("session created", "number", number, "alias", alias, "type", typ, "dir", dir)
	return sess, nil
}

// uniqueAlias prefers the explicit alias, then the configured path→label
// map, then the directory basename, de-duplicated against active aliases.
func (m *Manager) uniqueAlias(explicit, dir string, active []db.Session) string {
	base := strings.TrimSpace(explicit)
	if base == "" {
		if label, ok := m.cfg.Aliases[dir]; ok {
			base = label
		}
	}
	if base == "" {
		base = GuessAlias(dir)
	}
	taken := make(map[string]bool, len(active))
	for _, s := range active {
		taken[strings.ToLower(s.Alias)] = true
	}
	alias := base
	for i := 2; taken[strings.ToLower(alias)]; i++ {
		alias = fmt.Sprintf("%s-%d", base, i)
	}
	return alias
}

// GuessAlias derives a short label from a working directory.
func GuessAlias(dir string) string {
	base := dir
	if i := strings.LastIndexByte(strings.TrimRight(dir, "/"), '/'); i >= 0 {
		base = strings.TrimRight(dir, "/")[i+1:]
	}
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	alias := strings.Trim(b.String(), "-")
	if len(alias) > 20 {
		alias = alias[:20]
	}
	if alias == "" {
		alias = "session"
	}
	return alias
}

// Active lists every non-exited session.
func (m *Manager) Active() ([]db.Session, error) {
	return m.store.ListSessions(true)
}

// Kill tears the pane down and marks the session exited. A pane that is
// already gone is not an error.
func (m *Manager) Kill(ctx context.Context, sess *db.Session) error {
	if err := m.mux.KillSession(sess.MuxSession); err != nil && !errors.Is(err, tmux.ErrPaneGone) {
		return err
	}
	return m.store.UpdateSession(sess.ID, map[string]any{"status": db.StatusExited})
}

// Pause stops the pane's process group leader and records the status,
// which the caller picks (paused for a user pause, rate_limited for an
// automatic one).
func (m *Manager) Pause(ctx context.Context, sess *db.Session, status string) error {
	if status != db.StatusPaused && status != db.StatusRateLimited {
		status = db.StatusPaused
	}
	if err := m.proc.Suspend(sess.PID); err != nil {
		return fmt.Errorf("suspend pid %d: %w", sess.PID, err)
	}
	return m.store.UpdateSession(sess.ID, map[string]any{"status": status})
}

func (m *Manager) Resume(ctx context.Context, sess *db.Session) error {
	if err := m.proc.Resume(sess.PID); err != nil {
		return fmt.Errorf("resume pid %d: %w", sess.PID, err)
	}
	return m.store.UpdateSession(sess.ID, map[string]any{"status": db.StatusRunning})
}

// Rename sets a new alias, enforcing uniqueness among active sessions.
func (m *Manager) Rename(ctx context.Context, sess *db.Session, alias string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return errors.New("alias must not be empty")
	}
	active, err := m.store.ListSessions(true)
	if err != nil {
		return err
	}
	for _, s := range active {
		if s.ID != sess.ID && strings.EqualFold(s.Alias, alias) {
			return fmt.Errorf("alias %q already in use by session #%d", alias, s.Number)
		}
	}
	return m.store.UpdateSession(sess.ID, map[string]any{"alias": alias})
}

// Resolve maps a user-supplied reference (#N, N, alias substring, or full
// id) onto exactly one active session.
func (m *Manager) Resolve(ref string) (*db.Session, error) {
	ref = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ref), "#"))
	if ref == "" {
		return nil, ErrSessionNotFound
	}
	active, err := m.store.ListSessions(true)
	if err != nil {
		return nil, err
	}
	if n, err := strconv.Atoi(ref); err == nil {
		for i := range active {
			if active[i].Number == n {
				return &active[i], nil
			}
		}
		return nil, fmt.Errorf("%w: #%d", ErrSessionNotFound, n)
	}
	var matches []*db.Session
	for i := range active {
		if active[i].ID == ref {
			return &active[i], nil
		}
		if strings.Contains(strings.ToLower(active[i].Alias), strings.ToLower(ref)) {
			matches = append(matches, &active[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrAmbiguousRef, ref)
	}
}

// Recover reconciles persisted sessions with live tmux state after a
// daemon restart: live panes are re-adopted, dead ones marked exited.
func (m *Manager) Recover(ctx context.Context) (adopted, lost []db.Session, err error) {
	live, err := m.mux.ListSessions()
	if err != nil {
		return nil, nil, err
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}
	active, err := m.store.ListSessions(true)
	if err != nil {
		return nil, nil, err
	}
	known := make(map[string]bool, len(active))
	for _, sess := range active {
		known[sess.MuxSession] = true
		if liveSet[sess.MuxSession] {
			adopted = append(adopted, sess)
			continue
		}
		if uerr := m.store.UpdateSession(sess.ID, map[string]any{"status": db.StatusExited}); uerr != nil {
			m.logger.Error("recovery update failed", "session", sess.Alias, "err", uerr)
			continue
		}
		lost = append(lost, sess)
	}

	// Panes matching our naming scheme that have no record (the database
	// was lost or swapped) get a fresh record under their old number.
	for _, name := range live {
		if known[name] {
			continue
		}
		sess, aerr := m.adoptOrphan(name, active)
		if aerr != nil {
			m.logger.Warn("orphan adoption failed", "pane", name, "err", aerr)
			continue
		}
		adopted = append(adopted, *sess)
		active = append(active, *sess)
	}
	m.logger.Info("session recovery complete", "adopted", len(adopted), "lost", len(lost))
	return adopted, lost, nil
}

func (m *Manager) adoptOrphan(name string, active []db.Session) (*db.Session, error) {
	number, err := strconv.Atoi(strings.TrimPrefix(name, tmux.SessionPrefix))
	if err != nil {
		return nil, fmt.Errorf("unparseable session name %q", name)
	}
	pid, err := m.mux.PanePID(name)
	if err != nil {
		return nil, err
	}
	dir, err := m.mux.PaneCurrentPath(name)
	if err != nil {
		return nil, err
	}
	typ := m.cfg.DefaultType
	if typ == "" {
		typ = db.TypeClaudeCode
	}
	sess := &db.Session{
		ID:         uuid.NewString(),
		Number:     number,
		Alias:      m.uniqueAlias("", dir, active),
		Type:       typ,
		WorkingDir: dir,
		MuxSession: name,
		PID:        pid,
		Status:     db.StatusRunning,
		ColorToken: colorPalette[(number-1)%len(colorPalette)],
		TokenLimit: 45,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	m.logger.Info("orphan pane adopted", "number", number, "alias", sess.Alias, "dir", dir)
	return sess, nil
}

// HealthSweep verifies each active session's pane and PID, marking dead
// ones exited. Returns the sessions that were lost.
func (m *Manager) HealthSweep(ctx context.Context) ([]db.Session, error) {
	active, err := m.store.ListSessions(true)
	if err != nil {
		return nil, err
	}
	var lost []db.Session
	for _, sess := range active {
		ok, perr := m.mux.PaneExists(sess.MuxSession)
		if perr != nil {
			m.logger.Warn("health check failed", "session", sess.Alias, "err", perr)
			continue
		}
		alive := ok
		if alive && sess.PID > 0 {
			if pidOK, aerr := m.proc.Alive(sess.PID); aerr == nil {
				alive = pidOK
			}
		}
		if alive {
			continue
		}
		if uerr := m.store.UpdateSession(sess.ID, map[string]any{"status": db.StatusExited}); uerr != nil {
			m.logger.Error("health sweep update failed", "session", sess.Alias, "err", uerr)
			continue
		}
		lost = append(lost, sess)
	}
	return lost, nil
}
