// Package tmux wraps the tmux CLI behind the small adapter surface the
// session manager and pane monitors need: create and kill named sessions,
// capture recent pane output, and send keystrokes.
package tmux

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SessionPrefix names every tmux session owned by the daemon. Recovery at
// boot scans for this prefix.
const SessionPrefix = "conductor-"

// ErrPaneGone reports that the target pane or session no longer exists.
var ErrPaneGone = errors.New("pane gone")

type Adapter struct {
	exec       Exec
	tmuxSocket string
}

func NewAdapter(e Exec) *Adapter {
	return &Adapter{exec: e}
}

func NewAdapterWithSocket(e Exec, socket string) *Adapter {
	return &Adapter{exec: e, tmuxSocket: socket}
}

// SessionName returns the tmux session name for a daemon session number.
func SessionName(number int) string {
	return SessionPrefix + strconv.Itoa(number)
}

// NewSessionInDir creates a detached session running command (or the
// default shell when empty) in dir, and returns the pane id and pane pid.
func (a *Adapter) NewSessionInDir(name, dir, command string) (paneID string, pid int, err error) {
	args := []string{"new-session", "-d", "-s", name, "-P", "-F", "#{pane_id}\t#{pane_pid}"}
	if strings.TrimSpace(dir) != "" {
		args = append(args, "-c", dir)
	}
	if strings.TrimSpace(command) != "" {
		args = append(args, command)
	}
	out, err := a.exec.Output("tmux", a.withSocket(args...)...)
	if err != nil {
		return "", 0, a.classify(err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(out)), "\t", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("unexpected tmux new-session output: %q", string(out))
	}
	pid, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", 0, fmt.Errorf("unexpected tmux pane pid: %q", parts[1])
	}
	return strings.TrimSpace(parts[0]), pid, nil
}

func (a *Adapter) KillSession(name string) error {
	err := a.exec.Run("tmux", a.withSocket("kill-session", "-t", name)...)
	return a.classify(err)
}

// ListSessions returns the names of every live session owned by the
// daemon. A missing tmux server means no sessions, not an error.
func (a *Adapter) ListSessions() ([]string, error) {
	out, err := a.exec.Output("tmux", a.withSocket("list-sessions", "-F", "#{session_name}")...)
	if err != nil {
		if isNoServer(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, SessionPrefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func (a *Adapter) PaneExists(target string) (bool, error) {
	err := a.exec.Run("tmux", a.withSocket("has-session", "-t", target)...)
	if err == nil {
		return true, nil
	}
	if errors.Is(a.classify(err), ErrPaneGone) || isNoServer(err) {
		return false, nil
	}
	return false, err
}

// CaptureRecent returns up to maxLines of scrollback plus the visible
// pane, escape sequences included (stripping happens downstream).
func (a *Adapter) CaptureRecent(target string, maxLines int) (string, error) {
	if maxLines <= 0 {
		maxLines = 200
	}
	start := fmt.Sprintf("-%d", maxLines)
	out, err := a.exec.Output("tmux", a.withSocket("capture-pane", "-p", "-e", "-S", start, "-E", "-", "-t", target)...)
	if err != nil {
		return "", a.classify(err)
	}
	return string(out), nil
}

// Send types text into the pane literally; pressEnter follows with a
// separate Enter keypress so the literal flag cannot mangle it.
func (a *Adapter) Send(target, text string, pressEnter bool) error {
	if text != "" {
		if err := a.exec.Run("tmux", a.withSocket("send-keys", "-l", "-t", target, text)...); err != nil {
			return a.classify(err)
		}
	}
	if pressEnter {
		if err := a.exec.Run("tmux", a.withSocket("send-keys", "-t", target, "Enter")...); err != nil {
			return a.classify(err)
		}
	}
	return nil
}

// SendInterrupt delivers Ctrl-C to the pane's foreground process.
func (a *Adapter) SendInterrupt(target string) error {
	return a.classify(a.exec.Run("tmux", a.withSocket("send-keys", "-t", target, "C-c")...))
}

func (a *Adapter) PanePID(target string) (int, error) {
	out, err := a.exec.Output("tmux", a.withSocket("display-message", "-p", "-t", target, "#{pane_pid}")...)
	if err != nil {
		return 0, a.classify(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("unexpected tmux pane pid output: %q", string(out))
	}
	return pid, nil
}

func (a *Adapter) PaneCurrentPath(target string) (string, error) {
	out, err := a.exec.Output("tmux", a.withSocket("display-message", "-p", "-t", target, "#{pane_current_path}")...)
	if err != nil {
		return "", a.classify(err)
	}
	return strings.TrimSpace(string(out)), nil
}

// classify maps tmux "can't find" failures to ErrPaneGone so callers can
// distinguish a torn-down pane from a broken tmux invocation.
func (a *Adapter) classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "can't find pane") ||
		strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "can't find window") ||
		strings.Contains(msg, "session not found") {
		return fmt.Errorf("%w: %v", ErrPaneGone, err)
	}
	return err
}

func isNoServer(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "no server running")
}

func (a *Adapter) withSocket(args ...string) []string {
	if a.tmuxSocket == "" {
		return args
	}
	return append([]string{"-L", a.tmuxSocket}, args...)
}
