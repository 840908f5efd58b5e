package sessions

import (
	"context"
	"errors"
	"testing"

	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/tmux"
)

type fakeStore struct {
	sessions []db.Session
	updates  map[string][]map[string]any
}

func newFakeStore(sessions ...db.Session) *fakeStore {
	return &fakeStore{sessions: sessions, updates: map[string][]map[string]any{}}
}

func (f *fakeStore) CreateSession(s *db.Session) error {
	f.sessions = append(f.sessions, *s)
	return nil
}

func (f *fakeStore) UpdateSession(id string, updates map[string]any) error {
	f.updates[id] = append(f.updates[id], updates)
	for i := range f.sessions {
		if f.sessions[i].ID == id {
			if st, ok := updates["status"].(string); ok {
				f.sessions[i].Status = st
			}
			if al, ok := updates["alias"].(string); ok {
				f.sessions[i].Alias = al
			}
		}
	}
	return nil
}

func (f *fakeStore) ListSessions(activeOnly bool) ([]db.Session, error) {
	var out []db.Session
	for _, s := range f.sessions {
		if !activeOnly || s.Active() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) NextSessionNumber() (int, error) {
	used := map[int]bool{}
	for _, s := range f.sessions {
		if s.Active() {
			used[s.Number] = true
		}
	}
	n := 1
	for used[n] {
		n++
	}
	return n, nil
}

type fakeMux struct {
	created []string
	killed  []string
	live    []string
	exists  map[string]bool
	spawnPD string
	spawnPI int
	pids    map[string]int
	paths   map[string]string
}

func (f *fakeMux) NewSessionInDir(name, dir, command string) (string, int, error) {
	f.created = append(f.created, name)
	pane, pid := f.spawnPD, f.spawnPI
	if pane == "" {
		pane = "%1"
	}
	if pid == 0 {
		pid = 100
	}
	return pane, pid, nil
}

func (f *fakeMux) KillSession(name string) error {
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeMux) ListSessions() ([]string, error) { return f.live, nil }

func (f *fakeMux) PaneExists(target string) (bool, error) {
	if f.exists == nil {
		return true, nil
	}
	return f.exists[target], nil
}

func (f *fakeMux) PanePID(target string) (int, error) {
	if pid, ok := f.pids[target]; ok {
		return pid, nil
	}
	return 100, nil
}

func (f *fakeMux) PaneCurrentPath(target string) (string, error) {
	if path, ok := f.paths[target]; ok {
		return path, nil
	}
	return "/tmp", nil
}

type fakeProc struct {
	suspended []int
	resumed   []int
	dead      map[int]bool
}

func (f *fakeProc) Suspend(pid int) error { f.suspended = append(f.suspended, pid); return nil }
func (f *fakeProc) Resume(pid int) error  { f.resumed = append(f.resumed, pid); return nil }
func (f *fakeProc) Alive(pid int) (bool, error) {
	return !f.dead[pid], nil
}

func newTestManager(st *fakeStore, mux *fakeMux) (*Manager, *fakeProc) {
	m := NewManager(st, mux, config.SessionsConfig{MaxConcurrent: 3, DefaultType: db.TypeClaudeCode}, nil)
	fp := &fakeProc{dead: map[int]bool{}}
	m.proc = fp
	return m, fp
}

func TestCreateAllocatesSmallestFreeNumber(t *testing.T) {
	st := newFakeStore(
		db.Session{ID: "a", Number: 1, Alias: "one", Status: db.StatusRunning},
		db.Session{ID: "b", Number: 2, Alias: "two", Status: db.StatusExited},
	)
	m, _ := newTestManager(st, &fakeMux{})

	sess, err := m.Create(context.Background(), CreateOptions{Dir: "/tmp/api-server"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Number != 2 {
		t.Fatalf("expected reuse of number 2, got %d", sess.Number)
	}
	if sess.MuxSession != tmux.SessionName(2) {
		t.Fatalf("tmux session name %q", sess.MuxSession)
	}
	if sess.Alias != "api-server" {
		t.Fatalf("alias guess %q", sess.Alias)
	}
}

func TestCreateEnforcesMaxConcurrent(t *testing.T) {
	st := newFakeStore(
		db.Session{ID: "a", Number: 1, Status: db.StatusRunning},
		db.Session{ID: "b", Number: 2, Status: db.StatusRunning},
		db.Session{ID: "c", Number: 3, Status: db.StatusPaused},
	)
	m, _ := newTestManager(st, &fakeMux{})

	if _, err := m.Create(context.Background(), CreateOptions{}); !errors.Is(err, ErrMaxConcurrent) {
		t.Fatalf("expected ErrMaxConcurrent, got %v", err)
	}
}

func TestCreateDeduplicatesAlias(t *testing.T) {
	st := newFakeStore(db.Session{ID: "a", Number: 1, Alias: "web", Status: db.StatusRunning})
	m, _ := newTestManager(st, &fakeMux{})

	sess, err := m.Create(context.Background(), CreateOptions{Dir: "/home/u/web"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Alias != "web-2" {
		t.Fatalf("expected web-2, got %q", sess.Alias)
	}
}

func TestGuessAlias(t *testing.T) {
	cases := map[string]string{
		"/home/user/My Project!": "my-project",
		"/srv/api_server":        "api-server",
		"/":                      "session",
		"/x/averyveryverylongdirectoryname": "averyveryverylongdir",
	}
	for dir, want := range cases {
		if got := GuessAlias(dir); got != want {
			t.Errorf("GuessAlias(%q) = %q, want %q", dir, got, want)
		}
	}
}

func TestPauseResume(t *testing.T) {
	st := newFakeStore(db.Session{ID: "a", Number: 1, PID: 42, Status: db.StatusRunning})
	m, fp := newTestManager(st, &fakeMux{})
	sess := &st.sessions[0]

	if err := m.Pause(context.Background(), sess, db.StatusRateLimited); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if len(fp.suspended) != 1 || fp.suspended[0] != 42 {
		t.Fatalf("suspend calls %v", fp.suspended)
	}
	if st.sessions[0].Status != db.StatusRateLimited {
		t.Fatalf("status %q", st.sessions[0].Status)
	}

	if err := m.Resume(context.Background(), sess); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st.sessions[0].Status != db.StatusRunning {
		t.Fatalf("status after resume %q", st.sessions[0].Status)
	}
}

func TestResolve(t *testing.T) {
	st := newFakeStore(
		db.Session{ID: "id-a", Number: 1, Alias: "api", Status: db.StatusRunning},
		db.Session{ID: "id-b", Number: 2, Alias: "web", Status: db.StatusRunning},
		db.Session{ID: "id-c", Number: 3, Alias: "gone", Status: db.StatusExited},
	)
	m, _ := newTestManager(st, &fakeMux{})

	if s, err := m.Resolve("#2"); err != nil || s.Alias != "web" {
		t.Fatalf("by number: %v %v", s, err)
	}
	if s, err := m.Resolve("API"); err != nil || s.Number != 1 {
		t.Fatalf("by alias: %v %v", s, err)
	}
	if _, err := m.Resolve("gone"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("exited session resolvable: %v", err)
	}
	if _, err := m.Resolve("#9"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("missing number: %v", err)
	}
}

func TestRecoverMarksDeadSessionsExited(t *testing.T) {
	st := newFakeStore(
		db.Session{ID: "a", Number: 1, Alias: "live", MuxSession: "conductor-1", Status: db.StatusRunning},
		db.Session{ID: "b", Number: 2, Alias: "dead", MuxSession: "conductor-2", Status: db.StatusRunning},
	)
	mux := &fakeMux{live: []string{"conductor-1"}}
	m, _ := newTestManager(st, mux)

	adopted, lost, err := m.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(adopted) != 1 || adopted[0].Alias != "live" {
		t.Fatalf("adopted %v", adopted)
	}
	if len(lost) != 1 || lost[0].Alias != "dead" {
		t.Fatalf("lost %v", lost)
	}
	if st.sessions[1].Status != db.StatusExited {
		t.Fatalf("dead session status %q", st.sessions[1].Status)
	}
}

func TestRecoverAdoptsOrphanPanes(t *testing.T) {
	st := newFakeStore(
		db.Session{ID: "a", Number: 1, Alias: "known", MuxSession: "conductor-1", Status: db.StatusRunning},
	)
	mux := &fakeMux{
		live:  []string{"conductor-1", "conductor-3"},
		pids:  map[string]int{"conductor-3": 777},
		paths: map[string]string{"conductor-3": "/home/u/billing"},
	}
	m, _ := newTestManager(st, mux)

	adopted, lost, err := m.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(lost) != 0 {
		t.Fatalf("lost %v", lost)
	}
	if len(adopted) != 2 {
		t.Fatalf("adopted %v", adopted)
	}
	orphan := adopted[1]
	if orphan.Number != 3 || orphan.PID != 777 || orphan.Alias != "billing" {
		t.Fatalf("orphan %+v", orphan)
	}
	if orphan.Status != db.StatusRunning || orphan.WorkingDir != "/home/u/billing" {
		t.Fatalf("orphan %+v", orphan)
	}
	if len(st.sessions) != 2 {
		t.Fatalf("orphan not persisted: %v", st.sessions)
	}
}

func TestHealthSweepChecksPaneAndPID(t *testing.T) {
	st := newFakeStore(
		db.Session{ID: "a", Number: 1, Alias: "ok", MuxSession: "conductor-1", PID: 10, Status: db.StatusRunning},
		db.Session{ID: "b", Number: 2, Alias: "nopane", MuxSession: "conductor-2", PID: 11, Status: db.StatusRunning},
		db.Session{ID: "c", Number: 3, Alias: "nopid", MuxSession: "conductor-3", PID: 12, Status: db.StatusRunning},
	)
	mux := &fakeMux{exists: map[string]bool{"conductor-1": true, "conductor-3": true}}
	m, fp := newTestManager(st, mux)
	fp.dead[12] = true

	lost, err := m.HealthSweep(context.Background())
	if err != nil {
		t.Fatalf("HealthSweep: %v", err)
	}
	if len(lost) != 2 {
		t.Fatalf("expected 2 lost, got %v", lost)
	}
	if st.sessions[0].Status != db.StatusRunning {
		t.Fatal("healthy session was marked")
	}
}
