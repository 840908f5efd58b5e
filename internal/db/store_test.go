package db

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = Close(gdb) })
	return NewStore(gdb)
}

func makeSession(id string, number int, status string) *Session {
	return &Session{
		ID:         id,
		Number:     number,
		Alias:      "s" + id,
		Type:       TypeShell,
		WorkingDir: "/tmp",
		MuxSession: "conductor-" + id,
		Status:     status,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	sess := makeSession("a", 1, StatusRunning)
	if err := s.CreateSession(sess); err != nil {
		t.Fatal(err)
	}
	if sess.CreatedAt == 0 || sess.UpdatedAt == 0 {
		t.Fatalf("timestamps not set: %+v", sess)
	}

	got, err := s.GetSession("a")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Alias != "sa" || got.Status != StatusRunning {
		t.Fatalf("got %+v", got)
	}

	if err := s.UpdateSession("a", map[string]any{"status": StatusPaused, "alias": "renamed"}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSession("a")
	if got.Status != StatusPaused || got.Alias != "renamed" {
		t.Fatalf("after update: %+v", got)
	}
}

func TestGetSession_NotFoundIsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetSession("missing")
	if err != nil || got != nil {
		t.Fatalf("got %v, %v; want nil, nil", got, err)
	}
}

func TestListSessions_ActiveOnly(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateSession(makeSession("a", 2, StatusRunning))
	_ = s.CreateSession(makeSession("b", 1, StatusExited))
	_ = s.CreateSession(makeSession("c", 3, StatusPaused))

	all, err := s.ListSessions(false)
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
	if all[0].Number != 1 {
		t.Fatalf("not ordered by number: %+v", all)
	}
	active, err := s.ListSessions(true)
	if err != nil || len(active) != 2 {
		t.Fatalf("active = %d, %v", len(active), err)
	}
}

func TestNextSessionNumber_ReusesFreedSlots(t *testing.T) {
	s := newTestStore(t)
	if n, _ := s.NextSessionNumber(); n != 1 {
		t.Fatalf("empty store next = %d", n)
	}
	_ = s.CreateSession(makeSession("a", 1, StatusRunning))
	_ = s.CreateSession(makeSession("b", 2, StatusRunning))
	_ = s.CreateSession(makeSession("c", 3, StatusRunning))
	if n, _ := s.NextSessionNumber(); n != 4 {
		t.Fatalf("next = %d, want 4", n)
	}
	// #2 exits; its number becomes the smallest free slot again.
	_ = s.UpdateSession("b", map[string]any{"status": StatusExited})
	if n, _ := s.NextSessionNumber(); n != 2 {
		t.Fatalf("next after exit = %d, want 2", n)
	}
}

func TestAddRule_RejectsBadRegex(t *testing.T) {
	s := newTestStore(t)
	err := s.AddRule(&AutoRule{Pattern: `([`, Response: "y", MatchType: "regex"})
	if err == nil {
		t.Fatal("invalid regex should be rejected at insert")
	}
	if err := s.AddRule(&AutoRule{Pattern: "Continue?", Response: "y"}); err != nil {
		t.Fatal(err)
	}
	rules, _ := s.ListRules(false)
	if len(rules) != 1 || rules[0].MatchType != "contains" || !rules[0].Enabled {
		t.Fatalf("rules = %+v", rules)
	}
}

func TestRules_HitCountAndToggle(t *testing.T) {
	s := newTestStore(t)
	rule := &AutoRule{Pattern: "p", Response: "y"}
	_ = s.AddRule(rule)
	_ = s.IncrementRuleHit(rule.ID)
	_ = s.IncrementRuleHit(rule.ID)

	rules, _ := s.ListRules(false)
	if rules[0].HitCount != 2 {
		t.Fatalf("hit count = %d", rules[0].HitCount)
	}
	_ = s.SetAllRulesEnabled(false)
	if enabled, _ := s.ListRules(true); len(enabled) != 0 {
		t.Fatalf("enabled rules after disable: %d", len(enabled))
	}
	ok, err := s.DeleteRule(rule.ID)
	if err != nil || !ok {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if ok, _ := s.DeleteRule(rule.ID); ok {
		t.Fatal("second delete should report false")
	}
}

func TestSeedDefaultRules_OnlyWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	seed := []AutoRule{{Pattern: "a", Response: "y"}, {Pattern: "b", Response: "n"}}
	if err := s.SeedDefaultRules(seed); err != nil {
		t.Fatal(err)
	}
	if rules, _ := s.ListRules(false); len(rules) != 2 {
		t.Fatalf("seeded = %d", len(rules))
	}
	// A second seed is a no-op so user edits survive restarts.
	if err := s.SeedDefaultRules(seed); err != nil {
		t.Fatal(err)
	}
	if rules, _ := s.ListRules(false); len(rules) != 2 {
		t.Fatalf("after reseed = %d", len(rules))
	}
}

func TestOutboxFIFO(t *testing.T) {
	s := newTestStore(t)
	_ = s.EnqueueOutbox("first", false)
	_ = s.EnqueueOutbox("second", true)

	if n, _ := s.OutboxLen(); n != 2 {
		t.Fatalf("len = %d", n)
	}
	msgs, err := s.PeekOutbox(10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("peek = %d, %v", len(msgs), err)
	}
	if msgs[0].Text != "first" || msgs[1].Text != "second" {
		t.Fatalf("order = %q, %q", msgs[0].Text, msgs[1].Text)
	}
	_ = s.DeleteOutbox(msgs[0].ID)
	if n, _ := s.OutboxLen(); n != 1 {
		t.Fatalf("len after delete = %d", n)
	}
}

func TestPruneOld(t *testing.T) {
	s := newTestStore(t)
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	_ = s.LogCommand(&Command{SessionID: "a", Source: SourceUser, Input: "old", Timestamp: old})
	_ = s.LogCommand(&Command{SessionID: "a", Source: SourceUser, Input: "fresh"})
	_ = s.LogEvent(&Event{SessionID: "a", EventType: EventCompleted, Message: "old", Timestamp: old})

	n, err := s.PruneOld(30 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pruned = %d, want 2", n)
	}
	cmds, _ := s.GetCommands("a", 10)
	if len(cmds) != 1 || cmds[0].Input != "fresh" {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestEvents_AcknowledgeAndFilter(t *testing.T) {
	s := newTestStore(t)
	ev := &Event{SessionID: "a", EventType: EventInputRequired, Message: "pick"}
	_ = s.LogEvent(ev)
	_ = s.LogEvent(&Event{SessionID: "b", EventType: EventError, Message: "boom"})

	got, err := s.GetEvents("a", 10)
	if err != nil || len(got) != 1 {
		t.Fatalf("events = %d, %v", len(got), err)
	}
	if err := s.AcknowledgeEvent(got[0].ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetEvents("a", 10)
	if !got[0].Acknowledged {
		t.Fatal("event not acknowledged")
	}
}
