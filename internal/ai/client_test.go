package ai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"conductor/internal/config"
)

type stubCompleter struct {
	reply string
	err   error
	last  struct {
		system string
		user   string
	}
}

func (s *stubCompleter) Complete(_ context.Context, system, user string, _ int) (string, error) {
	s.last.system = system
	s.last.user = user
	return s.reply, s.err
}

func testConfig() config.AIConfig {
	return config.AIConfig{
		Model:               "gpt-4o-mini",
		SummaryMaxTokens:    200,
		SuggestionMaxTokens: 300,
		NLPMaxTokens:        150,
		TimeoutSeconds:      10,
		FallbackLines:       20,
	}
}

func TestSummarizeFallsBackToRawTail(t *testing.T) {
	stub := &stubCompleter{err: errors.New("api down")}
	c := NewClientWithCompleter(stub, testConfig(), nil, nil)

	lines := make([]string, 30)
	for i := range lines {
		lines[i] = "line"
	}
	lines[29] = "final line"

	got := c.Summarize(context.Background(), lines)
	parts := strings.Split(got, "\n")
	if len(parts) != 20 {
		t.Fatalf("expected 20 fallback lines, got %d", len(parts))
	}
	if parts[19] != "final line" {
		t.Fatalf("fallback must end with the newest line, got %q", parts[19])
	}
}

func TestSummarizeUsesModelReply(t *testing.T) {
	stub := &stubCompleter{reply: "Tests passed. The session is idle."}
	c := NewClientWithCompleter(stub, testConfig(), nil, nil)

	got := c.Summarize(context.Background(), []string{"ok"})
	if got != "Tests passed. The session is idle." {
		t.Fatalf("got %q", got)
	}
}

func TestSuggestCapsAtThree(t *testing.T) {
	stub := &stubCompleter{reply: "1. yes\n2. no\n- skip this file\n4. abort\n"}
	c := NewClientWithCompleter(stub, testConfig(), nil, nil)

	got := c.Suggest(context.Background(), "Overwrite file?", nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 suggestions, got %v", got)
	}
	if got[0] != "yes" || got[1] != "no" || got[2] != "skip this file" {
		t.Fatalf("got %v", got)
	}
}

func TestSuggestEmptyOnError(t *testing.T) {
	stub := &stubCompleter{err: errors.New("timeout")}
	c := NewClientWithCompleter(stub, testConfig(), nil, nil)

	if got := c.Suggest(context.Background(), "Continue?", nil); len(got) != 0 {
		t.Fatalf("expected no suggestions, got %v", got)
	}
}

func TestParseIntent(t *testing.T) {
	stub := &stubCompleter{reply: "```json\n{\"action\":\"send_input\",\"session\":\"api\",\"argument\":\"run the tests\",\"confidence\":0.92}\n```"}
	c := NewClientWithCompleter(stub, testConfig(), nil, nil)

	got := c.ParseIntent(context.Background(), "tell api to run the tests", []string{"1 api"})
	if got.Action != "send_input" || got.Session != "api" || got.Argument != "run the tests" {
		t.Fatalf("got %+v", got)
	}
	if got.Confidence < 0.9 {
		t.Fatalf("confidence lost in parsing: %v", got.Confidence)
	}
}

func TestParseIntentUnknownOnGarbage(t *testing.T) {
	for _, reply := range []string{"not json at all", "{\"confidence\": 0.5}", ""} {
		stub := &stubCompleter{reply: reply}
		c := NewClientWithCompleter(stub, testConfig(), nil, nil)
		if got := c.ParseIntent(context.Background(), "hm", nil); got.Action != "unknown" {
			t.Fatalf("reply %q: expected unknown, got %+v", reply, got)
		}
	}
}
