package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"conductor/internal/notify"
)

func TestCommandArgs(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"/send", ""},
		{"/send #2 run the tests", "#2 run the tests"},
		{"/new claude-code ~/proj", "claude-code ~/proj"},
		{"", ""},
	}
	for _, tc := range cases {
		upd := &models.Update{Message: &models.Message{Text: tc.text}}
		if got := commandArgs(upd); got != tc.want {
			t.Errorf("commandArgs(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
	if got := commandArgs(&models.Update{}); got != "" {
		t.Errorf("commandArgs with no message = %q, want empty", got)
	}
}

func TestCallbackParts(t *testing.T) {
	upd := &models.Update{CallbackQuery: &models.CallbackQuery{Data: "perm:abc-123:allow"}}
	parts := callbackParts(upd, 3)
	if parts == nil || parts[0] != "perm" || parts[1] != "abc-123" || parts[2] != "allow" {
		t.Fatalf("callbackParts = %v", parts)
	}
	if got := callbackParts(upd, 4); got != nil {
		t.Errorf("wrong arity should return nil, got %v", got)
	}
	if got := callbackParts(&models.Update{}, 3); got != nil {
		t.Errorf("no callback query should return nil, got %v", got)
	}
}

func TestCallbackPartsKeepsColonsInTail(t *testing.T) {
	// Free text forwarded via pickmsg can contain colons; SplitN must not
	// eat them.
	upd := &models.Update{CallbackQuery: &models.CallbackQuery{Data: "confirm:kill:id:yes"}}
	parts := callbackParts(upd, 4)
	if parts == nil || parts[3] != "yes" {
		t.Fatalf("callbackParts = %v", parts)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo\nthree"); got != "one" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("single"); got != "single" {
		t.Errorf("firstLine = %q", got)
	}
}

func TestKeyboard(t *testing.T) {
	if keyboard(nil) != nil {
		t.Fatal("empty button set should produce no markup")
	}
	kb := keyboard([][]notify.Button{
		{{Label: "Allow", Data: "perm:s1:allow"}, {Label: "Deny", Data: "perm:s1:deny"}},
		{{Label: "Context", Data: "perm:s1:context"}},
	})
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d, want 2", len(kb.InlineKeyboard))
	}
	if kb.InlineKeyboard[0][1].CallbackData != "perm:s1:deny" {
		t.Errorf("callback data = %q", kb.InlineKeyboard[0][1].CallbackData)
	}
}

func TestClassifySendErr(t *testing.T) {
	if classifySendErr(nil) != nil {
		t.Error("nil should stay nil")
	}
	plain := errors.New("network down")
	if classifySendErr(plain) != plain {
		t.Error("plain errors should pass through")
	}
	tooMany := &bot.TooManyRequestsError{RetryAfter: 7}
	got := classifySendErr(tooMany)
	var ra *backoff.RetryAfterError
	if !errors.As(got, &ra) {
		t.Fatalf("want RetryAfterError, got %T", got)
	}
	if ra.Duration != 7*time.Second {
		t.Errorf("duration = %v, want 7s", ra.Duration)
	}
}

func TestSenderID(t *testing.T) {
	msg := &models.Update{Message: &models.Message{From: &models.User{ID: 42}}}
	if got := senderID(msg); got != 42 {
		t.Errorf("message sender = %d", got)
	}
	cb := &models.Update{CallbackQuery: &models.CallbackQuery{From: models.User{ID: 99}}}
	if got := senderID(cb); got != 99 {
		t.Errorf("callback sender = %d", got)
	}
	if got := senderID(&models.Update{}); got != 0 {
		t.Errorf("empty update sender = %d, want 0", got)
	}
}
