// Package autorespond answers safe prompts autonomously. Three hard guards
// run before any rule: permission prompts, destructive keywords, and the
// global pause flag each block unconditionally.
package autorespond

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"conductor/internal/config"
	"conductor/internal/db"
	"conductor/internal/detect"
)

// RuleStore is the persistence surface the responder needs.
type RuleStore interface {
	ListRules(enabledOnly bool) ([]db.AutoRule, error)
	IncrementRuleHit(ruleID int64) error
}

// Decision is the outcome of Decide. Reason is set whenever Respond is
// false, for the audit trail and the notification text.
type Decision struct {
	Respond  bool
	Response string
	RuleID   int64
	Pattern  string
	Reason   string
}

type Responder struct {
	store   RuleStore
	logger  *slog.Logger
	enabled bool

	mu     sync.Mutex
	paused bool
	cache  map[string]*regexp.Regexp
}

func NewResponder(store RuleStore, enabled bool, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{store: store, logger: logger, enabled: enabled, cache: map[string]*regexp.Regexp{}}
}

// SetPaused flips the global pause flag (the /auto pause command).
func (r *Responder) SetPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
}

func (r *Responder) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Decide returns whether the prompt may be answered autonomously and with
// what. Guards are ordered and each is a hard block; rules only run when
// every guard passes. First matching rule wins, in id order.
func (r *Responder) Decide(ctx context.Context, promptText string) Decision {
	if !r.enabled {
		return Decision{Reason: "auto-responder disabled"}
	}
	if detect.IsPermissionPrompt(promptText) {
		return Decision{Reason: "permission prompt"}
	}
	if detect.HasDestructiveKeyword(promptText) {
		return Decision{Reason: "destructive keyword"}
	}
	if r.Paused() {
		return Decision{Reason: "globally paused"}
	}

	rules, err := r.store.ListRules(true)
	if err != nil {
		r.logger.Error("rule load failed", "err", err)
		return Decision{Reason: "rule load failed"}
	}
	for _, rule := range rules {
		if !r.matches(rule, promptText) {
			continue
		}
		// Hit counting is best effort and must not delay the response.
		go func(id int64) {
			if err := r.store.IncrementRuleHit(id); err != nil {
				r.logger.Warn("hit count update failed", "rule", id, "err", err)
			}
		}(rule.ID)
		return Decision{Respond: true, Response: rule.Response, RuleID: rule.ID, Pattern: rule.Pattern}
	}
	return Decision{Reason: "no rule"}
}

func (r *Responder) matches(rule db.AutoRule, text string) bool {
	switch rule.MatchType {
	case "exact":
		return strings.TrimSpace(text) == strings.TrimSpace(rule.Pattern)
	case "regex":
		re := r.compiled(rule.Pattern)
		return re != nil && re.MatchString(text)
	default: // contains
		return strings.Contains(strings.ToLower(text), strings.ToLower(rule.Pattern))
	}
}

// compiled caches per-pattern regexes. Patterns were validated at insert
// time, so a compile failure here means a hand-edited row; it just never
// matches.
func (r *Responder) compiled(pattern string) *regexp.Regexp {
	r.mu.Lock()
	defer r.mu.Unlock()
	if re, ok := r.cache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		r.logger.Warn("stored rule pattern does not compile", "pattern", pattern, "err", err)
		re = nil
	}
	r.cache[pattern] = re
	return re
}

// DefaultRules converts preference-file rule specs into rows for seeding.
func DefaultRules(specs []config.DefaultRule) []db.AutoRule {
	out := make([]db.AutoRule, 0, len(specs))
	for _, s := range specs {
		out = append(out, db.AutoRule{Pattern: s.Pattern, Response: s.Response, MatchType: s.MatchType})
	}
	return out
}
