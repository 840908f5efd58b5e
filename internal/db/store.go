package db

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrBusy is returned when a write keeps failing on lock contention after
// the retry budget is spent.
var ErrBusy = errors.New("store busy")

const (
	busyRetries    = 3
	busyRetryDelay = 100 * time.Millisecond
)

// Store owns every persisted row. All mutation goes through its methods;
// no caller touches the gorm handle directly.
type Store struct {
	gdb *gorm.DB
	now func() time.Time
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{gdb: gdb, now: time.Now}
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// withRetry retries lock-contended writes up to 3 times with jitter, then
// surfaces ErrBusy.
func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= busyRetries; attempt++ {
		err = fn()
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(busyRetryDelay + time.Duration(rand.Intn(50))*time.Millisecond)
	}
	return fmt.Errorf("%w: %v", ErrBusy, err)
}

// ── Sessions ──

func (s *Store) CreateSession(sess *Session) error {
	now := s.now().Unix()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	return s.withRetry(func() error {
		return s.gdb.Create(sess).Error
	})
}

// UpdateSession applies the given column updates and bumps updated_at.
func (s *Store) UpdateSession(sessionID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = s.now().Unix()
	return s.withRetry(func() error {
		return s.gdb.Model(&Session{}).Where("id = ?", sessionID).Updates(updates).Error
	})
}

func (s *Store) GetSession(sessionID string) (*Session, error) {
	var sess Session
	err := s.gdb.Where("id = ?", sessionID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns sessions ordered by number; activeOnly excludes
// exited ones.
func (s *Store) ListSessions(activeOnly bool) ([]Session, error) {
	q := s.gdb.Order("number ASC")
	if activeOnly {
		q = q.Where("status != ?", StatusExited)
	}
	var out []Session
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// NextSessionNumber allocates the smallest positive integer not used by
// any non-exited session, so numbers are reused after teardown.
func (s *Store) NextSessionNumber() (int, error) {
	var numbers []int
	err := s.gdb.Model(&Session{}).
		Where("status != ?", StatusExited).
		Order("number ASC").
		Pluck("number", &numbers).Error
	if err != nil {
		return 0, err
	}
	next := 1
	for _, n := range numbers {
		if n == next {
			next++
		} else if n > next {
			break
		}
	}
	return next, nil
}

// ── Commands ──

func (s *Store) LogCommand(cmd *Command) error {
	if cmd.Timestamp == 0 {
		cmd.Timestamp = s.now().Unix()
	}
	return s.withRetry(func() error {
		return s.gdb.Create(cmd).Error
	})
}

func (s *Store) GetCommands(sessionID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Command
	err := s.gdb.Where("session_id = ?", sessionID).
		Order("timestamp DESC").Limit(limit).Find(&out).Error
	return out, err
}

// ── Auto rules ──

// AddRule validates regex patterns at insertion time; an invalid regex is
// rejected before it ever reaches the matcher.
func (s *Store) AddRule(rule *AutoRule) error {
	if rule.MatchType == "" {
		rule.MatchType = "contains"
	}
	if rule.MatchType == "regex" {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", rule.Pattern, err)
		}
	}
	if rule.CreatedAt == 0 {
		rule.CreatedAt = s.now().Unix()
	}
	rule.Enabled = true
	return s.withRetry(func() error {
		return s.gdb.Create(rule).Error
	})
}

func (s *Store) DeleteRule(ruleID int64) (bool, error) {
	res := s.gdb.Delete(&AutoRule{}, ruleID)
	return res.RowsAffected > 0, res.Error
}

// ListRules returns rules in id order (first match wins downstream).
func (s *Store) ListRules(enabledOnly bool) ([]AutoRule, error) {
	q := s.gdb.Order("id ASC")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	var out []AutoRule
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) IncrementRuleHit(ruleID int64) error {
	return s.withRetry(func() error {
		return s.gdb.Model(&AutoRule{}).Where("id = ?", ruleID).
			UpdateColumn("hit_count", gorm.Expr("hit_count + 1")).Error
	})
}

func (s *Store) SetAllRulesEnabled(enabled bool) error {
	return s.withRetry(func() error {
		return s.gdb.Model(&AutoRule{}).Where("1 = 1").
			UpdateColumn("enabled", enabled).Error
	})
}

// SeedDefaultRules inserts the preference-file rules iff the table is
// empty, so user edits survive restarts.
func (s *Store) SeedDefaultRules(rules []AutoRule) error {
	var count int64
	if err := s.gdb.Model(&AutoRule{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	for i := range rules {
		if err := s.AddRule(&rules[i]); err != nil {
			return err
		}
	}
	return nil
}

// ── Events ──

func (s *Store) LogEvent(ev *Event) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = s.now().Unix()
	}
	return s.withRetry(func() error {
		return s.gdb.Create(ev).Error
	})
}

func (s *Store) GetEvents(sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.gdb.Order("timestamp DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var out []Event
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) AcknowledgeEvent(eventID int64) error {
	return s.withRetry(func() error {
		return s.gdb.Model(&Event{}).Where("id = ?", eventID).
			UpdateColumn("acknowledged", true).Error
	})
}

// ── Offline outbox ──

func (s *Store) EnqueueOutbox(text string, silent bool) error {
	msg := OutboxMessage{Text: text, Silent: silent, CreatedAt: s.now().Unix()}
	return s.withRetry(func() error {
		return s.gdb.Create(&msg).Error
	})
}

// PeekOutbox returns queued messages oldest-first.
func (s *Store) PeekOutbox(limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []OutboxMessage
	err := s.gdb.Order("id ASC").Limit(limit).Find(&out).Error
	return out, err
}

func (s *Store) DeleteOutbox(id int64) error {
	return s.withRetry(func() error {
		return s.gdb.Delete(&OutboxMessage{}, id).Error
	})
}

func (s *Store) OutboxLen() (int64, error) {
	var count int64
	err := s.gdb.Model(&OutboxMessage{}).Count(&count).Error
	return count, err
}

// ── Pruning ──

// PruneOld removes Commands and Events older than maxAge. Run at boot.
func (s *Store) PruneOld(maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).Unix()
	var total int64
	res := s.gdb.Where("timestamp < ?", cutoff).Delete(&Command{})
	if res.Error != nil {
		return 0, res.Error
	}
	total += res.RowsAffected
	res = s.gdb.Where("timestamp < ?", cutoff).Delete(&Event{})
	if res.Error != nil {
		return total, res.Error
	}
	total += res.RowsAffected
	return total, nil
}
