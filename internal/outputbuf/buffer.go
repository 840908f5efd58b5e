// Package outputbuf canonicalizes raw pane captures: escape sequences are
// stripped, lines are deduplicated by digest, and a rolling window of
// recent output is kept for fallback summaries.
package outputbuf

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultMaxLines caps the rolling window.
	DefaultMaxLines = 5000
	// seenHashCap bounds the dedup set; the LRU evicts oldest hashes so the
	// set always holds the most recently seen lines.
	seenHashCap = 10000
)

// CSI, OSC (both ST and BEL terminated), and single-character ESC
// sequences. Bare carriage returns and backspaces are handled separately.
var ansiPattern = regexp.MustCompile(`\x1b(?:\][^\x07\x1b]*(?:\x07|\x1b\\)|\[[0-?]*[ -/]*[@-~]|[@-Z\\^_\x60a-z{|}~])`)

// StripANSI removes terminal escape sequences plus backspace and
// carriage-return artifacts. Idempotent.
func StripANSI(text string) string {
	text = ansiPattern.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\x08", "")
	text = strings.ReplaceAll(text, "\r", "")
	return text
}

// Buffer tracks which lines of a pane have already been observed. Owned by
// a single monitor; not safe for concurrent use.
type Buffer struct {
	seen     *lru.Cache[uint64, struct{}]
	window   []string
	maxLines int
}

func New(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	seen, _ := lru.New[uint64, struct{}](seenHashCap)
	return &Buffer{seen: seen, maxLines: maxLines}
}

// Ingest takes one raw capture and returns only lines never emitted
// before, in the order they appear. Trailing empty lines (cursor
// artifacts) are dropped before comparison, so captures differing only in
// trailing whitespace produce nothing.
func (b *Buffer) Ingest(raw string) []string {
	if raw == "" {
		return nil
	}
	lines := strings.Split(StripANSI(raw), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	var fresh []string
	for _, line := range lines {
		h := xxhash.Sum64String(line)
		if _, ok := b.seen.Get(h); ok {
			continue
		}
		b.seen.Add(h, struct{}{})
		fresh = append(fresh, line)
	}
	if len(fresh) == 0 {
		return nil
	}

	b.window = append(b.window, fresh...)
	if over := len(b.window) - b.maxLines; over > 0 {
		b.window = append(b.window[:0], b.window[over:]...)
	}
	return fresh
}

// Recent returns up to n lines from the tail of the rolling window.
func (b *Buffer) Recent(n int) []string {
	if n <= 0 || len(b.window) == 0 {
		return nil
	}
	if n > len(b.window) {
		n = len(b.window)
	}
	out := make([]string, n)
	copy(out, b.window[len(b.window)-n:])
	return out
}

// Reset clears all state, e.g. after a session restart.
func (b *Buffer) Reset() {
	b.seen.Purge()
	b.window = b.window[:0]
}
