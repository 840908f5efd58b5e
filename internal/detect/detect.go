// Package detect classifies terminal output into event categories by
// priority-ordered pattern matching. Permission prompts outrank input
// prompts so that a "wants to run ...? (y/n)" block is never treated as an
// auto-answerable question.
package detect

import (
	"regexp"
	"strings"
)

// EventType is the category a piece of terminal output falls into.
type EventType string

const (
	PermissionPrompt EventType = "permission_prompt"
	InputPrompt      EventType = "input_prompt"
	RateLimit        EventType = "rate_limit"
	Error            EventType = "error"
	Completion       EventType = "completion"
	None             EventType = "none"
)

// Result describes a classification outcome.
type Result struct {
	Type        EventType
	MatchedText string
	Pattern     string
	Confidence  float64
}

var permissionPatterns = compileAll([]string{
	`Claude wants to (?:run|edit|use|write|read|delete)`,
	`Do you want to allow Claude to use`,
	`Allow Claude to use`,
	`Allow\?\s*\(?[yna]`,
	`\(y\)es\s*/\s*\(n\)o`,
	`\[y/n(?:/a)?\]`,
	`Yes \(y\)\s*\|\s*No \(n\)`,
	`Do you want to proceed`,
	`Would you like to continue`,
	`Press Enter to continue`,
	`Continue\?\s*\[`,
})

var inputPatterns = compileAll([]string{
	`(?i)\(y(?:es)?\s*/\s*no?\)`,
	`(?:Choose|Select|Pick)\s+(?:one|an option|from)`,
	`(?m)^\s*\d+[.)]\s+\w+`,
	`\(\d+\)\s+\w+`,
	`(?m)\?\s*$`,
	`(?:Enter|Type|Provide|Input|Specify)\s+(?:a|the|your)`,
	`(?m)>\s*$`,
	`(?m)❯\s*$`,
})

var rateLimitPatterns = compileAll([]string{
	`(?i)rate\s*limit(?:ed)?`,
	`(?i)usage\s*limit\s*(?:reached|exceeded|hit)`,
	`(?i)too\s*many\s*requests`,
	`(?i)(?:please\s+)?wait\s+(?:\d+\s*(?:second|minute|hour)|\w+\s+before)`,
	`(?i)try\s*again\s*(?:in|after)\s*\d+`,
	`(?i)429\s*(?:error)?`,
	`(?i)capacity\s*(?:limit|exceeded)`,
	`(?i)cooldown`,
	`(?i)quota\s*(?:exceeded|reached)`,
	`(?i)you(?:'ve| have)\s+(?:reached|hit|exceeded)\s+(?:your|the)\s+(?:usage|message|token)\s+limit`,
	`(?i)limit\s+will\s+reset`,
})

var errorPatterns = compileAll([]string{
	`(?i)(?:error|err!|fatal|panic|exception|traceback|segfault)`,
	`(?i)process\s+exited\s+with\s+(?:code|status)\s+[^0]`,
	`(?i)command\s+(?:failed|not found)`,
	`(?i)killed|terminated|aborted`,
	`SIGTERM|SIGKILL|SIGSEGV`,
	`npm\s+ERR!`,
	`(?i)unhandled\s+(?:promise\s+)?rejection`,
	`(?i)cannot\s+find\s+module`,
	`Traceback \(most recent call last\)`,
	`(?:ModuleNotFoundError|ImportError|SyntaxError|TypeError|ValueError)`,
	`(?i)connection\s+(?:lost|reset|refused|timed?\s*out)`,
	`(?i)authentication\s+(?:failed|error|expired)`,
	`(?i)api\s+(?:error|unavailable)`,
})

var completionPatterns = compileAll([]string{
	`(?i)(?:task|job|build|test|deployment?)\s+(?:completed?|finish(?:ed)?|done|success(?:ful)?)`,
	`(?i)all\s+(?:\d+\s+)?(?:tests?\s+)?pass(?:ed|ing)?`,
	`✓|✅|☑`,
	`(?i)successfully\s+(?:built|compiled|deployed|installed|created|updated)`,
	`(?i)compiled?\s+(?:successfully|with\s+\d+\s+warning)`,
	`(?i)build\s+succeeded`,
	`Done in \d+`,
	`\d+\s+passing`,
})

// destructiveKeywords disable autonomous replies outright. Substring match,
// case-insensitive.
var destructiveKeywords = []string{
	"delete", "remove", "drop", "truncate", "destroy", "overwrite",
	"wipe", "purge", "force push", "hard reset", "rm -rf", "uninstall",
	"migrate", "rollback", "production", "deploy", "reset",
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func matchAny(text string, patterns []*regexp.Regexp) (string, string, bool) {
	for _, re := range patterns {
		if m := re.FindString(text); m != "" {
			return m, re.String(), true
		}
	}
	return "", "", false
}

// Classify tests text against the five pattern tiers in strict priority
// order and returns on the first tier that matches.
func Classify(text string) Result {
	tiers := []struct {
		typ      EventType
		patterns []*regexp.Regexp
	}{
		{PermissionPrompt, permissionPatterns},
		{InputPrompt, inputPatterns},
		{RateLimit, rateLimitPatterns},
		{Error, errorPatterns},
		{Completion, completionPatterns},
	}
	for _, tier := range tiers {
		if matched, pattern, ok := matchAny(text, tier.patterns); ok {
			return Result{Type: tier.typ, MatchedText: matched, Pattern: pattern, Confidence: 1.0}
		}
	}
	return Result{Type: None}
}

// IsPermissionPrompt reports whether text matches any tier-1 pattern,
// regardless of what an earlier classification said. The auto-responder
// uses this as an independent guard.
func IsPermissionPrompt(text string) bool {
	_, _, ok := matchAny(text, permissionPatterns)
	return ok
}

// HasDestructiveKeyword reports whether any reserved destructive token
// appears in text. A hard safety gate: its result is never overridable by
// auto-response rules.
func HasDestructiveKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range destructiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
