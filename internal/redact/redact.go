// Package redact scrubs secrets from text before it leaves the process.
package redact

import (
	"fmt"
	"regexp"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Ordered: specific prefixes before generic ones so sk-ant keys are not
// half-eaten by the generic sk- rule.
var rules = []rule{
	{regexp.MustCompile(`sk-ant-api\S+`), "[REDACTED:ANTHROPIC_KEY]"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "[REDACTED:API_KEY]"},
	{regexp.MustCompile(`key-[a-zA-Z0-9]{20,}`), "[REDACTED:API_KEY]"},
	{regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`), "[REDACTED:GITHUB_TOKEN]"},
	{regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`), "[REDACTED:GITHUB_TOKEN]"},
	{regexp.MustCompile(`npm_[a-zA-Z0-9]{36}`), "[REDACTED:NPM_TOKEN]"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[REDACTED:AWS_KEY]"},
	{regexp.MustCompile(`xox[baprso]-[a-zA-Z0-9\-]+`), "[REDACTED:SLACK_TOKEN]"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]+KEY-----`), "[REDACTED:PRIVATE_KEY]"},
	{regexp.MustCompile(`(?i)(password|secret|token|api_key)\s*=\s*\S+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?m)^Authorization:\s*.+$`), "Authorization: [REDACTED]"},
	{regexp.MustCompile(`(?m)^[A-Z_]+=(sk-|key-|ghp_|gho_|npm_)\S+$`), "[REDACTED:ENV_LINE]"},
}

// Sensitive replaces every secret-shaped substring with a fixed
// [REDACTED:<kind>] token. Idempotent: replacement tokens never rematch.
func Sensitive(text string) string {
	for _, r := range rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// AddCustom appends user-configured patterns to the rule set. Called once
// at startup, before any concurrent use.
func AddCustom(patterns []string) error {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("redact pattern %q: %w", p, err)
		}
		rules = append(rules, rule{pattern: re, replacement: "[REDACTED]"})
	}
	return nil
}
