package detect

import "testing"

func TestClassify_PermissionOutranksInput(t *testing.T) {
	// A tool-permission block ends with a (y/n) style question that also
	// matches the input tier; it must still classify as a permission prompt.
	text := "Claude wants to run `npm install`\nAllow? (y/n/always)"
	res := Classify(text)
	if res.Type != PermissionPrompt {
		t.Fatalf("type = %s, want %s (matched %q)", res.Type, PermissionPrompt, res.MatchedText)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v", res.Confidence)
	}
}

func TestClassify_InputPrompt(t *testing.T) {
	for _, text := range []string{
		"Continue? (Y/n)",
		"Delete all records? (y/n)",
		"Choose one of the following:",
		"1. red\n2. blue\n3. green",
		"Enter your name:",
	} {
		if res := Classify(text); res.Type != InputPrompt {
			t.Errorf("Classify(%q) = %s, want %s", text, res.Type, InputPrompt)
		}
	}
}

func TestClassify_RateLimitBeforeError(t *testing.T) {
	// "429 error" matches both the rate-limit and error tiers; rate limit
	// wins so the session gets paused instead of merely reported.
	res := Classify("API error: 429 Too Many Requests")
	if res.Type != RateLimit {
		t.Fatalf("type = %s, want %s", res.Type, RateLimit)
	}
}

func TestClassify_Error(t *testing.T) {
	for _, text := range []string{
		"npm ERR! missing script: build",
		"Traceback (most recent call last):",
		"command not found: foo",
		"connection refused",
	} {
		if res := Classify(text); res.Type != Error {
			t.Errorf("Classify(%q) = %s, want %s", text, res.Type, Error)
		}
	}
}

func TestClassify_Completion(t *testing.T) {
	for _, text := range []string{
		"Build succeeded",
		"All 42 tests passed",
		"✓ compiled successfully",
		"Done in 12.3s",
	} {
		if res := Classify(text); res.Type != Completion {
			t.Errorf("Classify(%q) = %s, want %s", text, res.Type, Completion)
		}
	}
}

func TestClassify_None(t *testing.T) {
	if res := Classify("installing dependencies..."); res.Type != None {
		t.Errorf("type = %s, want %s", res.Type, None)
	}
}

func TestIsPermissionPrompt(t *testing.T) {
	if !IsPermissionPrompt("Claude wants to edit main.go") {
		t.Error("permission text not detected")
	}
	if IsPermissionPrompt("Enter your name:") {
		t.Error("plain input text flagged as permission")
	}
}

func TestHasDestructiveKeyword(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"Delete all records? (y/n)", true},
		{"git push --force to main? run FORCE PUSH now", true},
		{"rm -rf ./build", true},
		{"deploy to production?", true},
		{"Continue? (Y/n)", false},
		{"run the linter?", false},
	}
	for _, tc := range cases {
		if got := HasDestructiveKeyword(tc.text); got != tc.want {
			t.Errorf("HasDestructiveKeyword(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
