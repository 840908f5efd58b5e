// Package ai wraps the chat-completion API behind three operations the
// dispatcher needs: summarize recent output, suggest replies to a prompt,
// and parse a natural-language command into an intent. Every operation
// degrades to a deterministic fallback when the API is slow or down.
package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/tidwall/gjson"

	"conductor/internal/config"
	"conductor/internal/errtrack"
)

// Completer is the single model call the client makes, abstracted so tests
// can stub the API.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

type openaiCompleter struct {
	client openai.Client
	model  string
}

func (c *openaiCompleter) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		MaxTokens: openai.Int(int64(maxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Intent is a parsed natural-language command. Action "unknown" means the
// model could not map the text onto a daemon operation.
type Intent struct {
	Action     string
	Session    string
	Argument   string
	Confidence float64
}

type Client struct {
	completer     Completer
	timeout       time.Duration
	fallbackLines int
	maxSummary    int
	maxSuggest    int
	maxNLP        int
	errs          *errtrack.Tracker
	logger        *slog.Logger
}

func NewClient(apiKey string, cfg config.AIConfig, errs *errtrack.Tracker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		completer: &openaiCompleter{
			client: openai.NewClient(option.WithAPIKey(apiKey)),
			model:  cfg.Model,
		},
		timeout:       time.Duration(max(cfg.TimeoutSeconds, 1)) * time.Second,
		fallbackLines: max(cfg.FallbackLines, 1),
		maxSummary:    max(cfg.SummaryMaxTokens, 50),
		maxSuggest:    max(cfg.SuggestionMaxTokens, 50),
		maxNLP:        max(cfg.NLPMaxTokens, 50),
		errs:          errs,
		logger:        logger,
	}
}

// NewClientWithCompleter is for tests.
func NewClientWithCompleter(c Completer, cfg config.AIConfig, errs *errtrack.Tracker, logger *slog.Logger) *Client {
	cl := NewClient("", cfg, errs, logger)
	cl.completer = c
	return cl
}

// Summarize condenses recent pane output into 2-3 sentences. On failure it
// returns the raw tail instead, so a summary request never goes dark.
func (c *Client) Summarize(ctx context.Context, lines []string) string {
	tail := lastLines(lines, c.fallbackLines)
	raw, err := c.complete(ctx, "summarize",
		"You summarize terminal output from a coding assistant session. Reply with 2-3 plain sentences covering what happened and the current state. No markdown.",
		strings.Join(lastLines(lines, 100), "\n"), c.maxSummary)
	if err != nil {
		return strings.Join(tail, "\n")
	}
	summary := strings.TrimSpace(raw)
	if summary == "" {
		return strings.Join(tail, "\n")
	}
	return summary
}

// Suggest proposes up to three replies to the prompt currently blocking a
// session. An empty slice means the caller should fall back to free-form
// input.
func (c *Client) Suggest(ctx context.Context, promptText string, recent []string) []string {
	user := fmt.Sprintf("The session is blocked on this prompt:\n%s\n\nRecent output:\n%s",
		promptText, strings.Join(lastLines(recent, 40), "\n"))
	raw, err := c.complete(ctx, "suggest",
		"You propose short replies a user could send to a terminal prompt. Reply with up to 3 suggestions, one per line, no numbering, no commentary. Each suggestion must be directly typeable.",
		user, c.maxSuggest)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == 3 {
			break
		}
	}
	return out
}

// ParseIntent maps free text onto a daemon action. sessions carries the
// active "number alias" pairs so the model can resolve references.
func (c *Client) ParseIntent(ctx context.Context, text string, sessions []string) Intent {
	unknown := Intent{Action: "unknown"}
	system := `You translate chat messages into commands for a terminal session manager.
Reply with a single JSON object: {"action": "...", "session": "...", "argument": "...", "confidence": 0.0}.
Actions: send_input, new_session, kill_session, pause, resume, status, summary, unknown.
"session" is the session number or alias the message refers to, or "" when unclear.
"argument" is the text to send or the directory/type for new_session.
"confidence" is 0.0-1.0. Use action "unknown" when unsure.`
	user := fmt.Sprintf("Active sessions:\n%s\n\nMessage: %s", strings.Join(sessions, "\n"), text)
	raw, err := c.complete(ctx, "parse_intent", system, user, c.maxNLP)
	if err != nil {
		return unknown
	}
	body := stripCodeFence(raw)
	if !gjson.Valid(body) {
		return unknown
	}
	intent := Intent{
		Action:     gjson.Get(body, "action").String(),
		Session:    gjson.Get(body, "session").String(),
		Argument:   gjson.Get(body, "argument").String(),
		Confidence: gjson.Get(body, "confidence").Float(),
	}
	if intent.Action == "" {
		return unknown
	}
	return intent
}

func (c *Client) complete(ctx context.Context, op, system, user string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.completer.Complete(ctx, system, user, maxTokens)
	if err != nil {
		c.logger.Warn("ai call failed", "op", op, "err", err)
		if c.errs != nil {
			c.errs.Record(ctx, "ai_api", err.Error())
		}
		return "", err
	}
	return raw, nil
}

func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
