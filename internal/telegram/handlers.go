package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"conductor/internal/db"
	"conductor/internal/dispatch"
	"conductor/internal/notify"
	"conductor/internal/sessions"
)

const contextLines = 30

func (s *Service) reply(ctx context.Context, b *bot.Bot, text string, buttons [][]notify.Button) {
	params := &bot.SendMessageParams{ChatID: s.userID, Text: text}
	if kb := keyboard(buttons); kb != nil {
		params.ReplyMarkup = kb
	}
	if _, err := b.SendMessage(ctx, params); err != nil {
		s.logger.Warn("reply failed", "err", err)
	}
}

// commandArgs strips "/cmd" (and an optional @botname suffix) from the
// message text.
func commandArgs(update *models.Update) string {
	if update.Message == nil {
		return ""
	}
	fields := strings.Fields(update.Message.Text)
	if len(fields) <= 1 {
		return ""
	}
	return strings.Join(fields[1:], " ")
}

func (s *Service) resolveOrReply(ctx context.Context, b *bot.Bot, ref string) *db.Session {
	if strings.TrimSpace(ref) == "" {
		active, err := s.sessions.Active()
		if err == nil && len(active) == 1 {
			return &active[0]
		}
		s.reply(ctx, b, "Which session? Use a number (#1) or alias.", nil)
		return nil
	}
	sess, err := s.sessions.Resolve(ref)
	if err != nil {
		s.reply(ctx, b, fmt.Sprintf("Can't find session %q: %v", ref, err), nil)
		return nil
	}
	return sess
}

func sessionLabel(sess *db.Session) string {
	return fmt.Sprintf("%s #%d %s", sess.ColorToken, sess.Number, sess.Alias)
}

// ── Commands ──

func (s *Service) cmdStart(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.reply(ctx, b, "Conductor is running.\n"+
		"Send plain text to talk to a session, or use the command menu.\n"+
		"Reference sessions by number (#1) or alias.", nil)
}

func (s *Service) cmdStatus(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.reply(ctx, b, s.statusText(), [][]notify.Button{{{Label: "🔄 Refresh", Data: "status:refresh"}}})
}

func (s *Service) statusText() string {
	active, err := s.sessions.Active()
	if err != nil {
		return "Status unavailable: " + err.Error()
	}
	if len(active) == 0 {
		return "No active sessions."
	}
	var sb strings.Builder
	for _, sess := range active {
		fmt.Fprintf(&sb, "%s #%d %s — %s", sess.ColorToken, sess.Number, sess.Alias, sess.Status)
		if sess.LastSummary != "" {
			fmt.Fprintf(&sb, "\n    %s", firstLine(sess.LastSummary))
		}
		sb.WriteByte('\n')
	}
	if s.usage != nil {
		used, limit, pct, tier := s.usage("")
		fmt.Fprintf(&sb, "\nTokens: %d/%d (%d%%, %s plan)", used, limit, pct, tier)
	}
	if s.responder.Paused() {
		sb.WriteString("\nAuto-responder: paused")
	}
	return sb.String()
}

func (s *Service) cmdSessions(ctx context.Context, b *bot.Bot, update *models.Update) {
	active, err := s.sessions.Active()
	if err != nil {
		s.reply(ctx, b, "Can't list sessions: "+err.Error(), nil)
		return
	}
	if len(active) == 0 {
		s.reply(ctx, b, "No active sessions. Use /new to start one.", nil)
		return
	}
	var sb strings.Builder
	for _, sess := range active {
		fmt.Fprintf(&sb, "%s #%d %s (%s) — %s\n    %s\n",
			sess.ColorToken, sess.Number, sess.Alias, sess.Type, sess.Status, sess.WorkingDir)
	}
	s.reply(ctx, b, sb.String(), nil)
}

// cmdNew starts a session: /new [type] [dir].
func (s *Service) cmdNew(ctx context.Context, b *bot.Bot, update *models.Update) {
	opts := sessions.CreateOptions{}
	for _, arg := range strings.Fields(commandArgs(update)) {
		switch arg {
		case db.TypeClaudeCode, db.TypeShell, db.TypeOneOff, db.TypeCustom:
			opts.Type = arg
		default:
			opts.Dir = arg
		}
	}
	sess, err := s.sessions.Create(ctx, opts)
	if err != nil {
		s.reply(ctx, b, "Can't create session: "+err.Error(), nil)
		return
	}
	if s.OnSessionCreated != nil {
		s.OnSessionCreated(ctx, *sess)
	}
	s.reply(ctx, b, fmt.Sprintf("%s started in %s", sessionLabel(sess), sess.WorkingDir), nil)
}

func (s *Service) cmdSend(ctx context.Context, b *bot.Bot, update *models.Update) {
	args := strings.SplitN(commandArgs(update), " ", 2)
	if len(args) < 2 {
		s.reply(ctx, b, "Usage: /send <session> <text>", nil)
		return
	}
	sess := s.resolveOrReply(ctx, b, args[0])
	if sess == nil {
		return
	}
	if err := s.router.SendUserInput(ctx, sess, args[1]); err != nil {
		s.reply(ctx, b, "Send failed: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, "→ "+sessionLabel(sess), nil)
}

func (s *Service) cmdKill(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.requestConfirmation(ctx, b, update, "kill")
}

func (s *Service) cmdRestart(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.requestConfirmation(ctx, b, update, "restart")
}

// requestConfirmation starts the two-tap flow for destructive commands.
func (s *Service) requestConfirmation(ctx context.Context, b *bot.Bot, update *models.Update, action string) {
	sess := s.resolveOrReply(ctx, b, commandArgs(update))
	if sess == nil {
		return
	}
	s.confirms.Request(s.userID, action, sess.ID)
	s.reply(ctx, b,
		fmt.Sprintf("Really %s %s?", action, sessionLabel(sess)),
		[][]notify.Button{{
			{Label: "✅ Yes", Data: fmt.Sprintf("confirm:%s:%s:yes", action, sess.ID)},
			{Label: "❌ Cancel", Data: fmt.Sprintf("confirm:%s:%s:no", action, sess.ID)},
		}})
}

func (s *Service) cmdPause(ctx context.Context, b *bot.Bot, update *models.Update) {
	sess := s.resolveOrReply(ctx, b, commandArgs(update))
	if sess == nil {
		return
	}
	if err := s.sessions.Pause(ctx, sess, db.StatusPaused); err != nil {
		s.reply(ctx, b, "Pause failed: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, sessionLabel(sess)+" paused", nil)
}

func (s *Service) cmdResume(ctx context.Context, b *bot.Bot, update *models.Update) {
	sess := s.resolveOrReply(ctx, b, commandArgs(update))
	if sess == nil {
		return
	}
	if err := s.sessions.Resume(ctx, sess); err != nil {
		s.reply(ctx, b, "Resume failed: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, sessionLabel(sess)+" resumed", nil)
}

func (s *Service) cmdRename(ctx context.Context, b *bot.Bot, update *models.Update) {
	args := strings.SplitN(commandArgs(update), " ", 2)
	if len(args) < 2 {
		s.reply(ctx, b, "Usage: /rename <session> <alias>", nil)
		return
	}
	sess := s.resolveOrReply(ctx, b, args[0])
	if sess == nil {
		return
	}
	if err := s.sessions.Rename(ctx, sess, args[1]); err != nil {
		s.reply(ctx, b, "Rename failed: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, fmt.Sprintf("#%d is now %q", sess.Number, strings.TrimSpace(args[1])), nil)
}

func (s *Service) cmdSummary(ctx context.Context, b *bot.Bot, update *models.Update) {
	sess := s.resolveOrReply(ctx, b, commandArgs(update))
	if sess == nil {
		return
	}
	if sess.LastSummary == "" {
		s.reply(ctx, b, sessionLabel(sess)+" has no summary yet.", nil)
		return
	}
	s.reply(ctx, b, sessionLabel(sess)+":\n"+sess.LastSummary,
		[][]notify.Button{{{Label: "📄 Full output", Data: "comp:" + sess.ID + ":details"}}})
}

func (s *Service) cmdTokens(ctx context.Context, b *bot.Bot, update *models.Update) {
	if s.usage == nil {
		s.reply(ctx, b, "Token estimation is not configured.", nil)
		return
	}
	used, limit, pct, tier := s.usage("")
	s.reply(ctx, b, fmt.Sprintf(
		"Estimated usage: %d/%d response cycles (%d%%) on the %s plan.\n"+
			"This is a heuristic, not the provider's own counter.", used, limit, pct, tier), nil)
}

func (s *Service) cmdUndo(ctx context.Context, b *bot.Bot, update *models.Update) {
	sess := s.resolveOrReply(ctx, b, commandArgs(update))
	if sess == nil {
		return
	}
	if s.router.Undo(ctx, sess.ID) {
		s.reply(ctx, b, "Auto-response interrupted on "+sessionLabel(sess), nil)
	} else {
		s.reply(ctx, b, "Nothing to undo (the window is 30 s).", nil)
	}
}

// cmdAuto manages auto-responder state and rules.
func (s *Service) cmdAuto(ctx context.Context, b *bot.Bot, update *models.Update) {
	args := commandArgs(update)
	fields := strings.Fields(args)
	sub := ""
	if len(fields) > 0 {
		sub = fields[0]
	}
	switch sub {
	case "pause":
		s.responder.SetPaused(true)
		s.reply(ctx, b, "Auto-responder paused.", nil)
	case "resume":
		s.responder.SetPaused(false)
		s.reply(ctx, b, "Auto-responder resumed.", nil)
	case "on":
		if err := s.store.SetAllRulesEnabled(true); err != nil {
			s.reply(ctx, b, "Failed: "+err.Error(), nil)
			return
		}
		s.reply(ctx, b, "All rules enabled.", nil)
	case "off":
		if err := s.store.SetAllRulesEnabled(false); err != nil {
			s.reply(ctx, b, "Failed: "+err.Error(), nil)
			return
		}
		s.reply(ctx, b, "All rules disabled.", nil)
	case "add":
		s.addRule(ctx, b, strings.TrimSpace(strings.TrimPrefix(args, "add")))
	case "del":
		if len(fields) < 2 {
			s.reply(ctx, b, "Usage: /auto del <rule-id>", nil)
			return
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			s.reply(ctx, b, "Rule id must be a number.", nil)
			return
		}
		ok, err := s.store.DeleteRule(id)
		if err != nil {
			s.reply(ctx, b, "Failed: "+err.Error(), nil)
			return
		}
		if !ok {
			s.reply(ctx, b, fmt.Sprintf("No rule %d.", id), nil)
			return
		}
		s.reply(ctx, b, fmt.Sprintf("Rule %d deleted.", id), nil)
	case "list", "":
		s.listRules(ctx, b)
	default:
		s.reply(ctx, b, "Usage: /auto [pause|resume|on|off|list|add|del]", nil)
	}
}

// addRule parses "/auto add [exact|contains|regex] <pattern> => <response>".
func (s *Service) addRule(ctx context.Context, b *bot.Bot, spec string) {
	matchType := "contains"
	for _, mt := range []string{"exact", "contains", "regex"} {
		if strings.HasPrefix(spec, mt+" ") {
			matchType = mt
			spec = strings.TrimSpace(strings.TrimPrefix(spec, mt))
			break
		}
	}
	parts := strings.SplitN(spec, "=>", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		s.reply(ctx, b, "Usage: /auto add [exact|contains|regex] <pattern> => <response>", nil)
		return
	}
	rule := &db.AutoRule{
		Pattern:   strings.TrimSpace(parts[0]),
		Response:  strings.TrimSpace(parts[1]),
		MatchType: matchType,
	}
	if err := s.store.AddRule(rule); err != nil {
		s.reply(ctx, b, "Can't add rule: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, fmt.Sprintf("Rule %d added: %s %q → %q", rule.ID, rule.MatchType, rule.Pattern, rule.Response), nil)
}

func (s *Service) listRules(ctx context.Context, b *bot.Bot) {
	rules, err := s.store.ListRules(false)
	if err != nil {
		s.reply(ctx, b, "Can't list rules: "+err.Error(), nil)
		return
	}
	if len(rules) == 0 {
		s.reply(ctx, b, "No rules. Add one with /auto add <pattern> => <response>", nil)
		return
	}
	var sb strings.Builder
	for _, r := range rules {
		state := "on"
		if !r.Enabled {
			state = "off"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s %q → %q (%d hits)\n", r.ID, state, r.MatchType, r.Pattern, r.Response, r.HitCount)
	}
	s.reply(ctx, b, sb.String(), nil)
}

// ── Free text ──

// onFreeText routes a plain message into a session, asking the user to
// pick when the target is ambiguous.
func (s *Service) onFreeText(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
		return
	}
	text := update.Message.Text
	if strings.HasPrefix(text, "/") {
		s.reply(ctx, b, "Unknown command. Try /help.", nil)
		return
	}
	sess, err := s.router.ResolveTarget(ctx, text)
	if errors.Is(err, dispatch.ErrPickRequired) {
		s.askToPick(ctx, b, text)
		return
	}
	if err != nil {
		s.reply(ctx, b, "Can't route that: "+err.Error(), nil)
		return
	}
	if err := s.router.SendUserInput(ctx, sess, text); err != nil {
		s.reply(ctx, b, "Send failed: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, "→ "+sessionLabel(sess), nil)
}

func (s *Service) askToPick(ctx context.Context, b *bot.Bot, text string) {
	active, err := s.sessions.Active()
	if err != nil || len(active) == 0 {
		s.reply(ctx, b, "No active session to send that to. /new starts one.", nil)
		return
	}
	s.mu.Lock()
	s.pendingText = text
	s.mu.Unlock()
	var buttons [][]notify.Button
	for _, sess := range active {
		buttons = append(buttons, []notify.Button{{
			Label: fmt.Sprintf("#%d %s", sess.Number, sess.Alias),
			Data:  "pickmsg:" + sess.ID,
		}})
	}
	s.reply(ctx, b, "Which session should get that message?", buttons)
}

// ── Callbacks ──

func (s *Service) ack(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: update.CallbackQuery.ID}); err != nil {
		s.logger.Debug("callback ack failed", "err", err)
	}
}

func callbackParts(update *models.Update, n int) []string {
	if update.CallbackQuery == nil {
		return nil
	}
	parts := strings.SplitN(update.CallbackQuery.Data, ":", n)
	if len(parts) != n {
		return nil
	}
	return parts
}

func (s *Service) sessionFromCallback(ctx context.Context, b *bot.Bot, id string) *db.Session {
	sess, err := s.store.GetSession(id)
	if err != nil || sess == nil || !sess.Active() {
		s.reply(ctx, b, "That session is gone.", nil)
		return nil
	}
	return sess
}

// cbPermission handles perm:<session>:<allow|deny|context>.
func (s *Service) cbPermission(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 3)
	if parts == nil {
		return
	}
	sess := s.sessionFromCallback(ctx, b, parts[1])
	if sess == nil {
		return
	}
	switch parts[2] {
	case "allow":
		s.sendAndConfirm(ctx, b, sess, "y")
	case "deny":
		s.sendAndConfirm(ctx, b, sess, "n")
	case "context":
		s.showContext(ctx, b, sess)
	}
}

func (s *Service) sendAndConfirm(ctx context.Context, b *bot.Bot, sess *db.Session, input string) {
	if err := s.router.SendUserInput(ctx, sess, input); err != nil {
		s.reply(ctx, b, "Send failed: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, fmt.Sprintf("Sent %q to %s", input, sessionLabel(sess)), nil)
}

func (s *Service) showContext(ctx context.Context, b *bot.Bot, sess *db.Session) {
	raw, err := s.capture.CaptureRecent(sess.MuxSession, contextLines)
	if err != nil {
		s.reply(ctx, b, "Can't capture the pane: "+err.Error(), nil)
		return
	}
	s.reply(ctx, b, sessionLabel(sess)+" recent output:\n"+raw, nil)
}

// cbPick handles pick:<session>:<option>, the numbered-choice buttons.
func (s *Service) cbPick(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 3)
	if parts == nil {
		return
	}
	sess := s.sessionFromCallback(ctx, b, parts[1])
	if sess == nil {
		return
	}
	s.sendAndConfirm(ctx, b, sess, parts[2])
}

// cbPickMessage delivers the held free-text message after a pick.
func (s *Service) cbPickMessage(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 2)
	if parts == nil {
		return
	}
	sess := s.sessionFromCallback(ctx, b, parts[1])
	if sess == nil {
		return
	}
	s.mu.Lock()
	text := s.pendingText
	s.pendingText = ""
	s.mu.Unlock()
	if text == "" {
		s.reply(ctx, b, "That message is gone, send it again.", nil)
		return
	}
	s.sendAndConfirm(ctx, b, sess, text)
}

// cbSuggestion handles suggest:<session>:<index>.
func (s *Service) cbSuggestion(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 3)
	if parts == nil {
		return
	}
	idx, err := strconv.Atoi(parts[2])
	if err != nil {
		return
	}
	text, ok := s.router.Suggestion(parts[1], idx)
	if !ok {
		s.reply(ctx, b, "That suggestion expired.", nil)
		return
	}
	sess := s.sessionFromCallback(ctx, b, parts[1])
	if sess == nil {
		return
	}
	s.sendAndConfirm(ctx, b, sess, text)
}

// cbUndo handles undo:<session>.
func (s *Service) cbUndo(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 2)
	if parts == nil {
		return
	}
	if s.router.Undo(ctx, parts[1]) {
		s.reply(ctx, b, "Auto-response interrupted.", nil)
	} else {
		s.reply(ctx, b, "Too late to undo.", nil)
	}
}

// cbRateLimit handles rate:<session>:<resume|wait|switch>.
func (s *Service) cbRateLimit(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 3)
	if parts == nil {
		return
	}
	switch parts[2] {
	case "resume":
		sess := s.sessionFromCallback(ctx, b, parts[1])
		if sess == nil {
			return
		}
		if err := s.sessions.Resume(ctx, sess); err != nil {
			s.reply(ctx, b, "Resume failed: "+err.Error(), nil)
			return
		}
		s.reply(ctx, b, sessionLabel(sess)+" resumed", nil)
	case "wait":
		s.router.ScheduleAutoResume(parts[1])
		s.reply(ctx, b, "Will auto-resume in 15 minutes.", nil)
	case "switch":
		s.cmdSessions(ctx, b, update)
	}
}

// cbConfirm handles confirm:<action>:<session>:<yes|no>.
func (s *Service) cbConfirm(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 4)
	if parts == nil {
		return
	}
	action, sessID, answer := parts[1], parts[2], parts[3]
	if answer != "yes" {
		s.confirms.Cancel(s.userID, action, sessID)
		s.reply(ctx, b, "Cancelled.", nil)
		return
	}
	if !s.confirms.Confirm(s.userID, action, sessID) {
		s.reply(ctx, b, "Confirmation expired, run the command again.", nil)
		return
	}
	sess := s.sessionFromCallback(ctx, b, sessID)
	if sess == nil {
		return
	}
	switch action {
	case "kill":
		if err := s.sessions.Kill(ctx, sess); err != nil {
			s.reply(ctx, b, "Kill failed: "+err.Error(), nil)
			return
		}
		s.reply(ctx, b, sessionLabel(sess)+" killed", nil)
	case "restart":
		s.restart(ctx, b, sess)
	}
}

func (s *Service) restart(ctx context.Context, b *bot.Bot, old *db.Session) {
	if err := s.sessions.Kill(ctx, old); err != nil {
		s.reply(ctx, b, "Restart failed while killing: "+err.Error(), nil)
		return
	}
	fresh, err := s.sessions.Create(ctx, sessions.CreateOptions{
		Type:  old.Type,
		Dir:   old.WorkingDir,
		Alias: old.Alias,
	})
	if err != nil {
		s.reply(ctx, b, "Restart failed while recreating: "+err.Error(), nil)
		return
	}
	if s.OnSessionCreated != nil {
		s.OnSessionCreated(ctx, *fresh)
	}
	s.reply(ctx, b, sessionLabel(fresh)+" restarted", nil)
}

// cbCompletion handles comp:<session>:details.
func (s *Service) cbCompletion(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	parts := callbackParts(update, 3)
	if parts == nil {
		return
	}
	sess := s.sessionFromCallback(ctx, b, parts[1])
	if sess == nil {
		return
	}
	s.showContext(ctx, b, sess)
}

// cbStatusRefresh edits the status message in place.
func (s *Service) cbStatusRefresh(ctx context.Context, b *bot.Bot, update *models.Update) {
	s.ack(ctx, b, update)
	if update.CallbackQuery == nil || update.CallbackQuery.Message.Message == nil {
		return
	}
	msg := update.CallbackQuery.Message.Message
	_, err := b.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:      msg.Chat.ID,
		MessageID:   msg.ID,
		Text:        s.statusText(),
		ReplyMarkup: keyboard([][]notify.Button{{{Label: "🔄 Refresh", Data: "status:refresh"}}}),
	})
	if err != nil {
		s.logger.Debug("status refresh edit failed", "err", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
