package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-perp-desk/internal/alerts"
	"hl-perp-desk/internal/state"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey = "telegram:operator:last_update_id"
	operatorSource    = "telegram"
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

func (m operatorMeta) actor() string {
	if m.Username != "" {
		return m.Username
	}
	return strconv.FormatInt(m.UserID, 10)
}

// operatorLoop long-polls Telegram for commands until ctx ends. It returns
// immediately when the operator is disabled.
func (a *App) operatorLoop(ctx context.Context) error {
	if !a.cfg.Telegram.OperatorEnabled || !a.alerts.Enabled() {
		return nil
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return nil
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}

	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address bots as /cmd@botname.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, fields[1:], true
}

// parsePauseArgs accepts "[name] [duration]" in either order.
func parsePauseArgs(args []string) (string, time.Duration, error) {
	var name string
	var d time.Duration
	for _, arg := range args {
		if parsed, err := time.ParseDuration(arg); err == nil {
			if parsed < 0 {
				return "", 0, errors.New("duration must be >= 0")
			}
			d = parsed
			continue
		}
		if name != "" {
			return "", 0, fmt.Errorf("unexpected argument %q", arg)
		}
		name = arg
	}
	return name, d, nil
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return statusText(a.Status(ctx)), nil
	case "flatten":
		n, err := a.Flatten(ctx)
		a.auditOperator(ctx, meta, "flatten", result(fmt.Sprintf("sent %d orders", n), err))
		if err != nil {
			return "", fmt.Errorf("flatten sent %d orders: %w", n, err)
		}
		return fmt.Sprintf("flatten sent %d orders; strategies paused", n), nil
	case "pause":
		name, d, err := parsePauseArgs(args)
		if err != nil {
			return "", err
		}
		err = a.Pause(name, d)
		a.auditOperator(ctx, meta, strings.TrimSpace("pause "+name), result("ok", err))
		if err != nil {
			return "", err
		}
		if d > 0 {
			return fmt.Sprintf("paused %s for %s", nameOrAll(name), d), nil
		}
		return fmt.Sprintf("paused %s", nameOrAll(name)), nil
	case "resume":
		var name string
		if len(args) > 0 {
			name = args[0]
		}
		err := a.Resume(name)
		a.auditOperator(ctx, meta, strings.TrimSpace("resume "+name), result("ok", err))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("resumed %s", nameOrAll(name)), nil
	default:
		return operatorHelpText(), nil
	}
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - equity, positions, cooldowns and strategies",
		"/flatten - pause strategies and close every position",
		"/pause [strategy] [duration] - pause one or all strategies",
		"/resume [strategy] - resume one or all strategies",
	}, "\n")
}

func result(ok string, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return ok
}

func nameOrAll(name string) string {
	if name == "" {
		return "all strategies"
	}
	return name
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperator(ctx context.Context, meta operatorMeta, command, res string) {
	entry := state.AuditEntry{
		Source:  operatorSource,
		Actor:   meta.actor(),
		Command: command,
		Result:  res,
		AtMS:    a.now().UnixMilli(),
	}
	if err := state.AppendAudit(ctx, a.store, entry); err != nil {
		a.log.Warn("audit write failed", zap.String("command", command), zap.Error(err))
	}
}
