package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey   = "telegram:operator:last_update_id"
	defaultHistoryLimit = 10
	maxHistoryLimit     = 50
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
	Symbol       string    `json:"symbol,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

func (m operatorMeta) audit(action string) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID: m.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  m.Raw,
		UserID:   m.UserID,
		Username: m.Username,
		ChatID:   m.ChatID,
	}
}

// operatorSettings reports whether the command loop should run and for which
// chat and users.
func (a *App) operatorSettings() (int64, map[int64]struct{}, bool) {
	if a.cfg == nil || a.operator == nil || !a.operator.Enabled() {
		return 0, nil, false
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return 0, nil, false
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return 0, nil, false
	}
	allowed := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return chatID, allowed, true
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.operator.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
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
			a.log.Warn("operator command from unknown user", zap.Int64("user_id", msg.From.ID))
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
	if err := a.operator.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand splits "/cmd@bot a b" into "cmd" and its arguments.
func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return strings.ToLower(cmd), fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(), nil
	case "positions":
		return a.operatorPositions(), nil
	case "stats":
		return a.operatorStats(ctx)
	case "history":
		return a.operatorHistory(ctx, args)
	case "blacklist":
		return a.handleBlacklistCommand(ctx, args, meta)
	case "pause":
		event := meta.audit("pause")
		event.PausedBefore = a.isPaused()
		event.PausedAfter = a.setPaused(true)
		a.auditOperatorEvent(ctx, event)
		if event.PausedBefore {
			return "scanning already paused", nil
		}
		return "scanning paused", nil
	case "resume":
		event := meta.audit("resume")
		event.PausedBefore = a.isPaused()
		event.PausedAfter = a.setPaused(false)
		a.auditOperatorEvent(ctx, event)
		if !event.PausedBefore {
			return "scanning already active", nil
		}
		return "scanning resumed", nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleBlacklistCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if a.blacklist == nil {
		return "", errors.New("blacklist unavailable")
	}
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		entries := a.blacklist.List()
		if len(entries) == 0 {
			return "blacklist: empty", nil
		}
		lines := []string{fmt.Sprintf("blacklist (%d):", len(entries))}
		for _, entry := range entries {
			line := fmt.Sprintf("%s - %s", entry.Symbol, entry.Reason)
			if entry.ErrorCode != nil {
				line += fmt.Sprintf(" (code %d)", *entry.ErrorCode)
			}
			lines = append(lines, line)
		}
		return strings.Join(lines, "\n"), nil
	}
	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) < 2 {
			return "", errors.New("usage: /blacklist add SYMBOL reason...")
		}
		symbol := strings.ToUpper(args[1])
		reason := strings.Join(args[2:], " ")
		if reason == "" {
			reason = "manual"
		}
		if err := a.blacklist.Add(ctx, symbol, reason, nil); err != nil {
			return "", err
		}
		event := meta.audit("blacklist_add")
		event.Symbol = symbol
		event.Reason = reason
		a.auditOperatorEvent(ctx, event)
		return fmt.Sprintf("%s blacklisted", symbol), nil
	case "remove":
		if len(args) < 2 {
			return "", errors.New("usage: /blacklist remove SYMBOL")
		}
		symbol := strings.ToUpper(args[1])
		removed, err := a.blacklist.Remove(ctx, symbol)
		if err != nil {
			return "", err
		}
		event := meta.audit("blacklist_remove")
		event.Symbol = symbol
		a.auditOperatorEvent(ctx, event)
		if !removed {
			return fmt.Sprintf("%s was not blacklisted", symbol), nil
		}
		return fmt.Sprintf("%s removed from blacklist", symbol), nil
	default:
		return "", errors.New("unknown blacklist command: use /blacklist [add|remove]")
	}
}

func (a *App) operatorStatus() string {
	open := 0
	if a.ledger != nil {
		open = a.ledger.Count()
	}
	var states map[string]strategy.State
	if a.trader != nil {
		states = a.trader.States()
	}
	maxPositions := 0
	if a.cfg != nil {
		maxPositions = a.cfg.Strategy.MaxConcurrentPositions
	}
	lines := []string{
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("open_positions: %d/%d", open, maxPositions),
		fmt.Sprintf("active_tasks: %d", len(states)),
	}
	symbols := make([]string, 0, len(states))
	for symbol := range states {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		lines = append(lines, fmt.Sprintf("  %s: %s", symbol, states[symbol]))
	}
	if a.blacklist != nil {
		lines = append(lines, fmt.Sprintf("blacklisted: %d", len(a.blacklist.List())))
	}
	if a.limiter != nil {
		rl := a.limiter.Stats()
		lines = append(lines, fmt.Sprintf("rate_limit: %d requests, %d waits, window %d/%d",
			rl.TotalRequests, rl.RateLimitHits, rl.RequestsInWindow, rl.MaxRequestsPerSecond))
	}
	return strings.Join(lines, "\n")
}

func (a *App) operatorPositions() string {
	if a.ledger == nil {
		return "positions unavailable"
	}
	positions := a.ledger.List()
	if len(positions) == 0 {
		return "no open positions"
	}
	var states map[string]strategy.State
	if a.trader != nil {
		states = a.trader.States()
	}
	lines := make([]string, 0, len(positions))
	for _, pos := range positions {
		st := string(states[pos.Symbol])
		if st == "" {
			st = "unsupervised"
		}
		lines = append(lines, fmt.Sprintf("%s [%s] entries=%d spot=%.6f futures=%.6f spread=%.4f%% low_fr=%d soft_close=%t",
			pos.Symbol, st, pos.TotalEntries, pos.SpotQty, pos.FuturesQty,
			pos.EntrySpreadPct, pos.LowFRCount, pos.SoftCloseActive))
	}
	return strings.Join(lines, "\n")
}

func (a *App) operatorStats(ctx context.Context) (string, error) {
	if a.ledger == nil {
		return "", errors.New("history unavailable")
	}
	stats, err := a.ledger.Stats(ctx)
	if err != nil {
		return "", err
	}
	if stats.TotalTrades == 0 {
		return "no closed trades", nil
	}
	return strings.Join([]string{
		fmt.Sprintf("trades: %d (wins %d, losses %d, win rate %.1f%%)", stats.TotalTrades, stats.Wins, stats.Losses, stats.WinRatePct),
		fmt.Sprintf("net_pnl: %.4f (avg %.4f)", stats.TotalNetPnL, stats.AvgNetPnL),
		fmt.Sprintf("best: %.4f worst: %.4f", stats.BestTrade, stats.WorstTrade),
		fmt.Sprintf("funding: %.4f commission: %.4f", stats.TotalFunding, stats.TotalCommission),
	}, "\n"), nil
}

func (a *App) operatorHistory(ctx context.Context, args []string) (string, error) {
	if a.ledger == nil {
		return "", errors.New("history unavailable")
	}
	limit := defaultHistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid history limit: %s", args[0])
		}
		limit = min(n, maxHistoryLimit)
	}
	closed, err := a.ledger.History(ctx, limit)
	if err != nil {
		return "", err
	}
	if len(closed) == 0 {
		return "no closed trades", nil
	}
	lines := make([]string, 0, len(closed))
	for _, c := range closed {
		lines = append(lines, fmt.Sprintf("%s %s net=%.4f funding=%.4f entries=%d held=%s",
			c.CloseTime.UTC().Format("2006-01-02 15:04"), c.Symbol, c.PnL.Net, c.PnL.Funding,
			c.TotalEntries, c.Duration().Round(time.Minute)))
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - scanner and task status",
		"/positions - open positions",
		"/stats - closed trade statistics",
		"/history [n] - last n closed trades",
		"/blacklist - list blacklisted symbols",
		"/blacklist add SYMBOL reason... - blacklist a symbol",
		"/blacklist remove SYMBOL - remove a symbol from the blacklist",
		"/pause - stop opening new positions",
		"/resume - resume opening new positions",
	}, "\n")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
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
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Warn("operator offset save failed", zap.Error(err))
	}
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
