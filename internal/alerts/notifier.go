package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bybit-carry-bot/internal/pnl"
	"bybit-carry-bot/internal/state"

	"go.uber.org/zap"
)

// Critical event kinds. Each one means exposure the bot will not fix itself.
const (
	CriticalFuturesOpenedSpotFailed = "futures_opened_spot_failed"
	CriticalSpotCloseFailed         = "spot_close_failed"
	CriticalFuturesCloseFailed      = "futures_close_failed"
	CriticalMonitoringStopped       = "monitoring_stopped"
	CriticalLedgerWriteFailed       = "ledger_write_failed"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

type PositionOpened struct {
	Symbol       string
	SpotPrice    float64
	FuturesPrice float64
	SpotQty      float64
	FuturesQty   float64
	SpreadPct    float64
	FundingRate  float64
	TotalEntries int
}

type Critical struct {
	Kind    string
	Symbol  string
	Qty     float64
	OrderID string
	Detail  string
}

// Notifier formats lifecycle events for the operator channel. Delivery
// failures are logged and swallowed.
type Notifier struct {
	sender Sender
	log    *zap.Logger
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: sender, log: log}
}

func (n *Notifier) PositionOpened(ctx context.Context, ev PositionOpened) {
	n.send(ctx, "position_opened", strings.Join([]string{
		fmt.Sprintf("OPENED %s", ev.Symbol),
		fmt.Sprintf("spot: %.6f @ %.6f", ev.SpotQty, ev.SpotPrice),
		fmt.Sprintf("futures: %.6f @ %.6f", ev.FuturesQty, ev.FuturesPrice),
		fmt.Sprintf("spread: %.4f%%", ev.SpreadPct),
		fmt.Sprintf("funding: %.4f%%", ev.FundingRate),
	}, "\n"))
}

func (n *Notifier) PositionAdded(ctx context.Context, ev PositionOpened) {
	n.send(ctx, "position_added", strings.Join([]string{
		fmt.Sprintf("TOP-UP %s (entry %d)", ev.Symbol, ev.TotalEntries),
		fmt.Sprintf("spot: +%.6f @ %.6f", ev.SpotQty, ev.SpotPrice),
		fmt.Sprintf("futures: +%.6f @ %.6f", ev.FuturesQty, ev.FuturesPrice),
		fmt.Sprintf("spread: %.4f%%", ev.SpreadPct),
	}, "\n"))
}

func (n *Notifier) PositionClosed(ctx context.Context, closed state.ClosedPosition) {
	change, move := pnl.SpreadChange(closed.EntrySpreadPct, closed.CloseSpreadPct)
	mode := "normal"
	if closed.SoftClose {
		mode = "soft"
	}
	n.send(ctx, "position_closed", strings.Join([]string{
		fmt.Sprintf("CLOSED %s (%s close)", closed.Symbol, mode),
		fmt.Sprintf("net pnl: %.4f USD", closed.PnL.Net),
		fmt.Sprintf("price pnl: %.4f (spot %.4f, futures %.4f)", closed.PnL.Price, closed.PnL.Spot, closed.PnL.Futures),
		fmt.Sprintf("funding: %.4f, commission: %.4f", closed.PnL.Funding, closed.PnL.Commission),
		fmt.Sprintf("spread: %.4f%% -> %.4f%% (%s %+.4f)", closed.EntrySpreadPct, closed.CloseSpreadPct, move, change),
		fmt.Sprintf("entries: %d, funding rounds: %d", closed.TotalEntries, closed.FundingRounds),
		fmt.Sprintf("duration: %s", closed.Duration().Round(time.Minute)),
	}, "\n"))
}

// Critical always logs at error level, whether or not delivery succeeds.
func (n *Notifier) Critical(ctx context.Context, ev Critical) {
	n.log.Error("critical event",
		zap.String("kind", ev.Kind),
		zap.String("symbol", ev.Symbol),
		zap.Float64("qty", ev.Qty),
		zap.String("order_id", ev.OrderID),
		zap.String("detail", ev.Detail),
	)
	lines := []string{
		fmt.Sprintf("CRITICAL %s: %s", ev.Kind, ev.Symbol),
		"manual intervention required",
	}
	if ev.Qty > 0 {
		lines = append(lines, fmt.Sprintf("outstanding qty: %.6f", ev.Qty))
	}
	if ev.OrderID != "" {
		lines = append(lines, fmt.Sprintf("order id: %s", ev.OrderID))
	}
	if ev.Detail != "" {
		lines = append(lines, ev.Detail)
	}
	n.send(ctx, "critical", strings.Join(lines, "\n"))
}

func (n *Notifier) BlacklistAdded(ctx context.Context, entry state.BlacklistEntry) {
	code := "n/a"
	if entry.ErrorCode != nil {
		code = fmt.Sprintf("%d", *entry.ErrorCode)
	}
	n.send(ctx, "blacklist_added", strings.Join([]string{
		fmt.Sprintf("BLACKLISTED %s", entry.Symbol),
		fmt.Sprintf("reason: %s", entry.Reason),
		fmt.Sprintf("error code: %s", code),
	}, "\n"))
}

func (n *Notifier) send(ctx context.Context, event, message string) {
	if n == nil || n.sender == nil {
		return
	}
	if err := n.sender.Send(ctx, message); err != nil {
		n.log.Warn("alert send failed", zap.String("event", event), zap.Error(err))
	}
}
