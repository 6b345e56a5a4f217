package monitor

import (
	"context"
	"errors"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/ledger"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
)

// Enter polls a ranked opportunity until the entry condition holds, then
// opens both legs. It reports whether a position now exists.
func (m *Monitor) Enter(ctx context.Context, opp strategy.Opportunity) (bool, error) {
	symbol := normalize(opp.Symbol)
	log := m.log.With(zap.String("symbol", symbol))
	if m.ledger.Has(symbol) {
		log.Debug("position already open, skipping entry")
		return false, nil
	}
	sm := m.machine(symbol)
	sm.Apply(strategy.EventOpportunity)
	defer m.finish(symbol)

	if err := m.market.Watch(ctx, symbol); err != nil {
		log.Warn("stream watch failed", zap.Error(err))
	}

	snap, ok, err := m.awaitEntry(ctx, symbol)
	if err != nil {
		sm.Apply(strategy.EventAbort)
		return false, err
	}
	if !ok {
		log.Info("entry conditions not met, giving up", zap.Int("attempts", m.opts.MaxEntryAttempts))
		sm.Apply(strategy.EventAbort)
		return false, nil
	}

	if err := m.exec.SetLeverage(ctx, symbol, m.opts.Leverage); err != nil {
		log.Warn("set leverage failed", zap.Int("leverage", m.opts.Leverage), zap.Error(err))
	}
	spread := strategy.EntrySpreadPct(snap)
	res := m.exec.Open(context.WithoutCancel(ctx), exec.OpenRequest{
		Symbol:       symbol,
		NotionalUSD:  m.opts.TradeAmountUSD,
		SpotPrice:    snap.SpotAsk,
		FuturesPrice: snap.FuturesBid,
	})
	if !res.Success {
		m.handleOpenFailure(ctx, symbol, res)
		sm.Apply(strategy.EventAbort)
		return false, nil
	}

	pos, err := m.ledger.Create(ctx, symbol, ledger.Entry{
		SpotPrice:      res.Spot.Price,
		FuturesPrice:   res.Futures.Price,
		SpotQty:        res.Spot.Qty,
		FuturesQty:     res.Futures.Qty,
		SpreadPct:      spread,
		SpotOrderID:    res.Spot.OrderID,
		FuturesOrderID: res.Futures.OrderID,
	})
	if err != nil {
		// Both legs are live on the exchange but unknown to the ledger.
		m.critical(ctx, alerts.Critical{
			Kind:    alerts.CriticalLedgerWriteFailed,
			Symbol:  symbol,
			Qty:     res.Futures.Qty,
			OrderID: res.Futures.OrderID,
			Detail:  err.Error(),
		})
		sm.Apply(strategy.EventAbort)
		return false, err
	}

	m.metrics.EntriesOpened.Inc()
	m.refreshOpenGauge()
	if m.notifier != nil {
		m.notifier.PositionOpened(ctx, alerts.PositionOpened{
			Symbol:       symbol,
			SpotPrice:    pos.SpotEntryPrice,
			FuturesPrice: pos.FuturesEntryPrice,
			SpotQty:      pos.SpotQty,
			FuturesQty:   pos.FuturesQty,
			SpreadPct:    spread,
			FundingRate:  snap.FundingRate,
			TotalEntries: pos.TotalEntries,
		})
	}
	sm.Apply(strategy.EventOpened)
	log.Info("position opened",
		zap.Float64("spread_pct", spread),
		zap.Float64("funding_rate", snap.FundingRate),
		zap.Float64("spot_qty", pos.SpotQty),
		zap.Float64("futures_qty", pos.FuturesQty),
	)
	return true, nil
}

// awaitEntry re-prices the symbol up to MaxEntryAttempts times. A failed
// snapshot uses up an attempt.
func (m *Monitor) awaitEntry(ctx context.Context, symbol string) (strategy.MarketSnapshot, bool, error) {
	for attempt := 1; attempt <= m.opts.MaxEntryAttempts; attempt++ {
		snap, err := m.market.Snapshot(ctx, symbol)
		switch {
		case err == nil:
			spread := strategy.EntrySpreadPct(snap)
			if m.opts.Thresholds.ShouldEnter(snap.FundingRate, spread) {
				return snap, true, nil
			}
			m.log.Debug("entry conditions not met",
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt),
				zap.Float64("spread_pct", spread),
				zap.Float64("funding_rate", snap.FundingRate),
			)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return strategy.MarketSnapshot{}, false, err
		default:
			m.log.Warn("entry snapshot failed", zap.String("symbol", symbol), zap.Int("attempt", attempt), zap.Error(err))
		}
		if attempt == m.opts.MaxEntryAttempts {
			break
		}
		if err := m.sleep(ctx, m.opts.EntryPollInterval); err != nil {
			return strategy.MarketSnapshot{}, false, err
		}
	}
	return strategy.MarketSnapshot{}, false, nil
}

func (m *Monitor) handleOpenFailure(ctx context.Context, symbol string, res exec.OpenResult) {
	m.metrics.EntryFailed.Inc()
	if res.PartialHedge {
		m.critical(ctx, alerts.Critical{
			Kind:    alerts.CriticalFuturesOpenedSpotFailed,
			Symbol:  symbol,
			Qty:     res.Futures.Qty,
			OrderID: res.Futures.OrderID,
			Detail:  res.Error,
		})
	} else {
		m.log.Warn("entry failed", zap.String("symbol", symbol), zap.String("error", res.Error))
	}
	m.blacklistIfFatal(ctx, symbol, res.Error, res.ErrorCode)
}
