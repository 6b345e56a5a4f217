package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/ledger"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/strategy"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

// supervise runs monitoring rounds for an open position until a close
// completes or MaxMonitorRounds is reached. Rounds that fail to price the
// symbol still count toward the cap but not toward funding rounds.
func (m *Monitor) supervise(ctx context.Context, symbol string) error {
	symbol = normalize(symbol)
	log := m.log.With(zap.String("symbol", symbol))
	sm := m.machine(symbol)
	defer m.finish(symbol)

	if err := m.sleep(ctx, m.opts.InitialMonitorDelay); err != nil {
		return err
	}

	stopTopUp := m.startTopUp(ctx, symbol)
	defer stopTopUp()

	for round := 1; round <= m.opts.MaxMonitorRounds; round++ {
		pos, ok := m.ledger.Get(symbol)
		if !ok {
			log.Info("position no longer open, monitor exiting")
			return nil
		}
		snap, err := m.market.Snapshot(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("monitor snapshot failed", zap.Int("round", round), zap.Error(err))
			if err := m.sleep(ctx, m.opts.DataRetryDelay); err != nil {
				return err
			}
			continue
		}

		rec, err := m.ledger.RecordFundingRound(ctx, symbol, snap.FundingRate, m.opts.Thresholds.LowFRTrackingThreshold, m.opts.Thresholds.SoftCloseTriggerRounds)
		switch {
		case errors.Is(err, ledger.ErrPositionNotFound):
			return nil
		case err != nil:
			log.Error("record funding round failed", zap.Int("round", round), zap.Error(err))
			rec.Position = pos
		}
		if rec.Activated {
			sm.Apply(strategy.EventSoftClose)
		}
		pos = rec.Position

		closeSpread := strategy.CloseSpreadPct(snap)
		m.record(ctx, sm.Current(), round, pos, snap, closeSpread)
		log.Debug("monitor round",
			zap.Int("round", round),
			zap.Float64("funding_rate", snap.FundingRate),
			zap.Float64("close_spread_pct", closeSpread),
			zap.Int("low_fr_count", pos.LowFRCount),
			zap.Bool("soft_close", pos.SoftCloseActive),
		)

		if m.opts.Thresholds.ShouldClose(snap.FundingRate, closeSpread, pos.SoftCloseActive) {
			stopTopUp()
			sm.Apply(strategy.EventCloseTrigger)
			log.Info("close triggered",
				zap.Int("round", round),
				zap.Float64("funding_rate", snap.FundingRate),
				zap.Float64("close_spread_pct", closeSpread),
				zap.Bool("soft_close", pos.SoftCloseActive),
			)
			return m.closePosition(ctx, symbol, snap)
		}

		if err := m.sleep(ctx, m.opts.MonitorInterval); err != nil {
			return err
		}
	}

	stopTopUp()
	m.critical(ctx, alerts.Critical{
		Kind:   alerts.CriticalMonitoringStopped,
		Symbol: symbol,
		Detail: fmt.Sprintf("reached %d monitoring rounds, position left open", m.opts.MaxMonitorRounds),
	})
	sm.Apply(strategy.EventStop)
	return nil
}

func (m *Monitor) record(ctx context.Context, st strategy.State, round int, pos state.Position, snap strategy.MarketSnapshot, closeSpread float64) {
	now := m.now().UTC()
	if m.recorder != nil {
		m.recorder.EnqueueSample(timescale.MonitorSample{
			Time:            now,
			Symbol:          pos.Symbol,
			State:           string(st),
			Round:           round,
			FundingRate:     snap.FundingRate,
			EntrySpreadPct:  pos.EntrySpreadPct,
			CloseSpreadPct:  closeSpread,
			SpotBid:         snap.SpotBid,
			SpotAsk:         snap.SpotAsk,
			FuturesBid:      snap.FuturesBid,
			FuturesAsk:      snap.FuturesAsk,
			LowFRCount:      pos.LowFRCount,
			SoftCloseActive: pos.SoftCloseActive,
		})
	}
	err := state.SaveMonitorSnapshot(ctx, m.store, state.MonitorSnapshot{
		Symbol:          pos.Symbol,
		State:           string(st),
		Round:           round,
		FundingRate:     snap.FundingRate,
		EntrySpreadPct:  pos.EntrySpreadPct,
		CloseSpreadPct:  closeSpread,
		SoftCloseActive: pos.SoftCloseActive,
		LowFRCount:      pos.LowFRCount,
		UpdatedAtMS:     now.UnixMilli(),
	})
	if err != nil {
		m.log.Warn("save monitor snapshot failed", zap.String("symbol", pos.Symbol), zap.Error(err))
	}
}

// startTopUp launches the top-up loop next to the monitor. The returned
// function stops it and waits for any in-flight top-up to finish; it is safe
// to call more than once.
func (m *Monitor) startTopUp(ctx context.Context, symbol string) func() {
	if !m.opts.Thresholds.TopUpEnabled {
		return func() {}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.topUpLoop(loopCtx, symbol)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (m *Monitor) topUpLoop(ctx context.Context, symbol string) {
	for round := 1; m.opts.TopUpMaxRounds <= 0 || round <= m.opts.TopUpMaxRounds; round++ {
		if err := m.sleep(ctx, m.opts.TopUpCheckInterval); err != nil {
			return
		}
		if done := m.tryTopUp(ctx, symbol); done {
			return
		}
	}
}

// tryTopUp runs one top-up check. It reports true when the loop should stop
// for good.
func (m *Monitor) tryTopUp(ctx context.Context, symbol string) bool {
	pos, ok := m.ledger.Get(symbol)
	if !ok || pos.SoftCloseActive {
		return true
	}
	th := m.opts.Thresholds
	if th.TopUpMaxEntries > 0 && pos.TotalEntries >= th.TopUpMaxEntries {
		return true
	}
	last := pos.LastAdditionTime
	if last.IsZero() {
		last = pos.EntryTime
	}
	if m.now().Sub(last) < m.opts.TopUpCooldown {
		return false
	}
	snap, err := m.market.Snapshot(ctx, symbol)
	if err != nil {
		m.log.Debug("top-up snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		return false
	}
	spread := strategy.EntrySpreadPct(snap)
	if !th.ShouldTopUp(spread, pos.LastEntrySpreadPct, pos.TotalEntries, pos.SoftCloseActive) {
		return false
	}

	res := m.exec.Open(context.WithoutCancel(ctx), exec.OpenRequest{
		Symbol:       symbol,
		NotionalUSD:  m.opts.TradeAmountUSD,
		SpotPrice:    snap.SpotAsk,
		FuturesPrice: snap.FuturesBid,
	})
	if !res.Success {
		if res.PartialHedge {
			m.critical(ctx, alerts.Critical{
				Kind:    alerts.CriticalFuturesOpenedSpotFailed,
				Symbol:  symbol,
				Qty:     res.Futures.Qty,
				OrderID: res.Futures.OrderID,
				Detail:  "top-up: " + res.Error,
			})
			return true
		}
		m.log.Warn("top-up failed", zap.String("symbol", symbol), zap.String("error", res.Error))
		return false
	}

	updated, err := m.ledger.AddEntry(context.WithoutCancel(ctx), symbol, ledger.Entry{
		SpotPrice:      res.Spot.Price,
		FuturesPrice:   res.Futures.Price,
		SpotQty:        res.Spot.Qty,
		FuturesQty:     res.Futures.Qty,
		SpreadPct:      spread,
		SpotOrderID:    res.Spot.OrderID,
		FuturesOrderID: res.Futures.OrderID,
	})
	if err != nil {
		m.critical(ctx, alerts.Critical{
			Kind:    alerts.CriticalLedgerWriteFailed,
			Symbol:  symbol,
			Qty:     res.Futures.Qty,
			OrderID: res.Futures.OrderID,
			Detail:  "top-up: " + err.Error(),
		})
		return true
	}
	m.metrics.TopUps.Inc()
	if m.notifier != nil {
		m.notifier.PositionAdded(ctx, alerts.PositionOpened{
			Symbol:       symbol,
			SpotPrice:    res.Spot.Price,
			FuturesPrice: res.Futures.Price,
			SpotQty:      res.Spot.Qty,
			FuturesQty:   res.Futures.Qty,
			SpreadPct:    spread,
			FundingRate:  snap.FundingRate,
			TotalEntries: updated.TotalEntries,
		})
	}
	m.log.Info("position topped up",
		zap.String("symbol", symbol),
		zap.Int("total_entries", updated.TotalEntries),
		zap.Float64("spread_pct", spread),
	)
	return false
}
