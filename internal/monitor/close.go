package monitor

import (
	"context"
	"errors"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/ledger"
	"bybit-carry-bot/internal/pnl"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
)

// closeLegs tracks which legs have been flattened across close attempts.
type closeLegs struct {
	spot        exec.Result
	futures     exec.Result
	spotClosed  bool
	futClosed   bool
	spotAlerted bool
	futAlerted  bool
	attempts    int
	startedAt   time.Time
}

func (c *closeLegs) done() bool {
	return c.spotClosed && c.futClosed
}

func legFromState(leg *state.CloseLeg) exec.Result {
	return exec.Result{Success: true, OrderID: leg.OrderID, Qty: leg.Qty, Price: leg.Price}
}

func legToState(res exec.Result) *state.CloseLeg {
	return &state.CloseLeg{OrderID: res.OrderID, Qty: res.Qty, Price: res.Price}
}

// loadCloseLegs restores the legs a previous process already flattened.
func (m *Monitor) loadCloseLegs(ctx context.Context, symbol string) closeLegs {
	legs := closeLegs{startedAt: m.now().UTC()}
	progress, ok, err := state.LoadCloseProgress(ctx, m.store, symbol)
	if err != nil {
		m.log.Error("load close progress failed", zap.String("symbol", symbol), zap.Error(err))
		return legs
	}
	if !ok {
		return legs
	}
	if progress.Spot != nil {
		legs.spot = legFromState(progress.Spot)
		legs.spotClosed = true
	}
	if progress.Futures != nil {
		legs.futures = legFromState(progress.Futures)
		legs.futClosed = true
	}
	legs.attempts = progress.Attempts
	if progress.StartedAtMS > 0 {
		legs.startedAt = time.UnixMilli(progress.StartedAtMS).UTC()
	}
	return legs
}

// saveCloseLegs records close progress so a restart resumes in CLOSING with
// the flattened legs skipped.
func (m *Monitor) saveCloseLegs(ctx context.Context, symbol string, legs closeLegs) {
	progress := state.CloseProgress{
		Symbol:      symbol,
		Attempts:    legs.attempts,
		StartedAtMS: legs.startedAt.UnixMilli(),
		UpdatedAtMS: m.now().UTC().UnixMilli(),
	}
	if legs.spotClosed {
		progress.Spot = legToState(legs.spot)
	}
	if legs.futClosed {
		progress.Futures = legToState(legs.futures)
	}
	if err := state.SaveCloseProgress(context.WithoutCancel(ctx), m.store, progress); err != nil {
		m.log.Error("save close progress failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (m *Monitor) clearCloseLegs(ctx context.Context, symbol string) {
	if err := state.ClearCloseProgress(context.WithoutCancel(ctx), m.store, symbol); err != nil {
		m.log.Warn("clear close progress failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// closePosition flattens both legs, retrying every MonitorInterval until each
// has filled, then settles PnL and archives. Only the leg still open is
// retried. Progress is persisted after every attempt so a restart resumes the
// close with the flattened legs skipped.
func (m *Monitor) closePosition(ctx context.Context, symbol string, snap strategy.MarketSnapshot) error {
	log := m.log.With(zap.String("symbol", symbol))
	legs := m.loadCloseLegs(ctx, symbol)
	m.saveCloseLegs(ctx, symbol, legs)
	for !legs.done() {
		pos, ok := m.ledger.Get(symbol)
		if !ok {
			m.clearCloseLegs(ctx, symbol)
			return nil
		}
		legs.attempts++
		res := m.exec.Close(context.WithoutCancel(ctx), exec.CloseRequest{
			Symbol:        symbol,
			FuturesQty:    pos.FuturesQty,
			SpotPrice:     snap.SpotBid,
			FuturesPrice:  snap.FuturesAsk,
			SpotClosed:    legs.spotClosed,
			FuturesClosed: legs.futClosed,
		})
		if !legs.spotClosed && res.Spot.Success {
			legs.spotClosed = true
			legs.spot = res.Spot
		}
		if !legs.futClosed && res.Futures.Success {
			legs.futClosed = true
			legs.futures = res.Futures
		}
		m.saveCloseLegs(ctx, symbol, legs)
		if legs.done() {
			break
		}

		m.metrics.CloseFailed.Inc()
		log.Warn("close attempt incomplete",
			zap.Int("attempt", legs.attempts),
			zap.Bool("spot_closed", legs.spotClosed),
			zap.Bool("futures_closed", legs.futClosed),
			zap.String("error", res.Error),
		)
		if !legs.spotClosed && !legs.spotAlerted {
			legs.spotAlerted = true
			m.critical(ctx, alerts.Critical{
				Kind:   alerts.CriticalSpotCloseFailed,
				Symbol: symbol,
				Qty:    pos.SpotQty,
				Detail: res.Spot.Error,
			})
		}
		if !legs.futClosed && !legs.futAlerted {
			legs.futAlerted = true
			m.critical(ctx, alerts.Critical{
				Kind:   alerts.CriticalFuturesCloseFailed,
				Symbol: symbol,
				Qty:    pos.FuturesQty,
				Detail: res.Futures.Error,
			})
		}

		if err := m.sleep(ctx, m.opts.MonitorInterval); err != nil {
			return err
		}
		if fresh, err := m.market.Snapshot(ctx, symbol); err == nil {
			snap = fresh
		}
	}
	return m.settle(ctx, symbol, legs)
}

// settle computes realized PnL for the flattened legs and moves the position
// to history. Archive failures are retried; the exchange side is already flat.
func (m *Monitor) settle(ctx context.Context, symbol string, legs closeLegs) error {
	log := m.log.With(zap.String("symbol", symbol))
	pos, ok := m.ledger.Get(symbol)
	if !ok {
		m.clearCloseLegs(ctx, symbol)
		return nil
	}
	now := m.now().UTC()
	funding := 0.0
	if m.funding != nil {
		received, err := m.funding.FundingReceived(ctx, symbol, pos.EntryTime, now)
		if err != nil {
			log.Warn("funding history unavailable, settling without it", zap.Error(err))
		} else {
			funding = received
		}
	}
	result := pnl.Compute(pnl.Input{
		SpotEntry:       pos.AvgSpotEntryPrice,
		SpotExit:        legs.spot.Price,
		SpotQty:         pos.SpotQty,
		FuturesEntry:    pos.AvgFuturesEntryPrice,
		FuturesExit:     legs.futures.Price,
		FuturesQty:      pos.FuturesQty,
		CommissionRate:  m.opts.CommissionRate,
		FundingReceived: funding,
	})
	exit := ledger.Exit{
		SpotPrice:      legs.spot.Price,
		FuturesPrice:   legs.futures.Price,
		SpotQty:        legs.spot.Qty,
		FuturesQty:     legs.futures.Qty,
		CloseSpreadPct: strategy.CloseSpreadPct(strategy.MarketSnapshot{SpotBid: legs.spot.Price, FuturesAsk: legs.futures.Price}),
	}

	var closed state.ClosedPosition
	alerted := false
	for {
		var err error
		// The legs are flat; the archive must not be abandoned on shutdown.
		closed, err = m.ledger.Archive(context.WithoutCancel(ctx), symbol, exit, result.State())
		if err == nil {
			break
		}
		if errors.Is(err, ledger.ErrPositionNotFound) {
			m.clearCloseLegs(ctx, symbol)
			return nil
		}
		if !alerted {
			alerted = true
			m.critical(ctx, alerts.Critical{
				Kind:   alerts.CriticalLedgerWriteFailed,
				Symbol: symbol,
				Detail: "archive: " + err.Error(),
			})
		}
		if err := m.sleep(ctx, m.opts.DataRetryDelay); err != nil {
			return err
		}
	}

	m.metrics.PositionsClosed.Inc()
	m.metrics.RealizedNetPnL.Observe(closed.PnL.Net)
	m.refreshOpenGauge()
	if m.notifier != nil {
		m.notifier.PositionClosed(ctx, closed)
	}
	if m.recorder != nil {
		m.recorder.EnqueueTrade(closed)
	}
	m.clearCloseLegs(ctx, symbol)
	if err := state.ClearMonitorSnapshot(ctx, m.store, symbol); err != nil {
		log.Warn("clear monitor snapshot failed", zap.Error(err))
	}
	m.machine(symbol).Apply(strategy.EventClosed)
	log.Info("position closed",
		zap.Float64("net_pnl", closed.PnL.Net),
		zap.Float64("funding", closed.PnL.Funding),
		zap.Float64("commission", closed.PnL.Commission),
		zap.Int("total_entries", closed.TotalEntries),
	)
	return nil
}
