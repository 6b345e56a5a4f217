package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/ledger"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/strategy"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

type Market interface {
	Snapshot(ctx context.Context, symbol string) (strategy.MarketSnapshot, error)
	Watch(ctx context.Context, symbol string) error
}

type Executor interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Open(ctx context.Context, req exec.OpenRequest) exec.OpenResult
	Close(ctx context.Context, req exec.CloseRequest) exec.CloseResult
	IsSymbolFatal(code *int) bool
}

type Funding interface {
	FundingReceived(ctx context.Context, symbol string, start, end time.Time) (float64, error)
}

type Blacklist interface {
	Add(ctx context.Context, symbol, reason string, code *int) error
}

type Notifier interface {
	PositionOpened(ctx context.Context, ev alerts.PositionOpened)
	PositionAdded(ctx context.Context, ev alerts.PositionOpened)
	PositionClosed(ctx context.Context, closed state.ClosedPosition)
	Critical(ctx context.Context, ev alerts.Critical)
}

type Recorder interface {
	EnqueueSample(sample timescale.MonitorSample)
	EnqueueTrade(trade state.ClosedPosition)
}

type Options struct {
	Thresholds          strategy.Thresholds
	TradeAmountUSD      float64
	Leverage            int
	CommissionRate      float64
	EntryPollInterval   time.Duration
	MaxEntryAttempts    int
	MonitorInterval     time.Duration
	InitialMonitorDelay time.Duration
	DataRetryDelay      time.Duration
	MaxMonitorRounds    int
	TopUpCooldown       time.Duration
	TopUpCheckInterval  time.Duration
	TopUpMaxRounds      int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Thresholds:          strategy.ThresholdsFromConfig(cfg.Strategy, cfg.TopUp),
		TradeAmountUSD:      cfg.Strategy.TradeAmountUSD,
		Leverage:            cfg.Strategy.Leverage,
		CommissionRate:      cfg.Strategy.CommissionPct / 100,
		EntryPollInterval:   cfg.Strategy.EntryPollInterval,
		MaxEntryAttempts:    cfg.Strategy.MaxEntryAttempts,
		MonitorInterval:     cfg.Strategy.MonitorInterval,
		InitialMonitorDelay: cfg.Strategy.InitialMonitorDelay,
		DataRetryDelay:      cfg.Strategy.DataRetryDelay,
		MaxMonitorRounds:    cfg.Strategy.MaxMonitorRounds,
		TopUpCooldown:       cfg.TopUp.Cooldown,
		TopUpCheckInterval:  cfg.TopUp.CheckInterval,
		TopUpMaxRounds:      cfg.TopUp.MaxRounds,
	}
}

type Deps struct {
	Ledger    *ledger.Ledger
	Market    Market
	Exec      Executor
	Funding   Funding
	Blacklist Blacklist
	Notifier  Notifier
	Recorder  Recorder
	Store     state.Store
	Metrics   *metrics.Metrics
}

// Monitor drives each symbol from entry to archive. One task runs per symbol;
// all position mutations go through the ledger.
type Monitor struct {
	opts      Options
	ledger    *ledger.Ledger
	market    Market
	exec      Executor
	funding   Funding
	blacklist Blacklist
	notifier  Notifier
	recorder  Recorder
	store     state.Store
	metrics   *metrics.Metrics
	log       *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	machines map[string]*strategy.StateMachine
}

func New(deps Deps, opts Options, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	if opts.MaxEntryAttempts <= 0 {
		opts.MaxEntryAttempts = 1
	}
	if opts.MaxMonitorRounds <= 0 {
		opts.MaxMonitorRounds = 1000
	}
	if opts.DataRetryDelay <= 0 {
		opts.DataRetryDelay = opts.MonitorInterval
	}
	return &Monitor{
		opts:      opts,
		ledger:    deps.Ledger,
		market:    deps.Market,
		exec:      deps.Exec,
		funding:   deps.Funding,
		blacklist: deps.Blacklist,
		notifier:  deps.Notifier,
		recorder:  deps.Recorder,
		store:     deps.Store,
		metrics:   m,
		log:       log,
		now:       time.Now,
		sleep:     sleepContext,
		machines:  make(map[string]*strategy.StateMachine),
	}
}

// Trade runs a fresh opportunity through entry and, once opened, supervises
// it until close or the round cap.
func (m *Monitor) Trade(ctx context.Context, opp strategy.Opportunity) error {
	opened, err := m.Enter(ctx, opp)
	if err != nil || !opened {
		return err
	}
	return m.supervise(ctx, opp.Symbol)
}

// Resume supervises a position restored from storage. A position whose close
// had started goes straight back to CLOSING with the flattened legs skipped.
func (m *Monitor) Resume(ctx context.Context, symbol string) error {
	symbol = normalize(symbol)
	pos, ok := m.ledger.Get(symbol)
	if !ok {
		return nil
	}
	closing, err := m.closeInProgress(ctx, symbol)
	if err != nil {
		return err
	}
	sm := m.machine(symbol)
	switch {
	case closing:
		sm.SetState(strategy.StateClosing)
	case pos.SoftCloseActive:
		sm.SetState(strategy.StateSoftClose)
	default:
		sm.SetState(strategy.StateMonitoring)
	}
	if err := m.market.Watch(ctx, symbol); err != nil {
		m.log.Warn("stream watch failed", zap.String("symbol", symbol), zap.Error(err))
	}
	m.log.Info("resuming position",
		zap.String("symbol", symbol),
		zap.String("state", string(sm.Current())),
		zap.Int("total_entries", pos.TotalEntries),
	)
	if closing {
		return m.resumeClose(ctx, symbol)
	}
	return m.supervise(ctx, symbol)
}

// closeInProgress reports whether a close was started and not archived. A
// half-closed hedge must never resume as open, so a read failure is returned.
func (m *Monitor) closeInProgress(ctx context.Context, symbol string) (bool, error) {
	_, ok, err := state.LoadCloseProgress(ctx, m.store, symbol)
	if err != nil {
		return false, fmt.Errorf("load close progress %s: %w", symbol, err)
	}
	return ok, nil
}

// resumeClose prices the symbol and re-enters the close loop.
func (m *Monitor) resumeClose(ctx context.Context, symbol string) error {
	defer m.finish(symbol)
	for {
		snap, err := m.market.Snapshot(ctx, symbol)
		if err == nil {
			return m.closePosition(ctx, symbol, snap)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.log.Warn("close resume snapshot failed", zap.String("symbol", symbol), zap.Error(err))
		if err := m.sleep(ctx, m.opts.DataRetryDelay); err != nil {
			return err
		}
	}
}

// States lists the lifecycle state of every symbol with a live task.
func (m *Monitor) States() map[string]strategy.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]strategy.State, len(m.machines))
	for symbol, sm := range m.machines {
		out[symbol] = sm.Current()
	}
	return out
}

// Entering counts symbols still between scan and open.
func (m *Monitor) Entering() int {
	n := 0
	for _, st := range m.States() {
		if st == strategy.StateEntering {
			n++
		}
	}
	return n
}

func (m *Monitor) Symbols() []string {
	states := m.States()
	out := make([]string, 0, len(states))
	for symbol := range states {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (m *Monitor) machine(symbol string) *strategy.StateMachine {
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.machines[symbol]
	if !ok {
		sm = strategy.NewStateMachine()
		m.machines[symbol] = sm
	}
	return sm
}

// finish releases a symbol whose machine reached DONE.
func (m *Monitor) finish(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sm, ok := m.machines[symbol]; ok && sm.Current() == strategy.StateDone {
		delete(m.machines, symbol)
	}
}

func (m *Monitor) blacklistIfFatal(ctx context.Context, symbol, reason string, code *int) {
	if m.blacklist == nil || !m.exec.IsSymbolFatal(code) {
		return
	}
	if err := m.blacklist.Add(ctx, symbol, reason, code); err != nil {
		m.log.Error("blacklist add failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (m *Monitor) critical(ctx context.Context, ev alerts.Critical) {
	if m.notifier == nil {
		m.log.Error("critical event", zap.String("kind", ev.Kind), zap.String("symbol", ev.Symbol), zap.Float64("qty", ev.Qty))
		return
	}
	m.notifier.Critical(ctx, ev)
}

func (m *Monitor) refreshOpenGauge() {
	m.metrics.OpenPositions.Set(float64(m.ledger.Count()))
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
