package monitor

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/blacklist"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/ledger"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/state/sqlite"
	"bybit-carry-bot/internal/strategy"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
)

type snapResult struct {
	snap strategy.MarketSnapshot
	err  error
}

type fakeMarket struct {
	mu      sync.Mutex
	queue   map[string][]snapResult
	watched []string
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{queue: make(map[string][]snapResult)}
}

func (f *fakeMarket) push(symbol string, results ...snapResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[symbol] = append(f.queue[symbol], results...)
}

// Snapshot pops scripted results and repeats the last one once drained.
func (f *fakeMarket) Snapshot(ctx context.Context, symbol string) (strategy.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue[symbol]
	if len(q) == 0 {
		return strategy.MarketSnapshot{}, errors.New("no book")
	}
	res := q[0]
	if len(q) > 1 {
		f.queue[symbol] = q[1:]
	}
	return res.snap, res.err
}

func (f *fakeMarket) Watch(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, symbol)
	return nil
}

type closeFailure struct {
	spot    string
	futures string
}

type fakeExec struct {
	mu        sync.Mutex
	open      *exec.OpenResult
	opens     []exec.OpenRequest
	closes    []exec.CloseRequest
	failClose []closeFailure
	leverage  map[string]int
}

func (f *fakeExec) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leverage == nil {
		f.leverage = make(map[string]int)
	}
	f.leverage[symbol] = leverage
	return nil
}

func (f *fakeExec) Open(ctx context.Context, req exec.OpenRequest) exec.OpenResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens = append(f.opens, req)
	if f.open != nil {
		return *f.open
	}
	return exec.OpenResult{
		Success: true,
		Futures: exec.Result{Success: true, OrderID: "F1", Qty: 1, Price: req.FuturesPrice},
		Spot:    exec.Result{Success: true, OrderID: "S1", Qty: 1, Price: req.SpotPrice},
	}
}

func (f *fakeExec) Close(ctx context.Context, req exec.CloseRequest) exec.CloseResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, req)
	var fail closeFailure
	if len(f.failClose) > 0 {
		fail = f.failClose[0]
		f.failClose = f.failClose[1:]
	}
	out := exec.CloseResult{
		Spot:    exec.Result{Success: true, Qty: 1, Price: req.SpotPrice},
		Futures: exec.Result{Success: true, Qty: req.FuturesQty, Price: req.FuturesPrice},
	}
	if req.SpotClosed {
		out.Spot = exec.Result{Success: true}
	} else if fail.spot != "" {
		out.Spot = exec.Result{Error: fail.spot}
	}
	if req.FuturesClosed {
		out.Futures = exec.Result{Success: true}
	} else if fail.futures != "" {
		out.Futures = exec.Result{Error: fail.futures}
	}
	out.Success = out.Spot.Success && out.Futures.Success
	return out
}

func (f *fakeExec) IsSymbolFatal(code *int) bool {
	return code != nil && *code == 10001
}

func (f *fakeExec) closeRequests() []exec.CloseRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exec.CloseRequest(nil), f.closes...)
}

type fakeFunding struct {
	amount float64
	err    error
	starts []time.Time
}

func (f *fakeFunding) FundingReceived(ctx context.Context, symbol string, start, end time.Time) (float64, error) {
	f.starts = append(f.starts, start)
	return f.amount, f.err
}

type fakeNotifier struct {
	mu       sync.Mutex
	opened   []alerts.PositionOpened
	added    []alerts.PositionOpened
	closed   []state.ClosedPosition
	critical []alerts.Critical
}

func (f *fakeNotifier) PositionOpened(ctx context.Context, ev alerts.PositionOpened) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, ev)
}

func (f *fakeNotifier) PositionAdded(ctx context.Context, ev alerts.PositionOpened) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, ev)
}

func (f *fakeNotifier) PositionClosed(ctx context.Context, closed state.ClosedPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, closed)
}

func (f *fakeNotifier) Critical(ctx context.Context, ev alerts.Critical) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.critical = append(f.critical, ev)
}

func (f *fakeNotifier) criticalKinds(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.critical {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []timescale.MonitorSample
	trades  []state.ClosedPosition
}

func (f *fakeRecorder) EnqueueSample(sample timescale.MonitorSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
}

func (f *fakeRecorder) EnqueueTrade(trade state.ClosedPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, trade)
}

type harness struct {
	mon       *Monitor
	ledger    *ledger.Ledger
	store     *sqlite.Store
	market    *fakeMarket
	exec      *fakeExec
	funding   *fakeFunding
	notifier  *fakeNotifier
	recorder  *fakeRecorder
	blacklist *blacklist.Service
}

func testOptions() Options {
	return Options{
		Thresholds: strategy.Thresholds{
			MinFundingRate:         0.01,
			MinEntrySpreadPct:      0.5,
			CommissionPct:          0.1,
			CloseFRThreshold:       0.005,
			MaxCloseSpreadPct:      0.3,
			LowFRTrackingThreshold: 0.002,
			SoftCloseTriggerRounds: 3,
		},
		TradeAmountUSD:    100,
		Leverage:          2,
		CommissionRate:    0.001,
		EntryPollInterval: time.Millisecond,
		MaxEntryAttempts:  3,
		MonitorInterval:   time.Millisecond,
		DataRetryDelay:    time.Millisecond,
		MaxMonitorRounds:  10,
		TopUpCooldown:     time.Hour,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h := &harness{
		ledger:   ledger.New(store, zap.NewNop()),
		store:    store,
		market:   newFakeMarket(),
		exec:     &fakeExec{},
		funding:  &fakeFunding{amount: 0.5},
		notifier: &fakeNotifier{},
		recorder: &fakeRecorder{},
	}
	h.blacklist = blacklist.New(store, nil, zap.NewNop())
	h.mon = New(Deps{
		Ledger:    h.ledger,
		Market:    h.market,
		Exec:      h.exec,
		Funding:   h.funding,
		Blacklist: h.blacklist,
		Notifier:  h.notifier,
		Recorder:  h.recorder,
		Store:     store,
	}, opts, zap.NewNop())
	h.mon.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return h
}

func snapshot(symbol string, spotBid, spotAsk, futBid, futAsk, funding float64) snapResult {
	return snapResult{snap: strategy.MarketSnapshot{
		Symbol:      symbol,
		SpotBid:     spotBid,
		SpotAsk:     spotAsk,
		FuturesBid:  futBid,
		FuturesAsk:  futAsk,
		FundingRate: funding,
	}}
}

func (h *harness) open(t *testing.T, symbol string) state.Position {
	t.Helper()
	pos, err := h.ledger.Create(context.Background(), symbol, ledger.Entry{
		SpotPrice: 100, FuturesPrice: 101, SpotQty: 1, FuturesQty: 1, SpreadPct: 0.6,
	})
	if err != nil {
		t.Fatalf("create position: %v", err)
	}
	return pos
}

func TestTradeOpensMonitorsAndArchives(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()
	h.market.push("BTCUSDT",
		snapshot("BTCUSDT", 99.9, 100, 101, 101.1, 0.05),
		snapshot("BTCUSDT", 100, 100.05, 100.05, 100.1, 0.001),
	)

	err := h.mon.Trade(ctx, strategy.Opportunity{Symbol: "btcusdt"})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if h.exec.leverage["BTCUSDT"] != 2 {
		t.Fatalf("expected leverage 2 set, got %v", h.exec.leverage)
	}
	if len(h.exec.opens) != 1 || h.exec.opens[0].SpotPrice != 100 || h.exec.opens[0].FuturesPrice != 101 {
		t.Fatalf("expected one open at spot ask and futures bid, got %+v", h.exec.opens)
	}
	if len(h.notifier.opened) != 1 || h.notifier.opened[0].TotalEntries != 1 {
		t.Fatalf("expected opened notification with one entry, got %+v", h.notifier.opened)
	}
	if h.ledger.Has("BTCUSDT") {
		t.Fatalf("expected position archived")
	}
	history, err := h.ledger.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one closed trade, got %d", len(history))
	}
	closed := history[0]
	if closed.SpotExitPrice != 100 || closed.FuturesExitPrice != 100.1 {
		t.Fatalf("expected exit at spot bid and futures ask, got %+v", closed)
	}
	if math.Abs(closed.PnL.Net-1.199) > 1e-9 {
		t.Fatalf("expected net 1.199, got %v", closed.PnL.Net)
	}
	if closed.PnL.Funding != 0.5 || closed.FundingRounds != 1 {
		t.Fatalf("expected funding 0.5 over one round, got %+v", closed)
	}
	if len(h.notifier.closed) != 1 || len(h.recorder.trades) != 1 || len(h.recorder.samples) != 1 {
		t.Fatalf("expected close notification trade and sample, got %d %d %d", len(h.notifier.closed), len(h.recorder.trades), len(h.recorder.samples))
	}
	if _, ok, _ := state.LoadMonitorSnapshot(ctx, h.store, "BTCUSDT"); ok {
		t.Fatalf("expected monitor snapshot cleared")
	}
	if len(h.mon.States()) != 0 {
		t.Fatalf("expected no live tasks, got %v", h.mon.States())
	}
}

func TestEnterGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, testOptions())
	h.market.push("BTCUSDT",
		snapshot("BTCUSDT", 99.9, 100, 100.2, 100.3, 0.05),
		snapResult{err: errors.New("book missing")},
		snapshot("BTCUSDT", 99.9, 100, 100.6, 100.7, 0.001),
	)
	opened, err := h.mon.Enter(context.Background(), strategy.Opportunity{Symbol: "BTCUSDT"})
	if err != nil || opened {
		t.Fatalf("expected entry abandoned without error, got %v %v", opened, err)
	}
	if len(h.exec.opens) != 0 {
		t.Fatalf("expected no orders, got %d", len(h.exec.opens))
	}
	if len(h.mon.States()) != 0 {
		t.Fatalf("expected task released, got %v", h.mon.States())
	}
}

func TestPartialHedgeAlertsAndBlacklists(t *testing.T) {
	h := newHarness(t, testOptions())
	code := 10001
	h.exec.open = &exec.OpenResult{
		Futures:      exec.Result{Success: true, OrderID: "F1", Qty: 29},
		Spot:         exec.Result{Error: "bybit error 10001: params error"},
		PartialHedge: true,
		Error:        "Spot error after futures opened: bybit error 10001: params error",
		ErrorCode:    &code,
	}
	h.market.push("XYZUSDT", snapshot("XYZUSDT", 3.44, 3.45, 3.5, 3.51, 0.05))

	if err := h.mon.Trade(context.Background(), strategy.Opportunity{Symbol: "XYZUSDT"}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if h.ledger.Has("XYZUSDT") {
		t.Fatalf("expected no ledger position after partial hedge")
	}
	if len(h.notifier.critical) != 1 {
		t.Fatalf("expected one critical alert, got %+v", h.notifier.critical)
	}
	ev := h.notifier.critical[0]
	if ev.Kind != alerts.CriticalFuturesOpenedSpotFailed || ev.Qty != 29 || ev.OrderID != "F1" {
		t.Fatalf("unexpected critical event %+v", ev)
	}
	entries := h.blacklist.List()
	if len(entries) != 1 || entries[0].Symbol != "XYZUSDT" {
		t.Fatalf("expected XYZUSDT blacklisted, got %+v", entries)
	}
	if !strings.Contains(entries[0].Reason, "Spot error") {
		t.Fatalf("expected spot error reason, got %q", entries[0].Reason)
	}
	if entries[0].ErrorCode == nil || *entries[0].ErrorCode != 10001 {
		t.Fatalf("expected error code 10001, got %v", entries[0].ErrorCode)
	}
}

func TestCloseRetriesOnlyTheOpenLeg(t *testing.T) {
	h := newHarness(t, testOptions())
	h.exec.failClose = []closeFailure{{futures: "bybit error 110017: reduce-only rejected"}}
	h.open(t, "BTCUSDT")
	h.market.push("BTCUSDT", snapshot("BTCUSDT", 100, 100.05, 100.05, 100.1, 0.001))

	if err := h.mon.Resume(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	reqs := h.exec.closeRequests()
	if len(reqs) != 2 {
		t.Fatalf("expected two close attempts, got %d", len(reqs))
	}
	if reqs[0].SpotClosed || reqs[0].FuturesClosed {
		t.Fatalf("expected first attempt on both legs, got %+v", reqs[0])
	}
	if !reqs[1].SpotClosed || reqs[1].FuturesClosed {
		t.Fatalf("expected retry only on futures, got %+v", reqs[1])
	}
	if h.notifier.criticalKinds(alerts.CriticalFuturesCloseFailed) != 1 || h.notifier.criticalKinds(alerts.CriticalSpotCloseFailed) != 0 {
		t.Fatalf("expected one futures close alert, got %+v", h.notifier.critical)
	}
	if h.ledger.Has("BTCUSDT") {
		t.Fatalf("expected position archived after retry")
	}
	history, _ := h.ledger.History(context.Background(), 1)
	if len(history) != 1 || history[0].SpotExitPrice != 100 {
		t.Fatalf("expected spot exit kept from first attempt, got %+v", history)
	}
}

func TestRestartMidCloseFinishesOnlyTheOpenLeg(t *testing.T) {
	h := newHarness(t, testOptions())
	h.exec.failClose = []closeFailure{{futures: "bybit error 110017: reduce-only rejected"}}
	h.open(t, "BTCUSDT")
	h.market.push("BTCUSDT", snapshot("BTCUSDT", 100, 100.05, 100.05, 100.1, 0.001))
	h.mon.sleep = func(ctx context.Context, d time.Duration) error {
		if len(h.exec.closeRequests()) > 0 {
			return context.Canceled
		}
		return nil
	}

	if err := h.mon.Resume(context.Background(), "BTCUSDT"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected shutdown during close retry, got %v", err)
	}
	if !h.ledger.Has("BTCUSDT") {
		t.Fatalf("expected position kept open while futures leg is live")
	}
	progress, ok, err := state.LoadCloseProgress(context.Background(), h.store, "BTCUSDT")
	if err != nil || !ok {
		t.Fatalf("expected close progress persisted, got ok=%v err=%v", ok, err)
	}
	if progress.Spot == nil || progress.Spot.Price != 100 || progress.Futures != nil {
		t.Fatalf("expected only spot leg recorded as flat, got %+v", progress)
	}

	restarted := ledger.New(h.store, zap.NewNop())
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	execAfter := &fakeExec{}
	notifier := &fakeNotifier{}
	mon := New(Deps{
		Ledger:   restarted,
		Market:   h.market,
		Exec:     execAfter,
		Funding:  h.funding,
		Notifier: notifier,
		Store:    h.store,
	}, testOptions(), zap.NewNop())
	mon.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	if err := mon.Resume(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("resume after restart: %v", err)
	}
	reqs := execAfter.closeRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected one close attempt after restart, got %d", len(reqs))
	}
	if !reqs[0].SpotClosed || reqs[0].FuturesClosed {
		t.Fatalf("expected restart to close only the futures leg, got %+v", reqs[0])
	}
	if restarted.Has("BTCUSDT") {
		t.Fatalf("expected position archived after restart")
	}
	history, _ := restarted.History(context.Background(), 1)
	if len(history) != 1 || history[0].SpotExitPrice != 100 || history[0].FuturesExitPrice != 100.1 {
		t.Fatalf("expected exits from both processes, got %+v", history)
	}
	if history[0].FundingRounds != 1 {
		t.Fatalf("expected no monitoring rounds after restart, got %d", history[0].FundingRounds)
	}
	if _, ok, _ := state.LoadCloseProgress(context.Background(), h.store, "BTCUSDT"); ok {
		t.Fatalf("expected close progress cleared after archive")
	}
	if len(notifier.closed) != 1 {
		t.Fatalf("expected close notification, got %d", len(notifier.closed))
	}
}

func TestSoftCloseClosesOnRelaxedThreshold(t *testing.T) {
	opts := testOptions()
	opts.Thresholds.CloseFRThreshold = 0
	opts.Thresholds.SoftCloseTriggerRounds = 2
	h := newHarness(t, opts)
	h.open(t, "ETHUSDT")
	h.market.push("ETHUSDT", snapshot("ETHUSDT", 100, 100.05, 100.05, 100.1, 0.001))

	if err := h.mon.Resume(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	history, _ := h.ledger.History(context.Background(), 1)
	if len(history) != 1 {
		t.Fatalf("expected soft close to archive, got %d trades", len(history))
	}
	if !history[0].SoftClose || history[0].FundingRounds != 2 {
		t.Fatalf("expected soft close after two rounds, got %+v", history[0])
	}
	if len(h.recorder.samples) != 2 || h.recorder.samples[1].State != string(strategy.StateSoftClose) {
		t.Fatalf("expected second sample in soft close, got %+v", h.recorder.samples)
	}
}

func TestResumeKeepsSoftCloseLatch(t *testing.T) {
	opts := testOptions()
	opts.Thresholds.CloseFRThreshold = 0
	h := newHarness(t, opts)
	pos := h.open(t, "ETHUSDT")
	if _, err := h.ledger.Update(context.Background(), pos.Symbol, func(p *state.Position) error {
		p.SoftCloseActive = true
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	h.market.push("ETHUSDT", snapshot("ETHUSDT", 100, 100.05, 100.05, 100.1, 0.002))

	if err := h.mon.Resume(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if h.ledger.Has("ETHUSDT") {
		t.Fatalf("expected restored soft close to close at the tracking threshold")
	}
	if len(h.market.watched) != 1 {
		t.Fatalf("expected symbol watched on resume, got %v", h.market.watched)
	}
}

func TestWideCloseSpreadHoldsUntilRoundCap(t *testing.T) {
	opts := testOptions()
	opts.MaxMonitorRounds = 3
	h := newHarness(t, opts)
	h.open(t, "ETHUSDT")
	h.market.push("ETHUSDT", snapshot("ETHUSDT", 100, 100.05, 100.9, 101, -0.01))

	if err := h.mon.Resume(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(h.exec.closeRequests()) != 0 {
		t.Fatalf("expected no close while spread above cap")
	}
	pos, ok := h.ledger.Get("ETHUSDT")
	if !ok || pos.FundingPaymentsCount != 3 {
		t.Fatalf("expected open position with three rounds, got %+v %v", pos, ok)
	}
	if h.notifier.criticalKinds(alerts.CriticalMonitoringStopped) != 1 {
		t.Fatalf("expected monitoring stopped alert, got %+v", h.notifier.critical)
	}
	snap, ok, err := state.LoadMonitorSnapshot(context.Background(), h.store, "ETHUSDT")
	if err != nil || !ok || snap.Round != 3 {
		t.Fatalf("expected snapshot of round 3, got %+v %v %v", snap, ok, err)
	}
	if len(h.mon.States()) != 0 {
		t.Fatalf("expected task released, got %v", h.mon.States())
	}
}

func TestDataErrorsCountOnlyTowardRoundCap(t *testing.T) {
	opts := testOptions()
	opts.MaxMonitorRounds = 4
	h := newHarness(t, opts)
	h.open(t, "ETHUSDT")
	h.market.push("ETHUSDT", snapResult{err: strategy.ErrMarketData})

	if err := h.mon.Resume(context.Background(), "ETHUSDT"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	pos, _ := h.ledger.Get("ETHUSDT")
	if pos.FundingPaymentsCount != 0 {
		t.Fatalf("expected no funding rounds, got %d", pos.FundingPaymentsCount)
	}
	if h.notifier.criticalKinds(alerts.CriticalMonitoringStopped) != 1 {
		t.Fatalf("expected monitoring stopped alert")
	}
}

func TestTryTopUpAddsEntryAfterCooldown(t *testing.T) {
	opts := testOptions()
	opts.Thresholds.TopUpEnabled = true
	opts.Thresholds.TopUpSpreadIncrement = 0.2
	opts.Thresholds.TopUpMaxEntries = 3
	h := newHarness(t, opts)
	h.open(t, "BTCUSDT")
	h.market.push("BTCUSDT", snapshot("BTCUSDT", 99.9, 100, 101, 101.1, 0.05))
	ctx := context.Background()

	if stop := h.mon.tryTopUp(ctx, "BTCUSDT"); stop || len(h.exec.opens) != 0 {
		t.Fatalf("expected cooldown to block top-up, got stop=%v opens=%d", stop, len(h.exec.opens))
	}

	h.mon.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if stop := h.mon.tryTopUp(ctx, "BTCUSDT"); stop {
		t.Fatalf("expected loop to continue after top-up")
	}
	pos, _ := h.ledger.Get("BTCUSDT")
	if pos.TotalEntries != 2 || pos.LastEntrySpreadPct != 1 || pos.SpotQty != 2 {
		t.Fatalf("expected second entry at 1%% spread, got %+v", pos)
	}
	if len(h.notifier.added) != 1 || h.notifier.added[0].TotalEntries != 2 {
		t.Fatalf("expected added notification, got %+v", h.notifier.added)
	}

	if stop := h.mon.tryTopUp(ctx, "BTCUSDT"); stop || len(h.exec.opens) != 1 {
		t.Fatalf("expected no top-up without a wider spread, got opens=%d", len(h.exec.opens))
	}

	if _, err := h.ledger.Update(ctx, "BTCUSDT", func(p *state.Position) error {
		p.TotalEntries = 3
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if stop := h.mon.tryTopUp(ctx, "BTCUSDT"); !stop {
		t.Fatalf("expected loop to stop at the entry cap")
	}
}

func TestTryTopUpStopsOnPartialHedge(t *testing.T) {
	opts := testOptions()
	opts.Thresholds.TopUpEnabled = true
	opts.Thresholds.TopUpSpreadIncrement = 0.2
	h := newHarness(t, opts)
	h.open(t, "BTCUSDT")
	h.market.push("BTCUSDT", snapshot("BTCUSDT", 99.9, 100, 101, 101.1, 0.05))
	h.exec.open = &exec.OpenResult{
		Futures:      exec.Result{Success: true, OrderID: "F9", Qty: 1},
		PartialHedge: true,
		Error:        "Spot error after futures opened: insufficient balance",
	}
	h.mon.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if stop := h.mon.tryTopUp(context.Background(), "BTCUSDT"); !stop {
		t.Fatalf("expected loop to stop after partial hedge")
	}
	pos, _ := h.ledger.Get("BTCUSDT")
	if pos.TotalEntries != 1 {
		t.Fatalf("expected ledger untouched, got %d entries", pos.TotalEntries)
	}
	if h.notifier.criticalKinds(alerts.CriticalFuturesOpenedSpotFailed) != 1 {
		t.Fatalf("expected partial hedge alert, got %+v", h.notifier.critical)
	}
}
