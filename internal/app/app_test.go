package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"bybit-carry-bot/internal/blacklist"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/ledger"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/ops"
	"bybit-carry-bot/internal/state/sqlite"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"
)

type fakeScanner struct {
	mu       sync.Mutex
	calls    int
	snaps    []strategy.MarketSnapshot
	excluded map[string]bool
	probe    []string
}

func (f *fakeScanner) Scan(ctx context.Context, exclude func(string) bool) ([]strategy.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.excluded = make(map[string]bool, len(f.probe))
	for _, symbol := range f.probe {
		f.excluded[symbol] = exclude(symbol)
	}
	return f.snaps, nil
}

type fakeTrader struct {
	mu      sync.Mutex
	traded  []string
	resumed []string
	started chan string
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{started: make(chan string, 16)}
}

func (f *fakeTrader) Trade(ctx context.Context, opp strategy.Opportunity) error {
	f.mu.Lock()
	f.traded = append(f.traded, opp.Symbol)
	f.mu.Unlock()
	f.started <- opp.Symbol
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTrader) Resume(ctx context.Context, symbol string) error {
	f.mu.Lock()
	f.resumed = append(f.resumed, symbol)
	f.mu.Unlock()
	f.started <- symbol
	return nil
}

func (f *fakeTrader) States() map[string]strategy.State {
	return map[string]strategy.State{}
}

func newTestApp(t *testing.T, maxPositions int) (*App, *fakeScanner, *fakeTrader) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	scanner := &fakeScanner{}
	trader := newFakeTrader()
	a := &App{
		cfg: &config.Config{
			Strategy: config.StrategyConfig{MaxConcurrentPositions: maxPositions},
			Shutdown: config.ShutdownConfig{GracePeriod: time.Second},
		},
		log:       zap.NewNop(),
		store:     store,
		scanner:   scanner,
		trader:    trader,
		ledger:    ledger.New(store, zap.NewNop()),
		blacklist: blacklist.New(store, nil, zap.NewNop()),
		thresholds: strategy.Thresholds{
			MinFundingRate: 0.01,
			MinProfitPct:   -1,
			CommissionPct:  0.1,
		},
		metrics: metrics.NewNoop(),
		tasks:   make(map[string]struct{}),
	}
	return a, scanner, trader
}

func snap(symbol string, futBid float64) strategy.MarketSnapshot {
	return strategy.MarketSnapshot{
		Symbol:      symbol,
		SpotBid:     99.9,
		SpotAsk:     100,
		FuturesBid:  futBid,
		FuturesAsk:  futBid + 0.1,
		FundingRate: 0.05,
	}
}

func waitStarted(t *testing.T, trader *fakeTrader, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		select {
		case symbol := <-trader.started:
			out = append(out, symbol)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %d tasks started, got %v", n, out)
		}
	}
	return out
}

func TestScanFillsFreeSlotsByRank(t *testing.T) {
	a, scanner, trader := newTestApp(t, 3)
	ctx := context.Background()
	if _, err := a.ledger.Create(ctx, "BTCUSDT", ledger.Entry{SpotPrice: 100, FuturesPrice: 101, SpotQty: 1, FuturesQty: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.blacklist.Add(ctx, "XYZUSDT", "manual", nil); err != nil {
		t.Fatalf("blacklist: %v", err)
	}
	scanner.probe = []string{"BTCUSDT", "XYZUSDT", "ETHUSDT"}
	scanner.snaps = []strategy.MarketSnapshot{snap("DOGEUSDT", 100.2), snap("ETHUSDT", 101), snap("SOLUSDT", 100.5)}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if started := a.scan(ctx, taskCtx); started != 2 {
		t.Fatalf("expected 2 tasks started, got %d", started)
	}
	if !scanner.excluded["BTCUSDT"] || !scanner.excluded["XYZUSDT"] || scanner.excluded["ETHUSDT"] {
		t.Fatalf("unexpected exclusions %v", scanner.excluded)
	}
	got := waitStarted(t, trader, 2)
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["ETHUSDT"] || !seen["SOLUSDT"] {
		t.Fatalf("expected ETHUSDT and SOLUSDT traded, got %v", got)
	}

	if started := a.scan(ctx, taskCtx); started != 0 {
		t.Fatalf("expected full slots to skip, got %d", started)
	}
	if scanner.calls != 1 {
		t.Fatalf("expected scanner not called while full, got %d calls", scanner.calls)
	}

	cancel()
	a.waitTasks(time.Second)
	if len(a.runningTasks()) != 0 {
		t.Fatalf("expected tasks released, got %v", a.runningTasks())
	}
}

func TestScanSkippedWhilePaused(t *testing.T) {
	a, scanner, _ := newTestApp(t, 1)
	a.setPaused(true)
	if started := a.scan(context.Background(), context.Background()); started != 0 {
		t.Fatalf("expected no tasks while paused, got %d", started)
	}
	if scanner.calls != 0 {
		t.Fatalf("expected no scan while paused, got %d", scanner.calls)
	}
}

func TestSpawnRejectsDuplicateSymbol(t *testing.T) {
	a, _, _ := newTestApp(t, 1)
	release := make(chan struct{})
	fn := func(ctx context.Context) error {
		<-release
		return nil
	}
	if !a.spawn(context.Background(), "ETHUSDT", fn) {
		t.Fatalf("expected first spawn to start")
	}
	if a.spawn(context.Background(), "ETHUSDT", fn) {
		t.Fatalf("expected duplicate spawn rejected")
	}
	if !a.hasTask("ETHUSDT") || a.entering() != 1 {
		t.Fatalf("expected one entering task")
	}
	close(release)
	a.waitTasks(time.Second)
	if a.hasTask("ETHUSDT") {
		t.Fatalf("expected task released")
	}
}

func TestRestoreResumesOpenPositions(t *testing.T) {
	a, _, trader := newTestApp(t, 1)
	ctx := context.Background()
	for _, symbol := range []string{"BTCUSDT", "ETHUSDT"} {
		if _, err := a.ledger.Create(ctx, symbol, ledger.Entry{SpotPrice: 100, FuturesPrice: 101, SpotQty: 1, FuturesQty: 1}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	a.restore(ctx)
	got := waitStarted(t, trader, 2)
	a.waitTasks(time.Second)
	seen := map[string]bool{got[0]: true, got[1]: true}
	if !seen["BTCUSDT"] || !seen["ETHUSDT"] {
		t.Fatalf("expected both positions resumed, got %v", got)
	}
}

func TestWaitTasksReturnsAfterGracePeriod(t *testing.T) {
	a, _, _ := newTestApp(t, 1)
	release := make(chan struct{})
	defer close(release)
	a.spawn(context.Background(), "ETHUSDT", func(ctx context.Context) error {
		<-release
		return nil
	})
	start := time.Now()
	a.waitTasks(50 * time.Millisecond)
	if time.Since(start) > time.Second {
		t.Fatalf("expected wait bounded by grace period")
	}
	if running := a.runningTasks(); len(running) != 1 || running[0] != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT still running, got %v", running)
	}
}

func TestOpsListenerFailureDoesNotStopRun(t *testing.T) {
	a, _, _ := newTestApp(t, 1)
	core, logs := observer.New(zap.ErrorLevel)
	a.log = zap.New(core)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	a.cfg.Metrics.Address = busy.Addr().String()
	server := ops.NewServer(busy.Addr().String(), http.NotFoundHandler(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serveOps(gctx, server) })
	sibling := make(chan error, 1)
	go func() {
		select {
		case <-gctx.Done():
			sibling <- gctx.Err()
		case <-time.After(200 * time.Millisecond):
			sibling <- nil
		}
	}()

	if err := <-sibling; err != nil {
		t.Fatalf("expected group context to stay live after listener failure, got %v", err)
	}
	if logs.FilterMessage("ops server stopped, continuing without it").Len() != 1 {
		t.Fatalf("expected listener failure logged, got %v", logs.All())
	}
	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("expected nil from run group, got %v", err)
	}
}
