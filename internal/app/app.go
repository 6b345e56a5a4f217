package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bybit-carry-bot/internal/alerts"
	"bybit-carry-bot/internal/blacklist"
	"bybit-carry-bot/internal/bybit/rest"
	"bybit-carry-bot/internal/bybit/ws"
	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/exec"
	"bybit-carry-bot/internal/ledger"
	"bybit-carry-bot/internal/market"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/monitor"
	"bybit-carry-bot/internal/ops"
	"bybit-carry-bot/internal/ratelimit"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/state/sqlite"
	"bybit-carry-bot/internal/strategy"
	"bybit-carry-bot/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	envAPIKey    = "BYBIT_API_KEY"
	envAPISecret = "BYBIT_API_SECRET"
)

// Scanner finds priced candidates that are not excluded.
type Scanner interface {
	Scan(ctx context.Context, exclude func(string) bool) ([]strategy.MarketSnapshot, error)
}

// Trader runs one symbol's lifecycle.
type Trader interface {
	Trade(ctx context.Context, opp strategy.Opportunity) error
	Resume(ctx context.Context, symbol string) error
	States() map[string]strategy.State
}

// Operator is the chat transport for operator commands.
type Operator interface {
	Enabled() bool
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	closers    []func() error
	limiter    ratelimit.Limiter
	feed       *market.Feed
	scanner    Scanner
	ledger     *ledger.Ledger
	blacklist  *blacklist.Service
	trader     Trader
	thresholds strategy.Thresholds
	operator   Operator
	timescale  *timescale.Writer
	prom       *metrics.Prometheus
	metrics    *metrics.Metrics

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool

	tasksMu sync.Mutex
	tasks   map[string]struct{}
	wg      sync.WaitGroup
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	apiKey := strings.TrimSpace(os.Getenv(envAPIKey))
	if apiKey == "" {
		return nil, fmt.Errorf("%s is required", envAPIKey)
	}
	apiSecret := strings.TrimSpace(os.Getenv(envAPISecret))
	if apiSecret == "" {
		return nil, fmt.Errorf("%s is required", envAPISecret)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		closers: []func() error{store.Close},
		metrics: metrics.NewNoop(),
		tasks:   make(map[string]struct{}),
	}
	if cfg.Metrics.EnabledValue() {
		a.prom = metrics.NewPrometheus()
		a.metrics = a.prom.Metrics
	}

	limiter, err := a.newLimiter()
	if err != nil {
		a.close()
		return nil, err
	}
	a.limiter = limiter
	restClient := rest.New(rest.Options{
		BaseURL:           cfg.REST.BaseURL,
		Timeout:           cfg.REST.Timeout,
		APIKey:            apiKey,
		APISecret:         apiSecret,
		RecvWindow:        cfg.REST.RecvWindow,
		MaxRetries:        cfg.REST.MaxRetries,
		RetryDelay:        cfg.REST.RetryDelay,
		RetryAfterDefault: cfg.REST.RetryAfterDefault,
	}, limiter, log)
	restClient.SetRetryCounter(a.metrics.GatewayRetries)

	// Typed nil streams would read as enabled.
	var spotStream, linearStream market.Stream
	if cfg.WS.Enabled {
		spotStream = ws.New(cfg.WS.SpotURL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log.Named("ws.spot"))
		linearStream = ws.New(cfg.WS.LinearURL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log.Named("ws.linear"))
	}
	a.feed = market.NewFeed(restClient, spotStream, linearStream, cfg.WS.MaxQuoteAge, log)
	universe := market.NewUniverse(restClient, cfg.Strategy.QuoteCoin, cfg.Strategy.Symbols, cfg.Strategy.MaxWorkersFunding, log)
	a.scanner = market.NewScanner(universe, a.feed, cfg.Strategy.MinFundingRate, cfg.Strategy.MaxWorkersOrderbook, log)

	engine := exec.New(restClient, store, exec.Options{
		QuoteCoin:            cfg.Strategy.QuoteCoin,
		CriticalErrorCodes:   cfg.Strategy.CriticalErrorCodes,
		QtyMismatchTolerance: cfg.Strategy.QtyMismatchTolerance,
	}, log)
	engine.SetMetrics(a.metrics)

	telegram := alerts.NewTelegram(cfg.Telegram, log)
	a.operator = telegram
	notifier := alerts.NewNotifier(telegram, log)
	a.blacklist = blacklist.New(store, notifier, log)
	a.blacklist.SetAddedCounter(a.metrics.BlacklistAdded)
	a.ledger = ledger.New(store, log)

	writer, err := newRecorder(cfg.Timescale, log)
	if err != nil {
		a.close()
		return nil, err
	}
	a.timescale = writer

	deps := monitor.Deps{
		Ledger:    a.ledger,
		Market:    a.feed,
		Exec:      engine,
		Funding:   restClient,
		Blacklist: a.blacklist,
		Notifier:  notifier,
		Store:     store,
		Metrics:   a.metrics,
	}
	if writer != nil {
		deps.Recorder = writer
	}
	opts := monitor.OptionsFromConfig(cfg)
	a.thresholds = opts.Thresholds
	a.trader = monitor.New(deps, opts, log)
	return a, nil
}

func (a *App) newLimiter() (ratelimit.Limiter, error) {
	rl := a.cfg.RateLimit
	opts := ratelimit.Options{
		MaxRequests:     rl.MaxRequestsPerSecond,
		MaxWeight:       rl.MaxWeightPerSecond,
		EndpointWeights: rl.EndpointWeights,
	}
	switch rl.Backend {
	case config.RateLimitRedis:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rdb, err := ratelimit.DialRedis(ctx, ratelimit.RedisConfig{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		limiter := ratelimit.NewRedis(rdb, rl.RedisKey, opts, a.log)
		limiter.SetWaitCounter(a.metrics.RateLimitWaits)
		a.log.Info("shared rate limiter enabled", zap.String("addr", a.cfg.Redis.Addr), zap.String("key", rl.RedisKey))
		return limiter, nil
	default:
		limiter := ratelimit.NewWindow(opts, a.log)
		limiter.SetWaitCounter(a.metrics.RateLimitWaits)
		return limiter, nil
	}
}

// Run restores supervision of persisted positions, then scans on
// scan_interval until ctx is cancelled. Monitor tasks get the grace period to
// finish after the scan loop stops.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.ledger.Load(ctx); err != nil {
		return err
	}
	if err := a.blacklist.Load(ctx); err != nil {
		return err
	}
	a.metrics.OpenPositions.Set(float64(a.ledger.Count()))
	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()
	a.restore(taskCtx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.feed.Run(gctx) })
	if a.cfg.Metrics.EnabledValue() {
		server := ops.NewServer(a.cfg.Metrics.Address, ops.NewRouter(a.opsOptions(), a.log), a.log)
		g.Go(func() error { return a.serveOps(gctx, server) })
	}
	if a.timescale != nil {
		a.timescale.Start(gctx)
	}
	if chatID, allowed, ok := a.operatorSettings(); ok {
		g.Go(func() error {
			a.operatorLoop(gctx, chatID, allowed, a.cfg.Telegram.OperatorPollInterval)
			return nil
		})
	}
	g.Go(func() error { return a.scanLoop(gctx, taskCtx) })

	err := g.Wait()
	cancelTasks()
	a.waitTasks(a.cfg.Shutdown.GracePeriod)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

type opsServer interface {
	Run(ctx context.Context) error
}

// serveOps never fails the run group: a listener error is logged and
// monitors and scans keep going without the ops surface.
func (a *App) serveOps(ctx context.Context, server opsServer) error {
	if err := server.Run(ctx); err != nil {
		a.log.Error("ops server stopped, continuing without it",
			zap.String("addr", a.cfg.Metrics.Address),
			zap.Error(err),
		)
	}
	return nil
}

func (a *App) restore(ctx context.Context) {
	positions := a.ledger.List()
	for _, pos := range positions {
		symbol := pos.Symbol
		a.spawn(ctx, symbol, func(ctx context.Context) error {
			return a.trader.Resume(ctx, symbol)
		})
	}
	if len(positions) > 0 {
		a.log.Info("restored open positions", zap.Int("count", len(positions)))
	}
}

func (a *App) scanLoop(ctx, taskCtx context.Context) error {
	interval := a.cfg.Strategy.ScanInterval
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	a.scan(ctx, taskCtx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.scan(ctx, taskCtx)
		}
	}
}

// scan ranks the current candidates and starts a task for each one that fits
// next to the open and in-flight positions.
func (a *App) scan(ctx, taskCtx context.Context) int {
	if a.isPaused() {
		a.log.Debug("scan skipped: paused")
		return 0
	}
	open := a.ledger.Count()
	slots := strategy.Slots(a.cfg.Strategy.MaxConcurrentPositions, open, a.entering())
	if slots == 0 {
		a.log.Debug("scan skipped: position slots full", zap.Int("open", open))
		return 0
	}
	snaps, err := a.scanner.Scan(ctx, a.excluded)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("scan failed", zap.Error(err))
		}
		return 0
	}
	opps := a.thresholds.Rank(snaps, slots)
	started := 0
	for _, opp := range opps {
		opp := opp
		if a.spawn(taskCtx, opp.Symbol, func(ctx context.Context) error {
			return a.trader.Trade(ctx, opp)
		}) {
			started++
			a.log.Info("opportunity found",
				zap.String("symbol", opp.Symbol),
				zap.Float64("funding_rate", opp.FundingRate),
				zap.Float64("spread_pct", opp.SpreadPct),
				zap.Float64("net_profit_pct", opp.NetProfitPct),
			)
		}
	}
	a.log.Info("scan complete",
		zap.Int("candidates", len(snaps)),
		zap.Int("opportunities", len(opps)),
		zap.Int("started", started),
		zap.Int("slots", slots),
	)
	return started
}

func (a *App) excluded(symbol string) bool {
	return a.blacklist.Contains(symbol) || a.ledger.Has(symbol) || a.hasTask(symbol)
}

// spawn starts fn as the only task for symbol. It reports false when a task
// for the symbol is already running.
func (a *App) spawn(ctx context.Context, symbol string, fn func(ctx context.Context) error) bool {
	a.tasksMu.Lock()
	if _, ok := a.tasks[symbol]; ok {
		a.tasksMu.Unlock()
		return false
	}
	a.tasks[symbol] = struct{}{}
	a.metrics.ActiveTasks.Set(float64(len(a.tasks)))
	a.wg.Add(1)
	a.tasksMu.Unlock()

	go func() {
		defer a.wg.Done()
		defer a.release(symbol)
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("symbol task failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}()
	return true
}

func (a *App) release(symbol string) {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	delete(a.tasks, symbol)
	a.metrics.ActiveTasks.Set(float64(len(a.tasks)))
}

func (a *App) hasTask(symbol string) bool {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	_, ok := a.tasks[symbol]
	return ok
}

// entering counts tasks without a ledger position yet.
func (a *App) entering() int {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	n := 0
	for symbol := range a.tasks {
		if !a.ledger.Has(symbol) {
			n++
		}
	}
	return n
}

func (a *App) runningTasks() []string {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()
	out := make([]string, 0, len(a.tasks))
	for symbol := range a.tasks {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (a *App) waitTasks(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		a.log.Info("all symbol tasks stopped")
	case <-timer.C:
		a.log.Warn("shutdown grace period elapsed, tasks still running",
			zap.Duration("grace_period", grace),
			zap.Strings("symbols", a.runningTasks()),
		)
	}
}

func (a *App) opsOptions() ops.Options {
	opts := ops.Options{
		Positions:   a.ledger,
		Blacklist:   a.blacklist,
		Limiter:     a.limiter,
		Tasks:       a.trader,
		Paused:      a.isPaused,
		MetricsPath: a.cfg.Metrics.Path,
	}
	if a.prom != nil {
		opts.Metrics = a.prom.Handler()
	}
	return opts
}

func (a *App) close() {
	if a.timescale != nil {
		if err := a.timescale.Close(); err != nil {
			a.log.Warn("timescale close failed", zap.Error(err))
		}
		samples, trades := a.timescale.Dropped()
		if samples > 0 || trades > 0 {
			a.log.Warn("timescale rows dropped", zap.Uint64("samples", samples), zap.Uint64("trades", trades))
		}
		a.timescale = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
