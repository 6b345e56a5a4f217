package exec

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bybit-carry-bot/internal/bybit/rest"
	"bybit-carry-bot/internal/metrics"
	"bybit-carry-bot/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const linkIDPrefix = "carry-"

// Gateway is the slice of the exchange client the engine trades through.
type Gateway interface {
	InstrumentInfo(ctx context.Context, category, symbol string) (rest.Instrument, error)
	CreateOrder(ctx context.Context, req rest.OrderRequest) (rest.OrderAck, error)
	WalletBalance(ctx context.Context, coin string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Result is the outcome of one leg. Exchange failures never panic or escape
// as errors; they are reported here.
type Result struct {
	Success   bool
	OrderID   string
	Qty       float64
	Price     float64
	Error     string
	ErrorCode *int
}

func failed(err error) Result {
	res := Result{Error: err.Error()}
	if code, ok := rest.ErrorCode(err); ok {
		res.ErrorCode = &code
	}
	return res
}

type Options struct {
	QuoteCoin            string
	CriticalErrorCodes   []int
	QtyMismatchTolerance float64
}

type Engine struct {
	gw        Gateway
	store     state.Store
	log       *zap.Logger
	metrics   *metrics.Metrics
	quoteCoin string
	critical  map[int]struct{}
	tolerance float64
	newLinkID func() string

	mu    sync.Mutex
	rules map[string]Rules
	cache map[string]string
}

func New(gw Gateway, store state.Store, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	quote := strings.ToUpper(strings.TrimSpace(opts.QuoteCoin))
	if quote == "" {
		quote = "USDT"
	}
	critical := make(map[int]struct{}, len(opts.CriticalErrorCodes))
	for _, code := range opts.CriticalErrorCodes {
		critical[code] = struct{}{}
	}
	return &Engine{
		gw:        gw,
		store:     store,
		log:       log,
		metrics:   metrics.NewNoop(),
		quoteCoin: quote,
		critical:  critical,
		tolerance: opts.QtyMismatchTolerance,
		newLinkID: func() string { return linkIDPrefix + uuid.NewString() },
		rules:     make(map[string]Rules),
		cache:     make(map[string]string),
	}
}

func (e *Engine) SetMetrics(m *metrics.Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// IsSymbolFatal reports whether an exchange code should blacklist the symbol.
func (e *Engine) IsSymbolFatal(code *int) bool {
	if code == nil {
		return false
	}
	_, ok := e.critical[*code]
	return ok
}

// BaseCoin strips the quote coin from a pair symbol.
func (e *Engine) BaseCoin(symbol string) string {
	return strings.TrimSuffix(strings.ToUpper(symbol), e.quoteCoin)
}

func (e *Engine) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := e.gw.SetLeverage(ctx, symbol, leverage); err != nil {
		e.log.Warn("set leverage failed", zap.String("symbol", symbol), zap.Int("leverage", leverage), zap.Error(err))
		return err
	}
	return nil
}

// PlaceOrder submits req once per orderLinkId. A link id that was already
// accepted returns the recorded order id without reaching the exchange.
func (e *Engine) PlaceOrder(ctx context.Context, req rest.OrderRequest) (string, error) {
	if req.OrderLinkID == "" {
		req.OrderLinkID = e.newLinkID()
	}
	cacheKey := "orderlink:" + req.OrderLinkID
	e.mu.Lock()
	if oid, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return oid, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if oid, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = oid
			e.mu.Unlock()
			return oid, nil
		}
	}
	ack, err := e.gw.CreateOrder(ctx, req)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("order rejected",
			zap.String("symbol", req.Symbol),
			zap.String("category", req.Category),
			zap.String("side", req.Side),
			zap.String("qty", req.Qty),
			zap.String("order_link_id", req.OrderLinkID),
			zap.Error(err),
		)
		return "", err
	}
	e.metrics.OrdersPlaced.Inc()
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, ack.OrderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = ack.OrderID
	e.mu.Unlock()
	e.log.Info("order placed",
		zap.String("symbol", req.Symbol),
		zap.String("category", req.Category),
		zap.String("side", req.Side),
		zap.String("qty", req.Qty),
		zap.String("order_id", ack.OrderID),
	)
	return ack.OrderID, nil
}

func (e *Engine) balance(ctx context.Context, symbol string) (float64, error) {
	coin := e.BaseCoin(symbol)
	bal, err := e.gw.WalletBalance(ctx, coin)
	if err != nil {
		return 0, fmt.Errorf("wallet balance %s: %w", coin, err)
	}
	return bal, nil
}
