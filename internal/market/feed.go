package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"bybit-carry-bot/internal/bybit/rest"
	"bybit-carry-bot/internal/bybit/ws"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Gateway is the public market-data surface of the REST client.
type Gateway interface {
	Tickers(ctx context.Context, category string) ([]rest.Ticker, error)
	FundingRate(ctx context.Context, symbol string) (float64, error)
	OrderBook(ctx context.Context, category, symbol string) (rest.BookTop, error)
}

type Stream interface {
	Subscribe(ctx context.Context, topics ...string) error
	Run(ctx context.Context, handler func(json.RawMessage)) error
}

type quote struct {
	bid float64
	ask float64
	at  time.Time
}

type fundingQuote struct {
	rate float64
	at   time.Time
}

// Feed serves top-of-book and funding from the public stream and falls back
// to REST for anything missing or older than maxAge.
type Feed struct {
	rest    Gateway
	streams map[string]Stream
	maxAge  time.Duration
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	books   map[string]quote
	funding map[string]fundingQuote
}

// NewFeed takes nil streams when streaming is disabled.
func NewFeed(gw Gateway, spot, linear Stream, maxAge time.Duration, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	streams := make(map[string]Stream, 2)
	if spot != nil {
		streams[rest.CategorySpot] = spot
	}
	if linear != nil {
		streams[rest.CategoryLinear] = linear
	}
	return &Feed{
		rest:    gw,
		streams: streams,
		maxAge:  maxAge,
		log:     log,
		now:     time.Now,
		books:   make(map[string]quote),
		funding: make(map[string]fundingQuote),
	}
}

func (f *Feed) Streaming() bool {
	return len(f.streams) > 0
}

// Run blocks until ctx is done, reconnecting streams as needed.
func (f *Feed) Run(ctx context.Context) error {
	if len(f.streams) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	g, gctx := errgroup.WithContext(ctx)
	for category, stream := range f.streams {
		category, stream := category, stream
		g.Go(func() error {
			return stream.Run(gctx, f.handler(category))
		})
	}
	return g.Wait()
}

// Watch subscribes the symbol's book on both markets and its linear ticker.
// Subscriptions made before a stream connects are sent when it does.
func (f *Feed) Watch(ctx context.Context, symbol string) error {
	symbol = strings.ToUpper(symbol)
	for category, stream := range f.streams {
		topics := []string{ws.BookTopic(symbol)}
		if category == rest.CategoryLinear {
			topics = append(topics, ws.TickerTopic(symbol))
		}
		if err := stream.Subscribe(ctx, topics...); err != nil && !errors.Is(err, ws.ErrNotConnected) {
			return fmt.Errorf("watch %s %s: %w", category, symbol, err)
		}
	}
	return nil
}

func (f *Feed) Book(ctx context.Context, category, symbol string) (rest.BookTop, error) {
	symbol = strings.ToUpper(symbol)
	f.mu.RLock()
	q, ok := f.books[bookKey(category, symbol)]
	f.mu.RUnlock()
	if ok && q.bid > 0 && q.ask > 0 && f.fresh(q.at) {
		return rest.BookTop{Symbol: symbol, Bid: q.bid, Ask: q.ask}, nil
	}
	return f.rest.OrderBook(ctx, category, symbol)
}

// FundingRate returns the linear funding rate in percent.
func (f *Feed) FundingRate(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(symbol)
	f.mu.RLock()
	q, ok := f.funding[symbol]
	f.mu.RUnlock()
	if ok && f.fresh(q.at) {
		return q.rate, nil
	}
	return f.rest.FundingRate(ctx, symbol)
}

// Snapshot reads funding and both books for one symbol.
func (f *Feed) Snapshot(ctx context.Context, symbol string) (strategy.MarketSnapshot, error) {
	symbol = strings.ToUpper(symbol)
	var (
		rate         float64
		spot, linear rest.BookTop
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		rate, err = f.FundingRate(gctx, symbol)
		return err
	})
	g.Go(func() (err error) {
		spot, err = f.Book(gctx, rest.CategorySpot, symbol)
		return err
	})
	g.Go(func() (err error) {
		linear, err = f.Book(gctx, rest.CategoryLinear, symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return strategy.MarketSnapshot{}, fmt.Errorf("%w: %v", strategy.ErrMarketData, err)
	}
	snap := strategy.MarketSnapshot{
		Symbol:      symbol,
		SpotBid:     spot.Bid,
		SpotAsk:     spot.Ask,
		FuturesBid:  linear.Bid,
		FuturesAsk:  linear.Ask,
		FundingRate: rate,
		At:          f.now(),
	}
	return snap, strategy.CheckSnapshot(snap, snap.At, 0)
}

func (f *Feed) fresh(at time.Time) bool {
	return f.maxAge <= 0 || f.now().Sub(at) <= f.maxAge
}

func (f *Feed) handler(category string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		msg, err := ws.Decode(raw)
		if err != nil {
			f.log.Debug("ws decode error", zap.String("category", category), zap.Error(err))
			return
		}
		if msg.IsControl() {
			if msg.Success != nil && !*msg.Success {
				f.log.Warn("ws request rejected", zap.String("category", category), zap.String("op", msg.Op), zap.String("reason", msg.RetMsg))
			}
			return
		}
		channel, symbol := msg.Channel()
		switch channel {
		case "orderbook":
			f.applyBook(category, symbol, msg)
		case "tickers":
			if category == rest.CategoryLinear {
				f.applyTicker(symbol, msg)
			}
		}
	}
}

type bookFrame struct {
	Symbol string         `json:"s"`
	Bids   [][]rest.Float `json:"b"`
	Asks   [][]rest.Float `json:"a"`
}

// applyBook keeps level one only. A snapshot replaces both sides; a delta
// replaces the sides it carries and a zero size removes that side.
func (f *Feed) applyBook(category, symbol string, msg ws.Message) {
	var frame bookFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		f.log.Debug("ws book decode error", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if frame.Symbol != "" {
		symbol = strings.ToUpper(frame.Symbol)
	}
	key := bookKey(category, symbol)
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.books[key]
	if msg.Type == ws.TypeSnapshot {
		q.bid, q.ask = topLevel(frame.Bids), topLevel(frame.Asks)
	} else {
		if len(frame.Bids) > 0 {
			q.bid = topLevel(frame.Bids)
		}
		if len(frame.Asks) > 0 {
			q.ask = topLevel(frame.Asks)
		}
	}
	q.at = f.now()
	f.books[key] = q
}

func (f *Feed) applyTicker(symbol string, msg ws.Message) {
	var ticker rest.Ticker
	if err := json.Unmarshal(msg.Data, &ticker); err != nil {
		f.log.Debug("ws ticker decode error", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if ticker.Symbol != "" {
		symbol = strings.ToUpper(ticker.Symbol)
	}
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if rate, ok := ticker.FundingRatePct(); ok {
		f.funding[symbol] = fundingQuote{rate: rate, at: now}
		return
	}
	// Deltas omit unchanged fields; an update still proves the cached rate current.
	if q, ok := f.funding[symbol]; ok {
		q.at = now
		f.funding[symbol] = q
	}
}

func topLevel(levels [][]rest.Float) float64 {
	if len(levels) == 0 || len(levels[0]) < 2 {
		return 0
	}
	price, size := levels[0][0], levels[0][1]
	if !price.Valid || !size.Valid || size.Value <= 0 {
		return 0
	}
	return price.Value
}

func bookKey(category, symbol string) string {
	return category + ":" + symbol
}
