package market

import (
	"context"
	"sync"
	"time"

	"bybit-carry-bot/internal/bybit/rest"
	"bybit-carry-bot/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scanner turns the universe into priced snapshots for ranking.
type Scanner struct {
	universe   *Universe
	feed       *Feed
	minFunding float64
	workers    int
	log        *zap.Logger
}

func NewScanner(universe *Universe, feed *Feed, minFunding float64, orderbookWorkers int, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	if orderbookWorkers < 1 {
		orderbookWorkers = 1
	}
	return &Scanner{
		universe:   universe,
		feed:       feed,
		minFunding: minFunding,
		workers:    orderbookWorkers,
		log:        log,
	}
}

// Scan prices every candidate whose funding clears the floor. Symbols with
// missing books are skipped for this pass.
func (s *Scanner) Scan(ctx context.Context, exclude func(string) bool) ([]strategy.MarketSnapshot, error) {
	start := time.Now()
	candidates, err := s.universe.Candidates(ctx, exclude)
	if err != nil {
		return nil, err
	}
	var (
		mu    sync.Mutex
		snaps []strategy.MarketSnapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, c := range candidates {
		c := c
		if !c.HasFunding || c.FundingRate < s.minFunding {
			continue
		}
		g.Go(func() error {
			snap, err := s.price(gctx, c)
			if err != nil {
				s.log.Debug("skipping candidate", zap.String("symbol", c.Symbol), zap.Error(err))
				return nil
			}
			mu.Lock()
			snaps = append(snaps, snap)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Debug("scan complete",
		zap.Int("universe", len(candidates)),
		zap.Int("priced", len(snaps)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return snaps, nil
}

func (s *Scanner) price(ctx context.Context, c Candidate) (strategy.MarketSnapshot, error) {
	spot, err := s.feed.Book(ctx, rest.CategorySpot, c.Symbol)
	if err != nil {
		return strategy.MarketSnapshot{}, err
	}
	linear, err := s.feed.Book(ctx, rest.CategoryLinear, c.Symbol)
	if err != nil {
		return strategy.MarketSnapshot{}, err
	}
	snap := strategy.MarketSnapshot{
		Symbol:      c.Symbol,
		SpotBid:     spot.Bid,
		SpotAsk:     spot.Ask,
		FuturesBid:  linear.Bid,
		FuturesAsk:  linear.Ask,
		FundingRate: c.FundingRate,
		At:          s.feed.now(),
	}
	return snap, strategy.CheckSnapshot(snap, snap.At, 0)
}
