package market

import (
	"context"
	"sort"
	"strings"

	"bybit-carry-bot/internal/bybit/rest"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Candidate is a symbol listed on both markets with its current funding.
type Candidate struct {
	Symbol      string
	FundingRate float64
	HasFunding  bool
}

// Universe lists the symbols tradable as a hedge: quoted in the quote coin on
// both spot and linear, optionally restricted to an allowlist.
type Universe struct {
	gw             Gateway
	quoteCoin      string
	allow          map[string]struct{}
	fundingWorkers int
	log            *zap.Logger
}

func NewUniverse(gw Gateway, quoteCoin string, symbols []string, fundingWorkers int, log *zap.Logger) *Universe {
	if log == nil {
		log = zap.NewNop()
	}
	if fundingWorkers < 1 {
		fundingWorkers = 1
	}
	var allow map[string]struct{}
	if len(symbols) > 0 {
		allow = make(map[string]struct{}, len(symbols))
		for _, symbol := range symbols {
			allow[strings.ToUpper(strings.TrimSpace(symbol))] = struct{}{}
		}
	}
	return &Universe{
		gw:             gw,
		quoteCoin:      strings.ToUpper(quoteCoin),
		allow:          allow,
		fundingWorkers: fundingWorkers,
		log:            log,
	}
}

// Candidates skips every symbol for which exclude returns true. Funding
// missing from the bulk ticker list is fetched per symbol.
func (u *Universe) Candidates(ctx context.Context, exclude func(string) bool) ([]Candidate, error) {
	var spot, linear []rest.Ticker
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		spot, err = u.gw.Tickers(gctx, rest.CategorySpot)
		return err
	})
	g.Go(func() (err error) {
		linear, err = u.gw.Tickers(gctx, rest.CategoryLinear)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	listed := make(map[string]struct{}, len(spot))
	for _, t := range spot {
		listed[strings.ToUpper(t.Symbol)] = struct{}{}
	}
	out := make([]Candidate, 0, len(linear))
	for _, t := range linear {
		symbol := strings.ToUpper(t.Symbol)
		if !strings.HasSuffix(symbol, u.quoteCoin) || symbol == u.quoteCoin {
			continue
		}
		if _, ok := listed[symbol]; !ok {
			continue
		}
		if u.allow != nil {
			if _, ok := u.allow[symbol]; !ok {
				continue
			}
		}
		if exclude != nil && exclude(symbol) {
			continue
		}
		rate, ok := t.FundingRatePct()
		out = append(out, Candidate{Symbol: symbol, FundingRate: rate, HasFunding: ok})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	u.fillFunding(ctx, out)
	return out, nil
}

func (u *Universe) fillFunding(ctx context.Context, candidates []Candidate) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.fundingWorkers)
	for i := range candidates {
		i := i
		if candidates[i].HasFunding {
			continue
		}
		g.Go(func() error {
			rate, err := u.gw.FundingRate(gctx, candidates[i].Symbol)
			if err != nil {
				u.log.Debug("funding rate unavailable", zap.String("symbol", candidates[i].Symbol), zap.Error(err))
				return nil
			}
			candidates[i].FundingRate = rate
			candidates[i].HasFunding = true
			return nil
		})
	}
	_ = g.Wait()
}
