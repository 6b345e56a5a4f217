package strategy

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrMarketData = errors.New("market data unavailable")
	ErrStaleQuote = errors.New("market quote stale")
)

// CheckSnapshot rejects a snapshot that cannot be priced. A missing side is
// data-unavailable, never a zero price.
func CheckSnapshot(snap MarketSnapshot, now time.Time, maxAge time.Duration) error {
	if snap.SpotBid <= 0 || snap.SpotAsk <= 0 {
		return fmt.Errorf("%w: %s spot book", ErrMarketData, snap.Symbol)
	}
	if snap.FuturesBid <= 0 || snap.FuturesAsk <= 0 {
		return fmt.Errorf("%w: %s futures book", ErrMarketData, snap.Symbol)
	}
	if maxAge > 0 && !snap.At.IsZero() && now.Sub(snap.At) > maxAge {
		return fmt.Errorf("%w: %s age %s", ErrStaleQuote, snap.Symbol, now.Sub(snap.At))
	}
	return nil
}

// Slots is how many new entries fit next to the open and in-flight ones.
func Slots(maxConcurrent, open, entering int) int {
	if free := maxConcurrent - open - entering; free > 0 {
		return free
	}
	return 0
}

// Rank scores snapshots, drops those below the funding floor or the minimum
// net profit, and returns the best limit by net profit.
func (t Thresholds) Rank(snaps []MarketSnapshot, limit int) []Opportunity {
	if limit <= 0 {
		return nil
	}
	out := make([]Opportunity, 0, len(snaps))
	for _, snap := range snaps {
		if snap.FundingRate < t.MinFundingRate {
			continue
		}
		if CheckSnapshot(snap, time.Time{}, 0) != nil {
			continue
		}
		spread := EntrySpreadPct(snap)
		net := NetProfitPct(spread, snap.FundingRate, t.CommissionPct)
		if net < t.MinProfitPct {
			continue
		}
		out = append(out, Opportunity{
			Symbol:       snap.Symbol,
			FundingRate:  snap.FundingRate,
			SpreadPct:    spread,
			NetProfitPct: net,
			Snapshot:     snap,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].NetProfitPct == out[j].NetProfitPct {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].NetProfitPct > out[j].NetProfitPct
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
