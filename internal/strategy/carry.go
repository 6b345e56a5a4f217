package strategy

import (
	"bybit-carry-bot/internal/config"
)

// Thresholds are the entry, exit and top-up limits. Rates and spreads are
// percentages.
type Thresholds struct {
	MinFundingRate         float64
	MinEntrySpreadPct      float64
	MinProfitPct           float64
	CommissionPct          float64
	CloseFRThreshold       float64
	MaxCloseSpreadPct      float64
	LowFRTrackingThreshold float64
	SoftCloseTriggerRounds int
	TopUpEnabled           bool
	TopUpSpreadIncrement   float64
	TopUpMaxEntries        int
}

func ThresholdsFromConfig(s config.StrategyConfig, t config.TopUpConfig) Thresholds {
	return Thresholds{
		MinFundingRate:         s.MinFundingRate,
		MinEntrySpreadPct:      s.MinEntrySpreadPct,
		MinProfitPct:           s.MinProfitPct,
		CommissionPct:          s.CommissionPct,
		CloseFRThreshold:       s.CloseFRThreshold,
		MaxCloseSpreadPct:      s.MaxCloseSpreadPct,
		LowFRTrackingThreshold: s.LowFRTrackingThreshold,
		SoftCloseTriggerRounds: s.SoftCloseTriggerRounds,
		TopUpEnabled:           t.EnabledValue(),
		TopUpSpreadIncrement:   t.SpreadIncrementPct,
		TopUpMaxEntries:        t.MaxTotalEntries,
	}
}

// EntrySpreadPct is the premium of the futures bid over the spot ask.
func EntrySpreadPct(snap MarketSnapshot) float64 {
	if snap.SpotAsk <= 0 {
		return 0
	}
	return (snap.FuturesBid - snap.SpotAsk) / snap.SpotAsk * 100
}

// CloseSpreadPct is the cost of buying back futures at the ask against
// selling spot at the bid.
func CloseSpreadPct(snap MarketSnapshot) float64 {
	if snap.SpotBid <= 0 {
		return 0
	}
	return (snap.FuturesAsk - snap.SpotBid) / snap.SpotBid * 100
}

func NetProfitPct(spreadPct, fundingRate, commissionPct float64) float64 {
	return spreadPct + fundingRate - commissionPct
}

func (t Thresholds) ShouldEnter(fundingRate, spreadPct float64) bool {
	return fundingRate >= t.MinFundingRate && spreadPct >= t.MinEntrySpreadPct
}

// ShouldClose never fires while the close spread is above the cap. In soft
// close mode the funding bound relaxes to the low funding tracking threshold.
func (t Thresholds) ShouldClose(fundingRate, closeSpreadPct float64, softClose bool) bool {
	if closeSpreadPct > t.MaxCloseSpreadPct {
		return false
	}
	if softClose {
		return fundingRate <= t.LowFRTrackingThreshold
	}
	return fundingRate < t.CloseFRThreshold
}

// ShouldTopUp reports whether the current entry spread has widened past the
// last fill by more than the configured increment. Cooldown is checked by the
// caller, which owns the clock.
func (t Thresholds) ShouldTopUp(spreadPct, lastEntrySpreadPct float64, totalEntries int, softClose bool) bool {
	if !t.TopUpEnabled || softClose {
		return false
	}
	if t.TopUpMaxEntries > 0 && totalEntries >= t.TopUpMaxEntries {
		return false
	}
	return spreadPct > lastEntrySpreadPct+t.TopUpSpreadIncrement
}
