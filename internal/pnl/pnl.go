// Package pnl settles a closed hedge. Everything here is a pure function of
// its inputs.
package pnl

import (
	"bybit-carry-bot/internal/state"

	"github.com/shopspring/decimal"
)

const places = 4

type Input struct {
	SpotEntry       float64
	SpotExit        float64
	SpotQty         float64
	FuturesEntry    float64
	FuturesExit     float64
	FuturesQty      float64
	CommissionRate  float64
	FundingReceived float64
}

type Result struct {
	SpotPnL    float64
	FuturesPnL float64
	PricePnL   float64
	Commission float64
	Funding    float64
	NetPnL     float64
}

func (r Result) State() state.PnL {
	return state.PnL{
		Net:        r.NetPnL,
		Price:      r.PricePnL,
		Spot:       r.SpotPnL,
		Futures:    r.FuturesPnL,
		Funding:    r.Funding,
		Commission: r.Commission,
	}
}

// Compute returns the realized components of a long spot / short futures
// hedge. Commission is charged on the average of the two entry notionals, once
// on entry and once on exit. Components are rounded first and the net is built
// from the rounded parts, so net == price + funding - commission holds exactly.
func Compute(in Input) Result {
	spotQty := decimal.NewFromFloat(in.SpotQty)
	futQty := decimal.NewFromFloat(in.FuturesQty)
	spotEntry := decimal.NewFromFloat(in.SpotEntry)
	futEntry := decimal.NewFromFloat(in.FuturesEntry)

	spot := decimal.NewFromFloat(in.SpotExit).Sub(spotEntry).Mul(spotQty).Round(places)
	futures := futEntry.Sub(decimal.NewFromFloat(in.FuturesExit)).Mul(futQty).Round(places)
	price := spot.Add(futures)

	avgNotional := spotEntry.Mul(spotQty).Add(futEntry.Mul(futQty)).Div(decimal.NewFromInt(2))
	commission := avgNotional.Mul(decimal.NewFromInt(2)).Mul(decimal.NewFromFloat(in.CommissionRate)).Round(places)
	funding := decimal.NewFromFloat(in.FundingReceived).Round(places)
	net := price.Add(funding).Sub(commission)

	return Result{
		SpotPnL:    spot.InexactFloat64(),
		FuturesPnL: futures.InexactFloat64(),
		PricePnL:   price.InexactFloat64(),
		Commission: commission.InexactFloat64(),
		Funding:    funding.InexactFloat64(),
		NetPnL:     net.InexactFloat64(),
	}
}

type SpreadMove string

const (
	SpreadNarrowed  SpreadMove = "narrowed"
	SpreadWidened   SpreadMove = "widened"
	SpreadUnchanged SpreadMove = "unchanged"
)

const spreadMoveEpsilon = 0.01

// SpreadChange classifies close spread against entry spread for reporting.
func SpreadChange(entrySpreadPct, closeSpreadPct float64) (float64, SpreadMove) {
	change, _ := decimal.NewFromFloat(closeSpreadPct).Sub(decimal.NewFromFloat(entrySpreadPct)).Round(places).Float64()
	switch {
	case change < -spreadMoveEpsilon:
		return change, SpreadNarrowed
	case change > spreadMoveEpsilon:
		return change, SpreadWidened
	default:
		return change, SpreadUnchanged
	}
}
