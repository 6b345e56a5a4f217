package exec

import (
	"context"
	"fmt"

	"bybit-carry-bot/internal/bybit/rest"

	"github.com/shopspring/decimal"
)

var (
	defaultSpotStep   = decimal.RequireFromString("0.01")
	defaultLinearStep = decimal.RequireFromString("0.001")
	defaultLinearMin  = decimal.RequireFromString("0.001")
	quoteAmountPlaces = int32(2)
)

// Rules are one instrument's lot constraints.
type Rules struct {
	Step   decimal.Decimal
	MinQty decimal.Decimal
}

// RoundDown truncates qty to a multiple of the step. Quantities are never
// rounded up.
func (r Rules) RoundDown(qty float64) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	if r.Step.IsPositive() {
		d = d.Div(r.Step).Floor().Mul(r.Step)
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func parseStep(raw string, fallback decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return fallback
	}
	return d
}

// Rules returns cached lot rules. Spot steps on basePrecision, linear on qtyStep.
func (e *Engine) Rules(ctx context.Context, category, symbol string) (Rules, error) {
	key := category + ":" + symbol
	e.mu.Lock()
	if r, ok := e.rules[key]; ok {
		e.mu.Unlock()
		return r, nil
	}
	e.mu.Unlock()
	info, err := e.gw.InstrumentInfo(ctx, category, symbol)
	if err != nil {
		return Rules{}, fmt.Errorf("instrument info %s %s: %w", category, symbol, err)
	}
	var r Rules
	switch category {
	case rest.CategorySpot:
		r.Step = parseStep(info.BasePrecision, defaultSpotStep)
		r.MinQty = parseStep(info.MinOrderQty, decimal.Zero)
	default:
		r.Step = parseStep(info.QtyStep, defaultLinearStep)
		r.MinQty = parseStep(info.MinOrderQty, defaultLinearMin)
	}
	e.mu.Lock()
	e.rules[key] = r
	e.mu.Unlock()
	return r, nil
}

// FuturesQty sizes the short leg for a target notional: rounded down to the
// step but never below the minimum order quantity.
func (e *Engine) FuturesQty(ctx context.Context, symbol string, price, notional float64) (decimal.Decimal, error) {
	if price <= 0 || notional <= 0 {
		return decimal.Zero, fmt.Errorf("size %s: price %v notional %v", symbol, price, notional)
	}
	r, err := e.Rules(ctx, rest.CategoryLinear, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	qty := r.RoundDown(notional / price)
	if qty.LessThan(r.MinQty) {
		qty = r.MinQty
	}
	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("size %s: zero futures quantity", symbol)
	}
	return qty, nil
}

func quoteAmount(usd float64) decimal.Decimal {
	return decimal.NewFromFloat(usd).Truncate(quoteAmountPlaces)
}
