package exec

import (
	"context"
	"fmt"
	"math"

	"bybit-carry-bot/internal/bybit/rest"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	sideBuy     = "Buy"
	sideSell    = "Sell"
	orderMarket = "Market"
	tifIOC      = "IOC"
	unitQuote   = "quoteCoin"
	unitBase    = "baseCoin"
)

func intPtr(v int) *int { return &v }

// OpenRequest prices the entry at the spot ask and the futures bid.
type OpenRequest struct {
	Symbol       string
	NotionalUSD  float64
	SpotPrice    float64
	FuturesPrice float64
}

type OpenResult struct {
	Success bool
	Futures Result
	Spot    Result
	// PartialHedge is set when the short is filled and the long is not. The
	// short is left in place for an operator.
	PartialHedge bool
	Error        string
	ErrorCode    *int
}

// Open places the futures short first and the spot long second. A spot
// failure after the short filled is reported, never retried or unwound.
func (e *Engine) Open(ctx context.Context, req OpenRequest) OpenResult {
	log := e.log.With(zap.String("symbol", req.Symbol))
	futQty, err := e.FuturesQty(ctx, req.Symbol, req.FuturesPrice, req.NotionalUSD)
	if err != nil {
		res := failed(err)
		return OpenResult{Futures: res, Error: "Futures error: " + res.Error, ErrorCode: res.ErrorCode}
	}
	spotQuote := req.NotionalUSD
	if minNotional, _ := futQty.Mul(decimal.NewFromFloat(req.FuturesPrice)).Float64(); minNotional > req.NotionalUSD {
		spotQuote = minNotional
	}
	quote := quoteAmount(spotQuote)
	if !quote.IsPositive() {
		res := failed(fmt.Errorf("spot quote amount %v rounds to zero", spotQuote))
		return OpenResult{Spot: res, Error: "Spot error: " + res.Error}
	}
	before, err := e.balance(ctx, req.Symbol)
	if err != nil {
		res := failed(err)
		return OpenResult{Spot: res, Error: "Spot error: " + res.Error, ErrorCode: res.ErrorCode}
	}

	futOrderID, err := e.PlaceOrder(ctx, rest.OrderRequest{
		Category:    rest.CategoryLinear,
		Symbol:      req.Symbol,
		Side:        sideSell,
		OrderType:   orderMarket,
		Qty:         futQty.String(),
		TimeInForce: tifIOC,
		PositionIdx: intPtr(0),
	})
	if err != nil {
		res := failed(err)
		log.Warn("futures leg failed, nothing committed", zap.Error(err))
		return OpenResult{Futures: res, Error: "Futures error: " + res.Error, ErrorCode: res.ErrorCode}
	}
	fq, _ := futQty.Float64()
	futures := Result{Success: true, OrderID: futOrderID, Qty: fq, Price: req.FuturesPrice}

	spotOrderID, err := e.PlaceOrder(ctx, rest.OrderRequest{
		Category:   rest.CategorySpot,
		Symbol:     req.Symbol,
		Side:       sideBuy,
		OrderType:  orderMarket,
		Qty:        quote.StringFixed(quoteAmountPlaces),
		MarketUnit: unitQuote,
		IsLeverage: intPtr(0),
	})
	if err != nil {
		res := failed(err)
		e.metrics.PartialHedges.Inc()
		log.Error("spot leg failed after futures opened",
			zap.String("futures_order_id", futOrderID),
			zap.Float64("futures_qty", fq),
			zap.Error(err),
		)
		return OpenResult{
			Futures:      futures,
			Spot:         res,
			PartialHedge: true,
			Error:        "Spot error after futures opened: " + res.Error,
			ErrorCode:    res.ErrorCode,
		}
	}

	spotQty := e.filledSpotQty(ctx, req, before, spotQuote)
	return OpenResult{
		Success: true,
		Futures: futures,
		Spot:    Result{Success: true, OrderID: spotOrderID, Qty: spotQty, Price: req.SpotPrice},
	}
}

// filledSpotQty is the wallet delta across the buy. When the balance cannot be
// read or has not moved yet, the fill is estimated from the quote amount.
func (e *Engine) filledSpotQty(ctx context.Context, req OpenRequest, before, quote float64) float64 {
	after, err := e.balance(ctx, req.Symbol)
	if err == nil && after-before > 0 {
		return after - before
	}
	estimate := 0.0
	if req.SpotPrice > 0 {
		estimate = quote / req.SpotPrice
	}
	e.log.Warn("spot fill not visible in wallet, using estimate",
		zap.String("symbol", req.Symbol),
		zap.Float64("before", before),
		zap.Float64("after", after),
		zap.Float64("estimate", estimate),
		zap.Error(err),
	)
	return estimate
}

// CloseRequest prices the exit at the spot bid and the futures ask.
// FuturesQty comes from the ledger. A leg marked closed is skipped, so a retry
// after a partial close only works the leg still open.
type CloseRequest struct {
	Symbol        string
	FuturesQty    float64
	SpotPrice     float64
	FuturesPrice  float64
	SpotClosed    bool
	FuturesClosed bool
}

type CloseResult struct {
	Success bool
	Spot    Result
	Futures Result
	Error   string
}

// Close sells the wallet's spot balance and buys back the ledger's futures
// quantity reduce-only. Both legs are attempted independently.
func (e *Engine) Close(ctx context.Context, req CloseRequest) CloseResult {
	var out CloseResult
	if req.SpotClosed {
		out.Spot = Result{Success: true}
	} else {
		out.Spot = e.closeSpot(ctx, req)
	}
	if req.FuturesClosed {
		out.Futures = Result{Success: true}
	} else {
		out.Futures = e.closeFutures(ctx, req)
	}
	out.Success = out.Spot.Success && out.Futures.Success
	switch {
	case !out.Spot.Success && !out.Futures.Success:
		out.Error = fmt.Sprintf("Spot error: %s; Futures error: %s", out.Spot.Error, out.Futures.Error)
	case !out.Spot.Success:
		out.Error = "Spot error: " + out.Spot.Error
	case !out.Futures.Success:
		out.Error = "Futures error: " + out.Futures.Error
	}
	return out
}

func (e *Engine) closeSpot(ctx context.Context, req CloseRequest) Result {
	rules, err := e.Rules(ctx, rest.CategorySpot, req.Symbol)
	if err != nil {
		return failed(err)
	}
	held, err := e.balance(ctx, req.Symbol)
	if err != nil {
		return failed(err)
	}
	qty := rules.RoundDown(held)
	if !qty.IsPositive() || qty.LessThan(rules.MinQty) {
		return failed(fmt.Errorf("spot balance %v of %s below minimum order", held, e.BaseCoin(req.Symbol)))
	}
	orderID, err := e.PlaceOrder(ctx, rest.OrderRequest{
		Category:   rest.CategorySpot,
		Symbol:     req.Symbol,
		Side:       sideSell,
		OrderType:  orderMarket,
		Qty:        qty.String(),
		MarketUnit: unitBase,
		IsLeverage: intPtr(0),
	})
	if err != nil {
		return failed(err)
	}
	q, _ := qty.Float64()
	return Result{Success: true, OrderID: orderID, Qty: q, Price: req.SpotPrice}
}

func (e *Engine) closeFutures(ctx context.Context, req CloseRequest) Result {
	rules, err := e.Rules(ctx, rest.CategoryLinear, req.Symbol)
	if err != nil {
		return failed(err)
	}
	qty := rules.RoundDown(req.FuturesQty)
	if !qty.IsPositive() {
		return failed(fmt.Errorf("futures quantity %v rounds to zero", req.FuturesQty))
	}
	orderID, err := e.PlaceOrder(ctx, rest.OrderRequest{
		Category:    rest.CategoryLinear,
		Symbol:      req.Symbol,
		Side:        sideBuy,
		OrderType:   orderMarket,
		Qty:         qty.String(),
		TimeInForce: tifIOC,
		PositionIdx: intPtr(0),
		ReduceOnly:  true,
	})
	if err != nil {
		return failed(err)
	}
	q, _ := qty.Float64()
	if diff := math.Abs(q - req.FuturesQty); diff > e.tolerance {
		e.log.Warn("futures close quantity differs from ledger",
			zap.String("symbol", req.Symbol),
			zap.Float64("ledger_qty", req.FuturesQty),
			zap.Float64("closed_qty", q),
		)
	}
	return Result{Success: true, OrderID: orderID, Qty: q, Price: req.FuturesPrice}
}
