package rest

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

type listResult[T any] struct {
	Category       string `json:"category"`
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

func (c *Client) Tickers(ctx context.Context, category string) ([]Ticker, error) {
	return c.tickers(ctx, url.Values{"category": {category}})
}

func (c *Client) Ticker(ctx context.Context, category, symbol string) (Ticker, error) {
	list, err := c.tickers(ctx, url.Values{"category": {category}, "symbol": {symbol}})
	if err != nil {
		return Ticker{}, err
	}
	if len(list) == 0 {
		return Ticker{}, fmt.Errorf("%w: ticker %s %s", ErrNoData, category, symbol)
	}
	return list[0], nil
}

func (c *Client) tickers(ctx context.Context, params url.Values) ([]Ticker, error) {
	resp, err := c.Get(ctx, "/market/tickers", params)
	if err != nil {
		return nil, err
	}
	var result listResult[Ticker]
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// FundingRate returns the current linear funding rate in percent.
func (c *Client) FundingRate(ctx context.Context, symbol string) (float64, error) {
	ticker, err := c.Ticker(ctx, CategoryLinear, symbol)
	if err != nil {
		return 0, err
	}
	rate, ok := ticker.FundingRatePct()
	if !ok {
		return 0, fmt.Errorf("%w: funding rate %s", ErrNoData, symbol)
	}
	return rate, nil
}

type orderBookResult struct {
	Symbol string     `json:"s"`
	Bids   [][2]Float `json:"b"`
	Asks   [][2]Float `json:"a"`
}

// OrderBook returns the best bid and ask. A side with no levels is an error.
func (c *Client) OrderBook(ctx context.Context, category, symbol string) (BookTop, error) {
	resp, err := c.Get(ctx, "/market/orderbook", url.Values{
		"category": {category},
		"symbol":   {symbol},
		"limit":    {"1"},
	})
	if err != nil {
		return BookTop{}, err
	}
	var result orderBookResult
	if err := resp.Decode(&result); err != nil {
		return BookTop{}, err
	}
	if len(result.Bids) == 0 || len(result.Asks) == 0 {
		return BookTop{}, fmt.Errorf("%w: orderbook %s %s", ErrNoData, category, symbol)
	}
	bid, ask := result.Bids[0], result.Asks[0]
	if !bid[0].Valid || !ask[0].Valid || bid[0].Value <= 0 || ask[0].Value <= 0 {
		return BookTop{}, fmt.Errorf("%w: orderbook %s %s", ErrNoData, category, symbol)
	}
	return BookTop{
		Symbol:  symbol,
		Bid:     bid[0].Value,
		BidSize: bid[1].Value,
		Ask:     ask[0].Value,
		AskSize: ask[1].Value,
	}, nil
}

type instrumentEntry struct {
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		BasePrecision string `json:"basePrecision"`
		QtyStep       string `json:"qtyStep"`
		MinOrderQty   string `json:"minOrderQty"`
		MinOrderAmt   string `json:"minOrderAmt"`
	} `json:"lotSizeFilter"`
}

func (c *Client) InstrumentInfo(ctx context.Context, category, symbol string) (Instrument, error) {
	resp, err := c.Get(ctx, "/market/instruments-info", url.Values{
		"category": {category},
		"symbol":   {symbol},
	})
	if err != nil {
		return Instrument{}, err
	}
	var result listResult[instrumentEntry]
	if err := resp.Decode(&result); err != nil {
		return Instrument{}, err
	}
	for _, entry := range result.List {
		if !strings.EqualFold(entry.Symbol, symbol) {
			continue
		}
		return Instrument{
			Symbol:        entry.Symbol,
			Category:      category,
			Status:        entry.Status,
			BasePrecision: entry.LotSizeFilter.BasePrecision,
			QtyStep:       entry.LotSizeFilter.QtyStep,
			MinOrderQty:   entry.LotSizeFilter.MinOrderQty,
			MinOrderAmt:   entry.LotSizeFilter.MinOrderAmt,
		}, nil
	}
	return Instrument{}, fmt.Errorf("%w: instrument %s %s", ErrNoData, category, symbol)
}
