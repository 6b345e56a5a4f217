package rest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	accountTypeUnified = "UNIFIED"
	execTypeFunding    = "Funding"
	executionPageLimit = "100"
	executionWindow    = 7 * 24 * time.Hour
	maxExecutionPages  = 50
)

type walletEntry struct {
	AccountType string `json:"accountType"`
	Coin        []struct {
		Coin                string `json:"coin"`
		WalletBalance       Float  `json:"walletBalance"`
		AvailableToWithdraw Float  `json:"availableToWithdraw"`
	} `json:"coin"`
}

// WalletBalance returns the withdrawable amount of coin in the unified
// account, falling back to the wallet balance when the former is blank.
// A coin absent from a valid response has a zero balance.
func (c *Client) WalletBalance(ctx context.Context, coin string) (float64, error) {
	resp, err := c.GetSigned(ctx, "/account/wallet-balance", url.Values{
		"accountType": {accountTypeUnified},
		"coin":        {coin},
	})
	if err != nil {
		return 0, err
	}
	var result listResult[walletEntry]
	if err := resp.Decode(&result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("%w: wallet balance %s", ErrNoData, coin)
	}
	for _, entry := range result.List {
		for _, held := range entry.Coin {
			if !strings.EqualFold(held.Coin, coin) {
				continue
			}
			if held.AvailableToWithdraw.Valid {
				return held.AvailableToWithdraw.Value, nil
			}
			return held.WalletBalance.Value, nil
		}
	}
	return 0, nil
}

type executionEntry struct {
	Symbol   string `json:"symbol"`
	ExecType string `json:"execType"`
	ExecFee  Float  `json:"execFee"`
	ExecTime string `json:"execTime"`
}

// FundingReceived sums funding settlements for a linear symbol between start
// and end. The exchange reports funding paid as a positive fee, so the amount
// received is the negated fee. Queries are split into 7-day windows.
func (c *Client) FundingReceived(ctx context.Context, symbol string, start, end time.Time) (float64, error) {
	if !end.After(start) {
		return 0, nil
	}
	var total float64
	for windowStart := start; windowStart.Before(end); windowStart = windowStart.Add(executionWindow) {
		windowEnd := windowStart.Add(executionWindow)
		if windowEnd.After(end) {
			windowEnd = end
		}
		sum, err := c.fundingWindow(ctx, symbol, windowStart, windowEnd)
		if err != nil {
			return 0, err
		}
		total += sum
	}
	return total, nil
}

func (c *Client) fundingWindow(ctx context.Context, symbol string, start, end time.Time) (float64, error) {
	var total float64
	cursor := ""
	for page := 0; page < maxExecutionPages; page++ {
		params := url.Values{
			"category":  {CategoryLinear},
			"symbol":    {symbol},
			"execType":  {execTypeFunding},
			"startTime": {strconv.FormatInt(start.UnixMilli(), 10)},
			"endTime":   {strconv.FormatInt(end.UnixMilli(), 10)},
			"limit":     {executionPageLimit},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp, err := c.GetSigned(ctx, "/execution/list", params)
		if err != nil {
			return 0, err
		}
		var result listResult[executionEntry]
		if err := resp.Decode(&result); err != nil {
			return 0, err
		}
		for _, entry := range result.List {
			if entry.ExecType != "" && entry.ExecType != execTypeFunding {
				continue
			}
			total -= entry.ExecFee.Value
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}
	return total, nil
}
