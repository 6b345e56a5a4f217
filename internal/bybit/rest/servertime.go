package rest

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

type serverTimeResult struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

// ServerTime queries the exchange clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := c.Get(ctx, "/market/time", nil)
	if err != nil {
		return time.Time{}, err
	}
	if err := resp.Err(); err != nil {
		return time.Time{}, err
	}
	var result serverTimeResult
	if len(resp.Result) > 0 {
		if err := resp.Decode(&result); err != nil {
			return time.Time{}, err
		}
	}
	if nanos, err := strconv.ParseInt(result.TimeNano, 10, 64); err == nil && nanos > 0 {
		return time.Unix(0, nanos), nil
	}
	if resp.Time > 0 {
		return time.UnixMilli(resp.Time), nil
	}
	if secs, err := strconv.ParseInt(result.TimeSecond, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, ErrNoData
}

// ClockOffset is exchange time minus local time, sampled at the request midpoint.
func (c *Client) ClockOffset(ctx context.Context) (time.Duration, error) {
	before := c.now()
	server, err := c.ServerTime(ctx)
	if err != nil {
		return 0, err
	}
	after := c.now()
	local := before.Add(after.Sub(before) / 2)
	return server.Sub(local), nil
}

// CorrectedTimestamp is the local clock shifted onto exchange time, in
// milliseconds, refreshed on every call.
func (c *Client) CorrectedTimestamp(ctx context.Context) (int64, error) {
	offset, err := c.ClockOffset(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTimestamp, err)
	}
	return c.now().Add(offset).UnixMilli(), nil
}
