package rest

import (
	"context"
	"strconv"
)

// retCodeLeverageNotModified is returned when the requested leverage is
// already set.
const retCodeLeverageNotModified = 110043

func (c *Client) CreateOrder(ctx context.Context, order OrderRequest) (OrderAck, error) {
	resp, err := c.Post(ctx, "/order/create", order)
	if err != nil {
		return OrderAck{}, err
	}
	var ack OrderAck
	if err := resp.Decode(&ack); err != nil {
		return OrderAck{}, err
	}
	if ack.OrderID == "" {
		return OrderAck{}, ErrNoData
	}
	return ack, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	resp, err := c.Post(ctx, "/position/set-leverage", map[string]string{
		"category":     CategoryLinear,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	})
	if err != nil {
		return err
	}
	if resp.RetCode == retCodeLeverageNotModified {
		return nil
	}
	return resp.Err()
}
