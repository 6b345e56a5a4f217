package rest

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

const (
	CategorySpot   = "spot"
	CategoryLinear = "linear"
)

// Float decodes the exchange's string-encoded numbers. Empty strings decode to
// zero and leave Valid false.
type Float struct {
	Value float64
	Valid bool
}

func (f *Float) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = Float{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = Float{}
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*f = Float{Value: v, Valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float{Value: v, Valid: true}
	return nil
}

type Ticker struct {
	Symbol      string `json:"symbol"`
	LastPrice   Float  `json:"lastPrice"`
	Bid1Price   Float  `json:"bid1Price"`
	Ask1Price   Float  `json:"ask1Price"`
	FundingRate Float  `json:"fundingRate"`
	Volume24h   Float  `json:"volume24h"`
	Turnover24h Float  `json:"turnover24h"`
}

// FundingRatePct is the linear funding rate as a percentage.
func (t Ticker) FundingRatePct() (float64, bool) {
	if !t.FundingRate.Valid {
		return 0, false
	}
	return t.FundingRate.Value * 100, true
}

type BookTop struct {
	Symbol  string
	Bid     float64
	BidSize float64
	Ask     float64
	AskSize float64
}

type Instrument struct {
	Symbol        string
	Category      string
	Status        string
	BasePrecision string
	QtyStep       string
	MinOrderQty   string
	MinOrderAmt   string
}

type OrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	MarketUnit  string `json:"marketUnit,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	PositionIdx *int   `json:"positionIdx,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	IsLeverage  *int   `json:"isLeverage,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type OrderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}
