package state

import "time"

// Position is one open hedge. Prices are per unit of the base coin, spreads
// are percentages.
type Position struct {
	Symbol               string    `json:"symbol"`
	SpotEntryPrice       float64   `json:"spot_entry_price"`
	FuturesEntryPrice    float64   `json:"futures_entry_price"`
	AvgSpotEntryPrice    float64   `json:"average_spot_entry_price"`
	AvgFuturesEntryPrice float64   `json:"average_futures_entry_price"`
	SpotQty              float64   `json:"spot_qty"`
	FuturesQty           float64   `json:"futures_qty"`
	EntrySpreadPct       float64   `json:"entry_spread_pct"`
	LastEntrySpreadPct   float64   `json:"last_entry_spread_pct"`
	TotalEntries         int       `json:"total_entries"`
	EntryTime            time.Time `json:"entry_time"`
	LastAdditionTime     time.Time `json:"last_addition_time,omitzero"`
	FundingPaymentsCount int       `json:"funding_payments_count"`
	LowFRCount           int       `json:"low_fr_count"`
	SoftCloseActive      bool      `json:"soft_close_active"`
	LastFundingCheckTime time.Time `json:"last_funding_check_time,omitzero"`
	SpotOrderID          string    `json:"spot_order_id,omitempty"`
	FuturesOrderID       string    `json:"futures_order_id,omitempty"`
}

// SpotNotional and FuturesNotional are the entry notionals at the average prices.
func (p Position) SpotNotional() float64 {
	return p.AvgSpotEntryPrice * p.SpotQty
}

func (p Position) FuturesNotional() float64 {
	return p.AvgFuturesEntryPrice * p.FuturesQty
}

type PnL struct {
	Net        float64 `json:"net"`
	Price      float64 `json:"price"`
	Spot       float64 `json:"spot"`
	Futures    float64 `json:"futures"`
	Funding    float64 `json:"funding"`
	Commission float64 `json:"commission"`
}

// ClosedPosition is written once per close and never updated.
type ClosedPosition struct {
	ID                int64     `json:"id"`
	Symbol            string    `json:"symbol"`
	SpotEntryPrice    float64   `json:"spot_entry_price"`
	FuturesEntryPrice float64   `json:"futures_entry_price"`
	SpotExitPrice     float64   `json:"spot_exit_price"`
	FuturesExitPrice  float64   `json:"futures_exit_price"`
	SpotQty           float64   `json:"spot_qty"`
	FuturesQty        float64   `json:"futures_qty"`
	EntrySpreadPct    float64   `json:"entry_spread_pct"`
	CloseSpreadPct    float64   `json:"close_spread_pct"`
	TotalEntries      int       `json:"total_entries"`
	FundingRounds     int       `json:"funding_rounds"`
	SoftClose         bool      `json:"soft_close"`
	EntryTime         time.Time `json:"entry_time"`
	CloseTime         time.Time `json:"close_time"`
	PnL               PnL       `json:"pnl"`
}

func (c ClosedPosition) Duration() time.Duration {
	if c.EntryTime.IsZero() || c.CloseTime.Before(c.EntryTime) {
		return 0
	}
	return c.CloseTime.Sub(c.EntryTime)
}

type BlacklistEntry struct {
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason"`
	ErrorCode *int      `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Stats struct {
	TotalTrades     int     `json:"total_trades"`
	TotalNetPnL     float64 `json:"total_net_pnl"`
	AvgNetPnL       float64 `json:"avg_net_pnl"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRatePct      float64 `json:"win_rate_pct"`
	BestTrade       float64 `json:"best_trade"`
	WorstTrade      float64 `json:"worst_trade"`
	TotalFunding    float64 `json:"total_funding"`
	TotalCommission float64 `json:"total_commission"`
}

type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	Trades      int     `json:"trades"`
	TotalNetPnL float64 `json:"total_net_pnl"`
	AvgNetPnL   float64 `json:"avg_net_pnl"`
}
