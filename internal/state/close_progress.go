package state

import (
	"context"
	"encoding/json"
	"strings"
)

const closeProgressPrefix = "monitor:close:"

// CloseLeg is a leg that has already been flattened on the exchange.
type CloseLeg struct {
	OrderID string  `json:"order_id"`
	Qty     float64 `json:"qty"`
	Price   float64 `json:"price"`
}

// CloseProgress marks a position whose close has started. A nil leg is still
// open on the exchange.
type CloseProgress struct {
	Symbol      string    `json:"symbol"`
	Spot        *CloseLeg `json:"spot,omitempty"`
	Futures     *CloseLeg `json:"futures,omitempty"`
	Attempts    int       `json:"attempts"`
	StartedAtMS int64     `json:"started_at_ms"`
	UpdatedAtMS int64     `json:"updated_at_ms"`
}

func CloseProgressKey(symbol string) string {
	return closeProgressPrefix + strings.ToUpper(symbol)
}

func LoadCloseProgress(ctx context.Context, store Store, symbol string) (CloseProgress, bool, error) {
	if store == nil {
		return CloseProgress{}, false, nil
	}
	raw, ok, err := store.Get(ctx, CloseProgressKey(symbol))
	if err != nil {
		return CloseProgress{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return CloseProgress{}, false, nil
	}
	var progress CloseProgress
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return CloseProgress{}, false, err
	}
	return progress, true, nil
}

func SaveCloseProgress(ctx context.Context, store Store, progress CloseProgress) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return store.Set(ctx, CloseProgressKey(progress.Symbol), string(payload))
}

func ClearCloseProgress(ctx context.Context, store Store, symbol string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, CloseProgressKey(symbol))
}
