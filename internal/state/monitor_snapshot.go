package state

import (
	"context"
	"encoding/json"
	"strings"
)

const monitorSnapshotPrefix = "monitor:snapshot:"

// MonitorSnapshot is the last round seen by a symbol's monitor task.
type MonitorSnapshot struct {
	Symbol          string  `json:"symbol"`
	State           string  `json:"state"`
	Round           int     `json:"round"`
	FundingRate     float64 `json:"funding_rate"`
	EntrySpreadPct  float64 `json:"entry_spread_pct"`
	CloseSpreadPct  float64 `json:"close_spread_pct"`
	SoftCloseActive bool    `json:"soft_close_active"`
	LowFRCount      int     `json:"low_fr_count"`
	UpdatedAtMS     int64   `json:"updated_at_ms"`
}

func MonitorSnapshotKey(symbol string) string {
	return monitorSnapshotPrefix + strings.ToUpper(symbol)
}

func LoadMonitorSnapshot(ctx context.Context, store Store, symbol string) (MonitorSnapshot, bool, error) {
	if store == nil {
		return MonitorSnapshot{}, false, nil
	}
	raw, ok, err := store.Get(ctx, MonitorSnapshotKey(symbol))
	if err != nil {
		return MonitorSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return MonitorSnapshot{}, false, nil
	}
	var snapshot MonitorSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return MonitorSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveMonitorSnapshot(ctx context.Context, store Store, snapshot MonitorSnapshot) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, MonitorSnapshotKey(snapshot.Symbol), string(payload))
}

func ClearMonitorSnapshot(ctx context.Context, store Store, symbol string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, MonitorSnapshotKey(symbol))
}
