package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bybit-carry-bot/internal/state"
)

const positionColumns = `symbol, spot_entry_price, futures_entry_price, avg_spot_entry_price,
	avg_futures_entry_price, spot_qty, futures_qty, entry_spread_pct, last_entry_spread_pct,
	total_entries, entry_time_ms, last_addition_ms, funding_payments_count, low_fr_count,
	soft_close_active, last_funding_check_ms, spot_order_id, futures_order_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (state.Position, error) {
	var (
		pos          state.Position
		entryMS      int64
		lastAddition sql.NullInt64
		lastFunding  sql.NullInt64
		softClose    int
	)
	err := row.Scan(
		&pos.Symbol, &pos.SpotEntryPrice, &pos.FuturesEntryPrice, &pos.AvgSpotEntryPrice,
		&pos.AvgFuturesEntryPrice, &pos.SpotQty, &pos.FuturesQty, &pos.EntrySpreadPct,
		&pos.LastEntrySpreadPct, &pos.TotalEntries, &entryMS, &lastAddition,
		&pos.FundingPaymentsCount, &pos.LowFRCount, &softClose, &lastFunding,
		&pos.SpotOrderID, &pos.FuturesOrderID,
	)
	if err != nil {
		return state.Position{}, err
	}
	pos.EntryTime = fromMillis(entryMS)
	if lastAddition.Valid {
		pos.LastAdditionTime = fromMillis(lastAddition.Int64)
	}
	if lastFunding.Valid {
		pos.LastFundingCheckTime = fromMillis(lastFunding.Int64)
	}
	pos.SoftCloseActive = softClose != 0
	return pos, nil
}

func positionArgs(pos state.Position) []any {
	return []any{
		pos.Symbol, pos.SpotEntryPrice, pos.FuturesEntryPrice, pos.AvgSpotEntryPrice,
		pos.AvgFuturesEntryPrice, pos.SpotQty, pos.FuturesQty, pos.EntrySpreadPct,
		pos.LastEntrySpreadPct, pos.TotalEntries, toMillis(pos.EntryTime),
		nullMillis(pos.LastAdditionTime), pos.FundingPaymentsCount, pos.LowFRCount,
		boolInt(pos.SoftCloseActive), nullMillis(pos.LastFundingCheckTime),
		pos.SpotOrderID, pos.FuturesOrderID,
	}
}

func (s *Store) GetPosition(ctx context.Context, symbol string) (state.Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE symbol = ?`, symbol)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.Position{}, false, nil
		}
		return state.Position{}, false, err
	}
	return pos, true, nil
}

func (s *Store) CreatePosition(ctx context.Context, pos state.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (`+positionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		positionArgs(pos)...,
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %s", ErrPositionExists, pos.Symbol)
	}
	return err
}

func (s *Store) SavePosition(ctx context.Context, pos state.Position) error {
	args := positionArgs(pos)
	res, err := s.db.ExecContext(ctx, `UPDATE positions SET
		spot_entry_price = ?, futures_entry_price = ?, avg_spot_entry_price = ?,
		avg_futures_entry_price = ?, spot_qty = ?, futures_qty = ?, entry_spread_pct = ?,
		last_entry_spread_pct = ?, total_entries = ?, entry_time_ms = ?, last_addition_ms = ?,
		funding_payments_count = ?, low_fr_count = ?, soft_close_active = ?,
		last_funding_check_ms = ?, spot_order_id = ?, futures_order_id = ?
		WHERE symbol = ?`,
		append(args[1:], pos.Symbol)...,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save position %s: %w", pos.Symbol, sql.ErrNoRows)
	}
	return nil
}

func (s *Store) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	return err
}

func (s *Store) ListPositions(ctx context.Context) ([]state.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY entry_time_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
