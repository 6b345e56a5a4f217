package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bybit-carry-bot/internal/state"
)

const closedColumns = `id, symbol, spot_entry_price, futures_entry_price, spot_exit_price,
	futures_exit_price, spot_qty, futures_qty, entry_spread_pct, close_spread_pct,
	total_entries, funding_rounds, soft_close, entry_time_ms, close_time_ms, net_pnl,
	price_pnl, spot_pnl, futures_pnl, funding_pnl, commission`

// ArchivePosition removes the open position and appends its closed record in
// one transaction. Either both happen or neither does.
func (s *Store) ArchivePosition(ctx context.Context, closed state.ClosedPosition) (state.ClosedPosition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return state.ClosedPosition{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, closed.Symbol)
	if err != nil {
		return state.ClosedPosition{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return state.ClosedPosition{}, fmt.Errorf("archive %s: %w", closed.Symbol, sql.ErrNoRows)
	}
	res, err = tx.ExecContext(ctx, `INSERT INTO closed_positions (
		symbol, spot_entry_price, futures_entry_price, spot_exit_price, futures_exit_price,
		spot_qty, futures_qty, entry_spread_pct, close_spread_pct, total_entries,
		funding_rounds, soft_close, entry_time_ms, close_time_ms, net_pnl, price_pnl,
		spot_pnl, futures_pnl, funding_pnl, commission
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		closed.Symbol, closed.SpotEntryPrice, closed.FuturesEntryPrice, closed.SpotExitPrice,
		closed.FuturesExitPrice, closed.SpotQty, closed.FuturesQty, closed.EntrySpreadPct,
		closed.CloseSpreadPct, closed.TotalEntries, closed.FundingRounds, boolInt(closed.SoftClose),
		toMillis(closed.EntryTime), toMillis(closed.CloseTime), closed.PnL.Net, closed.PnL.Price,
		closed.PnL.Spot, closed.PnL.Futures, closed.PnL.Funding, closed.PnL.Commission,
	)
	if err != nil {
		return state.ClosedPosition{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return state.ClosedPosition{}, err
	}
	if err := tx.Commit(); err != nil {
		return state.ClosedPosition{}, err
	}
	closed.ID = id
	return closed, nil
}

func scanClosed(row rowScanner) (state.ClosedPosition, error) {
	var (
		c         state.ClosedPosition
		softClose int
		entryMS   int64
		closeMS   int64
	)
	err := row.Scan(
		&c.ID, &c.Symbol, &c.SpotEntryPrice, &c.FuturesEntryPrice, &c.SpotExitPrice,
		&c.FuturesExitPrice, &c.SpotQty, &c.FuturesQty, &c.EntrySpreadPct, &c.CloseSpreadPct,
		&c.TotalEntries, &c.FundingRounds, &softClose, &entryMS, &closeMS, &c.PnL.Net,
		&c.PnL.Price, &c.PnL.Spot, &c.PnL.Futures, &c.PnL.Funding, &c.PnL.Commission,
	)
	if err != nil {
		return state.ClosedPosition{}, err
	}
	c.SoftClose = softClose != 0
	c.EntryTime = fromMillis(entryMS)
	c.CloseTime = fromMillis(closeMS)
	return c, nil
}

func collectClosed(rows *sql.Rows) ([]state.ClosedPosition, error) {
	defer rows.Close()
	var out []state.ClosedPosition
	for rows.Next() {
		c, err := scanClosed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListClosed returns the most recent closes first.
func (s *Store) ListClosed(ctx context.Context, limit int) ([]state.ClosedPosition, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+closedColumns+` FROM closed_positions ORDER BY close_time_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectClosed(rows)
}

func (s *Store) ListClosedBetween(ctx context.Context, from, to time.Time) ([]state.ClosedPosition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+closedColumns+` FROM closed_positions
		WHERE close_time_ms >= ? AND close_time_ms < ? ORDER BY close_time_ms, id`,
		from.UnixMilli(), to.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return collectClosed(rows)
}

func (s *Store) ClosedStats(ctx context.Context) (state.Stats, error) {
	var (
		stats      state.Stats
		total      sql.NullFloat64
		avg        sql.NullFloat64
		best       sql.NullFloat64
		worst      sql.NullFloat64
		funding    sql.NullFloat64
		commission sql.NullFloat64
		wins       sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*), SUM(net_pnl), AVG(net_pnl),
		SUM(CASE WHEN net_pnl > 0 THEN 1 ELSE 0 END),
		MAX(net_pnl), MIN(net_pnl), SUM(funding_pnl), SUM(commission)
		FROM closed_positions`,
	).Scan(&stats.TotalTrades, &total, &avg, &wins, &best, &worst, &funding, &commission)
	if err != nil {
		return state.Stats{}, err
	}
	stats.TotalNetPnL = total.Float64
	stats.AvgNetPnL = avg.Float64
	stats.Wins = int(wins.Int64)
	stats.Losses = stats.TotalTrades - stats.Wins
	stats.BestTrade = best.Float64
	stats.WorstTrade = worst.Float64
	stats.TotalFunding = funding.Float64
	stats.TotalCommission = commission.Float64
	if stats.TotalTrades > 0 {
		stats.WinRatePct = float64(stats.Wins) / float64(stats.TotalTrades) * 100
	}
	return stats, nil
}

// SymbolStats lists symbols with at least minTrades closes and a positive
// total, best first.
func (s *Store) SymbolStats(ctx context.Context, minTrades int) ([]state.SymbolStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, COUNT(*), SUM(net_pnl), AVG(net_pnl)
		FROM closed_positions GROUP BY symbol
		HAVING COUNT(*) >= ? AND SUM(net_pnl) > 0
		ORDER BY SUM(net_pnl) DESC`, minTrades)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.SymbolStats
	for rows.Next() {
		var st state.SymbolStats
		if err := rows.Scan(&st.Symbol, &st.Trades, &st.TotalNetPnL, &st.AvgNetPnL); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
