package sqlite

import (
	"context"
	"database/sql"

	"bybit-carry-bot/internal/state"
)

func (s *Store) ListBlacklist(ctx context.Context) ([]state.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, reason, error_code, created_ms FROM blacklist ORDER BY created_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.BlacklistEntry
	for rows.Next() {
		var (
			entry     state.BlacklistEntry
			code      sql.NullInt64
			createdMS int64
		)
		if err := rows.Scan(&entry.Symbol, &entry.Reason, &code, &createdMS); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			entry.ErrorCode = &c
		}
		entry.CreatedAt = fromMillis(createdMS)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// AddBlacklist inserts or replaces the entry for a symbol.
func (s *Store) AddBlacklist(ctx context.Context, entry state.BlacklistEntry) error {
	var code sql.NullInt64
	if entry.ErrorCode != nil {
		code = sql.NullInt64{Int64: int64(*entry.ErrorCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO blacklist (symbol, reason, error_code, created_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET reason = excluded.reason, error_code = excluded.error_code, created_ms = excluded.created_ms`,
		entry.Symbol, entry.Reason, code, toMillis(entry.CreatedAt),
	)
	return err
}

func (s *Store) RemoveBlacklist(ctx context.Context, symbol string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blacklist WHERE symbol = ?`, symbol)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
