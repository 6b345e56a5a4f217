package state

import (
	"context"
	"time"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// PositionRepository persists open positions, one row per symbol.
type PositionRepository interface {
	GetPosition(ctx context.Context, symbol string) (Position, bool, error)
	CreatePosition(ctx context.Context, pos Position) error
	SavePosition(ctx context.Context, pos Position) error
	DeletePosition(ctx context.Context, symbol string) error
	ListPositions(ctx context.Context) ([]Position, error)
}

// ArchiveRepository owns the append-only closed position history.
// ArchivePosition must delete the open row and insert the closed row in one
// transaction.
type ArchiveRepository interface {
	ArchivePosition(ctx context.Context, closed ClosedPosition) (ClosedPosition, error)
	ListClosed(ctx context.Context, limit int) ([]ClosedPosition, error)
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]ClosedPosition, error)
	ClosedStats(ctx context.Context) (Stats, error)
	SymbolStats(ctx context.Context, minTrades int) ([]SymbolStats, error)
}

type BlacklistRepository interface {
	ListBlacklist(ctx context.Context) ([]BlacklistEntry, error)
	AddBlacklist(ctx context.Context, entry BlacklistEntry) error
	RemoveBlacklist(ctx context.Context, symbol string) (bool, error)
}
