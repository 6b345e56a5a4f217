package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bybit-carry-bot/internal/config"
	"bybit-carry-bot/internal/state"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// MonitorSample is one supervision round of an open position.
type MonitorSample struct {
	Time            time.Time
	Symbol          string
	State           string
	Round           int
	FundingRate     float64
	EntrySpreadPct  float64
	CloseSpreadPct  float64
	SpotBid         float64
	SpotAsk         float64
	FuturesBid      float64
	FuturesAsk      float64
	LowFRCount      int
	SoftCloseActive bool
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	samples    chan MonitorSample
	trades     chan state.ClosedPosition
	started    atomic.Bool
	dropSample atomic.Uint64
	dropTrade  atomic.Uint64
}

// New returns a nil writer when the sink is disabled; every method is safe on
// a nil receiver.
func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		samples: make(chan MonitorSample, queueSize),
		trades:  make(chan state.ClosedPosition, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// EnqueueSample never blocks; a full queue drops the sample.
func (w *Writer) EnqueueSample(sample MonitorSample) {
	if w == nil {
		return
	}
	select {
	case w.samples <- sample:
	default:
		if w.dropSample.Add(1) == 1 {
			w.log.Warn("timescale sample queue full")
		}
	}
}

func (w *Writer) EnqueueTrade(trade state.ClosedPosition) {
	if w == nil {
		return
	}
	select {
	case w.trades <- trade:
	default:
		if w.dropTrade.Add(1) == 1 {
			w.log.Warn("timescale trade queue full")
		}
	}
}

// Dropped reports samples and trades lost to a full queue.
func (w *Writer) Dropped() (uint64, uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropSample.Load(), w.dropTrade.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-w.samples:
			w.writeSample(ctx, sample)
		case trade := <-w.trades:
			w.writeTrade(ctx, trade)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		state TEXT NOT NULL,
		round INTEGER NOT NULL,
		funding_rate DOUBLE PRECISION NOT NULL,
		entry_spread_pct DOUBLE PRECISION NOT NULL,
		close_spread_pct DOUBLE PRECISION NOT NULL,
		spot_bid DOUBLE PRECISION NOT NULL,
		spot_ask DOUBLE PRECISION NOT NULL,
		futures_bid DOUBLE PRECISION NOT NULL,
		futures_ask DOUBLE PRECISION NOT NULL,
		low_fr_count INTEGER NOT NULL,
		soft_close_active BOOLEAN NOT NULL
	)`, w.table("monitor_samples"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		entry_time TIMESTAMPTZ NOT NULL,
		spot_entry_price DOUBLE PRECISION NOT NULL,
		futures_entry_price DOUBLE PRECISION NOT NULL,
		spot_exit_price DOUBLE PRECISION NOT NULL,
		futures_exit_price DOUBLE PRECISION NOT NULL,
		spot_qty DOUBLE PRECISION NOT NULL,
		futures_qty DOUBLE PRECISION NOT NULL,
		entry_spread_pct DOUBLE PRECISION NOT NULL,
		close_spread_pct DOUBLE PRECISION NOT NULL,
		total_entries INTEGER NOT NULL,
		funding_rounds INTEGER NOT NULL,
		soft_close BOOLEAN NOT NULL,
		net_pnl DOUBLE PRECISION NOT NULL,
		price_pnl DOUBLE PRECISION NOT NULL,
		spot_pnl DOUBLE PRECISION NOT NULL,
		futures_pnl DOUBLE PRECISION NOT NULL,
		funding DOUBLE PRECISION NOT NULL,
		commission DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, symbol)
	)`, w.table("closed_trades"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"monitor_samples", "closed_trades"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSample(ctx context.Context, s MonitorSample) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, state, round, funding_rate, entry_spread_pct, close_spread_pct,
		spot_bid, spot_ask, futures_bid, futures_ask, low_fr_count, soft_close_active
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
	)`, w.table("monitor_samples"))
	if _, err := w.db.ExecContext(ctx, query,
		s.Time,
		s.Symbol,
		s.State,
		s.Round,
		s.FundingRate,
		s.EntrySpreadPct,
		s.CloseSpreadPct,
		s.SpotBid,
		s.SpotAsk,
		s.FuturesBid,
		s.FuturesAsk,
		s.LowFRCount,
		s.SoftCloseActive,
	); err != nil {
		w.log.Warn("timescale sample insert failed", zap.String("symbol", s.Symbol), zap.Error(err))
	}
}

func (w *Writer) writeTrade(ctx context.Context, t state.ClosedPosition) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, symbol, entry_time, spot_entry_price, futures_entry_price, spot_exit_price,
		futures_exit_price, spot_qty, futures_qty, entry_spread_pct, close_spread_pct,
		total_entries, funding_rounds, soft_close, net_pnl, price_pnl, spot_pnl,
		futures_pnl, funding, commission
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20
	)
	ON CONFLICT (ts, symbol) DO NOTHING`, w.table("closed_trades"))
	if _, err := w.db.ExecContext(ctx, query,
		t.CloseTime,
		t.Symbol,
		t.EntryTime,
		t.SpotEntryPrice,
		t.FuturesEntryPrice,
		t.SpotExitPrice,
		t.FuturesExitPrice,
		t.SpotQty,
		t.FuturesQty,
		t.EntrySpreadPct,
		t.CloseSpreadPct,
		t.TotalEntries,
		t.FundingRounds,
		t.SoftClose,
		t.PnL.Net,
		t.PnL.Price,
		t.PnL.Spot,
		t.PnL.Futures,
		t.PnL.Funding,
		t.PnL.Commission,
	); err != nil {
		w.log.Warn("timescale trade insert failed", zap.String("symbol", t.Symbol), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
