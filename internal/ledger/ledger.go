package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bybit-carry-bot/internal/state"

	"go.uber.org/zap"
)

var (
	ErrPositionExists   = errors.New("position already exists")
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidQuantity  = errors.New("position quantities must be positive")
)

type Repository interface {
	state.PositionRepository
	state.ArchiveRepository
}

// Entry is one filled leg pair.
type Entry struct {
	SpotPrice      float64
	FuturesPrice   float64
	SpotQty        float64
	FuturesQty     float64
	SpreadPct      float64
	SpotOrderID    string
	FuturesOrderID string
}

// Exit is the realized close of both legs.
type Exit struct {
	SpotPrice      float64
	FuturesPrice   float64
	SpotQty        float64
	FuturesQty     float64
	CloseSpreadPct float64
}

// Ledger is the only writer of open positions. Operations on one symbol are
// serialized; distinct symbols proceed in parallel. Every exported method takes
// the symbol lock exactly once and works through the unexported helpers, so a
// composite operation never re-enters a lock it already holds.
type Ledger struct {
	repo Repository
	log  *zap.Logger
	now  func() time.Time

	mu        sync.RWMutex
	positions map[string]state.Position
	locks     map[string]*sync.Mutex
}

func New(repo Repository, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		repo:      repo,
		log:       log,
		now:       time.Now,
		positions: make(map[string]state.Position),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Load replaces the cache with the persisted open positions.
func (l *Ledger) Load(ctx context.Context) error {
	positions, err := l.repo.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[string]state.Position, len(positions))
	for _, pos := range positions {
		l.positions[normalize(pos.Symbol)] = pos
	}
	l.log.Info("positions loaded", zap.Int("count", len(positions)))
	return nil
}

func (l *Ledger) lock(symbol string) func() {
	l.mu.Lock()
	m, ok := l.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.locks[symbol] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (l *Ledger) get(symbol string) (state.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	return pos, ok
}

func (l *Ledger) put(pos state.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[pos.Symbol] = pos
}

func (l *Ledger) drop(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, symbol)
}

// save persists pos and only then publishes it to the cache.
func (l *Ledger) save(ctx context.Context, pos state.Position) error {
	if err := l.repo.SavePosition(ctx, pos); err != nil {
		return fmt.Errorf("save position %s: %w", pos.Symbol, err)
	}
	l.put(pos)
	return nil
}

func (l *Ledger) Get(symbol string) (state.Position, bool) {
	return l.get(normalize(symbol))
}

func (l *Ledger) Has(symbol string) bool {
	_, ok := l.Get(symbol)
	return ok
}

// List returns open positions ordered by entry time.
func (l *Ledger) List() []state.Position {
	l.mu.RLock()
	out := make([]state.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Update runs fn against a copy of the position under the symbol lock and
// persists the result. An error from fn discards the change. The symbol lock
// is not reentrant: fn may read through Get, List or Count, and may write other
// symbols, but must not call back into a Ledger method that writes the same
// symbol.
func (l *Ledger) Update(ctx context.Context, symbol string, fn func(*state.Position) error) (state.Position, error) {
	symbol = normalize(symbol)
	unlock := l.lock(symbol)
	defer unlock()
	return l.update(ctx, symbol, fn)
}

func (l *Ledger) update(ctx context.Context, symbol string, fn func(*state.Position) error) (state.Position, error) {
	pos, ok := l.get(symbol)
	if !ok {
		return state.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	if err := fn(&pos); err != nil {
		return state.Position{}, err
	}
	pos.Symbol = symbol
	if err := l.save(ctx, pos); err != nil {
		return state.Position{}, err
	}
	return pos, nil
}

func (l *Ledger) Create(ctx context.Context, symbol string, entry Entry) (state.Position, error) {
	symbol = normalize(symbol)
	if entry.SpotQty <= 0 || entry.FuturesQty <= 0 {
		return state.Position{}, fmt.Errorf("%w: %s spot=%v futures=%v", ErrInvalidQuantity, symbol, entry.SpotQty, entry.FuturesQty)
	}
	unlock := l.lock(symbol)
	defer unlock()
	if _, ok := l.get(symbol); ok {
		return state.Position{}, fmt.Errorf("%w: %s", ErrPositionExists, symbol)
	}
	pos := state.Position{
		Symbol:               symbol,
		SpotEntryPrice:       entry.SpotPrice,
		FuturesEntryPrice:    entry.FuturesPrice,
		AvgSpotEntryPrice:    entry.SpotPrice,
		AvgFuturesEntryPrice: entry.FuturesPrice,
		SpotQty:              entry.SpotQty,
		FuturesQty:           entry.FuturesQty,
		EntrySpreadPct:       entry.SpreadPct,
		LastEntrySpreadPct:   entry.SpreadPct,
		TotalEntries:         1,
		EntryTime:            l.now().UTC(),
		SpotOrderID:          entry.SpotOrderID,
		FuturesOrderID:       entry.FuturesOrderID,
	}
	if err := l.repo.CreatePosition(ctx, pos); err != nil {
		return state.Position{}, fmt.Errorf("create position %s: %w", symbol, err)
	}
	l.put(pos)
	l.log.Info("position created",
		zap.String("symbol", symbol),
		zap.Float64("spot_qty", pos.SpotQty),
		zap.Float64("futures_qty", pos.FuturesQty),
		zap.Float64("spread_pct", pos.EntrySpreadPct),
	)
	return pos, nil
}

// AddEntry blends a top-up fill into the position's average prices.
func (l *Ledger) AddEntry(ctx context.Context, symbol string, entry Entry) (state.Position, error) {
	symbol = normalize(symbol)
	if entry.SpotQty < 0 || entry.FuturesQty < 0 {
		return state.Position{}, fmt.Errorf("%w: %s spot=%v futures=%v", ErrInvalidQuantity, symbol, entry.SpotQty, entry.FuturesQty)
	}
	unlock := l.lock(symbol)
	defer unlock()
	pos, err := l.update(ctx, symbol, func(p *state.Position) error {
		applyEntry(p, entry, l.now().UTC())
		return nil
	})
	if err != nil {
		return state.Position{}, err
	}
	l.log.Info("position entry added",
		zap.String("symbol", symbol),
		zap.Int("total_entries", pos.TotalEntries),
		zap.Float64("avg_spot_entry_price", pos.AvgSpotEntryPrice),
		zap.Float64("avg_futures_entry_price", pos.AvgFuturesEntryPrice),
	)
	return pos, nil
}

func applyEntry(p *state.Position, entry Entry, at time.Time) {
	p.AvgSpotEntryPrice = blend(p.AvgSpotEntryPrice, p.SpotQty, entry.SpotPrice, entry.SpotQty)
	p.AvgFuturesEntryPrice = blend(p.AvgFuturesEntryPrice, p.FuturesQty, entry.FuturesPrice, entry.FuturesQty)
	p.SpotQty += entry.SpotQty
	p.FuturesQty += entry.FuturesQty
	p.TotalEntries++
	p.LastAdditionTime = at
	p.LastEntrySpreadPct = entry.SpreadPct
}

// blend is the quantity-weighted mean of an existing average and a new fill.
func blend(avg, qty, price, addQty float64) float64 {
	if addQty <= 0 {
		return avg
	}
	total := qty + addQty
	if total <= 0 {
		return avg
	}
	return (avg*qty + price*addQty) / total
}

// FundingRound is the outcome of one monitoring round's funding bookkeeping.
type FundingRound struct {
	Position  state.Position
	Activated bool
}

// RecordFundingRound counts a monitoring round. Rounds at or below
// lowThreshold extend the low funding streak; anything higher resets the
// streak but never the soft-close latch, which only a close clears.
func (l *Ledger) RecordFundingRound(ctx context.Context, symbol string, fundingRate, lowThreshold float64, triggerRounds int) (FundingRound, error) {
	symbol = normalize(symbol)
	unlock := l.lock(symbol)
	defer unlock()
	var activated bool
	pos, err := l.update(ctx, symbol, func(p *state.Position) error {
		activated = applyFundingRound(p, fundingRate, lowThreshold, triggerRounds, l.now().UTC())
		return nil
	})
	if err != nil {
		return FundingRound{}, err
	}
	if activated {
		l.log.Info("soft close activated",
			zap.String("symbol", symbol),
			zap.Int("low_fr_count", pos.LowFRCount),
			zap.Float64("funding_rate", fundingRate),
		)
	}
	return FundingRound{Position: pos, Activated: activated}, nil
}

// applyFundingRound resets only the low-funding streak on a high round. The
// soft-close latch holds until the position closes.
func applyFundingRound(p *state.Position, fundingRate, lowThreshold float64, triggerRounds int, at time.Time) bool {
	p.FundingPaymentsCount++
	p.LastFundingCheckTime = at
	if fundingRate <= lowThreshold {
		p.LowFRCount++
	} else {
		p.LowFRCount = 0
	}
	if !p.SoftCloseActive && triggerRounds > 0 && p.LowFRCount >= triggerRounds {
		p.SoftCloseActive = true
		return true
	}
	return false
}

// Archive closes the position: the closed record is written and the open row
// removed in one repository transaction. On failure the position stays open.
func (l *Ledger) Archive(ctx context.Context, symbol string, exit Exit, pnl state.PnL) (state.ClosedPosition, error) {
	symbol = normalize(symbol)
	unlock := l.lock(symbol)
	defer unlock()
	pos, ok := l.get(symbol)
	if !ok {
		return state.ClosedPosition{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	closed := state.ClosedPosition{
		Symbol:            symbol,
		SpotEntryPrice:    pos.AvgSpotEntryPrice,
		FuturesEntryPrice: pos.AvgFuturesEntryPrice,
		SpotExitPrice:     exit.SpotPrice,
		FuturesExitPrice:  exit.FuturesPrice,
		SpotQty:           exit.SpotQty,
		FuturesQty:        exit.FuturesQty,
		EntrySpreadPct:    pos.EntrySpreadPct,
		CloseSpreadPct:    exit.CloseSpreadPct,
		TotalEntries:      pos.TotalEntries,
		FundingRounds:     pos.FundingPaymentsCount,
		SoftClose:         pos.SoftCloseActive,
		EntryTime:         pos.EntryTime,
		CloseTime:         l.now().UTC(),
		PnL:               pnl,
	}
	if closed.SpotQty <= 0 {
		closed.SpotQty = pos.SpotQty
	}
	if closed.FuturesQty <= 0 {
		closed.FuturesQty = pos.FuturesQty
	}
	archived, err := l.repo.ArchivePosition(ctx, closed)
	if err != nil {
		l.log.Error("archive failed, position kept open", zap.String("symbol", symbol), zap.Error(err))
		return state.ClosedPosition{}, fmt.Errorf("archive position %s: %w", symbol, err)
	}
	l.drop(symbol)
	l.log.Info("position archived",
		zap.String("symbol", symbol),
		zap.Float64("net_pnl", pnl.Net),
		zap.Int("total_entries", archived.TotalEntries),
	)
	return archived, nil
}

func (l *Ledger) History(ctx context.Context, limit int) ([]state.ClosedPosition, error) {
	return l.repo.ListClosed(ctx, limit)
}

func (l *Ledger) HistoryBetween(ctx context.Context, from, to time.Time) ([]state.ClosedPosition, error) {
	return l.repo.ListClosedBetween(ctx, from, to)
}

func (l *Ledger) Stats(ctx context.Context) (state.Stats, error) {
	return l.repo.ClosedStats(ctx)
}

func (l *Ledger) ProfitableSymbols(ctx context.Context, minTrades int) ([]state.SymbolStats, error) {
	if minTrades <= 0 {
		minTrades = 3
	}
	return l.repo.SymbolStats(ctx, minTrades)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
