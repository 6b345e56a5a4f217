package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/state/sqlite"

	"go.uber.org/zap"
)

type failingArchive struct {
	*sqlite.Store
	err error
}

func (f *failingArchive) ArchivePosition(ctx context.Context, closed state.ClosedPosition) (state.ClosedPosition, error) {
	return state.ClosedPosition{}, f.err
}

func newTestLedger(t *testing.T) (*Ledger, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, zap.NewNop()), store
}

func btcEntry() Entry {
	return Entry{SpotPrice: 50000, FuturesPrice: 50300, SpotQty: 0.1, FuturesQty: 0.1, SpreadPct: 0.6, FuturesOrderID: "F1", SpotOrderID: "S1"}
}

func TestCreateStartsWithOneEntry(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	pos, err := l.Create(ctx, "btcusdt", btcEntry())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pos.Symbol != "BTCUSDT" || pos.TotalEntries != 1 {
		t.Fatalf("expected BTCUSDT with one entry, got %+v", pos)
	}
	if pos.AvgSpotEntryPrice != 50000 || pos.AvgFuturesEntryPrice != 50300 {
		t.Fatalf("expected averages to equal first fill, got %+v", pos)
	}
	if _, ok, _ := store.GetPosition(ctx, "BTCUSDT"); !ok {
		t.Fatalf("expected position persisted")
	}
	if _, err := l.Create(ctx, "BTCUSDT", btcEntry()); !errors.Is(err, ErrPositionExists) {
		t.Fatalf("expected ErrPositionExists, got %v", err)
	}
	if l.Count() != 1 {
		t.Fatalf("expected one open position, got %d", l.Count())
	}
}

func TestCreateRejectsNonPositiveQuantity(t *testing.T) {
	l, _ := newTestLedger(t)
	entry := btcEntry()
	entry.SpotQty = 0
	if _, err := l.Create(context.Background(), "BTCUSDT", entry); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestAddEntryBlendsAverages(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Create(ctx, "BTCUSDT", Entry{SpotPrice: 100, FuturesPrice: 101, SpotQty: 1, FuturesQty: 1, SpreadPct: 0.5}); err != nil {
		t.Fatalf("create: %v", err)
	}
	pos, err := l.AddEntry(ctx, "BTCUSDT", Entry{SpotPrice: 110, FuturesPrice: 112, SpotQty: 3, FuturesQty: 1, SpreadPct: 0.7})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if pos.AvgSpotEntryPrice != 107.5 {
		t.Fatalf("expected spot average 107.5, got %v", pos.AvgSpotEntryPrice)
	}
	if pos.AvgFuturesEntryPrice != 106.5 {
		t.Fatalf("expected futures average 106.5, got %v", pos.AvgFuturesEntryPrice)
	}
	if pos.SpotEntryPrice != 100 || pos.FuturesEntryPrice != 101 {
		t.Fatalf("expected first-entry prices preserved, got %+v", pos)
	}
	if pos.TotalEntries != 2 || pos.LastEntrySpreadPct != 0.7 || pos.EntrySpreadPct != 0.5 {
		t.Fatalf("unexpected entry bookkeeping %+v", pos)
	}
	if pos.LastAdditionTime.IsZero() {
		t.Fatalf("expected last addition time set")
	}
}

func TestBlendIsMonotonic(t *testing.T) {
	cases := []struct {
		avg, qty, price, add float64
	}{
		{100, 1, 120, 0.5},
		{100, 2, 80, 3},
		{0.0001, 1e6, 0.0002, 1},
	}
	for _, tc := range cases {
		got := blend(tc.avg, tc.qty, tc.price, tc.add)
		lo, hi := tc.avg, tc.price
		if lo > hi {
			lo, hi = hi, lo
		}
		if !(got > lo && got < hi) {
			t.Fatalf("expected blend(%v) strictly between %v and %v, got %v", tc, lo, hi, got)
		}
	}
	if got := blend(100, 1, 500, 0); got != 100 {
		t.Fatalf("expected zero quantity to keep average, got %v", got)
	}
}

func TestAddEntryZeroLegKeepsAverage(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Create(ctx, "ETHUSDT", Entry{SpotPrice: 2000, FuturesPrice: 2010, SpotQty: 1, FuturesQty: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	pos, err := l.AddEntry(ctx, "ETHUSDT", Entry{SpotPrice: 2500, FuturesPrice: 2020, SpotQty: 0, FuturesQty: 1})
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if pos.AvgSpotEntryPrice != 2000 || pos.SpotQty != 1 {
		t.Fatalf("expected spot leg untouched, got %+v", pos)
	}
	if pos.AvgFuturesEntryPrice != 2015 {
		t.Fatalf("expected futures average 2015, got %v", pos.AvgFuturesEntryPrice)
	}
}

func TestAddEntryUnknownSymbol(t *testing.T) {
	l, _ := newTestLedger(t)
	if _, err := l.AddEntry(context.Background(), "NOPEUSDT", btcEntry()); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestSoftCloseLatchActivatesOnTriggerRound(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	entry := btcEntry()
	entry.SpreadPct = 0.45
	if _, err := l.Create(ctx, "BTCUSDT", entry); err != nil {
		t.Fatalf("create: %v", err)
	}
	for round := 1; round <= 16; round++ {
		res, err := l.RecordFundingRound(ctx, "BTCUSDT", 0.005, 0.01, 15)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		switch {
		case round < 15 && res.Position.SoftCloseActive:
			t.Fatalf("expected latch clear before round 15, set at round %d", round)
		case round == 15 && (!res.Position.SoftCloseActive || !res.Activated):
			t.Fatalf("expected latch to activate on round 15, got %+v", res)
		case round == 16 && (!res.Position.SoftCloseActive || res.Activated):
			t.Fatalf("expected latch to stay set without re-activating on round 16, got %+v", res)
		}
	}
	res, err := l.RecordFundingRound(ctx, "BTCUSDT", 0.05, 0.01, 15)
	if err != nil {
		t.Fatalf("high round: %v", err)
	}
	if res.Position.LowFRCount != 0 {
		t.Fatalf("expected streak reset, got %d", res.Position.LowFRCount)
	}
	if !res.Position.SoftCloseActive {
		t.Fatalf("expected latch to survive a high funding round")
	}
	if res.Position.FundingPaymentsCount != 17 {
		t.Fatalf("expected 17 funding rounds, got %d", res.Position.FundingPaymentsCount)
	}
}

func TestArchiveRemovesPosition(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Create(ctx, "BTCUSDT", btcEntry()); err != nil {
		t.Fatalf("create: %v", err)
	}
	closed, err := l.Archive(ctx, "BTCUSDT", Exit{SpotPrice: 51000, FuturesPrice: 51050, SpotQty: 0.1, FuturesQty: 0.1, CloseSpreadPct: 0.1}, state.PnL{Net: -17.027})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if closed.SpotEntryPrice != 50000 || closed.PnL.Net != -17.027 || closed.ID == 0 {
		t.Fatalf("unexpected closed record %+v", closed)
	}
	if l.Has("BTCUSDT") {
		t.Fatalf("expected position removed from cache")
	}
	if _, ok, _ := store.GetPosition(ctx, "BTCUSDT"); ok {
		t.Fatalf("expected position removed from store")
	}
	if _, err := l.Archive(ctx, "BTCUSDT", Exit{}, state.PnL{}); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound on second archive, got %v", err)
	}
	history, err := l.History(ctx, 5)
	if err != nil || len(history) != 1 {
		t.Fatalf("expected one history row, got %d (%v)", len(history), err)
	}
}

func TestArchiveFailureKeepsPosition(t *testing.T) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	l := New(&failingArchive{Store: store, err: errors.New("disk full")}, zap.NewNop())
	ctx := context.Background()
	if _, err := l.Create(ctx, "BTCUSDT", btcEntry()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Archive(ctx, "BTCUSDT", Exit{SpotPrice: 1}, state.PnL{}); err == nil {
		t.Fatalf("expected archive failure")
	}
	if !l.Has("BTCUSDT") {
		t.Fatalf("expected position kept in cache")
	}
	if _, ok, _ := store.GetPosition(ctx, "BTCUSDT"); !ok {
		t.Fatalf("expected position kept in store")
	}
}

func TestUpdateSerializesPerSymbol(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		if _, err := l.Create(ctx, sym, btcEntry()); err != nil {
			t.Fatalf("create %s: %v", sym, err)
		}
	}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		sym := "BTCUSDT"
		if i%2 == 1 {
			sym = "ETHUSDT"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Update(ctx, sym, func(p *state.Position) error {
				p.FundingPaymentsCount++
				return nil
			})
			if err != nil {
				t.Errorf("update %s: %v", sym, err)
			}
		}()
	}
	wg.Wait()
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		pos, _ := l.Get(sym)
		if pos.FundingPaymentsCount != 20 {
			t.Fatalf("expected 20 increments for %s, got %d", sym, pos.FundingPaymentsCount)
		}
	}
}

func TestUpdateErrorDiscardsChange(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Create(ctx, "BTCUSDT", btcEntry()); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := l.Update(ctx, "BTCUSDT", func(p *state.Position) error {
		p.SpotQty = 99
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected update error")
	}
	if pos, _ := l.Get("BTCUSDT"); pos.SpotQty != 0.1 {
		t.Fatalf("expected spot qty unchanged, got %v", pos.SpotQty)
	}
}

func TestUpdateFnMayReadAndWriteOtherSymbols(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		if _, err := l.Create(ctx, sym, btcEntry()); err != nil {
			t.Fatalf("create %s: %v", sym, err)
		}
	}
	done := make(chan error, 1)
	go func() {
		_, err := l.Update(ctx, "BTCUSDT", func(p *state.Position) error {
			if _, ok := l.Get("BTCUSDT"); !ok {
				return errors.New("missing own position")
			}
			if l.Count() != 2 {
				return errors.New("unexpected count")
			}
			_, err := l.Update(ctx, "ETHUSDT", func(other *state.Position) error {
				other.LowFRCount = 7
				return nil
			})
			p.LowFRCount = 3
			return err
		})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected nested read and cross-symbol write to finish")
	}
	btc, _ := l.Get("BTCUSDT")
	eth, _ := l.Get("ETHUSDT")
	if btc.LowFRCount != 3 || eth.LowFRCount != 7 {
		t.Fatalf("expected 3 and 7, got %d and %d", btc.LowFRCount, eth.LowFRCount)
	}
}

func TestLoadRestoresPersistedPositions(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	if _, err := l.Create(ctx, "BTCUSDT", btcEntry()); err != nil {
		t.Fatalf("create: %v", err)
	}
	later := New(store, zap.NewNop())
	later.now = func() time.Time { return time.Unix(0, 0) }
	if err := later.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !later.Has("BTCUSDT") || later.Count() != 1 {
		t.Fatalf("expected restored position, got %d", later.Count())
	}
	if list := later.List(); len(list) != 1 || list[0].FuturesOrderID != "F1" {
		t.Fatalf("unexpected restored list %+v", list)
	}
}
