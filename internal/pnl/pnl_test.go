package pnl

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeReferenceTrade(t *testing.T) {
	got := Compute(Input{
		SpotEntry:       50000,
		SpotExit:        51000,
		SpotQty:         0.1,
		FuturesEntry:    50100,
		FuturesExit:     51050,
		FuturesQty:      0.1,
		CommissionRate:  0.0027,
		FundingReceived: 5.0,
	})
	if got.SpotPnL != 100 {
		t.Fatalf("expected spot pnl 100, got %v", got.SpotPnL)
	}
	if got.FuturesPnL != -95 {
		t.Fatalf("expected futures pnl -95, got %v", got.FuturesPnL)
	}
	if got.PricePnL != 5 {
		t.Fatalf("expected price pnl 5, got %v", got.PricePnL)
	}
	// (5000 + 5010) / 2 * 2 * 0.0027
	if got.Commission != 27.027 {
		t.Fatalf("expected commission 27.027, got %v", got.Commission)
	}
	if got.NetPnL != -17.027 {
		t.Fatalf("expected net pnl -17.027, got %v", got.NetPnL)
	}
}

func TestComputeIsPureAndBalanced(t *testing.T) {
	inputs := []Input{
		{SpotEntry: 0.123456, SpotExit: 0.129871, SpotQty: 4321.7, FuturesEntry: 0.1241, FuturesExit: 0.1302, FuturesQty: 4320, CommissionRate: 0.0027, FundingReceived: 0.33333},
		{SpotEntry: 3000, SpotExit: 2900, SpotQty: 0.01, FuturesEntry: 3010, FuturesExit: 2890, FuturesQty: 0.01, CommissionRate: 0.001, FundingReceived: -0.2},
		{SpotEntry: 1, SpotExit: 1, SpotQty: 10, FuturesEntry: 1, FuturesExit: 1, FuturesQty: 10},
	}
	for _, in := range inputs {
		first := Compute(in)
		second := Compute(in)
		if first != second {
			t.Fatalf("expected identical results, got %+v and %+v", first, second)
		}
		net := decimal.NewFromFloat(first.PricePnL).Add(decimal.NewFromFloat(first.Funding)).Sub(decimal.NewFromFloat(first.Commission))
		if !net.Equal(decimal.NewFromFloat(first.NetPnL)) {
			t.Fatalf("expected net %v to equal price+funding-commission %v", first.NetPnL, net)
		}
		for _, v := range []float64{first.SpotPnL, first.FuturesPnL, first.Commission, first.NetPnL} {
			if d := decimal.NewFromFloat(v); !d.Equal(d.Round(places)) {
				t.Fatalf("expected %v rounded to %d places", v, places)
			}
		}
	}
}

func TestResultStateMapsFields(t *testing.T) {
	r := Result{SpotPnL: 1, FuturesPnL: 2, PricePnL: 3, Commission: 4, Funding: 5, NetPnL: 4}
	s := r.State()
	if s.Spot != 1 || s.Futures != 2 || s.Price != 3 || s.Commission != 4 || s.Funding != 5 || s.Net != 4 {
		t.Fatalf("unexpected state pnl %+v", s)
	}
}

func TestSpreadChange(t *testing.T) {
	cases := []struct {
		entry, close float64
		move         SpreadMove
	}{
		{0.6, 0.1, SpreadNarrowed},
		{0.2, 0.5, SpreadWidened},
		{0.45, 0.455, SpreadUnchanged},
		{0.45, 0.46, SpreadUnchanged},
	}
	for _, tc := range cases {
		if _, got := SpreadChange(tc.entry, tc.close); got != tc.move {
			t.Fatalf("expected %s for %v -> %v, got %s", tc.move, tc.entry, tc.close, got)
		}
	}
	if change, _ := SpreadChange(0.6, 0.1); change != -0.5 {
		t.Fatalf("expected change -0.5, got %v", change)
	}
}
