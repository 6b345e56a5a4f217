package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"bybit-carry-bot/internal/ratelimit"
	"bybit-carry-bot/internal/state"
	"bybit-carry-bot/internal/strategy"
)

type fakePositions struct {
	list  []state.Position
	stats state.Stats
	err   error
}

func (f fakePositions) List() []state.Position { return f.list }

func (f fakePositions) Stats(ctx context.Context) (state.Stats, error) { return f.stats, f.err }

type fakeBlacklist []state.BlacklistEntry

func (f fakeBlacklist) List() []state.BlacklistEntry { return f }

type fakeTasks map[string]strategy.State

func (f fakeTasks) States() map[string]strategy.State { return f }

type fakeLimiter struct{ stats ratelimit.Stats }

func (f fakeLimiter) Wait(ctx context.Context, endpoint string) error { return nil }

func (f fakeLimiter) Stats() ratelimit.Stats { return f.stats }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthReportsCounts(t *testing.T) {
	h := NewRouter(Options{
		Positions: fakePositions{list: []state.Position{{Symbol: "BTCUSDT"}}},
		Tasks:     fakeTasks{"BTCUSDT": strategy.StateMonitoring, "ETHUSDT": strategy.StateEntering},
		Paused:    func() bool { return true },
	}, nil)
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var out health
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "ok" || !out.Paused || out.OpenPositions != 1 || out.ActiveTasks != 2 {
		t.Fatalf("unexpected health %+v", out)
	}
}

func TestPositionsIncludeTaskState(t *testing.T) {
	h := NewRouter(Options{
		Positions: fakePositions{list: []state.Position{{Symbol: "BTCUSDT", TotalEntries: 2}}},
		Tasks:     fakeTasks{"BTCUSDT": strategy.StateSoftClose},
	}, nil)
	rec := get(t, h, "/positions")
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0]["symbol"] != "BTCUSDT" || out[0]["state"] != "SOFT_CLOSE" {
		t.Fatalf("unexpected positions %+v", out)
	}
	if out[0]["total_entries"] != float64(2) {
		t.Fatalf("expected total_entries 2, got %v", out[0]["total_entries"])
	}
}

func TestBlacklistAndRateLimit(t *testing.T) {
	code := 10001
	h := NewRouter(Options{
		Blacklist: fakeBlacklist{{Symbol: "XYZUSDT", Reason: "Spot error", ErrorCode: &code}},
		Limiter:   fakeLimiter{stats: ratelimit.Stats{TotalRequests: 7, MaxRequestsPerSecond: 50}},
	}, nil)
	rec := get(t, h, "/blacklist")
	if !strings.Contains(rec.Body.String(), `"error_code":10001`) {
		t.Fatalf("expected error code in blacklist, got %s", rec.Body.String())
	}
	rec = get(t, h, "/ratelimit")
	var stats ratelimit.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalRequests != 7 || stats.MaxRequestsPerSecond != 50 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStatsErrors(t *testing.T) {
	h := NewRouter(Options{Positions: fakePositions{err: errors.New("db closed")}}, nil)
	rec := get(t, h, "/stats")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	h = NewRouter(Options{}, nil)
	if rec := get(t, h, "/stats"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without history, got %d", rec.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("bybit_carry_orders_placed_total 1\n"))
	})
	h := NewRouter(Options{Metrics: metrics, MetricsPath: "/prom"}, nil)
	rec := get(t, h, "/prom")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "orders_placed") {
		t.Fatalf("expected metrics output, got %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected default path unmounted, got %d", rec.Code)
	}
}
