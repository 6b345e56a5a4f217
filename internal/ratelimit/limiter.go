package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"bybit-carry-bot/internal/metrics"

	"go.uber.org/zap"
)

const defaultWindow = time.Second

// Limiter bounds outbound calls by request count and weight over a trailing window.
type Limiter interface {
	Wait(ctx context.Context, endpoint string) error
	Stats() Stats
}

type Stats struct {
	TotalRequests        uint64 `json:"total_requests"`
	TotalWeight          uint64 `json:"total_weight"`
	RateLimitHits        uint64 `json:"rate_limit_hits"`
	RequestsInWindow     int    `json:"current_requests_in_window"`
	WeightInWindow       int    `json:"current_weight_in_window"`
	MaxRequestsPerSecond int    `json:"max_requests_per_second"`
	MaxWeightPerSecond   int    `json:"max_weight_per_second"`
}

type Options struct {
	MaxRequests     int
	MaxWeight       int
	EndpointWeights map[string]int
	Window          time.Duration
}

type weightedCall struct {
	at     time.Time
	weight int
}

// Window is an in-process sliding window limiter shared by every caller of
// one gateway.
type Window struct {
	maxRequests int
	maxWeight   int
	window      time.Duration
	weights     map[string]int
	log         *zap.Logger
	waits       metrics.Counter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	requests      []time.Time
	calls         []weightedCall
	totalRequests uint64
	totalWeight   uint64
	hits          uint64
}

func NewWindow(opts Options, log *zap.Logger) *Window {
	if log == nil {
		log = zap.NewNop()
	}
	window := opts.Window
	if window <= 0 {
		window = defaultWindow
	}
	weights := make(map[string]int, len(opts.EndpointWeights))
	for endpoint, weight := range opts.EndpointWeights {
		weights[normalizeEndpoint(endpoint)] = weight
	}
	return &Window{
		maxRequests: max(opts.MaxRequests, 1),
		maxWeight:   max(opts.MaxWeight, 1),
		window:      window,
		weights:     weights,
		log:         log,
		waits:       metrics.NoopCounter(),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// Wait blocks until one more call of the endpoint's weight fits in both
// budgets, then records it.
func (w *Window) Wait(ctx context.Context, endpoint string) error {
	weight := w.Weight(endpoint)
	limited := false
	for {
		w.mu.Lock()
		now := w.now()
		w.evict(now)
		delay := w.delay(now, weight)
		if delay <= 0 {
			w.requests = append(w.requests, now)
			w.calls = append(w.calls, weightedCall{at: now, weight: weight})
			w.totalRequests++
			w.totalWeight += uint64(weight)
			if limited {
				w.hits++
			}
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()
		if !limited {
			limited = true
			w.waits.Inc()
			w.log.Debug("rate limit reached, waiting",
				zap.String("endpoint", endpoint),
				zap.Duration("delay", delay),
			)
		}
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// SetWaitCounter counts each call that had to wait at least once.
func (w *Window) SetWaitCounter(counter metrics.Counter) {
	if counter != nil {
		w.waits = counter
	}
}

// Weight returns the configured cost of an endpoint, clamped to the weight budget.
func (w *Window) Weight(endpoint string) int {
	weight, ok := w.weights[normalizeEndpoint(endpoint)]
	if !ok || weight < 1 {
		weight = 1
	}
	if weight > w.maxWeight {
		weight = w.maxWeight
	}
	return weight
}

func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(w.now())
	return Stats{
		TotalRequests:        w.totalRequests,
		TotalWeight:          w.totalWeight,
		RateLimitHits:        w.hits,
		RequestsInWindow:     len(w.requests),
		WeightInWindow:       w.windowWeight(),
		MaxRequestsPerSecond: w.maxRequests,
		MaxWeightPerSecond:   w.maxWeight,
	}
}

func (w *Window) ResetStats() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRequests = 0
	w.totalWeight = 0
	w.hits = 0
}

func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]
	j := 0
	for j < len(w.calls) && !w.calls[j].at.After(cutoff) {
		j++
	}
	w.calls = w.calls[j:]
}

// delay is how long until the oldest blocking entry leaves the window.
func (w *Window) delay(now time.Time, weight int) time.Duration {
	var delay time.Duration
	if n := len(w.requests); n >= w.maxRequests {
		oldest := w.requests[n-w.maxRequests]
		delay = oldest.Add(w.window).Sub(now)
	}
	excess := w.windowWeight() + weight - w.maxWeight
	if excess > 0 {
		for _, call := range w.calls {
			excess -= call.weight
			if excess <= 0 {
				if d := call.at.Add(w.window).Sub(now); d > delay {
					delay = d
				}
				break
			}
		}
	}
	return delay
}

func (w *Window) windowWeight() int {
	total := 0
	for _, call := range w.calls {
		total += call.weight
	}
	return total
}

func normalizeEndpoint(endpoint string) string {
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		endpoint = endpoint[:idx]
	}
	return strings.TrimSpace(endpoint)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
