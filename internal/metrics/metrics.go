package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Histogram interface {
	Observe(v float64)
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	EntriesOpened   Counter
	EntryFailed     Counter
	TopUps          Counter
	PositionsClosed Counter
	CloseFailed     Counter
	PartialHedges   Counter
	BlacklistAdded  Counter
	RateLimitWaits  Counter
	GatewayRetries  Counter
	OpenPositions   Gauge
	ActiveTasks     Gauge
	RealizedNetPnL  Histogram
}

type noop struct{}

func (noop) Inc()            {}
func (noop) Set(float64)     {}
func (noop) Observe(float64) {}

func NoopCounter() Counter {
	return noop{}
}

func NewNoop() *Metrics {
	n := noop{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		EntriesOpened:   n,
		EntryFailed:     n,
		TopUps:          n,
		PositionsClosed: n,
		CloseFailed:     n,
		PartialHedges:   n,
		BlacklistAdded:  n,
		RateLimitWaits:  n,
		GatewayRetries:  n,
		OpenPositions:   n,
		ActiveTasks:     n,
		RealizedNetPnL:  n,
	}
}
