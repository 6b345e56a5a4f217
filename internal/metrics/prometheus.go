package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "bybit_carry_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type promHistogram struct {
	histogram prometheus.Histogram
}

func (p promHistogram) Observe(v float64) {
	p.histogram.Observe(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	entriesOpened   prometheus.Counter
	entryFailed     prometheus.Counter
	topUps          prometheus.Counter
	positionsClosed prometheus.Counter
	closeFailed     prometheus.Counter
	partialHedges   prometheus.Counter
	blacklistAdded  prometheus.Counter
	rateLimitWaits  prometheus.Counter
	gatewayRetries  prometheus.Counter
	openPositions   prometheus.Gauge
	activeTasks     prometheus.Gauge
	realizedNetPnL  prometheus.Histogram
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:        prometheus.NewRegistry(),
		ordersPlaced:    newCounter("orders_placed_total", "Total number of orders accepted by the exchange."),
		ordersFailed:    newCounter("orders_failed_total", "Total number of order placement failures."),
		entriesOpened:   newCounter("entries_opened_total", "Total number of hedged positions opened."),
		entryFailed:     newCounter("entry_failed_total", "Total number of entry flow failures."),
		topUps:          newCounter("topups_total", "Total number of top-up entries added to open positions."),
		positionsClosed: newCounter("positions_closed_total", "Total number of positions closed and archived."),
		closeFailed:     newCounter("close_failed_total", "Total number of close attempts that left a leg open."),
		partialHedges:   newCounter("partial_hedges_total", "Total number of futures fills without a matching spot fill."),
		blacklistAdded:  newCounter("blacklist_added_total", "Total number of symbols added to the blacklist."),
		rateLimitWaits:  newCounter("rate_limit_waits_total", "Total number of requests delayed by the rate limiter."),
		gatewayRetries:  newCounter("gateway_retries_total", "Total number of exchange request retries."),
		openPositions:   newGauge("open_positions", "Number of open hedged positions."),
		activeTasks:     newGauge("active_tasks", "Number of running per-symbol monitor tasks."),
		realizedNetPnL: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: promNamespace,
			Name:      "realized_net_pnl_usd",
			Help:      "Realized net PnL per closed position in USD.",
			Buckets:   []float64{-5, -2, -1, -0.5, -0.1, 0, 0.1, 0.5, 1, 2, 5, 10},
		}),
	}

	p.registry.MustRegister(
		p.ordersPlaced, p.ordersFailed, p.entriesOpened, p.entryFailed, p.topUps,
		p.positionsClosed, p.closeFailed, p.partialHedges, p.blacklistAdded,
		p.rateLimitWaits, p.gatewayRetries, p.openPositions, p.activeTasks, p.realizedNetPnL,
	)

	p.Metrics = &Metrics{
		OrdersPlaced:    promCounter{p.ordersPlaced},
		OrdersFailed:    promCounter{p.ordersFailed},
		EntriesOpened:   promCounter{p.entriesOpened},
		EntryFailed:     promCounter{p.entryFailed},
		TopUps:          promCounter{p.topUps},
		PositionsClosed: promCounter{p.positionsClosed},
		CloseFailed:     promCounter{p.closeFailed},
		PartialHedges:   promCounter{p.partialHedges},
		BlacklistAdded:  promCounter{p.blacklistAdded},
		RateLimitWaits:  promCounter{p.rateLimitWaits},
		GatewayRetries:  promCounter{p.gatewayRetries},
		OpenPositions:   promGauge{p.openPositions},
		ActiveTasks:     promGauge{p.activeTasks},
		RealizedNetPnL:  promHistogram{p.realizedNetPnL},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
