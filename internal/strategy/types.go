package strategy

import "time"

type State string

type Event string

const (
	StateScanning   State = "SCANNING"
	StateEntering   State = "ENTERING"
	StateMonitoring State = "MONITORING"
	StateSoftClose  State = "SOFT_CLOSE"
	StateClosing    State = "CLOSING"
	StateDone       State = "DONE"
)

const (
	EventOpportunity  Event = "OPPORTUNITY"
	EventOpened       Event = "OPENED"
	EventAbort        Event = "ABORT"
	EventSoftClose    Event = "SOFT_CLOSE"
	EventCloseTrigger Event = "CLOSE_TRIGGER"
	EventClosed       Event = "CLOSED"
	EventStop         Event = "STOP"
)

// MarketSnapshot is one symbol's top of book on both legs plus the linear
// funding rate in percent.
type MarketSnapshot struct {
	Symbol      string
	SpotBid     float64
	SpotAsk     float64
	FuturesBid  float64
	FuturesAsk  float64
	FundingRate float64
	At          time.Time
}

// Opportunity is a ranked scan candidate.
type Opportunity struct {
	Symbol       string
	FundingRate  float64
	SpreadPct    float64
	NetProfitPct float64
	Snapshot     MarketSnapshot
}
