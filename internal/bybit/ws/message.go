package ws

import (
	"encoding/json"
	"strings"
)

const (
	TypeSnapshot = "snapshot"
	TypeDelta    = "delta"
)

// Message is one pushed stream frame. Control replies (subscribe acks, pongs)
// carry Op and no Topic.
type Message struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

func Decode(raw []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

func (m Message) IsControl() bool {
	return m.Topic == "" && m.Op != ""
}

// Channel splits "orderbook.1.BTCUSDT" into ("orderbook", "BTCUSDT").
func (m Message) Channel() (string, string) {
	first := strings.Index(m.Topic, ".")
	last := strings.LastIndex(m.Topic, ".")
	if first < 0 {
		return m.Topic, ""
	}
	return m.Topic[:first], m.Topic[last+1:]
}

func TickerTopic(symbol string) string {
	return "tickers." + strings.ToUpper(symbol)
}

func BookTopic(symbol string) string {
	return "orderbook.1." + strings.ToUpper(symbol)
}
