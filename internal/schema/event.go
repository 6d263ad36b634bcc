// Package schema defines canonical event, order, and wire message types.
package schema

import (
	"time"
)

// EventKind enumerates canonical event categories published on the bus.
type EventKind string

const (
	// EventKindTick identifies tick-level market data with last trade and best bid/ask.
	EventKindTick EventKind = "Tick"
	// EventKindBar identifies OHLCV interval records.
	EventKindBar EventKind = "Bar"
	// EventKindOrder identifies order lifecycle updates.
	EventKindOrder EventKind = "Order"
	// EventKindTrade identifies trade executions.
	EventKindTrade EventKind = "Trade"
	// EventKindPosition identifies position updates.
	EventKindPosition EventKind = "Position"
	// EventKindAccount identifies account updates.
	EventKindAccount EventKind = "Account"
	// EventKindStrategy identifies strategy lifecycle updates.
	EventKindStrategy EventKind = "Strategy"
	// EventKindRisk identifies risk alerts.
	EventKindRisk EventKind = "Risk"
	// EventKindSystem identifies system notifications.
	EventKindSystem EventKind = "System"
)

// Valid reports whether the kind is a member of the closed enum.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindTick, EventKindBar, EventKindOrder, EventKindTrade,
		EventKindPosition, EventKindAccount, EventKindStrategy,
		EventKindRisk, EventKindSystem:
		return true
	default:
		return false
	}
}

// Event represents a canonical event emitted through the event bus.
// The bus assigns Sequence exactly once; events never mutate after publication.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
	Source    string    `json:"source"`
}

// RawRecord is a pre-canonicalized historical data record supplied by providers.
type RawRecord map[string]any

// Clone returns a shallow copy of the raw record.
func (r RawRecord) Clone() RawRecord {
	if len(r) == 0 {
		return RawRecord{}
	}
	out := make(RawRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Timestamp extracts the record's simulation timestamp, if present.
func (r RawRecord) Timestamp() (time.Time, bool) {
	switch v := r["timestamp"].(type) {
	case time.Time:
		return v, true
	case int64:
		return time.Unix(0, v*int64(time.Millisecond)).UTC(), true
	case float64:
		return time.Unix(0, int64(v)*int64(time.Millisecond)).UTC(), true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ClassifyRecord derives the event kind for a historical record.
// Records carrying tick-level fields map to Tick; everything else is a Bar.
func ClassifyRecord(record RawRecord) EventKind {
	if record == nil {
		return EventKindBar
	}
	if _, ok := record["last_price"]; ok {
		return EventKindTick
	}
	if _, ok := record["bid_price_1"]; ok {
		return EventKindTick
	}
	return EventKindBar
}

// TickPayload conveys tick-level market data using decimal strings.
type TickPayload struct {
	Symbol    string    `json:"symbol"`
	LastPrice string    `json:"last_price"`
	BidPrice  string    `json:"bid_price_1"`
	AskPrice  string    `json:"ask_price_1"`
	Volume    string    `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// BarPayload conveys OHLCV interval data using decimal strings.
type BarPayload struct {
	Symbol     string    `json:"symbol"`
	OpenPrice  string    `json:"open_price"`
	HighPrice  string    `json:"high_price"`
	LowPrice   string    `json:"low_price"`
	ClosePrice string    `json:"close_price"`
	Volume     string    `json:"volume"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemPayload carries system notifications such as worker delivery failures.
type SystemPayload struct {
	Code      string            `json:"code"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SystemCodeWorkerHandlerFailed marks a subscriber failure observed by the replay worker.
const SystemCodeWorkerHandlerFailed = "worker_handler_failed"
