package replay

import (
	"time"
)

// State enumerates the VCR-style controller states.
type State string

const (
	// StateIdle precedes Initialize.
	StateIdle State = "Idle"
	// StatePlaying marks an active worker advancing through records.
	StatePlaying State = "Playing"
	// StatePaused marks a latched worker holding position.
	StatePaused State = "Paused"
	// StateStepping marks a single-record advance in flight.
	StateStepping State = "Stepping"
	// StateStopped marks a terminated worker; Play restarts from zero.
	StateStopped State = "Stopped"
)

// Speeds accepted by SetSpeed. Zero means unlimited (no pacing sleep).
const SpeedUnlimited = 0

var allowedSpeeds = map[float64]struct{}{
	1: {}, 2: {}, 4: {}, 10: {}, SpeedUnlimited: {},
}

// Status is the derived, non-persisted view of the controller, produced on
// demand for reporting.
type Status struct {
	State         State     `json:"state"`
	Speed         float64   `json:"speed"`
	CurrentTime   time.Time `json:"current_time"`
	CurrentIndex  int       `json:"current_index"`
	TotalRecords  int       `json:"total_records"`
	EventSequence uint64    `json:"event_sequence"`
	TotalEvents   uint64    `json:"total_events"`
	Progress      float64   `json:"progress"`
	BacktestID    string    `json:"backtest_id,omitempty"`
}

// StatusCallback receives a fresh status on every meaningful state change.
type StatusCallback func(Status)

// CallbackID identifies a registered status callback.
type CallbackID uint64
