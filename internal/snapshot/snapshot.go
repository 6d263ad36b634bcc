// Package snapshot captures and restores the full simulation state of a backtest.
package snapshot

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/replaycore/replayd/errs"
	"github.com/replaycore/replayd/internal/schema"
)

// AccountState is the point-in-time account cell captured into snapshots.
// AvailableBalance equals Cash minus FrozenMargin by construction but is stored.
type AccountState struct {
	Cash             decimal.Decimal `json:"cash"`
	FrozenMargin     decimal.Decimal `json:"frozen_margin"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	TotalEquity      decimal.Decimal `json:"total_equity"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
}

// NewAccountState builds a fresh account holding only cash.
func NewAccountState(cash decimal.Decimal) AccountState {
	return AccountState{
		Cash:             cash,
		FrozenMargin:     decimal.Zero,
		AvailableBalance: cash,
		TotalEquity:      cash,
		UnrealizedPnl:    decimal.Zero,
	}
}

// Validate enforces account invariants.
func (a AccountState) Validate() error {
	if a.Cash.IsNegative() {
		return errs.New("snapshot/account", errs.CodeInvalid, errs.WithMessage("cash must be non-negative"))
	}
	if a.FrozenMargin.IsNegative() {
		return errs.New("snapshot/account", errs.CodeInvalid, errs.WithMessage("frozen margin must be non-negative"))
	}
	return nil
}

// PositionState describes one open position. Identity is (symbol, exchange, direction).
type PositionState struct {
	Symbol        string           `json:"symbol"`
	Exchange      string           `json:"exchange"`
	Direction     schema.Direction `json:"direction"`
	Volume        decimal.Decimal  `json:"volume"`
	CostPrice     decimal.Decimal  `json:"cost_price"`
	UnrealizedPnl decimal.Decimal  `json:"unrealized_pnl"`
	Margin        decimal.Decimal  `json:"margin"`
	OpenTime      *time.Time       `json:"open_time,omitempty"`
}

// Validate enforces position invariants.
func (p PositionState) Validate() error {
	if p.Symbol == "" {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if p.Exchange == "" {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("exchange required"))
	}
	if !p.Direction.Valid() {
		return errs.New("snapshot/position", errs.CodeInvalid,
			errs.WithMessage("direction must be Long or Short"),
			errs.WithDetail("direction", string(p.Direction)))
	}
	if p.Volume.IsNegative() || p.CostPrice.IsNegative() || p.Margin.IsNegative() {
		return errs.New("snapshot/position", errs.CodeInvalid, errs.WithMessage("volume, cost price, and margin must be non-negative"))
	}
	return nil
}

// StrategyState is a pure data carrier describing one loaded strategy.
type StrategyState struct {
	StrategyID string         `json:"strategy_id"`
	ClassName  string         `json:"class_name"`
	Parameters map[string]any `json:"parameters"`
	Variables  map[string]any `json:"variables"`
	IsActive   bool           `json:"is_active"`
}

// Validate enforces strategy carrier invariants.
func (s StrategyState) Validate() error {
	if s.StrategyID == "" {
		return errs.New("snapshot/strategy", errs.CodeInvalid, errs.WithMessage("strategy id required"))
	}
	if s.ClassName == "" {
		return errs.New("snapshot/strategy", errs.CodeInvalid, errs.WithMessage("class name required"))
	}
	return nil
}

// Snapshot is a point-in-time consistent cut of the core's mutable state:
// EventSequence equals the bus counter at capture, DataIndex is the next
// index to read.
type Snapshot struct {
	Version       string          `json:"version"`
	SnapshotID    string          `json:"snapshot_id"`
	CreateTime    time.Time       `json:"create_time"`
	Account       AccountState    `json:"account"`
	Positions     []PositionState `json:"positions"`
	Strategies    []StrategyState `json:"strategies"`
	EventSequence uint64          `json:"event_sequence"`
	PendingEvents []any           `json:"pending_events"`
	DataTimestamp time.Time       `json:"data_timestamp"`
	DataIndex     int             `json:"data_index"`
	BacktestID    string          `json:"backtest_id,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// Clone returns a deep-enough copy: slices are duplicated so the caller may
// hold the result independently of the live cells.
func (s Snapshot) Clone() Snapshot {
	clone := s
	clone.Positions = make([]PositionState, len(s.Positions))
	copy(clone.Positions, s.Positions)
	clone.Strategies = make([]StrategyState, len(s.Strategies))
	copy(clone.Strategies, s.Strategies)
	clone.PendingEvents = make([]any, len(s.PendingEvents))
	copy(clone.PendingEvents, s.PendingEvents)
	return clone
}
