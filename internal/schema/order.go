package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/replaycore/replayd/errs"
)

// Direction captures the side of a position or order.
type Direction string

const (
	// DirectionLong marks long exposure.
	DirectionLong Direction = "Long"
	// DirectionShort marks short exposure.
	DirectionShort Direction = "Short"
)

// Opposite returns the reversed direction, used when flattening positions.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Valid reports whether the direction is a member of the closed enum.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Offset distinguishes opening trades from closing trades.
type Offset string

const (
	// OffsetOpen opens new exposure.
	OffsetOpen Offset = "Open"
	// OffsetClose reduces existing exposure.
	OffsetClose Offset = "Close"
)

// Valid reports whether the offset is a member of the closed enum.
func (o Offset) Valid() bool {
	return o == OffsetOpen || o == OffsetClose
}

// ExchangeBacktest is the default exchange marker for simulated orders.
const ExchangeBacktest = "BACKTEST"

// OrderRequest represents an order submission routed to the matching engine.
// Price zero denotes a market order.
type OrderRequest struct {
	OrderID   string          `json:"order_id"`
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Direction Direction       `json:"direction"`
	Offset    Offset          `json:"offset"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	IsManual  bool            `json:"is_manual"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate enforces the order contract before submission.
func (o OrderRequest) Validate() error {
	if o.Symbol == "" {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !o.Direction.Valid() {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("direction must be Long or Short"),
			errs.WithDetail("direction", string(o.Direction)))
	}
	if !o.Offset.Valid() {
		return errs.New("schema/order", errs.CodeInvalid,
			errs.WithMessage("offset must be Open or Close"),
			errs.WithDetail("offset", string(o.Offset)))
	}
	if o.Price.IsNegative() {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("price must be non-negative"))
	}
	if o.Volume.LessThanOrEqual(decimal.Zero) {
		return errs.New("schema/order", errs.CodeInvalid, errs.WithMessage("volume must be positive"))
	}
	return nil
}

// IsMarket reports whether the order executes at market price.
func (o OrderRequest) IsMarket() bool {
	return o.Price.IsZero()
}
