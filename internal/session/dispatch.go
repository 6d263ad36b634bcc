// Package session exposes the replay core over a persistent duplex
// websocket transport: command dispatch inbound, event fan-out outbound.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/replaycore/replayd/errs"
	"github.com/replaycore/replayd/internal/observability"
	"github.com/replaycore/replayd/internal/replay"
	"github.com/replaycore/replayd/internal/schema"
	"github.com/replaycore/replayd/internal/snapshot"
)

// Engine is the replay surface the session layer drives. The replay
// controller satisfies it.
type Engine interface {
	Play() error
	Pause() bool
	Resume() bool
	Step(ctx context.Context) (bool, error)
	Stop()
	SetSpeed(speed float64) error
	Status() replay.Status
	SaveSnapshot(description string) (string, error)
	LoadSnapshot(path string) error
	SeekToIndex(i int) error
	SeekToTime(t time.Time) error
	Positions() []snapshot.PositionState
}

// OrderSink receives manual and close-all orders. The matching engine is an
// external collaborator behind this boundary.
type OrderSink interface {
	SubmitOrder(ctx context.Context, order schema.OrderRequest) error
	CancelOrder(ctx context.Context, orderID string) error
}

// StrategyRegistry manages strategy lifecycle commands. Optional; commands
// arriving without one yield an unavailable error.
type StrategyRegistry interface {
	Load(ctx context.Context, strategyID, className string, params map[string]any) error
	Reload(ctx context.Context, strategyID string) error
	UpdateParams(ctx context.Context, strategyID string, params map[string]any) error
}

// StateProvider produces the document carried by state_sync messages.
type StateProvider func() any

// Dispatcher maps inbound wire commands onto engine operations. Every
// command runs under its own timeout so a stuck operation cannot wedge the
// read loop.
type Dispatcher struct {
	engine     Engine
	orders     OrderSink
	strategies StrategyRegistry
	state      StateProvider
	timeout    time.Duration
}

// DispatcherOption customises dispatcher collaborators.
type DispatcherOption func(*Dispatcher)

// WithOrderSink routes manual trading commands to the given sink.
func WithOrderSink(sink OrderSink) DispatcherOption {
	return func(d *Dispatcher) { d.orders = sink }
}

// WithStrategyRegistry enables strategy lifecycle commands.
func WithStrategyRegistry(reg StrategyRegistry) DispatcherOption {
	return func(d *Dispatcher) { d.strategies = reg }
}

// WithStateProvider supplies the request_state / reconnect sync document.
func WithStateProvider(provider StateProvider) DispatcherOption {
	return func(d *Dispatcher) { d.state = provider }
}

// NewDispatcher wires a dispatcher around the engine.
func NewDispatcher(engine Engine, commandTimeout time.Duration, opts ...DispatcherOption) *Dispatcher {
	if commandTimeout <= 0 {
		commandTimeout = 10 * time.Second
	}
	d := &Dispatcher{engine: engine, timeout: commandTimeout}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type speedPayload struct {
	Speed float64 `json:"speed"`
}

type seekIndexPayload struct {
	Index int `json:"index"`
}

type seekTimePayload struct {
	Time string `json:"time"`
}

type snapshotSavePayload struct {
	Description string `json:"description,omitempty"`
}

type snapshotLoadPayload struct {
	Path string `json:"path"`
}

type snapshotPathPayload struct {
	Path string `json:"path"`
}

type cancelOrderPayload struct {
	OrderID string `json:"order_id"`
}

type strategyPayload struct {
	StrategyID string         `json:"strategy_id"`
	ClassName  string         `json:"class_name,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type ackPayload struct {
	OK bool `json:"ok"`
}

// Handle executes one inbound command and returns the reply envelope.
// Replies reuse the inbound message id; failures come back as error
// messages carrying the taxonomy code.
func (d *Dispatcher) Handle(parent context.Context, msg schema.Message) schema.Message {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	reply, err := d.dispatch(ctx, msg)
	if err != nil {
		observability.Log().Debug("command failed",
			observability.F("type", string(msg.Type)),
			observability.F("error", err))
		return errorMessage(msg.ID, err)
	}
	return reply
}

func (d *Dispatcher) dispatch(ctx context.Context, msg schema.Message) (schema.Message, error) {
	switch msg.Type {
	case schema.MessageHeartbeat:
		return reply(msg.ID, schema.MessageHeartbeatAck, nil)

	case schema.MessageStartBacktest:
		if err := d.engine.Play(); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, d.engine.Status())

	case schema.MessagePause:
		return response(msg.ID, ackPayload{OK: d.engine.Pause()})

	case schema.MessageResume:
		return response(msg.ID, ackPayload{OK: d.engine.Resume()})

	case schema.MessageStep:
		advanced, err := d.engine.Step(ctx)
		if err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, struct {
			Advanced bool          `json:"advanced"`
			Status   replay.Status `json:"status"`
		}{Advanced: advanced, Status: d.engine.Status()})

	case schema.MessageStop:
		d.engine.Stop()
		return response(msg.ID, ackPayload{OK: true})

	case schema.MessageSetSpeed:
		var p speedPayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		if err := d.engine.SetSpeed(p.Speed); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, ackPayload{OK: true})

	case schema.MessageSeekIndex:
		var p seekIndexPayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		if err := d.engine.SeekToIndex(p.Index); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, d.engine.Status())

	case schema.MessageSeekTime:
		var p seekTimePayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		target, err := time.Parse(time.RFC3339Nano, p.Time)
		if err != nil {
			return schema.Message{}, errs.New("session/seek-time", errs.CodeInvalid,
				errs.WithMessage("time must be RFC 3339"),
				errs.WithDetail("time", p.Time))
		}
		if err := d.engine.SeekToTime(target); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, d.engine.Status())

	case schema.MessageGetStatus:
		return response(msg.ID, d.engine.Status())

	case schema.MessageRequestState:
		if d.state != nil {
			return reply(msg.ID, schema.MessageStateSync, d.state())
		}
		return response(msg.ID, d.engine.Status())

	case schema.MessageSaveSnapshot:
		var p snapshotSavePayload
		if len(msg.Payload) > 0 {
			if err := decode(msg, &p); err != nil {
				return schema.Message{}, err
			}
		}
		path, err := d.engine.SaveSnapshot(p.Description)
		if err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, snapshotPathPayload{Path: path})

	case schema.MessageLoadSnapshot:
		var p snapshotLoadPayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		if p.Path == "" {
			return schema.Message{}, errs.New("session/load-snapshot", errs.CodeInvalid, errs.WithMessage("path required"))
		}
		if err := d.engine.LoadSnapshot(p.Path); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, d.engine.Status())

	case schema.MessageManualOrder:
		return d.manualOrder(ctx, msg)

	case schema.MessageCloseAll:
		return d.closeAll(ctx, msg)

	case schema.MessageCancelOrder:
		var p cancelOrderPayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		if p.OrderID == "" {
			return schema.Message{}, errs.New("session/cancel-order", errs.CodeInvalid, errs.WithMessage("order_id required"))
		}
		if d.orders == nil {
			return schema.Message{}, errs.New("session/cancel-order", errs.CodeUnavailable, errs.WithMessage("no matching engine attached"))
		}
		if err := d.orders.CancelOrder(ctx, p.OrderID); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, ackPayload{OK: true})

	case schema.MessageLoadStrategy:
		var p strategyPayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		if d.strategies == nil {
			return schema.Message{}, errs.New("session/load-strategy", errs.CodeUnavailable, errs.WithMessage("no strategy registry attached"))
		}
		if err := d.strategies.Load(ctx, p.StrategyID, p.ClassName, p.Parameters); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, ackPayload{OK: true})

	case schema.MessageReloadStrategy:
		var p strategyPayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		if d.strategies == nil {
			return schema.Message{}, errs.New("session/reload-strategy", errs.CodeUnavailable, errs.WithMessage("no strategy registry attached"))
		}
		if err := d.strategies.Reload(ctx, p.StrategyID); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, ackPayload{OK: true})

	case schema.MessageUpdateParams:
		var p strategyPayload
		if err := decode(msg, &p); err != nil {
			return schema.Message{}, err
		}
		if d.strategies == nil {
			return schema.Message{}, errs.New("session/update-params", errs.CodeUnavailable, errs.WithMessage("no strategy registry attached"))
		}
		if err := d.strategies.UpdateParams(ctx, p.StrategyID, p.Parameters); err != nil {
			return schema.Message{}, err
		}
		return response(msg.ID, ackPayload{OK: true})

	case schema.MessageAlertAck:
		return response(msg.ID, ackPayload{OK: true})

	case schema.MessageDisconnect:
		return response(msg.ID, ackPayload{OK: true})

	default:
		return schema.Message{}, errs.New("session/dispatch", errs.CodeInvalid,
			errs.WithMessage("unknown command type"),
			errs.WithDetail("type", string(msg.Type)))
	}
}

// manualOrder validates and forwards an interactive order. The order always
// carries is_manual so downstream audit can tell it from strategy flow.
func (d *Dispatcher) manualOrder(ctx context.Context, msg schema.Message) (schema.Message, error) {
	var p schema.ManualOrderPayload
	if err := decode(msg, &p); err != nil {
		return schema.Message{}, err
	}
	price, err := parseDecimal("price", p.Price)
	if err != nil {
		return schema.Message{}, err
	}
	volume, err := parseDecimal("volume", p.Volume)
	if err != nil {
		return schema.Message{}, err
	}
	exchange := p.Exchange
	if exchange == "" {
		exchange = schema.ExchangeBacktest
	}

	order := schema.OrderRequest{
		OrderID:   fmt.Sprintf("manual_%d", time.Now().UnixMilli()),
		Symbol:    p.Symbol,
		Exchange:  exchange,
		Direction: p.Direction,
		Offset:    p.Offset,
		Price:     price,
		Volume:    volume,
		IsManual:  true,
		Timestamp: time.Now().UTC(),
	}
	if err := order.Validate(); err != nil {
		return schema.Message{}, err
	}
	if d.orders != nil {
		if err := d.orders.SubmitOrder(ctx, order); err != nil {
			return schema.Message{}, err
		}
	}
	observability.Log().Info("manual order submitted",
		observability.F("order_id", order.OrderID),
		observability.F("symbol", order.Symbol))
	return response(msg.ID, order)
}

// closeAll flattens every open position with a market order in the opposite
// direction. Per-position failures are collected, not fatal: partial success
// is reported in the summary.
func (d *Dispatcher) closeAll(ctx context.Context, msg schema.Message) (schema.Message, error) {
	result := schema.CloseAllResult{Closed: []schema.OrderRequest{}}
	epochMillis := time.Now().UnixMilli()

	for _, pos := range d.engine.Positions() {
		if !pos.Volume.IsPositive() {
			continue
		}
		order := schema.OrderRequest{
			OrderID:   fmt.Sprintf("close_all_%d_%s", epochMillis, pos.Symbol),
			Symbol:    pos.Symbol,
			Exchange:  pos.Exchange,
			Direction: pos.Direction.Opposite(),
			Offset:    schema.OffsetClose,
			Price:     decimal.Zero,
			Volume:    pos.Volume,
			IsManual:  true,
			Timestamp: time.Now().UTC(),
		}
		if d.orders != nil {
			if err := d.orders.SubmitOrder(ctx, order); err != nil {
				result.Errors = append(result.Errors, schema.CloseAllError{Symbol: pos.Symbol, Error: err.Error()})
				continue
			}
		}
		result.Closed = append(result.Closed, order)
		result.ClosedCount++
	}

	observability.Log().Info("close all executed",
		observability.F("closed", result.ClosedCount),
		observability.F("errors", len(result.Errors)))
	return response(msg.ID, result)
}

func decode(msg schema.Message, dest any) error {
	if err := msg.DecodePayload(dest); err != nil {
		return errs.New("session/dispatch", errs.CodeInvalid,
			errs.WithMessage("malformed command payload"),
			errs.WithDetail("type", string(msg.Type)),
			errs.WithCause(err))
	}
	return nil
}

func parseDecimal(field, value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, errs.New("session/manual-order", errs.CodeInvalid,
			errs.WithMessage(field+" required"))
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, errs.New("session/manual-order", errs.CodeInvalid,
			errs.WithMessage(field+" must be a decimal string"),
			errs.WithDetail(field, value),
			errs.WithCause(err))
	}
	return parsed, nil
}

func reply(id string, typ schema.MessageType, payload any) (schema.Message, error) {
	msg, err := schema.NewMessage(id, typ, payload)
	if err != nil {
		return schema.Message{}, errs.New("session/dispatch", errs.CodeInvalid,
			errs.WithMessage("encode reply payload"),
			errs.WithCause(err))
	}
	return msg, nil
}

func response(id string, payload any) (schema.Message, error) {
	return reply(id, schema.MessageResponse, payload)
}

func errorMessage(id string, err error) schema.Message {
	payload := schema.ErrorPayload{Error: err.Error(), ErrorCode: string(errs.CodeOf(err))}
	msg, encodeErr := schema.NewMessage(id, schema.MessageError, payload)
	if encodeErr != nil {
		msg = schema.Message{ID: id, Type: schema.MessageError, Timestamp: time.Now().UnixMilli()}
	}
	return msg
}

// throttledMessage reports a rate-limit rejection for the inbound id.
func throttledMessage(id string, limit float64) schema.Message {
	return errorMessage(id, errs.New("session/throttle", errs.CodeUnavailable,
		errs.WithMessage("command rate limit exceeded"),
		errs.WithDetail("limit_per_second", strconv.FormatFloat(limit, 'f', -1, 64))))
}
