package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/replaycore/replayd/errs"
	"github.com/replaycore/replayd/internal/replay"
	"github.com/replaycore/replayd/internal/schema"
	"github.com/replaycore/replayd/internal/snapshot"
)

type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	positions []snapshot.PositionState
	status    replay.Status
	playErr   error
}

func (f *fakeEngine) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Play() error                   { f.record("play"); return f.playErr }
func (f *fakeEngine) Pause() bool                   { f.record("pause"); return true }
func (f *fakeEngine) Resume() bool                  { f.record("resume"); return true }
func (f *fakeEngine) Stop()                         { f.record("stop") }
func (f *fakeEngine) SetSpeed(speed float64) error  { f.record("set_speed"); return nil }
func (f *fakeEngine) SeekToIndex(i int) error       { f.record("seek_index"); return nil }
func (f *fakeEngine) SeekToTime(t time.Time) error  { f.record("seek_time"); return nil }
func (f *fakeEngine) LoadSnapshot(p string) error   { f.record("load_snapshot"); return nil }
func (f *fakeEngine) Step(context.Context) (bool, error) {
	f.record("step")
	return true, nil
}
func (f *fakeEngine) SaveSnapshot(string) (string, error) {
	f.record("save_snapshot")
	return "snapshots/test.json", nil
}
func (f *fakeEngine) Status() replay.Status { return f.status }
func (f *fakeEngine) Positions() []snapshot.PositionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snapshot.PositionState(nil), f.positions...)
}

type fakeSink struct {
	mu     sync.Mutex
	orders []schema.OrderRequest
	reject map[string]error
}

func (f *fakeSink) SubmitOrder(_ context.Context, order schema.OrderRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reject[order.Symbol]; ok {
		return err
	}
	f.orders = append(f.orders, order)
	return nil
}

func (f *fakeSink) CancelOrder(context.Context, string) error { return nil }

func (f *fakeSink) submitted() []schema.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.OrderRequest(nil), f.orders...)
}

func command(t *testing.T, id string, typ schema.MessageType, payload any) schema.Message {
	t.Helper()
	msg, err := schema.NewMessage(id, typ, payload)
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	return msg
}

func TestManualOrderFlagsAndDefaults(t *testing.T) {
	engine := &fakeEngine{}
	sink := &fakeSink{}
	d := NewDispatcher(engine, time.Second, WithOrderSink(sink))

	msg := command(t, "cmd-1", schema.MessageManualOrder, schema.ManualOrderPayload{
		Symbol:    "BTC/USDT",
		Direction: schema.DirectionLong,
		Offset:    schema.OffsetOpen,
		Price:     "50000",
		Volume:    "1.5",
	})
	reply := d.Handle(context.Background(), msg)

	if reply.Type != schema.MessageResponse || reply.ID != "cmd-1" {
		t.Fatalf("unexpected reply %s/%s", reply.Type, reply.ID)
	}
	var order schema.OrderRequest
	if err := reply.DecodePayload(&order); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if !order.IsManual {
		t.Fatal("manual orders must carry is_manual")
	}
	if order.Exchange != schema.ExchangeBacktest {
		t.Fatalf("expected default exchange, got %s", order.Exchange)
	}
	if !strings.HasPrefix(order.OrderID, "manual_") {
		t.Fatalf("unexpected order id %s", order.OrderID)
	}
	if !order.Price.Equal(decimal.NewFromInt(50_000)) || !order.Volume.Equal(decimal.NewFromFloat(1.5)) {
		t.Fatalf("order fields lost precision: %s %s", order.Price, order.Volume)
	}

	submitted := sink.submitted()
	if len(submitted) != 1 || submitted[0].OrderID != order.OrderID {
		t.Fatalf("expected the order forwarded to the sink, got %+v", submitted)
	}
}

func TestManualOrderRejectsBadPayloads(t *testing.T) {
	engine := &fakeEngine{}
	sink := &fakeSink{}
	d := NewDispatcher(engine, time.Second, WithOrderSink(sink))

	cases := []schema.ManualOrderPayload{
		{Direction: schema.DirectionLong, Offset: schema.OffsetOpen, Price: "1", Volume: "1"},
		{Symbol: "BTC/USDT", Direction: "Sideways", Offset: schema.OffsetOpen, Price: "1", Volume: "1"},
		{Symbol: "BTC/USDT", Direction: schema.DirectionLong, Offset: schema.OffsetOpen, Price: "-1", Volume: "1"},
		{Symbol: "BTC/USDT", Direction: schema.DirectionLong, Offset: schema.OffsetOpen, Price: "1", Volume: "0"},
		{Symbol: "BTC/USDT", Direction: schema.DirectionLong, Offset: schema.OffsetOpen, Price: "1", Volume: ""},
	}
	for i, payload := range cases {
		reply := d.Handle(context.Background(), command(t, "cmd", schema.MessageManualOrder, payload))
		if reply.Type != schema.MessageError {
			t.Fatalf("case %d: expected error reply, got %s", i, reply.Type)
		}
		var errPayload schema.ErrorPayload
		if err := reply.DecodePayload(&errPayload); err != nil {
			t.Fatalf("case %d: decode error payload: %v", i, err)
		}
		if errPayload.ErrorCode != string(errs.CodeInvalid) {
			t.Fatalf("case %d: expected invalid code, got %s", i, errPayload.ErrorCode)
		}
	}
	if len(sink.submitted()) != 0 {
		t.Fatal("rejected orders must not reach the sink")
	}
}

func TestCloseAllFlattensEveryPosition(t *testing.T) {
	engine := &fakeEngine{positions: []snapshot.PositionState{
		{Symbol: "BTC/USDT", Exchange: schema.ExchangeBacktest, Direction: schema.DirectionLong, Volume: decimal.NewFromInt(1)},
		{Symbol: "ETH/USDT", Exchange: schema.ExchangeBacktest, Direction: schema.DirectionShort, Volume: decimal.NewFromInt(5)},
		{Symbol: "SOL/USDT", Exchange: schema.ExchangeBacktest, Direction: schema.DirectionLong, Volume: decimal.Zero},
	}}
	sink := &fakeSink{}
	d := NewDispatcher(engine, time.Second, WithOrderSink(sink))

	reply := d.Handle(context.Background(), command(t, "ca-1", schema.MessageCloseAll, nil))
	if reply.Type != schema.MessageResponse {
		t.Fatalf("expected response, got %s", reply.Type)
	}
	var result schema.CloseAllResult
	if err := reply.DecodePayload(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ClosedCount != 2 || len(result.Errors) != 0 {
		t.Fatalf("expected 2 closes with no errors, got %+v", result)
	}

	submitted := sink.submitted()
	if len(submitted) != 2 {
		t.Fatalf("expected 2 submitted orders, got %d", len(submitted))
	}
	btc, eth := submitted[0], submitted[1]
	if btc.Direction != schema.DirectionShort || !btc.Volume.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected BTC close order: %+v", btc)
	}
	if eth.Direction != schema.DirectionLong || !eth.Volume.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected ETH close order: %+v", eth)
	}
	for _, order := range submitted {
		if !order.IsManual || order.Offset != schema.OffsetClose || !order.Price.IsZero() {
			t.Fatalf("close order missing market-close shape: %+v", order)
		}
		if !strings.HasPrefix(order.OrderID, "close_all_") || !strings.HasSuffix(order.OrderID, order.Symbol) {
			t.Fatalf("unexpected close order id %s", order.OrderID)
		}
	}
}

func TestCloseAllReportsPartialFailure(t *testing.T) {
	engine := &fakeEngine{positions: []snapshot.PositionState{
		{Symbol: "BTC/USDT", Direction: schema.DirectionLong, Volume: decimal.NewFromInt(1)},
		{Symbol: "ETH/USDT", Direction: schema.DirectionShort, Volume: decimal.NewFromInt(5)},
	}}
	sink := &fakeSink{reject: map[string]error{
		"ETH/USDT": errs.New("engine/submit", errs.CodeUnavailable, errs.WithMessage("matching engine offline")),
	}}
	d := NewDispatcher(engine, time.Second, WithOrderSink(sink))

	reply := d.Handle(context.Background(), command(t, "ca-2", schema.MessageCloseAll, nil))
	var result schema.CloseAllResult
	if err := reply.DecodePayload(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ClosedCount != 1 || len(result.Closed) != 1 {
		t.Fatalf("expected one successful close, got %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Symbol != "ETH/USDT" {
		t.Fatalf("expected an ETH error entry, got %+v", result.Errors)
	}
}

func TestControlCommandsMapToEngineOperations(t *testing.T) {
	engine := &fakeEngine{status: replay.Status{State: replay.StatePaused, Speed: 1}}
	d := NewDispatcher(engine, time.Second)
	ctx := context.Background()

	steps := []struct {
		typ     schema.MessageType
		payload any
		want    string
	}{
		{schema.MessageStartBacktest, nil, "play"},
		{schema.MessagePause, nil, "pause"},
		{schema.MessageResume, nil, "resume"},
		{schema.MessageStep, nil, "step"},
		{schema.MessageSetSpeed, speedPayload{Speed: 4}, "set_speed"},
		{schema.MessageSeekIndex, seekIndexPayload{Index: 10}, "seek_index"},
		{schema.MessageSeekTime, seekTimePayload{Time: "2024-03-01T09:00:00Z"}, "seek_time"},
		{schema.MessageSaveSnapshot, snapshotSavePayload{Description: "x"}, "save_snapshot"},
		{schema.MessageLoadSnapshot, snapshotLoadPayload{Path: "snapshots/test.json"}, "load_snapshot"},
		{schema.MessageStop, nil, "stop"},
	}
	for _, step := range steps {
		reply := d.Handle(ctx, command(t, "c", step.typ, step.payload))
		if reply.Type == schema.MessageError {
			t.Fatalf("%s: unexpected error reply: %s", step.typ, reply.Payload)
		}
	}

	calls := engine.recorded()
	if len(calls) != len(steps) {
		t.Fatalf("expected %d engine calls, got %v", len(steps), calls)
	}
	for i, step := range steps {
		if calls[i] != step.want {
			t.Fatalf("command %s hit %s, want %s", step.typ, calls[i], step.want)
		}
	}
}

func TestHeartbeatGetsAcked(t *testing.T) {
	d := NewDispatcher(&fakeEngine{}, time.Second)
	reply := d.Handle(context.Background(), command(t, "hb-1", schema.MessageHeartbeat, nil))
	if reply.Type != schema.MessageHeartbeatAck || reply.ID != "hb-1" {
		t.Fatalf("expected heartbeat_ack reusing the id, got %s/%s", reply.Type, reply.ID)
	}
}

func TestRequestStateUsesProvider(t *testing.T) {
	d := NewDispatcher(&fakeEngine{}, time.Second,
		WithStateProvider(func() any { return map[string]any{"resync": true} }))

	reply := d.Handle(context.Background(), command(t, "rs-1", schema.MessageRequestState, nil))
	if reply.Type != schema.MessageStateSync {
		t.Fatalf("expected state_sync, got %s", reply.Type)
	}
	var doc map[string]any
	if err := reply.DecodePayload(&doc); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if doc["resync"] != true {
		t.Fatalf("unexpected state document: %v", doc)
	}
}

func TestEngineErrorsSurfaceWithTaxonomyCodes(t *testing.T) {
	engine := &fakeEngine{playErr: errs.New("replay/play", errs.CodeEngineNotInitialized, errs.WithMessage("initialize before play"))}
	d := NewDispatcher(engine, time.Second)

	reply := d.Handle(context.Background(), command(t, "p-1", schema.MessageStartBacktest, nil))
	if reply.Type != schema.MessageError {
		t.Fatalf("expected error reply, got %s", reply.Type)
	}
	var payload schema.ErrorPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ErrorCode != string(errs.CodeEngineNotInitialized) {
		t.Fatalf("expected engine_not_initialized, got %s", payload.ErrorCode)
	}
	if payload.Error == "" {
		t.Fatal("expected a human-readable error string")
	}
}

func TestUnknownCommandRejected(t *testing.T) {
	d := NewDispatcher(&fakeEngine{}, time.Second)
	reply := d.Handle(context.Background(), schema.Message{ID: "u-1", Type: "warp_speed"})
	if reply.Type != schema.MessageError {
		t.Fatalf("expected error reply, got %s", reply.Type)
	}
	var payload schema.ErrorPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ErrorCode != string(errs.CodeInvalid) {
		t.Fatalf("expected invalid code, got %s", payload.ErrorCode)
	}
}

func TestStrategyCommandsRequireRegistry(t *testing.T) {
	d := NewDispatcher(&fakeEngine{}, time.Second)
	reply := d.Handle(context.Background(), command(t, "s-1", schema.MessageLoadStrategy, strategyPayload{StrategyID: "sma"}))
	if reply.Type != schema.MessageError {
		t.Fatalf("expected error without a registry, got %s", reply.Type)
	}
	var payload schema.ErrorPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ErrorCode != string(errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %s", payload.ErrorCode)
	}
}
