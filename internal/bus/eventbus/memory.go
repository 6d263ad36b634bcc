package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/replaycore/replayd/errs"
	"github.com/replaycore/replayd/internal/schema"
	"github.com/replaycore/replayd/internal/telemetry"
)

// MemoryBus is the in-memory implementation of the event bus.
type MemoryBus struct {
	cfg Config

	mu          sync.Mutex
	sequence    uint64
	history     []schema.Event
	subscribers map[schema.EventKind][]subscription
	kinds       map[SubscriptionID]schema.EventKind

	publishedCounter    metric.Int64Counter
	handlerErrorCounter metric.Int64Counter
	fanoutHistogram     metric.Int64Histogram
	publishDuration     metric.Float64Histogram
}

type subscription struct {
	id      SubscriptionID
	handler Handler
}

// NewMemoryBus constructs a memory-backed event bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	cfg = cfg.normalize()
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.subscribers = make(map[schema.EventKind][]subscription)
	bus.kinds = make(map[SubscriptionID]schema.EventKind)

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.handlerErrorCounter, _ = meter.Int64Counter("eventbus.handler.errors",
		metric.WithDescription("Number of subscriber handler failures"),
		metric.WithUnit("{error}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of handlers per publication"),
		metric.WithUnit("{handler}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish implements Bus. The sequence counter, history append, and handler
// snapshot happen under the mutex; handlers are invoked outside it so a
// handler may publish without deadlocking.
func (b *MemoryBus) Publish(ctx context.Context, kind schema.EventKind, payload any, source string, ts time.Time) (uint64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !kind.Valid() {
		return 0, errs.New("eventbus/publish", errs.CodeInvalid,
			errs.WithMessage("unknown event kind"),
			errs.WithDetail("kind", string(kind)))
	}
	if source == "" {
		return 0, errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event source required"))
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.OperationResultAttributes("eventbus.publish", result)
			attrs = append(attrs, telemetry.AttrEventKind.String(string(kind)))
			b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
		}
	}()

	b.mu.Lock()
	b.sequence++
	evt := schema.Event{
		Sequence:  b.sequence,
		Kind:      kind,
		Timestamp: ts,
		Payload:   payload,
		Source:    source,
	}
	b.history = append(b.history, evt)
	if len(b.history) > b.cfg.MaxHistory {
		trimmed := make([]schema.Event, b.cfg.MaxHistory)
		copy(trimmed, b.history[len(b.history)-b.cfg.MaxHistory:])
		b.history = trimmed
	}
	subs := make([]subscription, len(b.subscribers[kind]))
	copy(subs, b.subscribers[kind])
	b.mu.Unlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subs)), metric.WithAttributes(
			telemetry.AttrEventKind.String(string(kind)),
			telemetry.AttrSource.String(source)))
	}

	for _, sub := range subs {
		if err := b.invoke(sub.handler, evt); err != nil {
			// The event is committed and the sequence consumed; remaining
			// handlers do not receive this event.
			result = "handler_failed"
			if b.handlerErrorCounter != nil {
				b.handlerErrorCounter.Add(ctx, 1, metric.WithAttributes(
					telemetry.ErrorAttributes("eventbus.publish", string(errs.CodeEventPublishFailed))...))
			}
			return evt.Sequence, errs.New("eventbus/publish", errs.CodeEventPublishFailed,
				errs.WithMessage("subscriber handler failed"),
				errs.WithDetail("sequence", fmt.Sprintf("%d", evt.Sequence)),
				errs.WithDetail("kind", string(kind)),
				errs.WithCause(err))
		}
	}

	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.EventAttributes(string(kind), source)...))
	}
	return evt.Sequence, nil
}

func (b *MemoryBus) invoke(handler Handler, evt schema.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(evt)
}

// Subscribe registers a handler for the kind and returns an opaque token.
func (b *MemoryBus) Subscribe(kind schema.EventKind, handler Handler) SubscriptionID {
	if handler == nil {
		return ""
	}
	id := SubscriptionID(uuid.NewString())
	b.mu.Lock()
	b.subscribers[kind] = append(b.subscribers[kind], subscription{id: id, handler: handler})
	b.kinds[id] = kind
	b.mu.Unlock()
	return id
}

// Unsubscribe removes the handler; true when the subscription existed.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) bool {
	if id == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, ok := b.kinds[id]
	if !ok {
		return false
	}
	delete(b.kinds, id)
	subs := b.subscribers[kind]
	for i, sub := range subs {
		if sub.id == id {
			b.subscribers[kind] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[kind]) == 0 {
		delete(b.subscribers, kind)
	}
	return true
}

// CurrentSequence returns the last assigned sequence, zero when none.
func (b *MemoryBus) CurrentSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

// ReplayFrom implements Bus.
func (b *MemoryBus) ReplayFrom(seq uint64) []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := sort.Search(len(b.history), func(i int) bool {
		return b.history[i].Sequence >= seq
	})
	out := make([]schema.Event, len(b.history)-idx)
	copy(out, b.history[idx:])
	return out
}

// PendingEvents implements Bus; synchronous delivery keeps it empty.
func (b *MemoryBus) PendingEvents() []schema.Event {
	return []schema.Event{}
}

// History returns a copy of the retained event tail in sequence order.
func (b *MemoryBus) History() []schema.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Event, len(b.history))
	copy(out, b.history)
	return out
}

// ClearHistory drops the retained tail. The sequence counter is untouched.
func (b *MemoryBus) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

// Reset zeroes the counter and drops history; subscriptions survive.
func (b *MemoryBus) Reset() {
	b.mu.Lock()
	b.sequence = 0
	b.history = nil
	b.mu.Unlock()
}

// RestoreSequence forces the counter, dropping the now-inconsistent tail.
func (b *MemoryBus) RestoreSequence(seq uint64) {
	b.mu.Lock()
	b.sequence = seq
	b.history = nil
	b.mu.Unlock()
}

// SubscriberCount reports the number of handlers registered for the kind.
func (b *MemoryBus) SubscriberCount(kind schema.EventKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[kind])
}
