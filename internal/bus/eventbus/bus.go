// Package eventbus provides the totally-ordered event distributor at the core of replayd.
package eventbus

import (
	"context"
	"time"

	"github.com/replaycore/replayd/internal/schema"
)

// DefaultMaxHistory caps the retained event tail when no override is configured.
const DefaultMaxHistory = 10_000

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Handler consumes a published event. Handlers run synchronously on the
// publisher's goroutine, in registration order.
type Handler func(evt schema.Event) error

// Bus assigns a total order to events, delivers them to subscribers, and
// retains a bounded tail for replay.
type Bus interface {
	// Publish assigns the next sequence number, appends the event to history,
	// and invokes every handler registered for the kind. A zero ts stamps the
	// current wall time; this is the only wall-clock entry point on the bus.
	Publish(ctx context.Context, kind schema.EventKind, payload any, source string, ts time.Time) (uint64, error)
	Subscribe(kind schema.EventKind, handler Handler) SubscriptionID
	Unsubscribe(id SubscriptionID) bool
	CurrentSequence() uint64
	// ReplayFrom returns every retained event with sequence >= seq in sequence
	// order. Sequences below the oldest retained entry yield a truncated
	// prefix; history is never extended past the configured cap.
	ReplayFrom(seq uint64) []schema.Event
	// PendingEvents reports events queued but not yet delivered. Delivery is
	// synchronous, so the result is always empty; the method exists for
	// symmetry with snapshot semantics.
	PendingEvents() []schema.Event
	History() []schema.Event
	ClearHistory()
	// Reset zeroes the counter and drops history while preserving
	// subscriptions. Test harness and snapshot-load paths only.
	Reset()
	// RestoreSequence forces the counter to seq so that a loaded snapshot's
	// event_sequence carries into the live session.
	RestoreSequence(seq uint64)
	SubscriberCount(kind schema.EventKind) int
}

// Config configures the in-memory bus.
type Config struct {
	MaxHistory int
}

func (c Config) normalize() Config {
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	return c
}
