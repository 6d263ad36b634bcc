package replay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/replaycore/replayd/errs"
	"github.com/replaycore/replayd/internal/bus/eventbus"
	"github.com/replaycore/replayd/internal/observability"
	"github.com/replaycore/replayd/internal/schema"
	"github.com/replaycore/replayd/internal/snapshot"
	"github.com/replaycore/replayd/internal/telemetry"
)

// Source identifies events published by the replay controller.
const Source = "replay_controller"

const (
	pausePoll         = 10 * time.Millisecond
	stopGracePeriod   = 2 * time.Second
	autoSnapshotTries = 3
)

// Config holds the controller's pacing and snapshot settings.
type Config struct {
	TimeUnit             time.Duration
	InitialSpeed         float64
	InitialCash          decimal.Decimal
	SnapshotDir          string
	AutoSnapshotInterval time.Duration
}

func (c Config) normalize() Config {
	if c.TimeUnit <= 0 {
		c.TimeUnit = time.Second
	}
	if _, ok := allowedSpeeds[c.InitialSpeed]; !ok {
		c.InitialSpeed = 1
	}
	if c.InitialCash.IsZero() || c.InitialCash.IsNegative() {
		c.InitialCash = decimal.NewFromInt(100_000)
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = "snapshots"
	}
	return c
}

// Controller owns the replay state machine and the single worker goroutine
// that turns provider records into bus events.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	state     State
	speed     float64
	bus       eventbus.Bus
	snapshots *snapshot.Manager
	provider  DataProvider

	backtestID  string
	startTime   time.Time
	endTime     time.Time
	currentTime time.Time
	index       int
	total       int
	processed   uint64

	account    snapshot.AccountState
	positions  []snapshot.PositionState
	strategies []snapshot.StrategyState

	callbacks      map[CallbackID]StatusCallback
	nextCallbackID CallbackID

	// processMu serialises record processing between the worker and Step so
	// a step never overlaps an in-flight worker record.
	processMu sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}

	recordsCounter   metric.Int64Counter
	snapshotsCounter metric.Int64Counter
}

// NewController constructs an idle controller.
func NewController(cfg Config) *Controller {
	cfg = cfg.normalize()
	c := &Controller{
		cfg:       cfg,
		state:     StateIdle,
		speed:     cfg.InitialSpeed,
		callbacks: make(map[CallbackID]StatusCallback),
	}

	meter := otel.Meter("replay")
	c.recordsCounter, _ = meter.Int64Counter("replay.records.processed",
		metric.WithDescription("Number of historical records turned into events"),
		metric.WithUnit("{record}"))
	c.snapshotsCounter, _ = meter.Int64Counter("replay.snapshots.saved",
		metric.WithDescription("Number of snapshots written to disk"),
		metric.WithUnit("{snapshot}"))

	return c
}

// Initialize wires the collaborators for a fresh session. Allowed from Idle
// or Stopped; ends in Paused with counters zeroed and a fresh backtest id.
func (c *Controller) Initialize(bus eventbus.Bus, snapshots *snapshot.Manager, provider DataProvider, startTime, endTime time.Time, total int) error {
	if bus == nil || snapshots == nil || provider == nil {
		return errs.New("replay/initialize", errs.CodeEngineInitFailed, errs.WithMessage("bus, snapshot manager, and data provider are required"))
	}
	if total < 0 {
		return errs.New("replay/initialize", errs.CodeEngineInitFailed, errs.WithMessage("total must be non-negative"))
	}

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateStopped {
		state := c.state
		c.mu.Unlock()
		return errs.New("replay/initialize", errs.CodeEngineInitFailed,
			errs.WithMessage("initialize requires Idle or Stopped state"),
			errs.WithDetail("state", string(state)))
	}
	c.bus = bus
	c.snapshots = snapshots
	c.provider = provider
	c.backtestID = uuid.NewString()
	c.startTime = startTime
	c.endTime = endTime
	c.currentTime = startTime
	c.index = 0
	c.total = total
	c.processed = 0
	c.speed = c.cfg.InitialSpeed
	c.account = snapshot.NewAccountState(c.cfg.InitialCash)
	c.positions = nil
	c.strategies = nil
	c.state = StatePaused
	backtestID := c.backtestID
	c.mu.Unlock()

	observability.Log().Info("replay initialized",
		observability.F("backtest_id", backtestID),
		observability.F("total", total))
	return nil
}

// Play starts or resumes publication. Idle and a step in flight are
// rejected; Stopped restarts from the beginning; Paused and Playing are
// idempotent.
func (c *Controller) Play() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return errs.New("replay/play", errs.CodeEngineNotInitialized, errs.WithMessage("initialize before play"))
	case StateStepping:
		c.mu.Unlock()
		return errs.New("replay/play", errs.CodeInvalid, errs.WithMessage("step already in flight"))
	case StateStopped:
		c.index = 0
		c.processed = 0
		c.currentTime = c.startTime
		c.state = StatePlaying
	case StatePaused:
		c.state = StatePlaying
	case StatePlaying:
		// idempotent
	}
	c.ensureWorkerLocked()
	c.mu.Unlock()

	c.notify()
	return nil
}

// Pause latches the worker; false when the replay is not advancing.
func (c *Controller) Pause() bool {
	c.mu.Lock()
	if c.state != StatePlaying && c.state != StateStepping {
		c.mu.Unlock()
		return false
	}
	c.state = StatePaused
	c.mu.Unlock()

	c.notify()
	return true
}

// Resume releases a paused replay; false when not Paused.
func (c *Controller) Resume() bool {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return false
	}
	c.state = StatePlaying
	c.ensureWorkerLocked()
	c.mu.Unlock()

	c.notify()
	return true
}

// Step processes exactly one record and returns to Paused. At the end of the
// stream it reports false and the controller enters Stopped.
func (c *Controller) Step(ctx context.Context) (bool, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return false, errs.New("replay/step", errs.CodeEngineNotInitialized, errs.WithMessage("initialize before step"))
	case StateStopped:
		c.mu.Unlock()
		return false, nil
	case StateStepping:
		c.mu.Unlock()
		return false, errs.New("replay/step", errs.CodeInvalid, errs.WithMessage("step already in flight"))
	case StatePlaying, StatePaused:
	}
	if c.index >= c.total {
		c.state = StateStopped
		c.releaseWorkerLocked()
		c.mu.Unlock()
		c.notify()
		return false, nil
	}
	c.state = StateStepping
	c.mu.Unlock()

	// Wait out any in-flight worker record, then advance exactly one.
	c.processMu.Lock()
	_, err := c.processOne(ctx)
	c.processMu.Unlock()

	c.mu.Lock()
	if c.index >= c.total {
		c.state = StateStopped
		c.releaseWorkerLocked()
	} else {
		c.state = StatePaused
	}
	c.mu.Unlock()
	c.notify()
	return true, err
}

// Stop signals the worker, releases the pause latch, and joins within a
// bounded grace window. The controller enters Stopped even when the worker
// fails to exit in time.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	doneCh := c.doneCh
	c.releaseWorkerLocked()
	c.mu.Unlock()

	if doneCh != nil {
		select {
		case <-doneCh:
		case <-time.After(stopGracePeriod):
			observability.Log().Error("replay worker did not exit within grace period")
		}
	}
	c.notify()
}

// SetSpeed changes pacing; the worker observes it on its next iteration.
func (c *Controller) SetSpeed(speed float64) error {
	if _, ok := allowedSpeeds[speed]; !ok {
		return errs.New("replay/set-speed", errs.CodeInvalid,
			errs.WithMessage("speed must be one of 1, 2, 4, 10, or 0 for unlimited"),
			errs.WithDetail("speed", strconv.FormatFloat(speed, 'f', -1, 64)))
	}
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()

	c.notify()
	return nil
}

// Status returns the derived replay status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	progress := float64(0)
	if c.total > 0 {
		progress = float64(c.index) / float64(c.total) * 100
	}
	var seq uint64
	if c.bus != nil {
		seq = c.bus.CurrentSequence()
	}
	return Status{
		State:         c.state,
		Speed:         c.speed,
		CurrentTime:   c.currentTime,
		CurrentIndex:  c.index,
		TotalRecords:  c.total,
		EventSequence: seq,
		TotalEvents:   c.processed,
		Progress:      progress,
		BacktestID:    c.backtestID,
	}
}

// SaveSnapshot captures a consistent cut and writes it under the snapshot
// directory, returning the file path.
func (c *Controller) SaveSnapshot(description string) (string, error) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return "", errs.New("replay/save-snapshot", errs.CodeEngineNotInitialized, errs.WithMessage("initialize before saving snapshots"))
	}
	capture := snapshot.Capture{
		Account:       c.account,
		Positions:     append([]snapshot.PositionState(nil), c.positions...),
		Strategies:    append([]snapshot.StrategyState(nil), c.strategies...),
		EventSequence: c.bus.CurrentSequence(),
		PendingEvents: pendingPayloads(c.bus.PendingEvents()),
		DataTimestamp: c.currentTime,
		DataIndex:     c.index,
		BacktestID:    c.backtestID,
		Description:   description,
	}
	backtestID := c.backtestID
	c.mu.Unlock()

	snap := c.snapshots.Create(capture)
	name := fmt.Sprintf("%s_%s.json", backtestID, snap.CreateTime.Format("20060102_150405"))
	path := filepath.Join(c.cfg.SnapshotDir, name)
	if err := c.snapshots.Save(snap, path); err != nil {
		return "", err
	}
	if c.snapshotsCounter != nil {
		c.snapshotsCounter.Add(context.Background(), 1, metric.WithAttributes(
			telemetry.AttrBacktestID.String(backtestID)))
	}
	return path, nil
}

// LoadSnapshot restores the controller and the bus from a snapshot document
// and leaves the replay Paused at the restored position.
func (c *Controller) LoadSnapshot(path string) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return errs.New("replay/load-snapshot", errs.CodeEngineNotInitialized, errs.WithMessage("initialize before loading snapshots"))
	}
	c.mu.Unlock()

	c.Pause()

	snap, err := c.snapshots.Load(path)
	if err != nil {
		return err
	}
	if snap == nil {
		return errs.New("replay/load-snapshot", errs.CodeSnapshotNotFound,
			errs.WithMessage("snapshot file does not exist"),
			errs.WithDetail("path", path))
	}
	if err := c.snapshots.Restore(snap); err != nil {
		return err
	}

	// Pause latches only between records; drain any record still in flight
	// before replacing the cursor, or its completion would clobber the
	// restored position.
	c.processMu.Lock()
	c.mu.Lock()
	c.account = snap.Account
	c.positions = append([]snapshot.PositionState(nil), snap.Positions...)
	c.strategies = append([]snapshot.StrategyState(nil), snap.Strategies...)
	c.currentTime = snap.DataTimestamp
	c.index = snap.DataIndex
	if snap.BacktestID != "" {
		c.backtestID = snap.BacktestID
	}
	// The session keeps the snapshot's sequence identity: the counter is
	// restored, not reset, so post-load publications continue the cut.
	c.bus.RestoreSequence(snap.EventSequence)
	c.state = StatePaused
	c.mu.Unlock()
	c.processMu.Unlock()

	c.notify()
	return nil
}

// SeekToIndex repositions the read cursor without publishing events.
func (c *Controller) SeekToIndex(i int) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return errs.New("replay/seek", errs.CodeEngineNotInitialized, errs.WithMessage("initialize before seeking"))
	}
	total := c.total
	c.mu.Unlock()

	if i < 0 || i > total {
		return errs.New("replay/seek", errs.CodeInvalid,
			errs.WithMessage("seek index out of range"),
			errs.WithDetail("index", strconv.Itoa(i)),
			errs.WithDetail("total", strconv.Itoa(total)))
	}

	c.Pause()

	// Drain any record the worker is mid-publish on before moving the
	// cursor; its completion increments the pre-seek index otherwise.
	c.processMu.Lock()
	c.mu.Lock()
	c.index = i
	if record, ok := c.provider.Record(i); ok {
		if ts, ok := record.Timestamp(); ok {
			c.currentTime = ts
		}
	}
	c.mu.Unlock()
	c.processMu.Unlock()

	c.notify()
	return nil
}

// SeekToTime repositions to the record whose timestamp is closest to t.
// Providers sorted by time get a binary search; the rest a linear scan.
func (c *Controller) SeekToTime(t time.Time) error {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return errs.New("replay/seek", errs.CodeEngineNotInitialized, errs.WithMessage("initialize before seeking"))
	}
	provider := c.provider
	total := c.total
	c.mu.Unlock()

	if total == 0 {
		return errs.New("replay/seek", errs.CodeInvalid, errs.WithMessage("no records to seek"))
	}

	best := 0
	if ordered, ok := provider.(TimeOrdered); ok && ordered.SortedByTime() {
		best = sort.Search(total, func(i int) bool {
			record, ok := provider.Record(i)
			if !ok {
				return true
			}
			ts, ok := record.Timestamp()
			return ok && !ts.Before(t)
		})
		if best >= total {
			best = total - 1
		} else if best > 0 {
			if closerToPrevious(provider, best, t) {
				best--
			}
		}
	} else {
		var bestDiff time.Duration = -1
		for i := 0; i < total; i++ {
			record, ok := provider.Record(i)
			if !ok {
				continue
			}
			ts, ok := record.Timestamp()
			if !ok {
				continue
			}
			diff := absDuration(ts.Sub(t))
			if bestDiff < 0 || diff < bestDiff {
				bestDiff = diff
				best = i
			}
		}
	}
	return c.SeekToIndex(best)
}

// SetAccountState replaces the account cell between ticks.
func (c *Controller) SetAccountState(account snapshot.AccountState) {
	c.mu.Lock()
	c.account = account
	c.mu.Unlock()
}

// SetPositions replaces the position cells between ticks.
func (c *Controller) SetPositions(positions []snapshot.PositionState) {
	c.mu.Lock()
	c.positions = append([]snapshot.PositionState(nil), positions...)
	c.mu.Unlock()
}

// SetStrategies replaces the strategy cells between ticks.
func (c *Controller) SetStrategies(strategies []snapshot.StrategyState) {
	c.mu.Lock()
	c.strategies = append([]snapshot.StrategyState(nil), strategies...)
	c.mu.Unlock()
}

// AccountState returns a copy of the account cell.
func (c *Controller) AccountState() snapshot.AccountState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Positions returns a copy of the position cells.
func (c *Controller) Positions() []snapshot.PositionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]snapshot.PositionState(nil), c.positions...)
}

// Strategies returns a copy of the strategy cells.
func (c *Controller) Strategies() []snapshot.StrategyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]snapshot.StrategyState(nil), c.strategies...)
}

// RegisterStatusCallback subscribes to status changes.
func (c *Controller) RegisterStatusCallback(cb StatusCallback) CallbackID {
	if cb == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextCallbackID++
	id := c.nextCallbackID
	c.callbacks[id] = cb
	return id
}

// UnregisterStatusCallback removes a status subscription.
func (c *Controller) UnregisterStatusCallback(id CallbackID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.callbacks[id]; !ok {
		return false
	}
	delete(c.callbacks, id)
	return true
}

// notify delivers a fresh status to every callback. Callback panics are
// swallowed; a reporting hook must never take down the replay.
func (c *Controller) notify() {
	c.mu.Lock()
	status := c.statusLocked()
	cbs := make([]StatusCallback, 0, len(c.callbacks))
	for _, cb := range c.callbacks {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() { _ = recover() }()
			cb(status)
		}()
	}
}

// releaseWorkerLocked tears down the worker signal channel so a later Play
// or Resume can spawn a fresh worker. Callers hold c.mu.
func (c *Controller) releaseWorkerLocked() {
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

func (c *Controller) ensureWorkerLocked() {
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run(c.stopCh, c.doneCh)
	if c.cfg.AutoSnapshotInterval > 0 {
		go c.autoSnapshot(c.stopCh)
	}
}

// run is the worker loop. Pause is observed between records, never
// mid-record, so pausing and resuming cannot drop, duplicate, or reorder the
// published sequence.
func (c *Controller) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ctx := context.Background()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		c.mu.Lock()
		state := c.state
		speed := c.speed
		index := c.index
		total := c.total
		c.mu.Unlock()

		switch state {
		case StateStopped:
			return
		case StatePaused, StateStepping, StateIdle:
			time.Sleep(pausePoll)
			continue
		case StatePlaying:
		}

		if index >= total {
			c.finish()
			return
		}

		c.processMu.Lock()
		if _, err := c.processOne(ctx); err != nil {
			c.reportWorkerFailure(ctx, err)
		}
		c.processMu.Unlock()

		if speed > 0 {
			pace := time.Duration(float64(c.cfg.TimeUnit) / speed)
			select {
			case <-stopCh:
				return
			case <-time.After(pace):
			}
		}
	}
}

// processOne publishes the record at the current index and advances the
// cursor. The controller mutex is never held across the publish so bus
// handlers may call back into the controller.
func (c *Controller) processOne(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	index := c.index
	total := c.total
	provider := c.provider
	bus := c.bus
	c.mu.Unlock()

	if index >= total {
		return 0, nil
	}
	record, ok := provider.Record(index)
	if !ok {
		// Provider ran dry before the declared total; treat as end of stream.
		c.mu.Lock()
		c.index = total
		c.mu.Unlock()
		return 0, nil
	}

	kind := schema.ClassifyRecord(record)
	ts, hasTS := record.Timestamp()
	payload := record.Clone()

	seq, err := bus.Publish(ctx, kind, payload, Source, ts)

	c.mu.Lock()
	c.index = index + 1
	c.processed++
	if hasTS {
		c.currentTime = ts
	}
	backtestID := c.backtestID
	state := c.state
	c.mu.Unlock()

	if c.recordsCounter != nil {
		c.recordsCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrBacktestID.String(backtestID),
			telemetry.AttrReplayState.String(string(state)),
			telemetry.AttrEventKind.String(string(kind))))
	}
	return seq, err
}

// finish transitions to Stopped when the stream is exhausted.
func (c *Controller) finish() {
	c.mu.Lock()
	c.state = StateStopped
	c.releaseWorkerLocked()
	backtestID := c.backtestID
	c.mu.Unlock()

	observability.Log().Info("replay finished", observability.F("backtest_id", backtestID))
	c.notify()
}

// reportWorkerFailure surfaces a handler failure as a System event so
// downstream sessions can decide whether to resync or disconnect. The worker
// itself continues with the next record.
func (c *Controller) reportWorkerFailure(ctx context.Context, cause error) {
	c.mu.Lock()
	bus := c.bus
	ts := c.currentTime
	c.mu.Unlock()

	if errs.CodeOf(cause) != errs.CodeEventPublishFailed {
		observability.Log().Error("replay worker error", observability.F("error", cause))
		return
	}
	var failedSeq string
	var e *errs.E
	if errors.As(cause, &e) {
		failedSeq = e.Details["sequence"]
	}
	payload := schema.SystemPayload{
		Code:      schema.SystemCodeWorkerHandlerFailed,
		Detail:    map[string]string{"sequence": failedSeq},
		Timestamp: ts,
	}
	if _, err := bus.Publish(ctx, schema.EventKindSystem, payload, Source, ts); err != nil {
		observability.Log().Error("failed to publish worker failure event", observability.F("error", err))
	}
}

// autoSnapshot periodically captures state while the worker lives, retrying
// transient write failures with exponential backoff.
func (c *Controller) autoSnapshot(stopCh chan struct{}) {
	ticker := time.NewTicker(c.cfg.AutoSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		backoffCfg := backoff.NewExponentialBackOff()
		for attempt := 0; attempt < autoSnapshotTries; attempt++ {
			if _, err := c.SaveSnapshot("auto"); err == nil {
				break
			} else if attempt == autoSnapshotTries-1 {
				observability.Log().Error("auto snapshot failed", observability.F("error", err))
			} else {
				select {
				case <-stopCh:
					return
				case <-time.After(backoffCfg.NextBackOff()):
				}
			}
		}
	}
}

func pendingPayloads(events []schema.Event) []any {
	out := make([]any, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Payload)
	}
	return out
}

func closerToPrevious(provider DataProvider, i int, t time.Time) bool {
	current, ok := provider.Record(i)
	if !ok {
		return true
	}
	previous, ok := provider.Record(i - 1)
	if !ok {
		return false
	}
	currentTS, okCurrent := current.Timestamp()
	previousTS, okPrevious := previous.Timestamp()
	if !okCurrent || !okPrevious {
		return false
	}
	return absDuration(previousTS.Sub(t)) < absDuration(currentTS.Sub(t))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
