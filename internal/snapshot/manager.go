package snapshot

import (
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/replaycore/replayd/errs"
	"github.com/replaycore/replayd/internal/observability"
)

// CurrentVersion is stamped on every snapshot the manager creates.
const CurrentVersion = "1.0.0"

// compatibleVersions is the closed set a reader accepts. Treated as a
// compile-time table; extending it is a compatibility decision, not a
// runtime toggle. 1.0.0 requires the loaded event_sequence to be restored
// into the bus counter.
var compatibleVersions = map[string]struct{}{
	"1.0.0": {},
}

// requiredFields are the top-level document keys a reader insists on.
var requiredFields = []string{
	"version", "snapshot_id", "create_time", "account", "positions",
	"strategies", "event_sequence", "pending_events", "data_timestamp",
	"data_index",
}

// Capture gathers the inputs for a snapshot creation.
type Capture struct {
	Account       AccountState
	Positions     []PositionState
	Strategies    []StrategyState
	EventSequence uint64
	PendingEvents []any
	DataTimestamp time.Time
	DataIndex     int
	BacktestID    string
	Description   string
}

// Manager creates, persists, reads, and validates snapshots.
type Manager struct{}

// NewManager constructs a snapshot manager.
func NewManager() *Manager {
	return &Manager{}
}

// Create builds a snapshot from live state. The only wall-clock read is the
// create_time stamp.
func (m *Manager) Create(capture Capture) Snapshot {
	positions := make([]PositionState, len(capture.Positions))
	copy(positions, capture.Positions)
	strategies := make([]StrategyState, len(capture.Strategies))
	copy(strategies, capture.Strategies)
	pending := make([]any, len(capture.PendingEvents))
	copy(pending, capture.PendingEvents)

	return Snapshot{
		Version:       CurrentVersion,
		SnapshotID:    uuid.NewString(),
		CreateTime:    time.Now().UTC(),
		Account:       capture.Account,
		Positions:     positions,
		Strategies:    strategies,
		EventSequence: capture.EventSequence,
		PendingEvents: pending,
		DataTimestamp: capture.DataTimestamp,
		DataIndex:     capture.DataIndex,
		BacktestID:    capture.BacktestID,
		Description:   capture.Description,
	}
}

// Save writes the snapshot's textual form to path, creating parent directories.
func (m *Manager) Save(snap Snapshot, path string) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errs.New("snapshot/save", errs.CodeSnapshotCorrupted,
			errs.WithMessage("encode snapshot"),
			errs.WithCause(err))
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errs.New("snapshot/save", errs.CodeSnapshotCorrupted,
				errs.WithMessage("create snapshot directory"),
				errs.WithDetail("path", dir),
				errs.WithCause(err))
		}
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errs.New("snapshot/save", errs.CodeSnapshotCorrupted,
			errs.WithMessage("write snapshot file"),
			errs.WithDetail("path", path),
			errs.WithCause(err))
	}
	observability.Log().Info("snapshot saved",
		observability.F("snapshot_id", snap.SnapshotID),
		observability.F("path", path))
	return nil
}

// Load reads a snapshot document from path. A missing file yields (nil, nil);
// an incompatible version yields snapshot_version_mismatch; any parse or
// structural defect yields snapshot_corrupted.
func (m *Manager) Load(path string) (*Snapshot, error) {
	// #nosec G304 -- snapshot path is operator or controller provided.
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New("snapshot/load", errs.CodeSnapshotCorrupted,
			errs.WithMessage("read snapshot file"),
			errs.WithDetail("path", path),
			errs.WithCause(err))
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, errs.New("snapshot/load", errs.CodeSnapshotCorrupted,
			errs.WithMessage("parse snapshot document"),
			errs.WithDetail("path", path),
			errs.WithCause(err))
	}
	for _, field := range requiredFields {
		if _, ok := keys[field]; !ok {
			return nil, errs.New("snapshot/load", errs.CodeSnapshotCorrupted,
				errs.WithMessage("snapshot document missing required field"),
				errs.WithDetail("field", field),
				errs.WithDetail("path", path))
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, errs.New("snapshot/load", errs.CodeSnapshotCorrupted,
			errs.WithMessage("decode snapshot document"),
			errs.WithDetail("path", path),
			errs.WithCause(err))
	}

	if !m.IsCompatible(snap) {
		return nil, errs.New("snapshot/load", errs.CodeSnapshotVersionMismatch,
			errs.WithMessage("snapshot version outside compatible set"),
			errs.WithDetail("offending", snap.Version),
			errs.WithDetail("current", CurrentVersion),
			errs.WithDetail("compatible", compatibleList()))
	}
	return &snap, nil
}

// Restore validates structural invariants before a consumer re-injects the
// snapshot into live components. Actual re-injection is the replay
// controller's job.
func (m *Manager) Restore(snap *Snapshot) error {
	if snap == nil {
		return errs.New("snapshot/restore", errs.CodeSnapshotRestoreFailed, errs.WithMessage("nil snapshot"))
	}
	if !m.IsCompatible(*snap) {
		return errs.New("snapshot/restore", errs.CodeSnapshotRestoreFailed,
			errs.WithMessage("incompatible snapshot version"),
			errs.WithDetail("offending", snap.Version))
	}
	if snap.SnapshotID == "" {
		return errs.New("snapshot/restore", errs.CodeSnapshotRestoreFailed, errs.WithMessage("snapshot id required"))
	}
	if snap.DataIndex < 0 {
		return errs.New("snapshot/restore", errs.CodeSnapshotRestoreFailed, errs.WithMessage("data index must be non-negative"))
	}
	if err := snap.Account.Validate(); err != nil {
		return errs.New("snapshot/restore", errs.CodeSnapshotRestoreFailed,
			errs.WithMessage("invalid account state"),
			errs.WithCause(err))
	}
	for _, pos := range snap.Positions {
		if err := pos.Validate(); err != nil {
			return errs.New("snapshot/restore", errs.CodeSnapshotRestoreFailed,
				errs.WithMessage("invalid position state"),
				errs.WithDetail("symbol", pos.Symbol),
				errs.WithCause(err))
		}
	}
	for _, strat := range snap.Strategies {
		if err := strat.Validate(); err != nil {
			return errs.New("snapshot/restore", errs.CodeSnapshotRestoreFailed,
				errs.WithMessage("invalid strategy state"),
				errs.WithDetail("strategy_id", strat.StrategyID),
				errs.WithCause(err))
		}
	}
	return nil
}

// IsCompatible reports membership in the compatible version set.
func (m *Manager) IsCompatible(snap Snapshot) bool {
	_, ok := compatibleVersions[snap.Version]
	return ok
}

func compatibleList() string {
	out := ""
	for v := range compatibleVersions {
		if out != "" {
			out += ","
		}
		out += v
	}
	return out
}
