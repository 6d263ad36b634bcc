package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/replaycore/replayd/errs"
	"github.com/replaycore/replayd/internal/schema"
)

func sampleCapture() Capture {
	openTime := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	return Capture{
		Account: AccountState{
			Cash:             decimal.NewFromInt(95_000),
			FrozenMargin:     decimal.NewFromInt(5_000),
			AvailableBalance: decimal.NewFromInt(90_000),
			TotalEquity:      decimal.NewFromInt(105_000),
			UnrealizedPnl:    decimal.NewFromInt(10_000),
		},
		Positions: []PositionState{
			{
				Symbol:    "BTC/USDT",
				Exchange:  schema.ExchangeBacktest,
				Direction: schema.DirectionLong,
				Volume:    decimal.NewFromFloat(1.0),
				CostPrice: decimal.NewFromInt(50_000),
				Margin:    decimal.NewFromInt(5_000),
				OpenTime:  &openTime,
			},
			{
				Symbol:    "ETH/USDT",
				Exchange:  schema.ExchangeBacktest,
				Direction: schema.DirectionShort,
				Volume:    decimal.NewFromInt(10),
				CostPrice: decimal.NewFromInt(3_000),
				Margin:    decimal.Zero,
			},
		},
		Strategies: []StrategyState{
			{
				StrategyID: "sma-cross-1",
				ClassName:  "SmaCrossStrategy",
				Parameters: map[string]any{"fast": float64(10), "slow": float64(20)},
				Variables:  map[string]any{"position": float64(1)},
				IsActive:   true,
			},
		},
		EventSequence: 1000,
		PendingEvents: []any{},
		DataTimestamp: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC),
		DataIndex:     5000,
		BacktestID:    "bt-sample",
		Description:   "mid-run checkpoint",
	}
}

func TestCreateStampsVersionAndIdentity(t *testing.T) {
	mgr := NewManager()
	snap := mgr.Create(sampleCapture())

	if snap.Version != CurrentVersion {
		t.Fatalf("expected version %s, got %s", CurrentVersion, snap.Version)
	}
	if snap.SnapshotID == "" {
		t.Fatal("expected a unique snapshot id")
	}
	if snap.CreateTime.IsZero() {
		t.Fatal("expected wall-clock create time")
	}
	other := mgr.Create(sampleCapture())
	if other.SnapshotID == snap.SnapshotID {
		t.Fatal("expected distinct snapshot ids")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mgr := NewManager()
	snap := mgr.Create(sampleCapture())
	path := filepath.Join(t.TempDir(), "nested", "snap.json")

	if err := mgr.Save(snap, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := mgr.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected snapshot, got nil")
	}

	if loaded.Version != snap.Version || loaded.SnapshotID != snap.SnapshotID {
		t.Fatalf("identity mismatch: %s/%s vs %s/%s", loaded.Version, loaded.SnapshotID, snap.Version, snap.SnapshotID)
	}
	if !loaded.CreateTime.Equal(snap.CreateTime) || !loaded.DataTimestamp.Equal(snap.DataTimestamp) {
		t.Fatal("timestamp mismatch after round trip")
	}
	if !loaded.Account.Cash.Equal(snap.Account.Cash) ||
		!loaded.Account.FrozenMargin.Equal(snap.Account.FrozenMargin) ||
		!loaded.Account.AvailableBalance.Equal(snap.Account.AvailableBalance) ||
		!loaded.Account.TotalEquity.Equal(snap.Account.TotalEquity) ||
		!loaded.Account.UnrealizedPnl.Equal(snap.Account.UnrealizedPnl) {
		t.Fatalf("account mismatch: %+v vs %+v", loaded.Account, snap.Account)
	}
	if len(loaded.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(loaded.Positions))
	}
	for i, pos := range loaded.Positions {
		want := snap.Positions[i]
		if pos.Symbol != want.Symbol || pos.Direction != want.Direction ||
			!pos.Volume.Equal(want.Volume) || !pos.CostPrice.Equal(want.CostPrice) {
			t.Fatalf("position %d mismatch: %+v vs %+v", i, pos, want)
		}
	}
	if loaded.Positions[0].OpenTime == nil || !loaded.Positions[0].OpenTime.Equal(*snap.Positions[0].OpenTime) {
		t.Fatal("open time mismatch after round trip")
	}
	if loaded.Positions[1].OpenTime != nil {
		t.Fatal("expected absent open time to stay absent")
	}
	if len(loaded.Strategies) != 1 {
		t.Fatalf("expected 1 strategy, got %d", len(loaded.Strategies))
	}
	strat := loaded.Strategies[0]
	if strat.StrategyID != "sma-cross-1" || !strat.IsActive {
		t.Fatalf("strategy mismatch: %+v", strat)
	}
	if strat.Parameters["fast"] != float64(10) || strat.Parameters["slow"] != float64(20) {
		t.Fatalf("strategy parameters mismatch: %+v", strat.Parameters)
	}
	if strat.Variables["position"] != float64(1) {
		t.Fatalf("strategy variables mismatch: %+v", strat.Variables)
	}
	if loaded.EventSequence != 1000 || loaded.DataIndex != 5000 {
		t.Fatalf("cut mismatch: seq=%d index=%d", loaded.EventSequence, loaded.DataIndex)
	}
	if !mgr.IsCompatible(*loaded) {
		t.Fatal("expected loaded snapshot to be compatible")
	}
	if err := mgr.Restore(loaded); err != nil {
		t.Fatalf("restore: %v", err)
	}
}

func TestLoadMissingFileReturnsNil(t *testing.T) {
	mgr := NewManager()
	snap, err := mgr.Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("expected nil error for missing file, got %v", err)
	}
	if snap != nil {
		t.Fatal("expected nil snapshot for missing file")
	}
}

func TestLoadRejectsIncompatibleVersion(t *testing.T) {
	mgr := NewManager()
	snap := mgr.Create(sampleCapture())
	path := filepath.Join(t.TempDir(), "old.json")
	if err := mgr.Save(snap, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(raw), "\"version\": \"1.0.0\"", "\"version\": \"0.0.1\"", 1)
	if tampered == string(raw) {
		t.Fatal("fixture did not contain expected version field")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := mgr.Load(path)
	if errs.CodeOf(err) != errs.CodeSnapshotVersionMismatch {
		t.Fatalf("expected snapshot_version_mismatch, got %v", err)
	}
	if loaded != nil {
		t.Fatal("expected no snapshot on version mismatch")
	}
	var e *errs.E
	if !errors.As(err, &e) {
		t.Fatal("expected structured error")
	}
	if e.Details["offending"] != "0.0.1" || e.Details["current"] != "1.0.0" {
		t.Fatalf("expected offending/current details, got %v", e.Details)
	}
}

func TestLoadRejectsMissingRequiredField(t *testing.T) {
	mgr := NewManager()
	path := filepath.Join(t.TempDir(), "partial.json")
	doc := []byte(`{"version":"1.0.0","snapshot_id":"x","create_time":"2024-01-01T00:00:00Z"}`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := mgr.Load(path)
	if errs.CodeOf(err) != errs.CodeSnapshotCorrupted {
		t.Fatalf("expected snapshot_corrupted for missing fields, got %v", err)
	}
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	mgr := NewManager()
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := mgr.Load(path)
	if errs.CodeOf(err) != errs.CodeSnapshotCorrupted {
		t.Fatalf("expected snapshot_corrupted for malformed document, got %v", err)
	}
}

func TestRestoreRejectsStructuralDefects(t *testing.T) {
	mgr := NewManager()

	if err := mgr.Restore(nil); errs.CodeOf(err) != errs.CodeSnapshotRestoreFailed {
		t.Fatalf("expected restore failure for nil snapshot, got %v", err)
	}

	snap := mgr.Create(sampleCapture())
	snap.Account.Cash = decimal.NewFromInt(-1)
	if err := mgr.Restore(&snap); errs.CodeOf(err) != errs.CodeSnapshotRestoreFailed {
		t.Fatalf("expected restore failure for negative cash, got %v", err)
	}

	snap = mgr.Create(sampleCapture())
	snap.Positions[0].Direction = "Sideways"
	if err := mgr.Restore(&snap); errs.CodeOf(err) != errs.CodeSnapshotRestoreFailed {
		t.Fatalf("expected restore failure for bad direction, got %v", err)
	}

	snap = mgr.Create(sampleCapture())
	snap.Version = "0.9.0"
	if err := mgr.Restore(&snap); errs.CodeOf(err) != errs.CodeSnapshotRestoreFailed {
		t.Fatalf("expected restore failure for incompatible version, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	mgr := NewManager()
	snap := mgr.Create(sampleCapture())
	clone := snap.Clone()
	clone.Positions[0].Symbol = "MUTATED"

	if snap.Positions[0].Symbol != "BTC/USDT" {
		t.Fatalf("expected original untouched, got %s", snap.Positions[0].Symbol)
	}
}
