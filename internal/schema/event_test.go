package schema

import (
	"testing"
	"time"
)

func TestClassifyRecordTickFields(t *testing.T) {
	cases := []struct {
		name   string
		record RawRecord
		want   EventKind
	}{
		{"last price", RawRecord{"last_price": "50000"}, EventKindTick},
		{"best bid", RawRecord{"bid_price_1": "49999"}, EventKindTick},
		{"ohlcv", RawRecord{"open_price": "1", "close_price": "2"}, EventKindBar},
		{"empty", RawRecord{}, EventKindBar},
		{"nil", nil, EventKindBar},
	}

	for _, tc := range cases {
		if got := ClassifyRecord(tc.record); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestRawRecordTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

	record := RawRecord{"timestamp": ts}
	got, ok := record.Timestamp()
	if !ok || !got.Equal(ts) {
		t.Fatalf("expected native timestamp, got %v ok=%v", got, ok)
	}

	record = RawRecord{"timestamp": ts.UnixMilli()}
	got, ok = record.Timestamp()
	if !ok || !got.Equal(ts) {
		t.Fatalf("expected epoch-ms timestamp, got %v ok=%v", got, ok)
	}

	record = RawRecord{"timestamp": ts.Format(time.RFC3339Nano)}
	got, ok = record.Timestamp()
	if !ok || !got.Equal(ts) {
		t.Fatalf("expected RFC3339 timestamp, got %v ok=%v", got, ok)
	}

	if _, ok := (RawRecord{}).Timestamp(); ok {
		t.Fatal("expected missing timestamp to report false")
	}
}

func TestRawRecordCloneIsIndependent(t *testing.T) {
	src := RawRecord{"last_price": "100"}
	clone := src.Clone()
	clone["last_price"] = "200"

	if src["last_price"] != "100" {
		t.Fatalf("expected source untouched, got %v", src["last_price"])
	}
}

func TestEventKindValid(t *testing.T) {
	for _, kind := range []EventKind{
		EventKindTick, EventKindBar, EventKindOrder, EventKindTrade,
		EventKindPosition, EventKindAccount, EventKindStrategy,
		EventKindRisk, EventKindSystem,
	} {
		if !kind.Valid() {
			t.Fatalf("expected %s to be valid", kind)
		}
	}
	if EventKind("Bogus").Valid() {
		t.Fatal("expected unknown kind to be invalid")
	}
}
