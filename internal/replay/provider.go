// Package replay drives a deterministic, temporally paced publication of
// historical market data under a VCR-style state machine.
package replay

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/replaycore/replayd/internal/schema"
)

// DataProvider is a pure function from non-negative index to optional record.
// The core depends only on this interface, never on a storage backend.
type DataProvider interface {
	// Record returns the record at index i, or false when i is out of range.
	Record(i int) (schema.RawRecord, bool)
	// Total reports the number of records available.
	Total() int
}

// TimeOrdered marks providers whose records are sorted by ascending
// timestamp, unlocking a binary-search fast path for time seeks.
type TimeOrdered interface {
	SortedByTime() bool
}

// SliceProvider serves records from an in-memory slice.
type SliceProvider struct {
	Records []schema.RawRecord
	Sorted  bool
}

// Record implements DataProvider.
func (p *SliceProvider) Record(i int) (schema.RawRecord, bool) {
	if i < 0 || i >= len(p.Records) {
		return nil, false
	}
	return p.Records[i], true
}

// Total implements DataProvider.
func (p *SliceProvider) Total() int { return len(p.Records) }

// SortedByTime implements TimeOrdered.
func (p *SliceProvider) SortedByTime() bool { return p.Sorted }

// CSVProvider reads historical market data from a CSV file into memory.
// Expected header: timestamp,price,volume,symbol with timestamps in epoch
// nanoseconds; rows become tick records keyed for classification.
type CSVProvider struct {
	records []schema.RawRecord
}

// NewCSVProvider loads the file eagerly so Record stays a pure lookup.
func NewCSVProvider(filePath string) (*CSVProvider, error) {
	// #nosec G304 -- file path is operator provided via CLI flags.
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	// Header row.
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	provider := &CSVProvider{}
	for {
		row, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("csv row %d: need at least timestamp and price", len(provider.records)+2)
		}
		nanos, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		record := schema.RawRecord{
			"timestamp":  time.Unix(0, nanos).UTC(),
			"last_price": row[1],
		}
		if len(row) > 2 {
			record["volume"] = row[2]
		}
		if len(row) > 3 {
			record["symbol"] = row[3]
		}
		provider.records = append(provider.records, record)
	}
	return provider, nil
}

// Record implements DataProvider.
func (p *CSVProvider) Record(i int) (schema.RawRecord, bool) {
	if i < 0 || i >= len(p.records) {
		return nil, false
	}
	return p.records[i], true
}

// Total implements DataProvider.
func (p *CSVProvider) Total() int { return len(p.records) }

// SortedByTime implements TimeOrdered. CSV exports are written in time order.
func (p *CSVProvider) SortedByTime() bool { return true }
