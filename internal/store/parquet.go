package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"fillsim/internal/domain"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using SignalFrame Parquet files on disk.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// FrameRecord is the Parquet schema of one SignalFrame row: a bar plus the
// strategy's signal flags for it. At most one of SigLong and SigShort is set.
type FrameRecord struct {
	Timestamp       int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open            float64 `parquet:"open"`
	High            float64 `parquet:"high"`
	Low             float64 `parquet:"low"`
	Close           float64 `parquet:"close"`
	Volume          float64 `parquet:"volume"`
	Symbol          string  `parquet:"symbol"`
	Timeframe       string  `parquet:"timeframe"`
	StrategyID      string  `parquet:"strategy_id"`
	StrategyVersion string  `parquet:"strategy_version"`
	SigLong         bool    `parquet:"sig_long"`
	SigShort        bool    `parquet:"sig_short"`
}

// Bar converts the record to a domain bar.
func (r FrameRecord) Bar() domain.Bar {
	return domain.Bar{
		Symbol:    r.Symbol,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteFrame writes SignalFrame rows to Parquet files organized by timeframe,
// symbol and year. Each combination produces a separate file at:
//
//	<DataDir>/<timeframe>/<SYMBOL>/<YYYY>.parquet
//
// Rows are merged with what is already on disk; an incoming row replaces an
// existing row with the same timestamp.
func (s *ParquetStore) WriteFrame(_ context.Context, records []FrameRecord) error {
	if len(records) == 0 {
		return nil
	}

	type key struct {
		symbol    string
		timeframe string
		year      int
	}
	groups := make(map[key][]FrameRecord)
	for _, r := range records {
		if r.Symbol == "" || r.Timeframe == "" {
			return fmt.Errorf("%w: row at %d has no symbol or timeframe", ErrMalformedFrame, r.Timestamp)
		}
		year := time.UnixMilli(r.Timestamp).UTC().Year()
		k := key{symbol: r.Symbol, timeframe: r.Timeframe, year: year}
		groups[k] = append(groups[k], r)
	}

	for k, group := range groups {
		path := s.framePath(k.symbol, k.timeframe, k.year)

		existing, err := readParquetFile[FrameRecord](path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		merged := mergeFrameRecords(existing, group)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing frame for %s/%s/%d: %w", k.timeframe, k.symbol, k.year, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// ReadBars reads bars for the given symbol and timeframe within [start, end].
// Rows keep their on-disk order so that ordering problems surface when the
// series is built. A row with both signal flags set, or with a foreign
// symbol, fails with ErrMalformedFrame.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string, timeframe string, start, end time.Time) ([]domain.Bar, error) {
	records, err := s.readFrame(symbol, timeframe, start.Year(), end.Year())
	if err != nil {
		return nil, err
	}

	var bars []domain.Bar
	for _, r := range records {
		if err := checkFrameRecord(symbol, r); err != nil {
			return nil, err
		}
		ts := time.UnixMilli(r.Timestamp).UTC()
		if ts.Before(start) || ts.After(end) {
			continue
		}
		bars = append(bars, r.Bar())
	}
	return bars, nil
}

// ReadFrame returns every SignalFrame row for symbol and timeframe.
func (s *ParquetStore) ReadFrame(_ context.Context, symbol string, timeframe string) ([]FrameRecord, error) {
	years, err := s.years(symbol, timeframe)
	if err != nil || len(years) == 0 {
		return nil, err
	}
	return s.readFrame(symbol, timeframe, years[0], years[len(years)-1])
}

// ListSymbols lists all symbols that have frame data for the timeframe.
func (s *ParquetStore) ListSymbols(_ context.Context, timeframe string) ([]string, error) {
	dir := filepath.Join(s.DataDir, timeframe)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (s *ParquetStore) readFrame(symbol, timeframe string, fromYear, toYear int) ([]FrameRecord, error) {
	var out []FrameRecord
	for year := fromYear; year <= toYear; year++ {
		path := s.framePath(symbol, timeframe, year)
		records, err := readParquetFile[FrameRecord](path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		out = append(out, records...)
	}
	return out, nil
}

// years returns the years that have a frame file, ascending.
func (s *ParquetStore) years(symbol, timeframe string) ([]int, error) {
	dir := filepath.Dir(s.framePath(symbol, timeframe, 0))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var years []int
	for _, e := range entries {
		var y int
		if _, err := fmt.Sscanf(e.Name(), "%d.parquet", &y); err == nil {
			years = append(years, y)
		}
	}
	sort.Ints(years)
	return years, nil
}

func checkFrameRecord(symbol string, r FrameRecord) error {
	ts := time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339Nano)
	if r.SigLong && r.SigShort {
		return fmt.Errorf("%w: %s at %s has both sig_long and sig_short", ErrMalformedFrame, symbol, ts)
	}
	if !strings.EqualFold(r.Symbol, symbol) {
		return fmt.Errorf("%w: %s file holds a %q row at %s", ErrMalformedFrame, symbol, r.Symbol, ts)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// framePath returns the filesystem path for a SignalFrame Parquet file.
// Layout: <dataDir>/<timeframe>/<SYMBOL>/<YYYY>.parquet
func (s *ParquetStore) framePath(symbol, timeframe string, year int) string {
	return filepath.Join(s.DataDir, timeframe, strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// readParquetFile returns no rows and no error when path does not exist.
func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeFrameRecords deduplicates frame records by timestamp, preferring new
// records over existing ones. Results are sorted by timestamp.
func mergeFrameRecords(existing, incoming []FrameRecord) []FrameRecord {
	seen := make(map[int64]FrameRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Timestamp] = r
	}
	for _, r := range incoming {
		seen[r.Timestamp] = r
	}

	merged := make([]FrameRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}
