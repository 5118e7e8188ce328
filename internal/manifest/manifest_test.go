package manifest

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fillsim/internal/domain"
)

func series(t *testing.T, closes ...float64) *domain.Series {
	t.Helper()
	var bars []domain.Bar
	for i, c := range closes {
		bars = append(bars, domain.Bar{
			Symbol:    "AAPL",
			Timestamp: time.Date(2024, 1, 2+i, 0, 0, 0, 0, time.UTC),
			Open:      c, High: c + 1, Low: c - 1, Close: c, Volume: 1000,
		})
	}
	s, err := domain.NewSeries("AAPL", bars)
	require.NoError(t, err)
	return s
}

func TestDigestSeries(t *testing.T) {
	a := DigestSeries(series(t, 100, 101, 102))
	b := DigestSeries(series(t, 100, 101, 102))
	c := DigestSeries(series(t, 100, 101, 102.5))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a.SHA256, c.SHA256)
	assert.Equal(t, 3, a.Bars)
	assert.True(t, a.First.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.True(t, a.Last.Equal(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)))
}

func TestDigestAllIsSymbolOrdered(t *testing.T) {
	msftBars := []domain.Bar{{Symbol: "MSFT", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 1, High: 2, Low: 1, Close: 2}}
	msft, err := domain.NewSeries("MSFT", msftBars)
	require.NoError(t, err)

	got := DigestAll(map[string]*domain.Series{"MSFT": msft, "AAPL": series(t, 100)})
	require.Len(t, got, 2)
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, "MSFT", got[1].Symbol)
}

func TestHashRecordsAndCount(t *testing.T) {
	ts := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	recs := []domain.AuditRecord{
		{IntentID: "a", Kind: domain.KindEntryFill, TS: ts, Price: 100, Reason: domain.ReasonSignalFill},
		{IntentID: "b", Kind: domain.KindOcoCancelled, TS: ts, Price: math.NaN(), Reason: domain.ReasonCancelledOCO},
	}
	h1 := HashRecords(recs)
	assert.Equal(t, h1, HashRecords(recs))
	assert.NotEqual(t, h1, HashRecords([]domain.AuditRecord{recs[1], recs[0]}), "order matters")

	counts := Count(recs)
	assert.Equal(t, 1, counts[string(domain.KindEntryFill)])
	assert.Equal(t, 1, counts[string(domain.KindOcoCancelled)])
	assert.Equal(t, 0, counts[string(domain.KindExpired)])
	assert.Len(t, counts, len(domain.OutcomeKinds()))
	assert.Equal(t, 1, Trades(recs))
	assert.Equal(t, 0, Trades(recs[1:]))
}

func TestWriteReadAndHashFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "intents.jsonl")
	require.NoError(t, os.WriteFile(in, []byte("{}\n"), 0o644))

	d, err := HashFile("intents", in)
	require.NoError(t, err)
	assert.Equal(t, int64(3), d.Size)
	assert.Len(t, d.SHA256, 64)

	m := &Manifest{
		SchemaVersion: SchemaVersion,
		RunID:         "r-1",
		Inputs:        []FileDigest{d},
		Series:        []SeriesDigest{DigestSeries(series(t, 100))},
		Counts:        map[string]int{"entry_fill": 1},
	}
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, Write(path, m))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	back, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "r-1", back.RunID)
	assert.Equal(t, d, back.Inputs[0])

	// Writing the same manifest again gives the same bytes.
	require.NoError(t, Write(path, back))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
