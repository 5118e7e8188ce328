// Package manifest records the provenance of a run: digests of every input
// and output, so that two runs can be compared by hash alone. It holds no
// wall-clock values; identical inputs give an identical manifest.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"fillsim/internal/domain"
)

// SchemaVersion identifies the manifest layout.
const SchemaVersion = 1

// FileDigest identifies one file by content.
type FileDigest struct {
	Role   string `json:"role"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// SeriesDigest identifies the bars a symbol was simulated against.
type SeriesDigest struct {
	Symbol string    `json:"symbol"`
	Bars   int       `json:"bars"`
	First  time.Time `json:"first"`
	Last   time.Time `json:"last"`
	SHA256 string    `json:"sha256"`
}

// Settings are the options that change what a run writes.
type Settings struct {
	Timeframe     string   `json:"timeframe"`
	RecordExpired bool     `json:"record_expired"`
	Strict        bool     `json:"strict"`
	ExtraAllowed  []string `json:"extra_allowed,omitempty"`
}

// Manifest is the provenance record of one run.
type Manifest struct {
	SchemaVersion int            `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Settings      Settings       `json:"settings"`
	Inputs        []FileDigest   `json:"inputs"`
	Series        []SeriesDigest `json:"series"`
	Audit         FileDigest     `json:"audit"`
	OutcomeHash   string         `json:"outcome_hash"`
	Counts        map[string]int `json:"counts"`
	Trades        int            `json:"trades"`
	Failures      int            `json:"failures"`
}

// HashFile digests the file at path.
func HashFile(role, path string) (FileDigest, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileDigest{}, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return FileDigest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return FileDigest{Role: role, Path: path, Size: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

// DigestSeries hashes a canonical text rendering of the series, one line per
// bar, so the digest does not depend on how the bars were stored.
func DigestSeries(s *domain.Series) SeriesDigest {
	h := sha256.New()
	for b := range s.All() {
		fmt.Fprintf(h, "%s,%s,%s,%s,%s,%s\n",
			b.Timestamp.UTC().Format(time.RFC3339Nano),
			domain.FormatPrice(b.Open),
			domain.FormatPrice(b.High),
			domain.FormatPrice(b.Low),
			domain.FormatPrice(b.Close),
			domain.FormatPrice(b.Volume),
		)
	}
	first, last := s.Span()
	return SeriesDigest{
		Symbol: s.Symbol(),
		Bars:   s.Len(),
		First:  first,
		Last:   last,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}
}

// DigestAll digests every series in symbol order.
func DigestAll(series map[string]*domain.Series) []SeriesDigest {
	symbols := make([]string, 0, len(series))
	for sym := range series {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	out := make([]SeriesDigest, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, DigestSeries(series[sym]))
	}
	return out
}

// HashRecords hashes records in the given order.
func HashRecords(records []domain.AuditRecord) string {
	h := sha256.New()
	for _, r := range records {
		io.WriteString(h, strings.Join([]string{
			r.IntentID,
			string(r.Kind),
			r.TS.UTC().Format(time.RFC3339Nano),
			domain.FormatPrice(r.Price),
			r.Reason,
		}, "\x1f"))
		io.WriteString(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Count tallies records by outcome kind. Every kind is present.
func Count(records []domain.AuditRecord) map[string]int {
	counts := make(map[string]int, len(domain.OutcomeKinds()))
	for _, k := range domain.OutcomeKinds() {
		counts[string(k)] = 0
	}
	for _, r := range records {
		counts[string(r.Kind)]++
	}
	return counts
}

// Trades counts the records that are executed fills.
func Trades(records []domain.AuditRecord) int {
	n := 0
	for _, r := range records {
		if r.IsTrade() {
			n++
		}
	}
	return n
}

// Write stores m as indented JSON at path.
func Write(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Read loads a manifest written by Write.
func Read(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &m, nil
}
