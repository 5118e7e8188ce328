// Package audit writes the append-only audit trail of a run: one CSV row per
// terminal outcome, in the order outcomes are handed over.
package audit

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
	"time"

	"fillsim/internal/domain"
)

// Header is the first row of every audit file.
var Header = []string{"intent_id", "outcome_kind", "ts", "price", "reason"}

var (
	// ErrExists is returned by Create when the audit file is already there.
	ErrExists = errors.New("audit file already exists")

	// ErrClosed is returned by Append after Close.
	ErrClosed = errors.New("audit writer closed")
)

// Summary describes a finished audit file.
type Summary struct {
	Path   string
	Rows   int
	SHA256 string
}

// Writer owns an audit file. All writes go through a single goroutine so
// rows land in exactly the order Append was called.
type Writer struct {
	path string
	f    *os.File
	csv  *csv.Writer
	hash hash.Hash

	batches chan []domain.AuditRecord
	done    chan struct{}

	// sendMu guards closed and sends on batches; mu guards rows and err.
	sendMu sync.Mutex
	closed bool

	mu   sync.Mutex
	rows int
	err  error
}

// Create creates the audit file at path and writes the header. It never
// opens an existing file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, err
	}

	h := sha256.New()
	w := &Writer{
		path:    path,
		f:       f,
		csv:     csv.NewWriter(io.MultiWriter(f, h)),
		hash:    h,
		batches: make(chan []domain.AuditRecord, 16),
		done:    make(chan struct{}),
	}
	if err := writeHeader(w.csv); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing audit header: %w", err)
	}
	go w.loop()
	return w, nil
}

// writeHeader writes and flushes the header row so a failing file is noticed
// before any record is accepted.
var writeHeader = func(cw *csv.Writer) error {
	if err := cw.Write(Header); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Append queues records for writing. Write errors are reported by Close.
func (w *Writer) Append(records ...domain.AuditRecord) error {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if len(records) == 0 {
		return nil
	}
	w.batches <- append([]domain.AuditRecord(nil), records...)
	return nil
}

func (w *Writer) loop() {
	defer close(w.done)
	for batch := range w.batches {
		if w.failed() {
			continue
		}
		for _, r := range batch {
			if err := w.csv.Write(Row(r)); err != nil {
				w.fail(err)
				break
			}
			w.mu.Lock()
			w.rows++
			w.mu.Unlock()
		}
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.fail(err)
	}
}

func (w *Writer) failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err != nil
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Close drains pending rows, syncs the file and returns its summary.
func (w *Writer) Close() (Summary, error) {
	w.sendMu.Lock()
	if w.closed {
		w.sendMu.Unlock()
		return Summary{}, ErrClosed
	}
	w.closed = true
	close(w.batches)
	w.sendMu.Unlock()

	<-w.done
	if err := w.f.Sync(); err != nil {
		w.fail(err)
	}
	if err := w.f.Close(); err != nil {
		w.fail(err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return Summary{}, fmt.Errorf("writing %s: %w", w.path, w.err)
	}
	return Summary{Path: w.path, Rows: w.rows, SHA256: hex.EncodeToString(w.hash.Sum(nil))}, nil
}

// Row renders a record as CSV fields.
func Row(r domain.AuditRecord) []string {
	return []string{
		r.IntentID,
		string(r.Kind),
		r.TS.UTC().Format(time.RFC3339Nano),
		domain.FormatPrice(r.Price),
		r.Reason,
	}
}

// Read parses an audit file back into records.
func Read(path string) ([]domain.AuditRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(Header)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("reading %s: missing header", path)
	}

	out := make([]domain.AuditRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		ts, err := time.Parse(time.RFC3339Nano, row[2])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		price, err := domain.ParsePrice(row[3])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		out = append(out, domain.AuditRecord{
			IntentID: row[0],
			Kind:     domain.OutcomeKind(row[1]),
			TS:       ts,
			Price:    price,
			Reason:   row[4],
		})
	}
	return out, nil
}
