package audit

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fillsim/internal/domain"
)

func sampleRecords() []domain.AuditRecord {
	ts := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	return []domain.AuditRecord{
		{IntentID: "g-buy", Kind: domain.KindEntryFill, TS: ts, Price: 100.25, Reason: domain.ReasonSignalFill},
		{IntentID: "g-sell", Kind: domain.KindOcoCancelled, TS: ts, Price: math.NaN(), Reason: domain.ReasonCancelledOCO},
		{IntentID: "x,1", Kind: domain.KindExpired, TS: ts.Add(500 * time.Millisecond), Price: math.NaN(), Reason: domain.ReasonExpired},
	}
}

func TestWriterWritesRowsInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	recs := sampleRecords()
	if err := w.Append(recs[0]); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(recs[1:]...); err != nil {
		t.Fatalf("Append: %v", err)
	}
	sum, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sum.Rows != 3 {
		t.Errorf("Rows = %d, want 3", sum.Rows)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "intent_id,outcome_kind,ts,price,reason\n" +
		"g-buy,entry_fill,2024-03-05T14:30:00Z,100.25,signal_fill\n" +
		"g-sell,oco_cancelled,2024-03-05T14:30:00Z,NaN,order_cancelled_oco\n" +
		"\"x,1\",expired,2024-03-05T14:30:00.5Z,NaN,order_expired\n"
	if string(raw) != want {
		t.Errorf("audit file mismatch:\n  got  %q\n  want %q", raw, want)
	}

	digest := sha256.Sum256(raw)
	if got := hex.EncodeToString(digest[:]); got != sum.SHA256 {
		t.Errorf("SHA256 = %s, want %s", sum.SHA256, got)
	}

	back, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(back) != 3 || back[2].IntentID != "x,1" || !math.IsNaN(back[1].Price) || back[0].Price != 100.25 {
		t.Errorf("Read = %+v", back)
	}
}

func TestCreateNeverOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")
	if err := os.WriteFile(path, []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Create(path); !errors.Is(err, ErrExists) {
		t.Fatalf("Create error = %v, want ErrExists", err)
	}
	raw, _ := os.ReadFile(path)
	if string(raw) != "keep me" {
		t.Errorf("existing file was modified: %q", raw)
	}
}

func TestCreateRemovesFileWhenHeaderFails(t *testing.T) {
	diskFull := errors.New("no space left on device")
	orig := writeHeader
	writeHeader = func(*csv.Writer) error { return diskFull }
	defer func() { writeHeader = orig }()

	path := filepath.Join(t.TempDir(), "audit.csv")
	if _, err := Create(path); !errors.Is(err, diskFull) {
		t.Fatalf("Create error = %v, want %v", err, diskFull)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("audit file left behind after failed header: %v", err)
	}

	writeHeader = orig
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create after failure: %v", err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAppendAfterClose(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "audit.csv"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Append(sampleRecords()...); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
	if _, err := w.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestConcurrentAppendKeepsBatchesWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Append(sampleRecords()...); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()
	sum, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sum.Rows != 150 {
		t.Fatalf("Rows = %d, want 150", sum.Rows)
	}

	back, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := 0; i < len(back); i += 3 {
		if back[i].IntentID != "g-buy" || back[i+1].IntentID != "g-sell" || back[i+2].IntentID != "x,1" {
			t.Fatalf("batch at row %d was interleaved", i)
		}
	}
}
