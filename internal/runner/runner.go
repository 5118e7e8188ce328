// Package runner is the batch boundary of the fill engine. A run reads an
// intent snapshot and SignalFrame bars, simulates every intent, and leaves
// its artifacts under <artifacts_root>/<run_id>/. Whatever happens, the
// caller gets a Status, never a panic.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime/debug"

	"github.com/google/uuid"

	"fillsim/internal/audit"
	"fillsim/internal/config"
	"fillsim/internal/contract"
	"fillsim/internal/domain"
	"fillsim/internal/engine"
	"fillsim/internal/manifest"
	"fillsim/internal/metrics"
	"fillsim/internal/store"
)

// Compile-time check that the in-memory book serves the netting guard.
var _ engine.PositionBook = (*store.MemoryPositionBook)(nil)

// Artifact file names inside a run directory.
const (
	AuditFile    = "audit.csv"
	StatusFile   = "status.json"
	ManifestFile = "manifest.json"
	MetricsFile  = "metrics.prom"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidRunID reports whether id is safe as a single run directory name.
func ValidRunID(id string) bool {
	return runIDPattern.MatchString(id)
}

// Request names the inputs and outputs of one run.
type Request struct {
	RunID         string
	ArtifactsRoot string
	IntentsPath   string
	BarsDir       string
	PositionsPath string
	ExitsPath     string

	// SavePositions stores the positions still open after the run back to
	// SQLite.
	SavePositions bool
}

// Options configure a Runner.
type Options struct {
	Engine        engine.Config
	Timeframe     string
	RecordExpired bool
	Contract      contract.Options
	DataDir       string
	ArtifactsRoot string
	SQLitePath    string
}

// OptionsFromConfig maps the application config onto runner options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Engine:        engine.Config{MaxWorkers: cfg.Engine.MaxWorkers},
		Timeframe:     cfg.Engine.Timeframe,
		RecordExpired: cfg.Engine.RecordExpired,
		Contract: contract.Options{
			Strict:       cfg.Contract.Strict,
			ExtraAllowed: cfg.Contract.ExtraAllowed,
		},
		DataDir:       cfg.Storage.DataDir,
		ArtifactsRoot: cfg.Storage.ArtifactsRoot,
		SQLitePath:    cfg.Storage.SQLitePath,
	}
}

// Runner executes runs. It is safe for concurrent use with distinct run ids.
type Runner struct {
	opts Options
	log  *slog.Logger
}

// New creates a Runner.
func New(opts Options, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{opts: opts, log: log}
}

// run carries the state of one run between its phases.
type run struct {
	req     Request
	dir     string
	metrics *metrics.Recorder
	sqlite  *store.SQLiteStore
}

// Run executes req and returns its terminal status. The status is also
// written to status.json unless the run directory belongs to an earlier run.
func (r *Runner) Run(ctx context.Context, req Request) (st Status) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if !ValidRunID(req.RunID) {
		st := Status{
			RunID:  req.RunID,
			Code:   CodeFailedPrecondition,
			Reason: fmt.Sprintf("invalid run id %q", req.RunID),
		}
		r.log.Warn("run rejected", "run_id", req.RunID, "reason", st.Reason)
		return st
	}
	if req.ArtifactsRoot == "" {
		req.ArtifactsRoot = r.opts.ArtifactsRoot
	}
	if req.BarsDir == "" {
		req.BarsDir = r.opts.DataDir
	}
	rn := &run{
		req:     req,
		dir:     filepath.Join(req.ArtifactsRoot, req.RunID),
		metrics: metrics.NewRecorder(),
	}
	log := r.log.With("run_id", req.RunID)
	log.Info("run started", "intents", req.IntentsPath, "bars", req.BarsDir)

	persist := true
	defer func() {
		if p := recover(); p != nil {
			st = Status{RunID: req.RunID, Code: CodeError, ErrorID: randomErrorID()}
			log.Error("run panicked", "error_id", st.ErrorID, "panic", p, "stack", string(debug.Stack()))
		}
		if rn.sqlite != nil {
			if err := rn.sqlite.Close(); err != nil {
				log.Warn("closing sqlite", "error", err)
			}
		}
		if persist {
			r.finish(rn, &st, log)
		}
		log.Info("run finished", "status", st.String(), "rows", st.Rows)
	}()

	if _, err := os.Stat(filepath.Join(rn.dir, AuditFile)); err == nil {
		persist = false
		return Status{
			RunID:  req.RunID,
			Code:   CodeFailedPrecondition,
			Reason: fmt.Sprintf("audit for run %s already exists", req.RunID),
		}
	}

	st, err := r.execute(ctx, rn, log)
	if err != nil {
		var pre *PreconditionError
		if errors.As(err, &pre) {
			return Status{RunID: req.RunID, Code: CodeFailedPrecondition, Reason: pre.Error(), Violations: st.Violations}
		}
		id := randomErrorID()
		log.Error("run failed", "error_id", id, "error", err)
		return Status{RunID: req.RunID, Code: CodeError, ErrorID: id, Violations: st.Violations}
	}
	return st
}

// finish writes status.json and metrics.prom. Failures here are logged; the
// status already describes the run.
func (r *Runner) finish(rn *run, st *Status, log *slog.Logger) {
	if err := os.MkdirAll(rn.dir, 0o755); err != nil {
		log.Error("creating run directory", "error", err)
		return
	}
	if err := writeStatus(filepath.Join(rn.dir, StatusFile), *st); err != nil {
		log.Error("writing status", "error", err)
	}
	rn.metrics.Status(string(st.Code))
	if err := rn.metrics.WriteFile(filepath.Join(rn.dir, MetricsFile)); err != nil {
		log.Error("writing metrics", "error", err)
	}
}

// execute runs the phases in order: inputs and preconditions, simulation
// with streaming audit, then provenance. A *PreconditionError means nothing
// was simulated.
func (r *Runner) execute(ctx context.Context, rn *run, log *slog.Logger) (Status, error) {
	req := rn.req
	st := Status{RunID: req.RunID}
	pre := &PreconditionError{}

	if req.IntentsPath == "" {
		pre.add("no intents file given")
		return st, pre
	}
	if err := os.MkdirAll(rn.dir, 0o755); err != nil {
		return st, fmt.Errorf("creating run directory: %w", err)
	}

	var positionsDB store.PositionStore
	var exitsDB store.ExitStore
	if r.opts.SQLitePath != "" {
		db, err := store.NewSQLiteStore(r.opts.SQLitePath)
		if err != nil {
			return st, err
		}
		rn.sqlite = db
		positionsDB, exitsDB = db, db

		prior, err := db.ListAudit(ctx, req.RunID)
		if err != nil {
			return st, err
		}
		if len(prior) > 0 {
			pre.add("audit for run %s already exists in %s", req.RunID, r.opts.SQLitePath)
			return st, pre
		}
	}

	// Inputs. Every precondition is collected before anything is simulated.
	contractRes, err := r.loadIntents(req.IntentsPath, pre)
	if err != nil {
		return st, err
	}
	for _, v := range contractRes.Violations {
		rn.metrics.Violation(v.Kind)
		st.Violations = append(st.Violations, v.Error())
	}
	positions, err := r.loadPositions(ctx, req.PositionsPath, positionsDB, pre)
	if err != nil {
		return st, fmt.Errorf("loading positions: %w", err)
	}
	exits, err := r.loadExits(ctx, req.ExitsPath, exitsDB, pre)
	if err != nil {
		return st, fmt.Errorf("loading exits: %w", err)
	}
	series, err := r.loadSeries(ctx, store.NewParquetStore(req.BarsDir), r.opts.Timeframe, contractRes.Intents, pre)
	if err != nil {
		return st, err
	}
	if !pre.empty() {
		for _, reason := range pre.Reasons {
			log.Warn("precondition failed", "reason", reason)
		}
		return st, pre
	}
	rn.metrics.Symbols(len(series))

	// Simulation. Symbol results arrive in symbol order and stream straight
	// into the audit file.
	w, err := audit.Create(filepath.Join(rn.dir, AuditFile))
	if err != nil {
		return st, err
	}
	var records []domain.AuditRecord
	sink := func(res engine.SymbolResult) error {
		batch := make([]domain.AuditRecord, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			rec, err := domain.Record(o)
			if err != nil {
				return err
			}
			rn.metrics.Outcome(rec.Kind)
			if rec.Kind == domain.KindExpired && !r.opts.RecordExpired {
				continue
			}
			batch = append(batch, rec)
		}
		records = append(records, batch...)
		return w.Append(batch...)
	}

	book := store.NewMemoryPositionBook(positions, exits)
	eng := engine.NewEngine(book, r.opts.Engine, log)
	result, runErr := eng.Run(ctx, series, contractRes.Intents, sink)
	summary, closeErr := w.Close()
	if err := errors.Join(runErr, closeErr); err != nil {
		return st, err
	}
	st.Rows = summary.Rows
	st.AuditSHA256 = summary.SHA256

	if rn.sqlite != nil {
		if err := rn.sqlite.AppendAudit(ctx, req.RunID, records); err != nil {
			return st, fmt.Errorf("mirroring audit: %w", err)
		}
		if req.SavePositions {
			if err := rn.sqlite.SavePositions(ctx, book.OpenPositions()); err != nil {
				return st, fmt.Errorf("saving positions: %w", err)
			}
		}
	}

	// Provenance.
	m, err := r.buildManifest(rn, series, records, summary, len(result.Failures))
	if err != nil {
		return st, err
	}
	if err := manifest.Write(filepath.Join(rn.dir, ManifestFile), m); err != nil {
		return st, err
	}

	st.Code = CodeSuccess
	if len(result.Failures) > 0 {
		st.Failures = failuresOf(result.Failures)
		st.Code = CodeError
		st.ErrorID = failureErrorID(req.RunID, st.Failures)
		rn.metrics.Failures(len(result.Failures))
		log.Error("intents failed", "count", len(st.Failures), "error_id", st.ErrorID)
	}
	return st, nil
}

func (r *Runner) buildManifest(rn *run, series map[string]*domain.Series, records []domain.AuditRecord, summary audit.Summary, failures int) (*manifest.Manifest, error) {
	req := rn.req
	m := &manifest.Manifest{
		SchemaVersion: manifest.SchemaVersion,
		RunID:         req.RunID,
		Settings: manifest.Settings{
			Timeframe:     r.opts.Timeframe,
			RecordExpired: r.opts.RecordExpired,
			Strict:        r.opts.Contract.Strict,
			ExtraAllowed:  r.opts.Contract.ExtraAllowed,
		},
		Series:      manifest.DigestAll(series),
		OutcomeHash: manifest.HashRecords(records),
		Counts:      manifest.Count(records),
		Trades:      manifest.Trades(records),
		Failures:    failures,
	}

	inputs := []struct{ role, path string }{
		{"intents", req.IntentsPath},
		{"positions", req.PositionsPath},
		{"exits", req.ExitsPath},
	}
	for _, in := range inputs {
		if in.path == "" {
			continue
		}
		d, err := manifest.HashFile(in.role, in.path)
		if err != nil {
			return nil, err
		}
		// Content identifies an input; where it lived does not.
		d.Path = filepath.Base(in.path)
		m.Inputs = append(m.Inputs, d)
	}

	auditDigest, err := manifest.HashFile("audit", summary.Path)
	if err != nil {
		return nil, err
	}
	if auditDigest.SHA256 != summary.SHA256 {
		return nil, fmt.Errorf("audit file %s changed while the run was writing it", summary.Path)
	}
	auditDigest.Path = AuditFile
	m.Audit = auditDigest
	return m, nil
}
