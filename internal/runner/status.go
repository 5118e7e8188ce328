package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"fillsim/internal/engine"
)

// Code is the terminal status of a run.
type Code string

const (
	CodeSuccess            Code = "SUCCESS"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeError              Code = "ERROR"
)

// Failure describes one intent failed by a mid-run invariant violation.
type Failure struct {
	IntentID string `json:"intent_id"`
	GroupID  string `json:"oco_group_id,omitempty"`
	Symbol   string `json:"symbol"`
	Error    string `json:"error"`
}

// Status is the structured result of a run, written to status.json and
// printed by the CLI. It carries no wall-clock values.
type Status struct {
	RunID       string    `json:"run_id"`
	Code        Code      `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	ErrorID     string    `json:"error_id,omitempty"`
	Rows        int       `json:"rows"`
	AuditSHA256 string    `json:"audit_sha256,omitempty"`
	Failures    []Failure `json:"failures,omitempty"`
	Violations  []string  `json:"violations,omitempty"`
}

// String renders the status as SUCCESS, FAILED_PRECONDITION(reason) or
// ERROR(error_id).
func (s Status) String() string {
	switch s.Code {
	case CodeFailedPrecondition:
		return fmt.Sprintf("%s(%s)", s.Code, s.Reason)
	case CodeError:
		return fmt.Sprintf("%s(%s)", s.Code, s.ErrorID)
	}
	return string(s.Code)
}

// OK reports whether the run succeeded.
func (s Status) OK() bool { return s.Code == CodeSuccess }

// PreconditionError collects every reason a run cannot start. It is raised
// before any scanning begins.
type PreconditionError struct {
	Reasons []string
}

func (e *PreconditionError) Error() string {
	return strings.Join(e.Reasons, "; ")
}

// add records a reason.
func (e *PreconditionError) add(format string, args ...any) {
	e.Reasons = append(e.Reasons, fmt.Sprintf(format, args...))
}

func (e *PreconditionError) empty() bool { return len(e.Reasons) == 0 }

// errorNamespace scopes deterministic error ids.
var errorNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("fillsim/error"))

// failureErrorID derives a stable error id from the run id and its failures,
// so a rerun of the same inputs reports the same id.
func failureErrorID(runID string, failures []Failure) string {
	lines := make([]string, 0, len(failures)+1)
	lines = append(lines, runID)
	for _, f := range failures {
		lines = append(lines, f.IntentID+"\x1f"+f.Error)
	}
	sort.Strings(lines[1:])
	return uuid.NewSHA1(errorNamespace, []byte(strings.Join(lines, "\n"))).String()
}

// randomErrorID is used for unexpected errors that have no stable identity.
func randomErrorID() string {
	return uuid.NewString()
}

func failuresOf(errs []*engine.IntentError) []Failure {
	out := make([]Failure, 0, len(errs))
	for _, e := range errs {
		out = append(out, Failure{IntentID: e.IntentID, GroupID: e.GroupID, Symbol: e.Symbol, Error: e.Err.Error()})
	}
	return out
}

func writeStatus(path string, s Status) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadStatus loads a status.json file.
func ReadStatus(path string) (Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{}, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}
