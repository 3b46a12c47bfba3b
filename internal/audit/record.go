package audit

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers test for them with errors.Is.
var (
	// ErrInvalidRecord means the caller supplied a record missing a
	// required field. It is a caller bug and is never retried.
	ErrInvalidRecord = errors.New("audit: invalid record")

	// ErrMalformedEntry means a line could not be decoded as an entry.
	// During verification it is reported in VerifyResult, not returned.
	ErrMalformedEntry = errors.New("audit: malformed entry")

	// ErrIO wraps every filesystem failure on the write path.
	ErrIO = errors.New("audit: i/o failure")

	// ErrClosed is returned by operations on a closed ActionLog.
	ErrClosed = errors.New("audit: log closed")

	// ErrLocked means another ActionLog already holds the log open for
	// writing.
	ErrLocked = errors.New("audit: log is locked by another writer")

	// ErrReadOnly is returned by writes on a log opened with OpenReadOnly.
	ErrReadOnly = errors.New("audit: log opened read-only")
)

// Action classes. Any short non-empty code is accepted; these are the
// ones the bundled tooling emits.
const (
	ClassRead     = "r"
	ClassWrite    = "w"
	ClassDelete   = "d"
	ClassExternal = "x"
	ClassExecute  = "e"
)

// Common outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// maxActionClassLen bounds action_class so it stays a coarse tag.
const maxActionClassLen = 16

// Record is the caller-supplied description of one action. The timestamp is
// not part of it: the log assigns ts at write time.
type Record struct {
	RunID              string `json:"run_id"`
	SessionID          string `json:"session_id"`
	ActionClass        string `json:"action_class"`
	ToolName           string `json:"tool_name"`
	ArgsSummary        string `json:"args_summary"`
	Outcome            string `json:"outcome"`
	Reversible         bool   `json:"reversible"`
	OperatorAuthorized bool   `json:"operator_authorized"`
}

// Validate checks the required fields.
func (r *Record) Validate() error {
	var missing []string
	if strings.TrimSpace(r.RunID) == "" {
		missing = append(missing, "run_id")
	}
	if strings.TrimSpace(r.ActionClass) == "" {
		missing = append(missing, "action_class")
	}
	if strings.TrimSpace(r.ToolName) == "" {
		missing = append(missing, "tool_name")
	}
	if strings.TrimSpace(r.Outcome) == "" {
		missing = append(missing, "outcome")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRecord, strings.Join(missing, ", "))
	}
	if len(r.ActionClass) > maxActionClassLen {
		return fmt.Errorf("%w: action_class %q longer than %d bytes", ErrInvalidRecord, r.ActionClass, maxActionClassLen)
	}
	return nil
}

// Entry is a committed, chain-linked record as stored on disk.
type Entry struct {
	Record
	Timestamp     string `json:"ts"`
	IntegrityHash string `json:"integrity_hash"`
}
