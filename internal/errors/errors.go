// Package errors provides structured error types for the orchestrator.
//
// Every subsystem returns a typed outcome rather than relying on ad-hoc
// string matching; the orchestration loop inspects the Code to decide
// whether an error is recoverable (pause and preserve state) or fatal
// (abort before spawning any workers).
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code identifies a category of orchestration error.
type Code string

const (
	// Startup errors (fatal — abort before any worker spawns).
	CodeConfigInvalid    Code = "CONFIG_INVALID"
	CodeTaskGraphInvalid Code = "TASK_GRAPH_INVALID"
	CodeStateParseFailed Code = "STATE_PARSE_FAILED"

	// Worker lifecycle errors (recoverable — retried or respawned).
	CodeSpawnFailed      Code = "SPAWN_FAILED"
	CodeExecVerifyFailed Code = "EXEC_VERIFY_FAILED"
	CodeWorkerCrashed    Code = "WORKER_CRASHED"

	// Task execution errors (recoverable via retry manager).
	CodeTaskVerifyFailed Code = "TASK_VERIFY_FAILED"
	CodeTaskTimeout      Code = "TASK_TIMEOUT"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"

	// Merge errors.
	CodeMergeConflict    Code = "MERGE_CONFLICT"
	CodeMergeGateFailed  Code = "MERGE_GATE_FAILED"
	CodeMergeTimeout     Code = "MERGE_TIMEOUT"

	// Backpressure / level errors.
	CodeBackpressureTripped Code = "BACKPRESSURE_TRIPPED"
	CodeLevelNotResolved    Code = "LEVEL_NOT_RESOLVED"
)

// Recoverable reports whether the orchestrator should pause-and-preserve
// (true) or abort (false) when it encounters this code.
func (c Code) Recoverable() bool {
	switch c {
	case CodeConfigInvalid, CodeTaskGraphInvalid, CodeStateParseFailed:
		return false
	default:
		return true
	}
}

// OrchError is the structured error type returned by orchestrator
// subsystems.
type OrchError struct {
	Code    Code
	What    string
	Why     string
	Fix     string
	Cause   error
	Details map[string]any
}

func (e *OrchError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *OrchError) Unwrap() error { return e.Cause }

// Is reports whether target is an *OrchError with the same Code.
func (e *OrchError) Is(target error) bool {
	t, ok := target.(*OrchError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause attached.
func (e *OrchError) WithCause(err error) *OrchError {
	cp := *e
	cp.Cause = err
	return &cp
}

// WithDetail attaches a diagnostic key/value pair, returning a copy.
func (e *OrchError) WithDetail(key string, value any) *OrchError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// MarshalJSON implements json.Marshaler so errors can be embedded in the
// event log's diagnostic payload.
func (e *OrchError) MarshalJSON() ([]byte, error) {
	type alias OrchError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{alias: (*alias)(e)}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// --- Constructors (one per error kind the loop inspects) ---

func ErrConfigInvalid(field, reason string) *OrchError {
	return &OrchError{Code: CodeConfigInvalid, What: fmt.Sprintf("invalid configuration: %s", field), Why: reason}
}

func ErrTaskGraphInvalid(reason string) *OrchError {
	return &OrchError{Code: CodeTaskGraphInvalid, What: "task graph failed validation", Why: reason}
}

func ErrStateParseFailed(path string, cause error) *OrchError {
	return &OrchError{
		Code:  CodeStateParseFailed,
		What:  fmt.Sprintf("state file %s could not be parsed", path),
		Why:   "refusing to overwrite a file that may hold unrecovered state",
		Cause: cause,
	}
}

func ErrSpawnFailed(workerID string, cause error) *OrchError {
	return &OrchError{Code: CodeSpawnFailed, What: fmt.Sprintf("spawn failed for worker %s", workerID), Cause: cause}
}

func ErrExecVerifyFailed(workerID string) *OrchError {
	return &OrchError{Code: CodeExecVerifyFailed, What: fmt.Sprintf("exec verification failed for worker %s", workerID)}
}

func ErrWorkerCrashed(workerID string) *OrchError {
	return &OrchError{Code: CodeWorkerCrashed, What: fmt.Sprintf("worker %s crashed", workerID)}
}

func ErrTaskVerifyFailed(taskID string, cause error) *OrchError {
	return &OrchError{Code: CodeTaskVerifyFailed, What: fmt.Sprintf("verification failed for task %s", taskID), Cause: cause}
}

func ErrTaskTimeout(taskID string) *OrchError {
	return &OrchError{Code: CodeTaskTimeout, What: fmt.Sprintf("task %s exceeded its stale timeout", taskID)}
}

func ErrRetriesExhausted(taskID string, attempts int) *OrchError {
	return &OrchError{Code: CodeRetriesExhausted, What: fmt.Sprintf("task %s failed after %d attempts", taskID, attempts)}
}

func ErrMergeConflict(level int, files []string) *OrchError {
	return (&OrchError{
		Code: CodeMergeConflict,
		What: fmt.Sprintf("merge conflict at level %d", level),
		Why:  fmt.Sprintf("conflict: %s", strings.Join(files, ", ")),
	}).WithDetail("files", files)
}

func ErrMergeGateFailed(level int, gate string) *OrchError {
	return &OrchError{Code: CodeMergeGateFailed, What: fmt.Sprintf("gate %q failed during level %d merge", gate, level)}
}

func ErrMergeTimeout(level int) *OrchError {
	return &OrchError{Code: CodeMergeTimeout, What: fmt.Sprintf("merge timed out at level %d", level)}
}

func ErrBackpressureTripped(level int, rate float64) *OrchError {
	return (&OrchError{
		Code: CodeBackpressureTripped,
		What: fmt.Sprintf("level %d paused by backpressure", level),
		Why:  fmt.Sprintf("failure rate %.2f exceeded threshold", rate),
	}).WithDetail("failure_rate", rate)
}

func ErrLevelNotResolved(level int) *OrchError {
	return &OrchError{Code: CodeLevelNotResolved, What: fmt.Sprintf("level %d is not resolved", level)}
}

// As attempts to convert err into an *OrchError.
func As(err error) (*OrchError, bool) {
	for err != nil {
		if oe, ok := err.(*OrchError); ok {
			return oe, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
