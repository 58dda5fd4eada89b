// Package errors defines the coded error taxonomy shared by the indices,
// the collection, and the LLM-backed judges.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	ErrDuplicateID    ErrorCode = "DUPLICATE_ID"    // fatal: corrupted state or programmer error
	ErrNotFound       ErrorCode = "NOT_FOUND"       // caller decides
	ErrClassifierCall ErrorCode = "CLASSIFIER_CALL" // recoverable: skip the candidate or cluster
	ErrParse          ErrorCode = "PARSE"           // recoverable: malformed LLM output
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrPersistence    ErrorCode = "PERSISTENCE" // fatal: snapshot or archive write failed
)

// MatomeError is a structured error carrying a code, a message, optional
// details, and the underlying cause.
type MatomeError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *MatomeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause so errors.Is/As see through the wrapper.
func (e *MatomeError) Unwrap() error {
	return e.Cause
}

// NewDuplicateID reports an ID collision in an index or collection.
func NewDuplicateID(where, id string) *MatomeError {
	return &MatomeError{
		Code:    ErrDuplicateID,
		Message: fmt.Sprintf("%s already contains id %q", where, id),
		Details: map[string]any{"where": where, "id": id},
	}
}

// NewNotFound reports a missing ID.
func NewNotFound(where, id string) *MatomeError {
	return &MatomeError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s has no id %q", where, id),
		Details: map[string]any{"where": where, "id": id},
	}
}

// NewClassifierCall wraps a provider, transport, or rate-limit failure of an LLM call.
func NewClassifierCall(op string, cause error) *MatomeError {
	return &MatomeError{
		Code:    ErrClassifierCall,
		Message: fmt.Sprintf("%s call failed", op),
		Details: map[string]any{"op": op},
		Cause:   cause,
	}
}

// NewParse reports an LLM response that could not be coerced into the expected schema.
func NewParse(schema string, raw string, cause error) *MatomeError {
	return &MatomeError{
		Code:    ErrParse,
		Message: fmt.Sprintf("cannot parse response as %s", schema),
		Details: map[string]any{"schema": schema, "raw": raw},
		Cause:   cause,
	}
}

// NewInvalidInput reports a bad argument or input record.
func NewInvalidInput(msg string) *MatomeError {
	return &MatomeError{
		Code:    ErrInvalidInput,
		Message: msg,
	}
}

// NewPersistence wraps a failed snapshot or archive write.
func NewPersistence(path string, cause error) *MatomeError {
	return &MatomeError{
		Code:    ErrPersistence,
		Message: fmt.Sprintf("persist %s", path),
		Details: map[string]any{"path": path},
		Cause:   cause,
	}
}

// Is reports whether err (or anything it wraps) is a MatomeError with code.
func Is(err error, code ErrorCode) bool {
	var mErr *MatomeError
	if stderrors.As(err, &mErr) {
		return mErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first MatomeError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var mErr *MatomeError
	if stderrors.As(err, &mErr) {
		return mErr.Code
	}
	return ""
}

// Recoverable reports whether err is a per-item failure that the pipeline
// logs and skips rather than propagating.
func Recoverable(err error) bool {
	switch CodeOf(err) {
	case ErrClassifierCall, ErrParse, ErrNotFound, ErrInvalidInput:
		return true
	default:
		return false
	}
}
