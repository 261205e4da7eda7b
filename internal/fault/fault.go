// Package fault defines the error taxonomy shared by the pipeline, the
// strategos client, and the control surface. Every error that crosses a
// package boundary carries a Kind so callers can choose a policy (retry,
// record a gap, surface) without string matching.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// InvalidInput: the caller violated a contract (unknown enum, missing
	// required field). Never retried.
	InvalidInput Kind = "invalid_input"
	// NotFound: the addressed entity does not exist.
	NotFound Kind = "not_found"
	// TransientBackend: worker-runtime I/O or transient network failure.
	// Retried with exponential backoff, bounded attempts.
	TransientBackend Kind = "transient_backend"
	// PermanentBackend: the worker runtime returned a definite error.
	PermanentBackend Kind = "permanent_backend"
	// WorkerTimeout: a worker missed its deadline. Recorded as a gap.
	WorkerTimeout Kind = "worker_timeout"
	// OutputParse: worker stdout could not be parsed or validated.
	OutputParse Kind = "output_parse"
	// SchemaViolation: a built graph failed validation.
	SchemaViolation Kind = "schema_violation"
	// InvariantViolation: an internal assumption broke. Halts the project.
	InvariantViolation Kind = "invariant_violation"
	// Paused: cooperative cancellation. Unwinds cleanly, not a failure.
	Paused Kind = "paused"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of the outermost *Error in the chain, or "" when
// the chain carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retriable reports whether the local policy for err is retry-with-backoff.
// Only transient backend failures qualify.
func Retriable(err error) bool { return Is(err, TransientBackend) }

// FromHTTPStatus classifies a worker-runtime HTTP status into the taxonomy.
// Unknown statuses default to transient so an odd gateway code cannot
// permanently fail a pipeline.
func FromHTTPStatus(status int, msg string) *Error {
	switch {
	case status == 404:
		return New(NotFound, "%s", msg)
	case status == 400 || status == 422:
		return New(InvalidInput, "%s", msg)
	case status == 408 || status == 429:
		return New(TransientBackend, "%s (status=%d)", msg, status)
	case status >= 500:
		return New(TransientBackend, "%s (status=%d)", msg, status)
	case status >= 400:
		return New(PermanentBackend, "%s (status=%d)", msg, status)
	default:
		return New(TransientBackend, "%s (status=%d)", msg, status)
	}
}
