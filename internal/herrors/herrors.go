// Package herrors defines the stable error kinds from spec.md §7, shared
// by every component so the HTTP layer (internal/api) can map them to
// status codes without each caller re-deriving a code.
package herrors

import "fmt"

// Kind is one of the exhaustive error kinds spec.md §7 enumerates.
type Kind string

const (
	KindInvalidFrame      Kind = "InvalidFrame"
	KindDriverExitedEarly Kind = "DriverExitedEarly"
	KindTimeout           Kind = "Timeout"
	KindValidation        Kind = "Validation"
	KindNotFound          Kind = "NotFound"
	KindConflict          Kind = "Conflict"
	KindProgramNotFound   Kind = "ProgramNotFound"
	KindSpawnFailed       Kind = "SpawnFailed"
	KindInvalidConfig     Kind = "InvalidConfig"
)

// WireCode returns the stable integer code for kinds observable on the
// JSONL wire (spec.md §7); 0 for kinds that only exist at the HTTP layer.
func (k Kind) WireCode() int {
	switch k {
	case KindInvalidFrame:
		return 1000
	case KindDriverExitedEarly:
		return 1001
	default:
		return 0
	}
}

// HTTPStatus returns the HTTP status code for kinds observable over the
// control plane; 0 for kinds that never surface over HTTP.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindProgramNotFound, KindSpawnFailed, KindInvalidConfig:
		return 500
	default:
		return 0
	}
}

// Error is a typed error carrying a Kind plus an optional dotted field path
// (populated for KindValidation, per spec.md §4.2's ValidationResult).
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind wrapping an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithField returns a copy of e with Field set, for validation errors that
// need a dotted/indexed path like "device.host" or "tags[2]".
func (e *Error) WithField(field string) *Error {
	cp := *e
	cp.Field = field
	return &cp
}
