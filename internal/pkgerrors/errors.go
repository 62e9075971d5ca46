// Package pkgerrors implements the kind-based error taxonomy from the
// error handling design: every component-level error carries a Kind
// deciding how the caller must react (fatal, retryable, idempotent...),
// in the shape of the teacher's launcher.LauncherError.
package pkgerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which policy in the error taxonomy applies.
type Kind string

const (
	// Config errors are fatal at startup; the owning service never
	// reaches RUNNING.
	Config Kind = "Config"
	// Io errors are retryable; the caller logs WARN, records the
	// error, and continues or lets redelivery retry.
	Io Kind = "Io"
	// Protocol errors (envelope parse, type-url resolution) cause the
	// offending message to be skipped for the current subscriber only.
	Protocol Kind = "Protocol"
	// Conflict errors (duplicate ack, duplicate insert) are treated as
	// success: logged at DEBUG, never escalated.
	Conflict Kind = "Conflict"
	// Timeout errors are fatal for the calling indexer (run discovery,
	// metadata gating) and transition it to ERROR.
	Timeout Kind = "Timeout"
	// Interrupted marks a clean exit from cancellation; invariants are
	// preserved, nothing is escalated.
	Interrupted Kind = "Interrupted"
	// Bug is any unexpected, unclassified failure; it always ends in
	// ERROR with a bounded error log entry and no auto-restart.
	Bug Kind = "Bug"
)

// Error is the taxonomy-tagged error type used throughout this module.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if len(e.Context) > 0 {
		parts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithContext attaches a structured context field and returns e for
// chaining, matching the teacher's fluent WithContext.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Convenience constructors, one per kind.

func ConfigErrorf(format string, args ...any) *Error   { return New(Config, format, args...) }
func IoErrorf(format string, args ...any) *Error       { return New(Io, format, args...) }
func ProtocolErrorf(format string, args ...any) *Error { return New(Protocol, format, args...) }
func ConflictErrorf(format string, args ...any) *Error { return New(Conflict, format, args...) }
func TimeoutErrorf(format string, args ...any) *Error  { return New(Timeout, format, args...) }
func BugErrorf(format string, args ...any) *Error      { return New(Bug, format, args...) }

// IsKind reports whether err (or anything it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf returns the Kind of err, or the empty Kind if err is not (and
// does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
