package model

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how a caller is expected to react to it.
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in berth.
	KindUnknown Kind = iota

	// KindConflict means the resource is already held: a duplicate port,
	// an already-bound conversation, or a dirty worktree that git refused
	// to remove.
	KindConflict

	// KindExhausted means no free port remains in the requested range.
	KindExhausted

	// KindNotFound means the operation referenced an unknown port,
	// conversation or worktree.
	KindNotFound

	// KindInvalid means malformed input: a bad branch name, a path outside
	// the worktree base, or a request for a reserved port.
	KindInvalid

	// KindExternal wraps subprocess and persistence failures. The
	// underlying message is preserved verbatim.
	KindExternal

	// KindTimeout means a slot acquire gave up before being granted.
	KindTimeout
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindExhausted:
		return "exhausted"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindExternal:
		return "external"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ExitCode defines CLI exit codes per error kind. These allow scripts to
// tell an exhausted pool apart from a git failure without parsing output.
type ExitCode int

const (
	ExitSuccess      ExitCode = 0
	ExitGeneralError ExitCode = 1
	ExitConflict     ExitCode = 2
	ExitExhausted    ExitCode = 3
	ExitNotFound     ExitCode = 4
	ExitInvalid      ExitCode = 5
	ExitExternal     ExitCode = 6
	ExitTimeout      ExitCode = 7
)

// ExitCode maps the kind to its process exit code.
func (k Kind) ExitCode() ExitCode {
	switch k {
	case KindConflict:
		return ExitConflict
	case KindExhausted:
		return ExitExhausted
	case KindNotFound:
		return ExitNotFound
	case KindInvalid:
		return ExitInvalid
	case KindExternal:
		return ExitExternal
	case KindTimeout:
		return ExitTimeout
	default:
		return ExitGeneralError
	}
}

// Error is the error type returned by every berth package.
type Error struct {
	// Kind drives caller behaviour and the CLI exit code.
	Kind Kind

	// Op names the operation that failed, e.g. "allocate port".
	Op string

	// Message is the human-readable description. For KindExternal errors
	// built by External, it is the underlying error text unchanged.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error returns Message, or the wrapped error's text when Message is empty.
// Op is deliberately left out so that git and database messages reach the
// operator exactly as the subprocess printed them.
func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with no underlying cause.
func NewError(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// WrapError creates an Error that wraps err.
func WrapError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// External wraps a subprocess or persistence failure. The message of err
// is passed through unmodified.
func External(op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindExternal, Op: op, Message: err.Error(), Err: err}
}

// Errorf is a convenience constructor with fmt formatting.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindUnknown when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsConflict reports whether err is a KindConflict error.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsExhausted reports whether err is a KindExhausted error.
func IsExhausted(err error) bool { return KindOf(err) == KindExhausted }

// IsNotFound reports whether err is a KindNotFound error.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsInvalid reports whether err is a KindInvalid error.
func IsInvalid(err error) bool { return KindOf(err) == KindInvalid }

// IsExternal reports whether err is a KindExternal error.
func IsExternal(err error) bool { return KindOf(err) == KindExternal }

// IsTimeout reports whether err is a KindTimeout error.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsExpected reports whether err is one of the recoverable outcomes
// (Conflict, Exhausted, NotFound, Invalid, Timeout) that callers should
// handle as a result rather than a failure.
func IsExpected(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindExhausted, KindNotFound, KindInvalid, KindTimeout:
		return true
	default:
		return false
	}
}
