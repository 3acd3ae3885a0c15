// Package errs provides the typed failures used across collection, storage
// and lifecycle steps.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the step that produced it.
type Kind string

const (
	// KindAdapter is a platform collection failure. It never aborts a run.
	KindAdapter Kind = "ADAPTER"
	// KindStorage is a snapshot read/write failure.
	KindStorage Kind = "STORAGE"
	// KindLifecycle is an archive/rotate failure. It aborts a daily run.
	KindLifecycle Kind = "LIFECYCLE"
	// KindConfig is an invalid or unreadable configuration.
	KindConfig Kind = "CONFIG"
	// KindValidation is a malformed canonical event.
	KindValidation Kind = "VALIDATION"
)

// Error is a structured failure carrying the step kind, the operation and
// (when relevant) the platform it concerns.
type Error struct {
	Kind     Kind
	Op       string
	Platform string
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Op
	if e.Platform != "" {
		msg += " [" + e.Platform + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap wraps err into an Error. It returns nil when err is nil.
func Wrap(err error, kind Kind, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithPlatform sets the platform and returns e.
func (e *Error) WithPlatform(platform string) *Error {
	if e != nil {
		e.Platform = platform
	}
	return e
}

// Adapter wraps a collection failure for platform.
func Adapter(platform string, err error) *Error {
	return Wrap(err, KindAdapter, "collect").WithPlatform(platform)
}

// Storage wraps a snapshot store failure.
func Storage(op string, err error) *Error {
	return Wrap(err, KindStorage, op)
}

// Lifecycle wraps an archive/rotate failure.
func Lifecycle(op string, err error) *Error {
	return Wrap(err, KindLifecycle, op)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		e, ok := As(err)
		if !ok {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
