package recalc

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the source workbook does not exist.
var ErrNotFound = errors.New("workbook not found")

// ErrIO indicates a read, write, parse or serialization failure.
var ErrIO = errors.New("i/o error")

// ErrAuthorization indicates the storage backend could not establish the
// caller's identity or refused access.
var ErrAuthorization = errors.New("authorization error")

// ErrEngineFatal indicates the formula engine failed in a way that cannot be
// absorbed into a single cell.
var ErrEngineFatal = errors.New("formula engine failure")

// ErrMissingWorkbook indicates a formula references an external workbook
// that is not available. It is only returned in strict mode, wrapped in an
// ErrEngineFatal error.
var ErrMissingWorkbook = errors.New("missing external workbook")

// Error describes a failed pipeline stage.
type Error struct {
	Op      string // "load", "recalculate", "save"
	Locator string
	Kind    error // one of the sentinel errors above
	Err     error
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Kind != nil && !errors.Is(e.Err, e.Kind) {
		msg = e.Kind.Error() + ": " + msg
	}
	if e.Locator == "" {
		return e.Op + ": " + msg
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Locator, msg)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewError creates a new Error.
func NewError(op, locator string, kind, err error) *Error {
	return &Error{
		Op:      op,
		Locator: locator,
		Kind:    kind,
		Err:     err,
	}
}

// Kind returns the sentinel classifying err, or nil when err carries none.
func Kind(err error) error {
	for _, kind := range []error{ErrNotFound, ErrAuthorization, ErrEngineFatal, ErrIO} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
