package registry

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("registry: row not found")
	ErrConflict     = errors.New("registry: row changed concurrently")
	ErrWriteFailed  = errors.New("registry: write failed")
	ErrUnreachable  = errors.New("registry: unreachable")
	ErrInvalidQuery = errors.New("registry: invalid query")

	errNegativePage = errors.New("negative page")
	errPageTooLarge = errors.New("page out of range")
)

func errUnknownSortField(f SortField) error {
	return fmt.Errorf("unknown sort field %q", f)
}

// Error describes a failed registry operation; errors.Is matches Code and Err.
type Error struct {
	Code error
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", msg, e.Code)
	}
	return fmt.Sprintf("%s: %v: %v", msg, e.Code, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

func newError(code error, op, id string, err error) *Error {
	return &Error{Code: code, Op: op, ID: id, Err: err}
}
