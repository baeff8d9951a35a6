package shardStore

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

var (
	ErrNotFound    = errors.New("shard: blob not found")
	ErrWriteFailed = errors.New("shard: write failed")
	ErrUnreachable = errors.New("shard: node unreachable")
)

// Error describes a failed shard operation. Code is one of ErrNotFound,
// ErrWriteFailed or ErrUnreachable and errors.Is matches on it.
type Error struct {
	Code    error
	Op      string
	Pointer types.Pointer
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Pointer, e.Code)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Pointer, e.Code, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

func newError(code error, op string, ptr types.Pointer, err error) *Error {
	return &Error{Code: code, Op: op, Pointer: ptr, Err: err}
}

// codeOf returns the shard error code carried by err, defaulting to fallback.
func codeOf(err error, fallback error) error {
	for _, code := range []error{ErrNotFound, ErrWriteFailed, ErrUnreachable} {
		if errors.Is(err, code) {
			return code
		}
	}
	return fallback
}
