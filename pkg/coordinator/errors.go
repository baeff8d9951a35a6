package coordinator

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

var (
	ErrShardWriteFailed    = errors.New("coordinator: shard write failed")
	ErrRegistryWriteFailed = errors.New("coordinator: registry write failed")
)

// PersistenceError is returned by Save and Delete. Code is
// ErrShardWriteFailed or ErrRegistryWriteFailed; Err is the error of the
// failing layer, so errors.Is sees both. Orphan is set when a payload was
// written to a fresh shard blob that no registry row points at.
type PersistenceError struct {
	Code     error
	Op       string
	RecordID string
	Orphan   types.Pointer
	Err      error
}

func (e *PersistenceError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.RecordID, e.Code)
	if !e.Orphan.IsZero() {
		msg += fmt.Sprintf(" (orphaned blob %s)", e.Orphan)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PersistenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}
