package reconciler

import (
	"errors"
	"fmt"
)

var (
	ErrBatchFailed    = errors.New("reconciler: batch failed")
	ErrAlreadyStarted = errors.New("reconciler: batch already started")
	ErrSettled        = errors.New("reconciler: batch already settled")
	ErrNotFound       = errors.New("reconciler: no committed entry with that id")
	ErrProvisional    = errors.New("reconciler: entry is still syncing")
	ErrBusy           = errors.New("reconciler: collection is busy")
)

// EntryError is the failure of one entry. Index is the entry's position in
// the batch, or -1 when the whole batch was rolled back by hand.
type EntryError struct {
	Index int
	Err   error
}

// ReconciliationError reports a failed batch once, with every entry failure.
// errors.Is matches ErrBatchFailed and each entry's error.
type ReconciliationError struct {
	Code    error
	BatchID string
	Mode    Mode
	Size    int
	Entries []EntryError
}

func (e *ReconciliationError) Error() string {
	msg := fmt.Sprintf("batch %s: %v: %d of %d entries failed", e.BatchID, e.Code, len(e.Entries), e.Size)
	if len(e.Entries) > 0 {
		msg += ": " + e.Entries[0].Err.Error()
	}
	return msg
}

func (e *ReconciliationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Entries)+1)
	errs = append(errs, e.Code)
	for _, ee := range e.Entries {
		errs = append(errs, ee.Err)
	}
	return errs
}
