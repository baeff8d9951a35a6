package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-records/pkg/types"
)

// Mode decides what a batch with some failed entries keeps.
type Mode int

const (
	// Atomic removes the whole batch and undoes the entries that did
	// succeed through Compensate.
	Atomic Mode = iota
	// Partial commits the entries that succeeded and drops the rest.
	Partial
)

func (m Mode) String() string {
	if m == Partial {
		return "partial"
	}
	return "atomic"
}

type State int

const (
	Pending State = iota
	Committed
	PartiallyCommitted
	RolledBack
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Committed:
		return "committed"
	case PartiallyCommitted:
		return "partially committed"
	case RolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ResolveFunc turns the draft at index into its committed record. It gets a
// private copy of the draft and may modify it.
type ResolveFunc[T types.Record] func(ctx context.Context, index int, draft T) (T, error)

type BatchOptions[T types.Record] struct {
	Mode Mode
	// PreviewRefs are copied into the tags of the entries, by index.
	PreviewRefs []string
	// OnFailure is told once when the batch does not fully commit.
	OnFailure func(*ReconciliationError)
	// Compensate undoes a committed record the collection will not show:
	// successes of a failed atomic batch and late successes of a discarded
	// one. Typically a coordinator delete.
	Compensate func(ctx context.Context, rec T) error
}

type Outcome[T types.Record] struct {
	State     State
	Records   []T // committed records in batch order
	Err       *ReconciliationError
	Discarded bool
}

type result[T types.Record] struct {
	index int
	rec   T
	err   error
}

// Batch is one user action's set of provisional entries.
type Batch[T types.Record] struct {
	id     string
	c      *Collection[T]
	drafts []T
	opts   BatchOptions[T]

	mu       sync.Mutex
	state    State
	started  bool
	outcome  Outcome[T]
	done     chan struct{}
	doneOnce sync.Once
}

// Begin inserts one provisional entry per draft in front of the collection,
// in a single update, and returns the pending batch. Nothing runs until
// Start or Resolve.
func (c *Collection[T]) Begin(drafts []T, opts BatchOptions[T]) *Batch[T] {
	b := &Batch[T]{
		id:     uuid.NewString(),
		c:      c,
		drafts: append([]T(nil), drafts...),
		opts:   opts,
		done:   make(chan struct{}),
	}
	if len(drafts) == 0 {
		b.state = Committed
		b.outcome = Outcome[T]{State: Committed}
		b.finish()
		return b
	}

	provisional := make([]Entry[T], len(drafts))
	for i, d := range drafts {
		tag := &Tag{BatchID: b.id, Index: i}
		if i < len(opts.PreviewRefs) {
			tag.PreviewRef = opts.PreviewRefs[i]
		}
		provisional[i] = Entry[T]{Record: d, Tag: tag}
	}

	c.mu.Lock()
	c.pending[b.id] = b
	next := make([]Entry[T], 0, len(provisional)+len(c.entries))
	next = append(next, provisional...)
	c.setLocked(append(next, c.entries...))
	c.mu.Unlock()

	c.log.WithField("batch", b.id).WithField("size", len(drafts)).Debug("batch pending")
	return b
}

func (b *Batch[T]) ID() string { return b.id }

func (b *Batch[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start resolves every entry with fn on the collection's worker pool and
// returns at once. The batch settles after all entries have resolved.
func (b *Batch[T]) Start(ctx context.Context, fn ResolveFunc[T]) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	if b.state != Pending {
		return ErrSettled
	}
	b.started = true
	go b.run(ctx, fn)
	return nil
}

// Wait blocks until the batch has settled and its background work is done.
func (b *Batch[T]) Wait() Outcome[T] {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outcome
}

// Resolve is Start followed by Wait.
func (b *Batch[T]) Resolve(ctx context.Context, fn ResolveFunc[T]) (Outcome[T], error) {
	if err := b.Start(ctx, fn); err != nil {
		return Outcome[T]{}, err
	}
	return b.Wait(), nil
}

// Discard is the user cancelling the action: the provisional entries go away
// now and entries that still succeed later are compensated. A settled batch
// is left alone.
func (b *Batch[T]) Discard() {
	b.mu.Lock()
	if b.state != Pending {
		b.mu.Unlock()
		return
	}
	b.state = RolledBack
	b.outcome = Outcome[T]{State: RolledBack, Discarded: true}
	b.c.update(b.settleEntries(nil))
	started := b.started
	b.mu.Unlock()

	b.c.log.WithField("batch", b.id).Debug("batch discarded")
	if !started {
		b.finish()
	}
}

// Commit settles the batch by hand with one record per draft, for callers
// that resolve outside Start. Committing a settled batch is a no-op.
func (b *Batch[T]) Commit(records []T) error {
	if len(records) != len(b.drafts) {
		return fmt.Errorf("commit of batch %s: got %d records for %d entries", b.id, len(records), len(b.drafts))
	}
	committed := make(map[int]T, len(records))
	for i, rec := range records {
		committed[i] = rec
	}

	b.mu.Lock()
	if b.state != Pending {
		b.mu.Unlock()
		return nil
	}
	b.state = Committed
	b.outcome = Outcome[T]{State: Committed, Records: append([]T(nil), records...)}
	b.c.update(b.settleEntries(committed))
	started := b.started
	b.mu.Unlock()

	if !started {
		b.finish()
	}
	return nil
}

// Rollback settles the batch by hand as failed with cause. Rolling back a
// settled batch is a no-op.
func (b *Batch[T]) Rollback(cause error) {
	rerr := &ReconciliationError{
		Code:    ErrBatchFailed,
		BatchID: b.id,
		Mode:    b.opts.Mode,
		Size:    len(b.drafts),
		Entries: []EntryError{{Index: -1, Err: cause}},
	}

	b.mu.Lock()
	if b.state != Pending {
		b.mu.Unlock()
		return
	}
	b.state = RolledBack
	b.outcome = Outcome[T]{State: RolledBack, Err: rerr}
	b.c.update(b.settleEntries(nil))
	started := b.started
	b.mu.Unlock()

	b.report(rerr)
	if !started {
		b.finish()
	}
}

func (b *Batch[T]) run(ctx context.Context, fn ResolveFunc[T]) {
	defer b.finish()

	results := make([]result[T], len(b.drafts))
	room := b.c.pool.CreateRoom(len(b.drafts))
	for i, draft := range b.drafts {
		i := i
		results[i].index = i
		work, err := cloneRecord(draft)
		if err != nil {
			results[i].err = err
			continue
		}
		err = room.NewTaskWaitForFreeSlot(func() interface{} {
			return resolveOne(ctx, fn, i, work)
		})
		if err != nil {
			results[i].err = err
		}
	}
	for _, r := range room.Collect() {
		res := r.(result[T])
		results[res.index] = res
	}

	b.settle(ctx, results)
}

// resolveOne runs fn for one entry; a panic fails only that entry.
func resolveOne[T types.Record](ctx context.Context, fn ResolveFunc[T], i int, draft T) (res result[T]) {
	res.index = i
	defer func() {
		if p := recover(); p != nil {
			res.err = fmt.Errorf("entry %d panicked: %v", i, p)
		}
	}()
	res.rec, res.err = fn(ctx, i, draft)
	return res
}

func (b *Batch[T]) settle(ctx context.Context, results []result[T]) {
	var (
		succeeded = make(map[int]T)
		failures  []EntryError
	)
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, EntryError{Index: r.index, Err: r.err})
			continue
		}
		succeeded[r.index] = r.rec
	}

	b.mu.Lock()
	if b.state != Pending {
		// discarded or rolled back while resolving
		undo := b.state == RolledBack
		b.mu.Unlock()
		if undo {
			b.compensate(ctx, succeeded)
		}
		return
	}

	var rerr *ReconciliationError
	if len(failures) > 0 {
		rerr = &ReconciliationError{
			Code:    ErrBatchFailed,
			BatchID: b.id,
			Mode:    b.opts.Mode,
			Size:    len(b.drafts),
			Entries: failures,
		}
	}

	var undo map[int]T
	switch {
	case rerr == nil:
		b.state = Committed
		b.c.update(b.settleEntries(succeeded))
	case b.opts.Mode == Partial && len(succeeded) > 0:
		b.state = PartiallyCommitted
		b.c.update(b.settleEntries(succeeded))
	default:
		b.state = RolledBack
		b.c.update(b.settleEntries(nil))
		undo = succeeded
	}

	b.outcome = Outcome[T]{State: b.state, Err: rerr}
	if b.state != RolledBack {
		b.outcome.Records = inOrder(succeeded, len(b.drafts))
	}
	state := b.state
	b.mu.Unlock()

	b.c.log.WithField("batch", b.id).WithField("state", state.String()).Debug("batch settled")
	b.compensate(ctx, undo)
	if rerr != nil {
		b.report(rerr)
	}
}

// settleEntries returns the single update that ends the batch: every entry
// tagged with it becomes its committed record if there is one and is dropped
// otherwise. The batch leaves the pending set in the same update.
func (b *Batch[T]) settleEntries(committed map[int]T) func([]Entry[T]) []Entry[T] {
	return func(cur []Entry[T]) []Entry[T] {
		delete(b.c.pending, b.id)
		next := make([]Entry[T], 0, len(cur))
		for _, e := range cur {
			if e.Tag == nil || e.Tag.BatchID != b.id {
				next = append(next, e)
				continue
			}
			if rec, ok := committed[e.Tag.Index]; ok {
				next = append(next, Entry[T]{Record: rec})
			}
		}
		return next
	}
}

func (b *Batch[T]) compensate(ctx context.Context, records map[int]T) {
	if len(records) == 0 {
		return
	}
	log := b.c.log.WithField("batch", b.id)
	if b.opts.Compensate == nil {
		log.WithField("records", len(records)).Warn("no compensation configured, committed records stay behind")
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, i := range sortedKeys(records) {
		rec := records[i]
		if err := b.opts.Compensate(ctx, rec); err != nil {
			log.WithField("id", rec.RecordID()).WithError(err).Warn("compensation failed, record stays behind")
		}
	}
}

func (b *Batch[T]) report(rerr *ReconciliationError) {
	b.c.log.WithField("batch", b.id).WithError(rerr).Warn("batch failed")
	if b.opts.OnFailure != nil {
		b.opts.OnFailure(rerr)
	}
}

func (b *Batch[T]) finish() {
	b.doneOnce.Do(func() { close(b.done) })
}

// cloneRecord copies a record through its registry form so that resolvers
// can modify their draft while the collection still shows the original.
func cloneRecord[T types.Record](rec T) (T, error) {
	var zero T
	row, err := types.ToRow(rec)
	if err != nil {
		return zero, err
	}
	out, err := types.FromRow(row)
	if err != nil {
		return zero, err
	}
	typed, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("copy of %s record is %T", rec.RecordKind(), out)
	}
	return typed, nil
}

func inOrder[T types.Record](m map[int]T, n int) []T {
	out := make([]T, 0, len(m))
	for i := 0; i < n; i++ {
		if rec, ok := m[i]; ok {
			out = append(out, rec)
		}
	}
	return out
}

func sortedKeys[T types.Record](m map[int]T) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
