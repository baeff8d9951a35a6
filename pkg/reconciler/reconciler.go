// Package reconciler keeps the client-visible list of records and applies
// optimistic updates to it.
//
// A user action puts provisional entries into a Collection right away, tagged
// with the id of their Batch. The batch then resolves its entries in the
// background and settles once: every entry carrying its tag is replaced by
// the committed record, or removed. Entries of other batches are never
// touched, whatever order batches finish in.
//
// Every change is a whole-collection replacement made under one lock from
// the latest value, so snapshots handed out are never mutated afterwards.
package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-records/pkg/types"
	workerpool "github.com/i5heu/ouroboros-records/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

// Tag marks a provisional entry. Entries are matched on BatchID, never on
// their position in the collection.
type Tag struct {
	BatchID    string
	Index      int
	PreviewRef string // local preview handle, e.g. a blob URL of the picked file
}

// Entry is a committed record (Tag nil) or a provisional one whose Record is
// the draft shown while it syncs.
type Entry[T types.Record] struct {
	Record T
	Tag    *Tag
}

func (e Entry[T]) Syncing() bool { return e.Tag != nil }

// Actions says what the UI may offer on an entry. A provisional entry has no
// shard pointer yet, so nothing destructive is allowed on it.
type Actions struct {
	Open   bool
	Delete bool
}

func (e Entry[T]) Actions() Actions {
	if e.Syncing() {
		return Actions{}
	}
	return Actions{Open: true, Delete: true}
}

// Snapshot is the collection at one version. Versions only grow; a
// subscriber holding a newer snapshot can drop older ones.
type Snapshot[T types.Record] struct {
	Version uint64
	Entries []Entry[T]
}

type Options struct {
	// Pool resolves batch entries. Collections may share one. Nil gives the
	// collection a private pool of Workers workers, closed by Close.
	Pool    *workerpool.WorkerPool
	Workers int
	Logger  *logrus.Logger
}

type Collection[T types.Record] struct {
	mu      sync.Mutex
	entries []Entry[T]
	version uint64
	pending map[string]*Batch[T]
	subs    map[int]chan Snapshot[T]
	nextSub int

	pool    *workerpool.WorkerPool
	ownPool bool
	log     *logrus.Logger
}

func NewCollection[T types.Record](opts Options) *Collection[T] {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	c := &Collection[T]{
		pending: make(map[string]*Batch[T]),
		subs:    make(map[int]chan Snapshot[T]),
		pool:    opts.Pool,
		log:     opts.Logger,
	}
	if c.pool == nil {
		workers := opts.Workers
		if workers < 1 {
			workers = 4
		}
		c.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: workers})
		c.ownPool = true
	}
	return c
}

// Close stops the private worker pool, if any. Batches started afterwards
// fail their entries.
func (c *Collection[T]) Close() {
	if c.ownPool {
		c.pool.Close()
	}
}

func (c *Collection[T]) Snapshot() Snapshot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Collection[T]) Entries() []Entry[T] {
	return c.Snapshot().Entries
}

// Subscribe returns a channel that always holds the latest snapshot not yet
// received. Intermediate snapshots are skipped when the reader is slow.
func (c *Collection[T]) Subscribe() (<-chan Snapshot[T], func()) {
	ch := make(chan Snapshot[T], 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Busy is true while a batch is pending or any entry is provisional. It is
// meant for a navigation Guard and must not gate reads.
func (c *Collection[T]) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		return true
	}
	for _, e := range c.entries {
		if e.Syncing() {
			return true
		}
	}
	return false
}

// Replace swaps the committed entries for records, typically a fresh
// registry query. Provisional entries stay in front.
func (c *Collection[T]) Replace(records []T) {
	c.update(func(cur []Entry[T]) []Entry[T] {
		next := make([]Entry[T], 0, len(records)+len(cur))
		for _, e := range cur {
			if e.Syncing() {
				next = append(next, e)
			}
		}
		for _, rec := range records {
			next = append(next, Entry[T]{Record: rec})
		}
		return next
	})
}

// Remove takes the committed entry with id out of the collection at once and
// then runs fn, usually a coordinator delete. If fn fails the entry is put
// back where it was.
func (c *Collection[T]) Remove(ctx context.Context, id string, fn func(ctx context.Context, rec T) error) error {
	c.mu.Lock()
	pos := -1
	var removed Entry[T]
	for i, e := range c.entries {
		if e.Record.RecordID() != id {
			continue
		}
		if e.Syncing() {
			c.mu.Unlock()
			return ErrProvisional
		}
		pos, removed = i, e
		break
	}
	if pos < 0 {
		c.mu.Unlock()
		return ErrNotFound
	}
	c.setLocked(without(c.entries, pos))
	c.mu.Unlock()

	err := fn(ctx, removed.Record)
	if err == nil {
		return nil
	}

	c.log.WithField("id", id).WithError(err).Warn("remove failed, restoring entry")
	c.update(func(cur []Entry[T]) []Entry[T] {
		for _, e := range cur {
			if !e.Syncing() && e.Record.RecordID() == id {
				return cur // reloaded meanwhile
			}
		}
		at := pos
		if at > len(cur) {
			at = len(cur)
		}
		next := make([]Entry[T], 0, len(cur)+1)
		next = append(next, cur[:at]...)
		next = append(next, removed)
		return append(next, cur[at:]...)
	})
	return fmt.Errorf("remove %s: %w", id, err)
}

// update applies fn to the latest entries. fn must return a new slice and
// leave its argument untouched.
func (c *Collection[T]) update(fn func(cur []Entry[T]) []Entry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(fn(c.entries))
}

func (c *Collection[T]) setLocked(next []Entry[T]) {
	c.entries = next
	c.version++
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			// replace the unread older snapshot; senders hold c.mu
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (c *Collection[T]) snapshotLocked() Snapshot[T] {
	entries := make([]Entry[T], len(c.entries))
	copy(entries, c.entries)
	return Snapshot[T]{Version: c.version, Entries: entries}
}

func without[T types.Record](entries []Entry[T], i int) []Entry[T] {
	next := make([]Entry[T], 0, len(entries)-1)
	next = append(next, entries[:i]...)
	return append(next, entries[i+1:]...)
}
