// Package coordinator writes a record to its two stores: the payload to a
// shard node, the metadata row to the registry. The two writes are not
// atomic. Both protocols go shard first, so the failure that can remain is
// always a shard blob nobody points at, never a row pointing at nothing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-records/pkg/events"
	"github.com/i5heu/ouroboros-records/pkg/registry"
	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Registry registry.Registry
	Shard    shardStore.Store
	Events   *events.Bus // optional
	Metrics  *Metrics    // optional
	Logger   *logrus.Logger
	// OptimisticConcurrency makes saves compare-and-swap on the UpdatedAt
	// the record was loaded with instead of last-write-wins.
	OptimisticConcurrency bool
	Now                   func() time.Time
}

type Coordinator struct {
	registry registry.Registry
	shard    shardStore.Store
	events   *events.Bus
	metrics  *Metrics
	log      *logrus.Logger
	cas      bool
	now      func() time.Time
	newID    func() string
}

func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, errors.New("coordinator needs a registry")
	}
	if opts.Shard == nil {
		return nil, errors.New("coordinator needs a shard store")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		registry: opts.Registry,
		shard:    opts.Shard,
		events:   opts.Events,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		cas:      opts.OptimisticConcurrency,
		now:      opts.Now,
		newID:    uuid.NewString,
	}, nil
}

// Save persists rec and, when payload is not nil, its payload. An empty id is
// minted, CreatedAt is kept or set, UpdatedAt is set. On success rec carries
// the new pointer and timestamps; on failure they are put back as they were.
func (c *Coordinator) Save(ctx context.Context, rec types.Record, payload *types.Payload) error {
	if rec.RecordID() == "" {
		rec.SetRecordID(c.newID())
	}
	id := rec.RecordID()
	prevPtr := rec.ShardPointer()
	prevCreated, prevUpdated := rec.Created(), rec.Updated()

	log := c.log.WithFields(logrus.Fields{"id": id, "kind": rec.RecordKind()})

	ptr := prevPtr
	if payload != nil {
		var err error
		ptr, err = c.shard.Write(ctx, prevPtr, *payload)
		if err != nil {
			c.metrics.save(resultShardFailed)
			log.WithError(err).Error("shard write failed, registry left untouched")
			return &PersistenceError{Code: ErrShardWriteFailed, Op: "save", RecordID: id, Err: err}
		}
	}

	created := prevCreated
	updated := c.now().UTC()
	if created.IsZero() {
		created = updated
	}
	if !updated.After(prevUpdated) {
		// clock went backwards or two saves in one tick; keep UpdatedAt moving
		updated = prevUpdated.Add(time.Microsecond)
	}
	rec.SetShardPointer(ptr)
	rec.SetTimestamps(created, updated)

	err := c.upsert(ctx, rec, prevUpdated)
	if err != nil {
		rec.SetShardPointer(prevPtr)
		rec.SetTimestamps(prevCreated, prevUpdated)
		c.metrics.save(resultRegistryFailed)

		perr := &PersistenceError{Code: ErrRegistryWriteFailed, Op: "save", RecordID: id, Err: err}
		if ptr != prevPtr {
			perr.Orphan = ptr
			c.metrics.orphan()
			log.WithField("orphan", ptr.String()).WithError(err).Warn("registry write failed, shard blob orphaned")
		} else {
			log.WithError(err).Error("registry write failed")
		}
		return perr
	}

	c.metrics.save(resultOK)
	log.WithField("pointer", ptr.String()).Debug("record saved")
	c.events.Publish(events.Event{Kind: events.Saved, RecordID: id, RecordKind: rec.RecordKind()})
	return nil
}

func (c *Coordinator) upsert(ctx context.Context, rec types.Record, expected time.Time) error {
	row, err := types.ToRow(rec)
	if err != nil {
		return err
	}
	if c.cas {
		return c.registry.UpsertIf(ctx, row, expected)
	}
	return c.registry.Upsert(ctx, row)
}

// Delete removes rec's payload, best effort, then its row. Only the registry
// delete decides the result; a failed shard delete is logged as a leaked blob.
func (c *Coordinator) Delete(ctx context.Context, rec types.Record) error {
	return c.delete(ctx, rec.RecordID(), rec.RecordKind(), rec.ShardPointer())
}

// DeleteByID looks the row up first to learn its pointer. A missing row is
// already deleted.
func (c *Coordinator) DeleteByID(ctx context.Context, id string) error {
	row, err := c.registry.Get(ctx, id)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		c.metrics.delete(resultRegistryFailed)
		return &PersistenceError{Code: ErrRegistryWriteFailed, Op: "delete", RecordID: id, Err: err}
	}
	return c.delete(ctx, row.ID, row.Kind, row.Pointer)
}

func (c *Coordinator) delete(ctx context.Context, id string, kind types.Kind, ptr types.Pointer) error {
	log := c.log.WithFields(logrus.Fields{"id": id, "kind": kind})

	if !ptr.IsZero() {
		if err := c.shard.Delete(ctx, ptr); err != nil {
			c.metrics.leak()
			log.WithField("leaked", ptr.String()).WithError(err).Warn("shard delete failed, blob leaked")
		}
	}

	if err := c.registry.Delete(ctx, id); err != nil {
		c.metrics.delete(resultRegistryFailed)
		log.WithError(err).Error("registry delete failed")
		return &PersistenceError{Code: ErrRegistryWriteFailed, Op: "delete", RecordID: id, Err: err}
	}

	c.metrics.delete(resultOK)
	log.Debug("record deleted")
	c.events.Publish(events.Event{Kind: events.Deleted, RecordID: id, RecordKind: kind})
	return nil
}

// Load returns the record with id and its payload, if it has one. A payload
// that is gone from its shard yields the record, a nil payload and an error
// matching shardStore.ErrNotFound.
func (c *Coordinator) Load(ctx context.Context, id string) (types.Record, *types.Payload, error) {
	row, err := c.registry.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rec, err := types.FromRow(row)
	if err != nil {
		return nil, nil, err
	}
	if row.Pointer.IsZero() {
		return rec, nil, nil
	}
	p, err := c.shard.Read(ctx, row.Pointer)
	if err != nil {
		return rec, nil, fmt.Errorf("payload of %s: %w", id, err)
	}
	return rec, &p, nil
}

// Page is one page of decoded query results.
type Page struct {
	Records []types.Record
	Total   int
}

// Query decodes matching rows. Rows of unknown kinds are skipped with a
// warning and still count towards Total.
func (c *Coordinator) Query(ctx context.Context, q registry.Query) (Page, error) {
	res, err := c.registry.Query(ctx, q)
	if err != nil {
		return Page{}, err
	}
	page := Page{Records: make([]types.Record, 0, len(res.Rows)), Total: res.Total}
	for _, row := range res.Rows {
		rec, err := types.FromRow(row)
		if err != nil {
			c.log.WithField("id", row.ID).WithError(err).Warn("skipping undecodable row")
			continue
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// QueryAs runs q restricted to the kind of T and returns typed records, e.g.
// QueryAs[*types.Note](ctx, c, registry.Query{ParentID: id}).
func QueryAs[T types.Record](ctx context.Context, c *Coordinator, q registry.Query) ([]T, int, error) {
	var zero T
	if any(zero) != nil && q.Kind == "" {
		q.Kind = zero.RecordKind()
	}
	page, err := c.Query(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	out := make([]T, 0, len(page.Records))
	for _, rec := range page.Records {
		if typed, ok := rec.(T); ok {
			out = append(out, typed)
		}
	}
	return out, page.Total, nil
}

func (c *Coordinator) Registry() registry.Registry { return c.registry }
func (c *Coordinator) Shard() shardStore.Store     { return c.shard }
