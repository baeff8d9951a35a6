package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/events"
	"github.com/i5heu/ouroboros-records/pkg/registry"
	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/stretchr/testify/require"
)

// memShard is a shard store on one fake node. Shard ids are s1, s2, ...
type memShard struct {
	mu        sync.Mutex
	node      string
	blobs     map[types.Pointer]types.Payload
	next      int
	writeErr  error
	deleteErr error
	deletes   []types.Pointer
}

func newMemShard(node string) *memShard {
	return &memShard{node: node, blobs: make(map[types.Pointer]types.Payload)}
}

func (m *memShard) Write(_ context.Context, existing types.Pointer, p types.Payload) (types.Pointer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return types.Pointer{}, m.writeErr
	}
	ptr := existing
	if ptr.IsZero() {
		m.next++
		ptr = types.Pointer{ShardID: fmt.Sprintf("s%d", m.next), Node: m.node}
	}
	m.blobs[ptr] = p
	return ptr, nil
}

func (m *memShard) Read(_ context.Context, ptr types.Pointer) (types.Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.blobs[ptr]
	if !ok {
		return types.Payload{}, &shardStore.Error{Code: shardStore.ErrNotFound, Op: "read", Pointer: ptr}
	}
	return p, nil
}

func (m *memShard) Delete(_ context.Context, ptr types.Pointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, ptr)
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.blobs, ptr)
	return nil
}

func (m *memShard) has(ptr types.Pointer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blobs[ptr]
	return ok
}

// flakyRegistry fails writes while upsertErr or deleteErr is set.
type flakyRegistry struct {
	registry.Registry
	mu        sync.Mutex
	upsertErr error
	deleteErr error
	deletes   []string
}

func (f *flakyRegistry) failUpserts(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertErr = err
}

func (f *flakyRegistry) Upsert(ctx context.Context, row types.Row) error {
	f.mu.Lock()
	err := f.upsertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Registry.Upsert(ctx, row)
}

func (f *flakyRegistry) UpsertIf(ctx context.Context, row types.Row, expected time.Time) error {
	f.mu.Lock()
	err := f.upsertErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Registry.UpsertIf(ctx, row, expected)
}

func (f *flakyRegistry) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, id)
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Registry.Delete(ctx, id)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	c       *Coordinator
	shard   *memShard
	reg     *flakyRegistry
	bus     *events.Bus
	metrics *Metrics
}

func newFixture(t *testing.T, cas bool) *fixture {
	t.Helper()
	inner, err := registry.NewBadgerRegistry(registry.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })

	metrics, err := NewMetrics(nil)
	require.NoError(t, err)

	f := &fixture{
		shard:   newMemShard("nodeA"),
		reg:     &flakyRegistry{Registry: inner},
		bus:     events.NewBus(),
		metrics: metrics,
	}
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	f.c, err = New(Options{
		Registry:              f.reg,
		Shard:                 f.shard,
		Events:                f.bus,
		Metrics:               metrics,
		OptimisticConcurrency: cas,
		Now:                   clk.Now,
	})
	require.NoError(t, err)
	return f
}
