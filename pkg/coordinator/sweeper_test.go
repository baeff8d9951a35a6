package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/placement"
	"github.com/i5heu/ouroboros-records/pkg/registry"
	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokenNode struct{ shardStore.Node }

func (brokenNode) Address() string { return "broken" }
func (brokenNode) List(context.Context) ([]shardStore.BlobInfo, error) {
	return nil, errors.New("node offline")
}

type nodes []shardStore.Node

func (n nodes) Nodes() []shardStore.Node { return n }

func TestSweepRemovesOnlyOldUnreferencedBlobs(t *testing.T) {
	ctx := context.Background()

	node, err := shardStore.NewLocalNode(shardStore.LocalNodeConfig{Address: "nodeA", InMemory: true})
	require.NoError(t, err)
	defer node.Close()
	cluster := shardStore.NewCluster(placement.Default{Node: "nodeA"}, nil, node)

	reg, err := registry.NewBadgerRegistry(registry.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer reg.Close()

	metrics, err := NewMetrics(nil)
	require.NoError(t, err)
	c, err := New(Options{Registry: reg, Shard: cluster, Metrics: metrics})
	require.NoError(t, err)

	// referenced blob
	deck := &types.Presentation{Title: "kept"}
	p := types.BinaryPayload("", []byte("kept"))
	require.NoError(t, c.Save(ctx, deck, &p))

	// orphan: shard written, registry never was
	orphan, err := cluster.Write(ctx, types.Pointer{}, types.BinaryPayload("", []byte("orphan")))
	require.NoError(t, err)

	now := time.Now()
	sweeper, err := NewSweeper(SweepConfig{
		Registry:    reg,
		Nodes:       cluster,
		GracePeriod: time.Hour,
		Metrics:     metrics,
		Now:         func() time.Time { return now },
	})
	require.NoError(t, err)

	report, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 2, Young: 1}, report, "orphan is inside the grace period")

	now = now.Add(2 * time.Hour)
	report, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 2, Removed: 1}, report)

	_, err = cluster.Read(ctx, orphan)
	assert.ErrorIs(t, err, shardStore.ErrNotFound)
	_, payload, err := c.Load(ctx, deck.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), payload.Data)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sweptBlobs))
}

func TestSweepContinuesPastBrokenNode(t *testing.T) {
	ctx := context.Background()

	node, err := shardStore.NewLocalNode(shardStore.LocalNodeConfig{Address: "nodeA", InMemory: true})
	require.NoError(t, err)
	defer node.Close()
	require.NoError(t, node.Put(ctx, "lost", types.BinaryPayload("", []byte("x"))))

	reg, err := registry.NewBadgerRegistry(registry.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer reg.Close()

	sweeper, err := NewSweeper(SweepConfig{
		Registry: reg,
		Nodes:    nodes{brokenNode{}, node},
		Parallel: 1,
		Now:      func() time.Time { return time.Now().Add(2 * DefaultGracePeriod) },
	})
	require.NoError(t, err)

	report, err := sweeper.Sweep(ctx)
	assert.Error(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Removed: 1, Failed: 1}, report)
}

func TestSweeperNeedsRegistryAndNodes(t *testing.T) {
	_, err := NewSweeper(SweepConfig{})
	assert.Error(t, err)
}

func TestSweepWithoutGracePeriodKeepsFreshBlobs(t *testing.T) {
	ctx := context.Background()

	node, err := shardStore.NewLocalNode(shardStore.LocalNodeConfig{Address: "nodeA", InMemory: true})
	require.NoError(t, err)
	defer node.Close()
	cluster := shardStore.NewCluster(placement.Default{Node: "nodeA"}, nil, node)

	reg, err := registry.NewBadgerRegistry(registry.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	defer reg.Close()

	for _, grace := range []time.Duration{0, -time.Minute} {
		// shard written, registry row not yet
		ptr, err := cluster.Write(ctx, types.Pointer{}, types.BinaryPayload("", []byte("in flight")))
		require.NoError(t, err)

		sweeper, err := NewSweeper(SweepConfig{Registry: reg, Nodes: cluster, GracePeriod: grace})
		require.NoError(t, err)

		report, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, report.Removed, "grace %v", grace)

		got, err := cluster.Read(ctx, ptr)
		require.NoError(t, err)
		assert.Equal(t, []byte("in flight"), got.Data)
	}
}
