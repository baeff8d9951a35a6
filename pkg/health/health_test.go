package health

import (
	"context"
	"errors"
	"testing"

	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNode struct {
	address string
	free    uint64
	down    bool
}

var errDown = errors.New("connection refused")

func (f *fakeNode) Address() string { return f.address }
func (f *fakeNode) Put(context.Context, string, types.Payload) error { return nil }
func (f *fakeNode) Get(context.Context, string) (types.Payload, error) {
	return types.Payload{}, nil
}
func (f *fakeNode) Remove(context.Context, string) error { return nil }
func (f *fakeNode) List(context.Context) ([]shardStore.BlobInfo, error) {
	if f.down {
		return nil, errDown
	}
	return nil, nil
}
func (f *fakeNode) FreeBytes(context.Context) (uint64, error) {
	if f.down {
		return 0, errDown
	}
	return f.free, nil
}

type nodeList []shardStore.Node

func (l nodeList) Nodes() []shardStore.Node { return l }

func TestCheckReportsAvailability(t *testing.T) {
	a := &fakeNode{address: "a", free: 100}
	b := &fakeNode{address: "b", down: true}
	m := NewMonitor(nodeList{a, b}, 0, nil)

	h := m.Check(context.Background())
	assert.True(t, h.Healthy)
	assert.Equal(t, 2, h.TotalNodes)
	assert.Equal(t, 1, h.AvailableNodes)
	require.Len(t, h.Nodes, 2)
	assert.Equal(t, "a", h.Nodes[0].Address)
	assert.Equal(t, uint64(100), h.Nodes[0].FreeBytes)
	assert.ErrorIs(t, h.Nodes[1].Err, errDown)

	assert.False(t, m.Status("unknown").Available)
}

func TestCallbackOnFlip(t *testing.T) {
	a := &fakeNode{address: "a", free: 1}
	m := NewMonitor(nodeList{a}, 0, nil)

	var flips []bool
	m.OnChange(func(_ string, _, newStatus NodeStatus) {
		flips = append(flips, newStatus.Available)
	})

	ctx := context.Background()
	m.Check(ctx)
	m.Check(ctx) // no change
	a.down = true
	m.Check(ctx)

	assert.Equal(t, []bool{true, false}, flips)
	st := m.Status("a")
	assert.False(t, st.Available)
	assert.False(t, st.LastSeen.IsZero(), "last seen survives an outage")
}

func TestInMemoryNodeIsAvailable(t *testing.T) {
	n, err := shardStore.NewLocalNode(shardStore.LocalNodeConfig{Address: "mem", InMemory: true})
	require.NoError(t, err)
	defer n.Close()

	h := NewMonitor(nodeList{n}, 0, nil).Check(context.Background())
	assert.True(t, h.Healthy)
	assert.Zero(t, h.Nodes[0].FreeBytes)
}

func TestNoNodesIsUnhealthy(t *testing.T) {
	h := NewMonitor(nodeList{}, 0, nil).Check(context.Background())
	assert.False(t, h.Healthy)
}
