package shardStore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-records/pkg/placement"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
)

// Cluster routes pointers to nodes by address and places new blobs with a
// placement policy.
type Cluster struct {
	mu     sync.RWMutex
	nodes  map[string]Node
	policy placement.Policy
	log    *logrus.Logger
	newID  func() string
}

func NewCluster(policy placement.Policy, logger *logrus.Logger, nodes ...Node) *Cluster {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Cluster{
		nodes:  make(map[string]Node, len(nodes)),
		policy: policy,
		log:    logger,
		newID:  uuid.NewString,
	}
	for _, n := range nodes {
		c.nodes[n.Address()] = n
	}
	return c
}

func (c *Cluster) AddNode(n Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[n.Address()] = n
}

// RemoveNode forgets a node. Pointers to it read as unreachable afterwards.
func (c *Cluster) RemoveNode(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, address)
}

func (c *Cluster) Node(address string) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[address]
	return n, ok
}

// Nodes returns the known nodes sorted by address.
func (c *Cluster) Nodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// FreeBytes makes the cluster usable as a placement.Capacity.
func (c *Cluster) FreeBytes(ctx context.Context, address string) (uint64, error) {
	n, ok := c.Node(address)
	if !ok {
		return 0, fmt.Errorf("unknown node %q", address)
	}
	return n.FreeBytes(ctx)
}

func (c *Cluster) Write(ctx context.Context, existing types.Pointer, p types.Payload) (types.Pointer, error) {
	if !existing.IsZero() {
		if n, ok := c.Node(existing.Node); ok {
			if err := n.Put(ctx, existing.ShardID, p); err != nil {
				return types.Pointer{}, newError(codeOf(err, ErrWriteFailed), "write", existing, err)
			}
			return existing, nil
		}
		c.log.WithFields(logrus.Fields{
			"pointer": existing.String(),
		}).Warn("node of existing pointer is gone, placing payload anew")
	}

	n, err := c.place(ctx, existing.Node)
	if err != nil {
		return types.Pointer{}, err
	}

	ptr := types.Pointer{ShardID: c.newID(), Node: n.Address()}
	if err := n.Put(ctx, ptr.ShardID, p); err != nil {
		return types.Pointer{}, newError(codeOf(err, ErrWriteFailed), "write", ptr, err)
	}
	return ptr, nil
}

func (c *Cluster) Read(ctx context.Context, ptr types.Pointer) (types.Payload, error) {
	if ptr.IsZero() {
		return types.Payload{}, newError(ErrNotFound, "read", ptr, nil)
	}
	n, ok := c.Node(ptr.Node)
	if !ok {
		return types.Payload{}, newError(ErrUnreachable, "read", ptr, fmt.Errorf("unknown node"))
	}
	p, err := n.Get(ctx, ptr.ShardID)
	if err != nil {
		return types.Payload{}, newError(codeOf(err, ErrUnreachable), "read", ptr, err)
	}
	return p, nil
}

func (c *Cluster) Delete(ctx context.Context, ptr types.Pointer) error {
	if ptr.IsZero() {
		return nil
	}
	n, ok := c.Node(ptr.Node)
	if !ok {
		return newError(ErrUnreachable, "delete", ptr, fmt.Errorf("unknown node"))
	}
	if err := n.Remove(ctx, ptr.ShardID); err != nil {
		return newError(codeOf(err, ErrWriteFailed), "delete", ptr, err)
	}
	return nil
}

// place asks the policy for a node. A hint the cluster no longer knows is
// dropped and the policy is asked again without it.
func (c *Cluster) place(ctx context.Context, hint string) (Node, error) {
	if c.policy == nil {
		return nil, newError(ErrUnreachable, "place", types.Pointer{}, fmt.Errorf("no placement policy"))
	}
	addr := c.policy.ChooseNode(ctx, hint)
	if n, ok := c.Node(addr); ok {
		return n, nil
	}
	if hint != "" {
		addr = c.policy.ChooseNode(ctx, "")
		if n, ok := c.Node(addr); ok {
			return n, nil
		}
	}
	return nil, newError(ErrUnreachable, "place", types.Pointer{Node: addr}, fmt.Errorf("placement chose unknown node"))
}
