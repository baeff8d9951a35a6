// Package placement decides which shard node receives the payload of a
// record that has no node yet.
//
// A policy never fails: when a capacity signal is missing or broken it falls
// back to the configured default node, so placement can never be the reason
// a save is rejected.
package placement

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Policy picks a node address. hint is the node the record already lives on,
// or empty for a new record.
type Policy interface {
	ChooseNode(ctx context.Context, hint string) string
}

// Capacity reports the free bytes of a node.
type Capacity interface {
	FreeBytes(ctx context.Context, node string) (uint64, error)
}

// CapacityFunc adapts a function to Capacity.
type CapacityFunc func(ctx context.Context, node string) (uint64, error)

func (f CapacityFunc) FreeBytes(ctx context.Context, node string) (uint64, error) {
	return f(ctx, node)
}

// Default keeps a record on its node and puts new records on Node.
type Default struct {
	Node string
}

func (d Default) ChooseNode(_ context.Context, hint string) string {
	if hint != "" {
		return hint
	}
	return d.Node
}

// CapacityAware spreads new records over Candidates, preferring the node with
// the most free space above MinFreeBytes.
type CapacityAware struct {
	Default      string
	Candidates   []string
	Capacity     Capacity
	MinFreeBytes uint64
	Logger       *logrus.Logger
}

func (c CapacityAware) ChooseNode(ctx context.Context, hint string) string {
	if hint != "" {
		return hint
	}
	if c.Capacity == nil || len(c.Candidates) == 0 {
		return c.Default
	}

	best := ""
	var bestFree uint64
	for _, node := range c.Candidates {
		free, err := c.Capacity.FreeBytes(ctx, node)
		if err != nil {
			c.logger().WithFields(logrus.Fields{
				"node": node,
			}).WithError(err).Debug("capacity signal unavailable")
			continue
		}
		if free < c.MinFreeBytes {
			continue
		}
		if best == "" || free > bestFree {
			best, bestFree = node, free
		}
	}

	if best == "" {
		return c.Default
	}
	return best
}

func (c CapacityAware) logger() *logrus.Logger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}
