// Package shardStore holds record payloads on addressable storage nodes.
//
// A payload is identified only by its Pointer (shard id + node address) and
// belongs to exactly one record. Store is what the coordinator talks to;
// Cluster implements it over a set of Nodes, which can be local badger
// stores (LocalNode) or remote ones reached over HTTP (HTTPNode).
//
// Writes are not assumed idempotent: a retry of a new-record write mints a
// second blob. Deletes are best effort and callers treat a failed delete as a
// leaked blob, never as a failed operation.
package shardStore

import (
	"context"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

// Store is the shard boundary used by the coordinator.
type Store interface {
	// Write stores p. A non-zero existing pointer on a known node is
	// overwritten in place and returned unchanged; otherwise a new pointer
	// is returned, possibly on a different node than before.
	Write(ctx context.Context, existing types.Pointer, p types.Payload) (types.Pointer, error)
	// Read fails with ErrNotFound when the pointer is stale or purged.
	Read(ctx context.Context, ptr types.Pointer) (types.Payload, error)
	Delete(ctx context.Context, ptr types.Pointer) error
}

// Node is one storage node.
type Node interface {
	Address() string
	Put(ctx context.Context, shardID string, p types.Payload) error
	Get(ctx context.Context, shardID string) (types.Payload, error)
	// Remove of a missing blob succeeds.
	Remove(ctx context.Context, shardID string) error
	// List returns the node's inventory.
	List(ctx context.Context) ([]BlobInfo, error)
	FreeBytes(ctx context.Context) (uint64, error)
}

type BlobInfo struct {
	ShardID   string    `json:"shardId"`
	Size      int64     `json:"size"`
	WrittenAt time.Time `json:"writtenAt"`
}
