package shardStore

import (
	"bytes"
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/i5heu/ouroboros-records/internal/keyValStore"
	"github.com/i5heu/ouroboros-records/internal/testutil"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, address string) *LocalNode {
	t.Helper()
	n, err := NewLocalNode(LocalNodeConfig{Address: address, Paths: []string{t.TempDir()}, Logger: testutil.Logger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestLocalNodePutGet(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	p, err := types.JSONPayload(map[string]string{"slide": "one"})
	require.NoError(t, err)
	require.NoError(t, n.Put(ctx, "s1", p))

	got, err := n.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLocalNodeLargePayload(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	data := make([]byte, 1<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	require.NoError(t, n.Put(ctx, "big", types.BinaryPayload("image/png", data)))
	got, err := n.Get(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.MimeType)
	assert.True(t, bytes.Equal(data, got.Data))
}

func TestLocalNodeHugePayloadAndClean(t *testing.T) {
	testutil.RequireLong(t)
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	data := make([]byte, 64<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	require.NoError(t, n.Put(ctx, "huge", types.BinaryPayload("video/mp4", data)))
	require.NoError(t, n.Remove(ctx, "huge"))
	require.NoError(t, n.Clean())

	_, err = n.Get(ctx, "huge")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalNodeOverwriteShrinks(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	big := make([]byte, 1<<20)
	_, err := rand.Read(big)
	require.NoError(t, err)
	require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", big)))

	require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", []byte("tiny"))))
	got, err := n.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), got.Data)

	keys, err := n.kv.GetKeysWithPrefix([]byte(chunkPrefix + "s1/"))
	require.NoError(t, err)
	assert.Len(t, keys, 1, "stale chunks must be dropped")
}

func TestLocalNodeMissingAndRemove(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	_, err := n.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", []byte("x"))))
	require.NoError(t, n.Remove(ctx, "s1"))
	_, err = n.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, n.Remove(ctx, "s1"), "removing twice is fine")
}

func TestLocalNodeCorruptChunkReadsAsNotFound(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", []byte("hello shards"))))
	m, err := n.readManifest("s1")
	require.NoError(t, err)
	require.NoError(t, n.kv.Write(chunkKey("s1", m.Generation, 0), []byte("garbage")))

	_, err = n.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalNodeOverwriteUsesNewGeneration(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", []byte("first"))))
	first, err := n.readManifest("s1")
	require.NoError(t, err)

	require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", []byte("second"))))
	second, err := n.readManifest("s1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Generation, second.Generation)

	_, err = n.kv.Read(chunkKey("s1", first.Generation, 0))
	assert.ErrorIs(t, err, keyValStore.ErrKeyNotFound, "replaced generation must be dropped")

	keys, err := n.kv.GetKeysWithPrefix([]byte(chunkPrefix + "s1/"))
	require.NoError(t, err)
	for _, k := range keys {
		assert.Contains(t, string(k), second.Generation)
	}

	require.NoError(t, n.Remove(ctx, "s1"))
	keys, err = n.kv.GetKeysWithPrefix([]byte(chunkPrefix + "s1/"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestLocalNodeReadDuringOverwrite(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	// random data does not compress and chunks are at most 512KiB, so each
	// blob spans several chunks
	payloads := make([][]byte, 2)
	for i := range payloads {
		payloads[i] = make([]byte, 600<<10)
		_, err := rand.Read(payloads[i])
		require.NoError(t, err)
	}
	require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", payloads[0])))
	m, err := n.readManifest("s1")
	require.NoError(t, err)
	require.Greater(t, len(m.Chunks), 1)

	done := make(chan struct{})
	var wg sync.WaitGroup
	var reads, bad atomic.Int64
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			got, err := n.Get(ctx, "s1")
			reads.Add(1)
			if err != nil || (!bytes.Equal(got.Data, payloads[0]) && !bytes.Equal(got.Data, payloads[1])) {
				bad.Add(1)
			}
		}
	}()

	for i := 1; i <= 8; i++ {
		require.NoError(t, n.Put(ctx, "s1", types.BinaryPayload("", payloads[i%2])))
	}
	close(done)
	wg.Wait()

	assert.Positive(t, reads.Load())
	assert.Zero(t, bad.Load(), "every read must return one whole payload")

	got, err := n.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, payloads[0], got.Data)
}

func TestLocalNodeList(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, "nodeA")

	require.NoError(t, n.Put(ctx, "a", types.BinaryPayload("", []byte("12345"))))
	require.NoError(t, n.Put(ctx, "b", types.BinaryPayload("", []byte("1"))))

	infos, err := n.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ShardID)
	assert.Equal(t, int64(5), infos[0].Size)
	assert.False(t, infos[1].WrittenAt.IsZero())
}

func TestLocalNodeCancelledContext(t *testing.T) {
	n := newTestNode(t, "nodeA")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := n.Put(ctx, "s1", types.BinaryPayload("", []byte("x")))
	assert.ErrorIs(t, err, ErrUnreachable)
	assert.ErrorIs(t, err, context.Canceled)
}
