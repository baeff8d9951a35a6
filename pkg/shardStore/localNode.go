package shardStore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-records/internal/keyValStore"
	"github.com/i5heu/ouroboros-records/pkg/buzhashChunker"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	manifestPrefix = "blob/"
	chunkPrefix    = "chunk/"
)

type LocalNodeConfig struct {
	Address          string
	Paths            []string // only Paths[0] is used
	MinimumFreeSpace int      // in GB
	InMemory         bool
	Logger           *logrus.Logger
}

// LocalNode keeps blobs in a badger store. A blob is LZMA compressed, cut
// into buzhash chunks and written as chunk/<id>/<gen>/<n> values plus a JSON
// manifest at blob/<id> naming the generation. Every write uses a fresh
// generation and the manifest is written last, so the manifest swap is the
// commit point and an overwrite never touches the chunks it replaces.
type LocalNode struct {
	address string
	kv      *keyValStore.KeyValStore
	log     *logrus.Logger
	now     func() time.Time

	// serializes Put and Remove so a replaced generation is always dropped
	writeMu sync.Mutex
}

type manifest struct {
	Generation string      `json:"generation"`
	MimeType   string      `json:"mimeType"`
	Size       int64       `json:"size"`
	Chunks     []chunkMeta `json:"chunks"`
	WrittenAt  time.Time   `json:"writtenAt"`
}

type chunkMeta struct {
	Hash   string `json:"hash"`
	Length uint32 `json:"length"`
}

func NewLocalNode(config LocalNodeConfig) (*LocalNode, error) {
	if config.Address == "" {
		return nil, errors.New("local node needs an address")
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:            config.Paths,
		MinimumFreeSpace: config.MinimumFreeSpace,
		InMemory:         config.InMemory,
		Logger:           config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store for node %s: %w", config.Address, err)
	}

	return &LocalNode{
		address: config.Address,
		kv:      kv,
		log:     config.Logger,
		now:     time.Now,
	}, nil
}

func (n *LocalNode) Address() string { return n.address }

func (n *LocalNode) Close() error { return n.kv.Close() }

// Clean runs badger value log garbage collection.
func (n *LocalNode) Clean() error { return n.kv.Clean() }

func (n *LocalNode) Put(ctx context.Context, shardID string, p types.Payload) error {
	ptr := n.pointer(shardID)
	if err := ctx.Err(); err != nil {
		return newError(ErrUnreachable, "put", ptr, err)
	}

	compressed, err := compressWithLzma(p.Data)
	if err != nil {
		return newError(ErrWriteFailed, "put", ptr, fmt.Errorf("compress: %w", err))
	}
	chunks, err := buzhashChunker.ChunkBytes(compressed)
	if err != nil {
		return newError(ErrWriteFailed, "put", ptr, fmt.Errorf("chunk: %w", err))
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	old, err := n.readManifest(shardID)
	hasOld := err == nil
	if err != nil && !errors.Is(err, keyValStore.ErrKeyNotFound) {
		return newError(ErrWriteFailed, "put", ptr, err)
	}

	m := manifest{
		Generation: uuid.NewString(),
		MimeType:   p.MimeType,
		Size:       int64(len(p.Data)),
		Chunks:     make([]chunkMeta, len(chunks)),
		WrittenAt:  n.now().UTC(),
	}
	batch := make([][2][]byte, 0, len(chunks))
	for i, c := range chunks {
		m.Chunks[i] = chunkMeta{Hash: hex.EncodeToString(c.Hash[:]), Length: c.DataLength}
		batch = append(batch, [2][]byte{chunkKey(shardID, m.Generation, i), c.Data})
	}
	if err := n.kv.WriteBatch(batch); err != nil {
		n.dropGeneration(shardID, m)
		return newError(ErrWriteFailed, "put", ptr, err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		n.dropGeneration(shardID, m)
		return newError(ErrWriteFailed, "put", ptr, err)
	}
	if err := n.kv.Write(manifestKey(shardID), raw); err != nil {
		n.dropGeneration(shardID, m)
		return newError(ErrWriteFailed, "put", ptr, err)
	}

	if hasOld {
		n.dropGeneration(shardID, old)
	}

	n.log.WithFields(logrus.Fields{
		"shard":  shardID,
		"node":   n.address,
		"size":   m.Size,
		"chunks": len(chunks),
	}).Debug("blob stored")
	return nil
}

func (n *LocalNode) Get(ctx context.Context, shardID string) (types.Payload, error) {
	ptr := n.pointer(shardID)
	if err := ctx.Err(); err != nil {
		return types.Payload{}, newError(ErrUnreachable, "get", ptr, err)
	}

	// manifest and chunks come from one snapshot, so a concurrent overwrite
	// is either fully visible or not at all
	var (
		m          manifest
		compressed []byte
	)
	err := n.kv.Snapshot(func(read func(key []byte) ([]byte, error)) error {
		raw, err := read(manifestKey(shardID))
		if errors.Is(err, keyValStore.ErrKeyNotFound) {
			return newError(ErrNotFound, "get", ptr, nil)
		}
		if err != nil {
			return newError(ErrUnreachable, "get", ptr, err)
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return newError(ErrUnreachable, "get", ptr, fmt.Errorf("decode manifest: %w", err))
		}

		for i, c := range m.Chunks {
			data, err := read(chunkKey(shardID, m.Generation, i))
			if errors.Is(err, keyValStore.ErrKeyNotFound) {
				return newError(ErrNotFound, "get", ptr, fmt.Errorf("chunk %d missing", i))
			}
			if err != nil {
				return newError(ErrUnreachable, "get", ptr, err)
			}
			if !chunkMatches(c, data) {
				return newError(ErrNotFound, "get", ptr, fmt.Errorf("chunk %d is corrupt", i))
			}
			compressed = append(compressed, data...)
		}
		return nil
	})
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return types.Payload{}, err
	}
	if err != nil {
		return types.Payload{}, newError(ErrUnreachable, "get", ptr, err)
	}

	data, err := decompressWithLzma(compressed)
	if err != nil {
		return types.Payload{}, newError(ErrNotFound, "get", ptr, fmt.Errorf("decompress: %w", err))
	}
	return types.Payload{MimeType: m.MimeType, Data: data}, nil
}

func (n *LocalNode) Remove(ctx context.Context, shardID string) error {
	ptr := n.pointer(shardID)
	if err := ctx.Err(); err != nil {
		return newError(ErrUnreachable, "remove", ptr, err)
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	m, err := n.readManifest(shardID)
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return newError(ErrWriteFailed, "remove", ptr, err)
	}

	// manifest first: a half removed blob must read as gone
	if err := n.kv.Delete(manifestKey(shardID)); err != nil {
		return newError(ErrWriteFailed, "remove", ptr, err)
	}
	if err := n.kv.DeleteKeys(generationKeys(shardID, m)); err != nil {
		return newError(ErrWriteFailed, "remove", ptr, err)
	}
	return nil
}

func (n *LocalNode) List(ctx context.Context) ([]BlobInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(ErrUnreachable, "list", types.Pointer{Node: n.address}, err)
	}

	items, err := n.kv.GetItemsWithPrefix([]byte(manifestPrefix))
	if err != nil {
		return nil, newError(ErrUnreachable, "list", types.Pointer{Node: n.address}, err)
	}

	infos := make([]BlobInfo, 0, len(items))
	for _, item := range items {
		var m manifest
		if err := json.Unmarshal(item[1], &m); err != nil {
			n.log.WithField("key", string(item[0])).WithError(err).Warn("unreadable manifest")
			continue
		}
		infos = append(infos, BlobInfo{
			ShardID:   strings.TrimPrefix(string(item[0]), manifestPrefix),
			Size:      m.Size,
			WrittenAt: m.WrittenAt,
		})
	}
	return infos, nil
}

func (n *LocalNode) FreeBytes(_ context.Context) (uint64, error) {
	return n.kv.FreeBytes()
}

func (n *LocalNode) readManifest(shardID string) (manifest, error) {
	raw, err := n.kv.Read(manifestKey(shardID))
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// dropGeneration deletes the chunks of a generation no manifest points to.
// Failures only leak space, so they are logged.
func (n *LocalNode) dropGeneration(shardID string, m manifest) {
	if err := n.kv.DeleteKeys(generationKeys(shardID, m)); err != nil {
		n.log.WithFields(logrus.Fields{
			"shard":      shardID,
			"node":       n.address,
			"generation": m.Generation,
		}).WithError(err).Warn("could not drop stale chunks")
	}
}

func (n *LocalNode) pointer(shardID string) types.Pointer {
	return types.Pointer{ShardID: shardID, Node: n.address}
}

func chunkMatches(c chunkMeta, data []byte) bool {
	if uint32(len(data)) != c.Length {
		return false
	}
	sum := buzhashChunker.ChunkData{}
	raw, err := hex.DecodeString(c.Hash)
	if err != nil || len(raw) != len(sum.Hash) {
		return false
	}
	copy(sum.Hash[:], raw)
	return sum.Verify(data)
}

func manifestKey(shardID string) []byte {
	return []byte(manifestPrefix + shardID)
}

func chunkKey(shardID, generation string, index int) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%06d", chunkPrefix, shardID, generation, index))
}

func generationKeys(shardID string, m manifest) [][]byte {
	keys := make([][]byte, len(m.Chunks))
	for i := range m.Chunks {
		keys[i] = chunkKey(shardID, m.Generation, i)
	}
	return keys
}
