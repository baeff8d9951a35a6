// Package buzhashChunker splits payloads into content-defined chunks so that
// large blobs are stored as several bounded badger values.
package buzhashChunker

import (
	"bytes"
	"crypto/sha512"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
)

type ChunkData struct {
	Hash       [64]byte // SHA-512 hash
	Data       []byte   // The actual data chunk
	DataLength uint32   // The length of the data chunk
}

func ChunkBytes(data []byte) ([]ChunkData, error) {
	return ChunkReader(bytes.NewReader(data))
}

// ChunkReader reads r to the end and returns its chunks in order. An empty
// reader yields no chunks.
func ChunkReader(reader io.Reader) ([]ChunkData, error) {
	bz := chunker.NewBuzhash(reader)

	chunks := []ChunkData{}

	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break // End of data reached.
		}
		if err != nil {
			return nil, fmt.Errorf("error reading chunk: %w", err)
		}

		chunks = append(chunks, ChunkData{
			Hash:       sha512.Sum512(chunk),
			Data:       chunk,
			DataLength: uint32(len(chunk)),
		})
	}

	return chunks, nil
}

// Verify reports whether data still matches the chunk's recorded hash.
func (c ChunkData) Verify(data []byte) bool {
	return sha512.Sum512(data) == c.Hash
}
