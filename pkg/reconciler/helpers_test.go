package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// memSaver records saves and deletes. Records whose search text contains
// "fail" cannot be saved.
type memSaver struct {
	mu       sync.Mutex
	saved    map[string]types.Record
	payloads map[string]types.Payload
	deleted  []string
	next     int
}

func newMemSaver() *memSaver {
	return &memSaver{saved: make(map[string]types.Record), payloads: make(map[string]types.Payload)}
}

func (m *memSaver) Save(_ context.Context, rec types.Record, payload *types.Payload) error {
	if strings.Contains(rec.SearchText(), "fail") {
		return fmt.Errorf("save %s: %w", rec.SearchText(), errInjected)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.RecordID() == "" {
		m.next++
		rec.SetRecordID(fmt.Sprintf("r%d", m.next))
	}
	m.saved[rec.RecordID()] = rec
	if payload != nil {
		m.payloads[rec.RecordID()] = *payload
	}
	return nil
}

func (m *memSaver) Delete(_ context.Context, rec types.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, rec.RecordID())
	m.deleted = append(m.deleted, rec.RecordID())
	return nil
}

func (m *memSaver) deletedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *memSaver) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func note(id, title string) *types.Note {
	n := &types.Note{Title: title}
	n.ID = id
	return n
}

func newTestCollection(t *testing.T) *Collection[*types.Note] {
	t.Helper()
	c := NewCollection[*types.Note](Options{Workers: 4})
	t.Cleanup(c.Close)
	return c
}

func titles(entries []Entry[*types.Note]) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Record.Title
	}
	return out
}

func committedIDs(entries []Entry[*types.Note]) []string {
	var out []string
	for _, e := range entries {
		if !e.Syncing() {
			out = append(out, e.Record.ID)
		}
	}
	return out
}

func requireNoProvisional(t require.TestingT, entries []Entry[*types.Note]) {
	for _, e := range entries {
		require.False(t, e.Syncing(), "provisional entry %q left behind", e.Record.Title)
	}
}
