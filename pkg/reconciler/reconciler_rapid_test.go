package reconciler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/i5heu/ouroboros-records/pkg/types"
	"pgregory.net/rapid"
)

type modelEntry struct {
	title string
	batch string // empty once committed
}

type machineBatch struct {
	b    *Batch[*types.Note]
	fail []bool
	mode Mode
}

// reconcilerMachine drives a collection with random batches and checks it
// against a plain list after every step.
type reconcilerMachine struct {
	c      *Collection[*types.Note]
	open   []*machineBatch
	model  []modelEntry
	undone int32
	expect int32
	seq    int
}

func (m *reconcilerMachine) resolver(_ context.Context, _ int, n *types.Note) (*types.Note, error) {
	if strings.Contains(n.Title, "fail") {
		return nil, errInjected
	}
	n.ID = n.Title
	return n, nil
}

func (m *reconcilerMachine) begin(t *rapid.T) {
	size := rapid.IntRange(1, 3).Draw(t, "size")
	mode := rapid.SampledFrom([]Mode{Atomic, Partial}).Draw(t, "mode")
	fail := rapid.SliceOfN(rapid.Bool(), size, size).Draw(t, "fail")

	m.seq++
	drafts := make([]*types.Note, size)
	for i := range drafts {
		title := fmt.Sprintf("b%d-%d", m.seq, i)
		if fail[i] {
			title += " fail"
		}
		drafts[i] = &types.Note{Title: title}
	}

	b := m.c.Begin(drafts, BatchOptions[*types.Note]{
		Mode: mode,
		Compensate: func(context.Context, *types.Note) error {
			atomic.AddInt32(&m.undone, 1)
			return nil
		},
	})
	m.open = append(m.open, &machineBatch{b: b, fail: fail, mode: mode})

	added := make([]modelEntry, 0, size+len(m.model))
	for _, d := range drafts {
		added = append(added, modelEntry{title: d.Title, batch: b.ID()})
	}
	m.model = append(added, m.model...)
}

func (m *reconcilerMachine) pick(t *rapid.T) *machineBatch {
	if len(m.open) == 0 {
		t.Skip("no open batch")
	}
	i := rapid.IntRange(0, len(m.open)-1).Draw(t, "batch")
	mb := m.open[i]
	m.open = append(m.open[:i:i], m.open[i+1:]...)
	return mb
}

// settleModel applies the expected result of a resolved batch.
func (m *reconcilerMachine) settleModel(mb *machineBatch) {
	failed, ok := 0, 0
	for _, f := range mb.fail {
		if f {
			failed++
		} else {
			ok++
		}
	}
	keep := failed == 0 || mb.mode == Partial
	if !keep {
		m.expect += int32(ok)
	}

	next := make([]modelEntry, 0, len(m.model))
	for _, e := range m.model {
		if e.batch != mb.b.ID() {
			next = append(next, e)
			continue
		}
		if keep && !strings.Contains(e.title, "fail") {
			next = append(next, modelEntry{title: e.title})
		}
	}
	m.model = next
}

func (m *reconcilerMachine) dropModel(batchID string) {
	next := make([]modelEntry, 0, len(m.model))
	for _, e := range m.model {
		if e.batch != batchID {
			next = append(next, e)
		}
	}
	m.model = next
}

func (m *reconcilerMachine) check(t *rapid.T) {
	entries := m.c.Entries()
	if len(entries) != len(m.model) {
		t.Fatalf("collection has %d entries, model %d", len(entries), len(m.model))
	}
	busy := false
	for i, e := range entries {
		want := m.model[i]
		if e.Record.Title != want.title {
			t.Fatalf("entry %d is %q, want %q", i, e.Record.Title, want.title)
		}
		if want.batch == "" {
			if e.Syncing() || e.Record.ID != want.title {
				t.Fatalf("entry %q should be committed", want.title)
			}
			continue
		}
		busy = true
		if !e.Syncing() || e.Tag.BatchID != want.batch {
			t.Fatalf("entry %q should be provisional in batch %s", want.title, want.batch)
		}
	}
	if m.c.Busy() != busy {
		t.Fatalf("busy is %v, want %v", m.c.Busy(), busy)
	}
	if got := atomic.LoadInt32(&m.undone); got != m.expect {
		t.Fatalf("%d compensations, want %d", got, m.expect)
	}
}

func TestReconcilerProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &reconcilerMachine{c: NewCollection[*types.Note](Options{Workers: 3})}
		defer m.c.Close()

		t.Repeat(map[string]func(*rapid.T){
			"Begin": func(t *rapid.T) {
				m.begin(t)
			},
			"Resolve": func(t *rapid.T) {
				mb := m.pick(t)
				if _, err := mb.b.Resolve(context.Background(), m.resolver); err != nil {
					t.Fatalf("resolve: %v", err)
				}
				m.settleModel(mb)
			},
			"ResolveAllConcurrently": func(t *rapid.T) {
				if len(m.open) == 0 {
					t.Skip("no open batch")
				}
				var wg sync.WaitGroup
				for _, mb := range m.open {
					if err := mb.b.Start(context.Background(), m.resolver); err != nil {
						t.Fatalf("start: %v", err)
					}
					wg.Add(1)
					go func(b *Batch[*types.Note]) {
						defer wg.Done()
						b.Wait()
					}(mb.b)
				}
				wg.Wait()
				for _, mb := range m.open {
					m.settleModel(mb)
				}
				m.open = nil
			},
			"Discard": func(t *rapid.T) {
				mb := m.pick(t)
				mb.b.Discard()
				m.dropModel(mb.b.ID())
			},
			"Replace": func(t *rapid.T) {
				n := rapid.IntRange(0, 3).Draw(t, "committed")
				m.seq++
				records := make([]*types.Note, n)
				committed := make([]modelEntry, n)
				for i := range records {
					title := fmt.Sprintf("r%d-%d", m.seq, i)
					records[i] = note(title, title)
					committed[i] = modelEntry{title: title}
				}
				m.c.Replace(records)

				next := make([]modelEntry, 0, len(m.model)+n)
				for _, e := range m.model {
					if e.batch != "" {
						next = append(next, e)
					}
				}
				m.model = append(next, committed...)
			},
			"": m.check,
		})
	})
}
