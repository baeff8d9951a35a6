// Package events carries application notifications such as "record saved"
// from the persistence layer to whoever listens, usually the UI shell.
// Delivery is at most once: Publish never blocks and a subscriber whose
// buffer is full misses the event.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/i5heu/ouroboros-records/pkg/types"
)

type Kind string

const (
	Saved   Kind = "saved"
	Deleted Kind = "deleted"
)

type Event struct {
	Kind       Kind
	RecordID   string
	RecordKind types.Kind
}

type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscribe returns a channel receiving future events and a cancel func that
// closes it. Calling cancel twice is fine.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			atomic.AddUint64(&b.dropped, 1)
		}
	}
}

// Dropped counts deliveries lost to full buffers.
func (b *Bus) Dropped() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
