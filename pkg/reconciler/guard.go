package reconciler

import "sync"

// BusySource is anything that can hold up navigation, e.g. a Collection.
type BusySource interface {
	Busy() bool
}

type Action int

const (
	Read Action = iota
	Navigate
	NewUpload
)

// Guard composes the busy state of the collections one screen owns. There is
// no process-wide flag: each caller builds its own guard from its own
// sources.
type Guard struct {
	mu      sync.Mutex
	sources []BusySource
}

func NewGuard(sources ...BusySource) *Guard {
	return &Guard{sources: append([]BusySource(nil), sources...)}
}

func (g *Guard) Add(s BusySource) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources = append(g.sources, s)
}

func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.sources {
		if s.Busy() {
			return true
		}
	}
	return false
}

// Allow returns ErrBusy for navigation and new uploads while any source is
// busy. Reads are always allowed.
func (g *Guard) Allow(a Action) error {
	if a == Read {
		return nil
	}
	if g.Busy() {
		return ErrBusy
	}
	return nil
}
