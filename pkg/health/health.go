// Package health probes shard nodes and keeps their last known status.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NodeStatus is the result of the last probe of one node.
type NodeStatus struct {
	Address   string
	Available bool
	// LastSeen is the time of the last successful probe.
	LastSeen  time.Time
	Latency   time.Duration
	FreeBytes uint64
	// Err is the last probe error, nil when available.
	Err error
}

// ClusterHealth summarizes all probed nodes.
type ClusterHealth struct {
	Healthy          bool
	TotalNodes       int
	AvailableNodes   int
	UnavailableNodes int
	Nodes            []NodeStatus
}

// Callback is called when a node flips between available and unavailable.
type Callback func(address string, oldStatus, newStatus NodeStatus)

// NodeLister is satisfied by *shardStore.Cluster.
type NodeLister interface {
	Nodes() []shardStore.Node
}

type Monitor struct {
	nodes   NodeLister
	timeout time.Duration
	log     *logrus.Logger
	now     func() time.Time

	mu        sync.Mutex
	statuses  map[string]NodeStatus
	callbacks []Callback
}

// NewMonitor probes each node with the given timeout; 0 means 5 seconds.
func NewMonitor(nodes NodeLister, timeout time.Duration, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		nodes:    nodes,
		timeout:  timeout,
		log:      logger,
		now:      time.Now,
		statuses: make(map[string]NodeStatus),
	}
}

// Check probes every node concurrently by asking for its free space and
// returns the updated cluster health. The cluster is healthy when at least
// one node answers.
func (m *Monitor) Check(ctx context.Context) ClusterHealth {
	nodes := m.nodes.Nodes()
	results := make([]NodeStatus, len(nodes))

	var g errgroup.Group
	for i, n := range nodes {
		g.Go(func() error {
			results[i] = m.probe(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range results {
		m.update(st)
	}
	return m.Health()
}

func (m *Monitor) probe(ctx context.Context, n shardStore.Node) NodeStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	free, err := n.FreeBytes(ctx)
	st := NodeStatus{Address: n.Address(), Latency: m.now().Sub(start)}
	if err != nil {
		// in-memory nodes have no disk signal but still answer List
		if _, lerr := n.List(ctx); lerr != nil {
			st.Err = err
			return st
		}
	}
	st.Available = true
	st.LastSeen = m.now()
	st.FreeBytes = free
	return st
}

func (m *Monitor) update(newStatus NodeStatus) {
	m.mu.Lock()
	oldStatus, known := m.statuses[newStatus.Address]
	if !newStatus.Available {
		newStatus.LastSeen = oldStatus.LastSeen
	}
	m.statuses[newStatus.Address] = newStatus
	callbacks := make([]Callback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	if known && oldStatus.Available == newStatus.Available {
		return
	}
	if !newStatus.Available {
		m.log.WithField("node", newStatus.Address).WithError(newStatus.Err).Warn("shard node unavailable")
	}
	for _, cb := range callbacks {
		cb(newStatus.Address, oldStatus, newStatus)
	}
}

// OnChange registers a callback for availability changes. A node's first
// probe always counts as a change.
func (m *Monitor) OnChange(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Status returns the last known status of a node. Nodes never probed read
// as unavailable.
func (m *Monitor) Status(address string) NodeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[address]
	if !ok {
		return NodeStatus{Address: address}
	}
	return st
}

// Health summarizes the last probe without probing again.
func (m *Monitor) Health() ClusterHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := ClusterHealth{TotalNodes: len(m.statuses)}
	for _, st := range m.statuses {
		if st.Available {
			h.AvailableNodes++
		} else {
			h.UnavailableNodes++
		}
		h.Nodes = append(h.Nodes, st)
	}
	sort.Slice(h.Nodes, func(i, j int) bool { return h.Nodes[i].Address < h.Nodes[j].Address })
	h.Healthy = h.AvailableNodes > 0
	return h
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
