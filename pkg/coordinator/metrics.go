package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK             = "ok"
	resultShardFailed    = "shard_failed"
	resultRegistryFailed = "registry_failed"
)

// Metrics counts coordinator outcomes. A nil *Metrics is valid and counts
// nothing.
type Metrics struct {
	saves        *prometheus.CounterVec
	deletes      *prometheus.CounterVec
	orphanBlobs  prometheus.Counter
	leakedBlobs  prometheus.Counter
	sweptBlobs   prometheus.Counter
	sweepFailure prometheus.Counter
}

// NewMetrics creates the counters and registers them on reg when reg is not
// nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ouroboros",
			Subsystem: "records",
			Name:      "saves_total",
			Help:      "Record saves by result",
		}, []string{"result"}),

		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ouroboros",
			Subsystem: "records",
			Name:      "deletes_total",
			Help:      "Record deletes by result",
		}, []string{"result"}),

		orphanBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ouroboros",
			Subsystem: "records",
			Name:      "orphaned_blobs_total",
			Help:      "Shard blobs written for a save whose registry write failed",
		}),

		leakedBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ouroboros",
			Subsystem: "records",
			Name:      "leaked_blobs_total",
			Help:      "Shard blobs left behind by a failed shard delete",
		}),

		sweptBlobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ouroboros",
			Subsystem: "records",
			Name:      "swept_blobs_total",
			Help:      "Unreferenced shard blobs removed by the sweeper",
		}),

		sweepFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ouroboros",
			Subsystem: "records",
			Name:      "sweep_errors_total",
			Help:      "Node listings or blob removals that failed during a sweep",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.saves, m.deletes, m.orphanBlobs, m.leakedBlobs, m.sweptBlobs, m.sweepFailure} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) save(result string) {
	if m != nil {
		m.saves.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) delete(result string) {
	if m != nil {
		m.deletes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) orphan() {
	if m != nil {
		m.orphanBlobs.Inc()
	}
}

func (m *Metrics) leak() {
	if m != nil {
		m.leakedBlobs.Inc()
	}
}

func (m *Metrics) swept(n int) {
	if m != nil {
		m.sweptBlobs.Add(float64(n))
	}
}

func (m *Metrics) sweepFailed() {
	if m != nil {
		m.sweepFailure.Inc()
	}
}
