package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-records/pkg/registry"
	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/i5heu/ouroboros-records/pkg/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// NodeLister yields the shard nodes to sweep. *shardStore.Cluster is one.
type NodeLister interface {
	Nodes() []shardStore.Node
}

// DefaultGracePeriod applies when SweepConfig.GracePeriod is not positive.
const DefaultGracePeriod = time.Hour

type SweepConfig struct {
	Registry registry.Registry
	Nodes    NodeLister
	// GracePeriod protects blobs of saves still in flight: a blob younger
	// than this is never removed, referenced or not. Zero or less means
	// DefaultGracePeriod.
	GracePeriod time.Duration
	// Parallel bounds how many nodes are swept at once; 0 means all.
	Parallel int
	Metrics  *Metrics
	Logger   *logrus.Logger
	Now      func() time.Time
}

type SweepReport struct {
	Scanned int
	Removed int
	Young   int // unreferenced but inside the grace period
	Failed  int
}

// Sweeper removes shard blobs no registry row points at. It is the lazy
// cleanup for blobs orphaned by failed saves or leaked by failed deletes.
type Sweeper struct {
	cfg SweepConfig
	mu  sync.Mutex // one sweep at a time
}

func NewSweeper(cfg SweepConfig) (*Sweeper, error) {
	if cfg.Registry == nil || cfg.Nodes == nil {
		return nil, errors.New("sweeper needs a registry and nodes")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Sweeper{cfg: cfg}, nil
}

// Sweep runs one pass. The registry snapshot is taken before any node is
// listed, so a blob written after the snapshot is always inside the grace
// period. Failures on one node do not stop the others; the first one is
// returned alongside the report.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.cfg.Registry.Pointers(ctx)
	if err != nil {
		return SweepReport{}, err
	}
	cutoff := s.cfg.Now().Add(-s.cfg.GracePeriod)

	var (
		mu       sync.Mutex
		report   SweepReport
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		report.Failed++
		if firstErr == nil {
			firstErr = err
		}
		s.cfg.Metrics.sweepFailed()
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Parallel > 0 {
		g.SetLimit(s.cfg.Parallel)
	}
	for _, node := range s.cfg.Nodes.Nodes() {
		node := node
		g.Go(func() error {
			log := s.cfg.Logger.WithField("node", node.Address())
			infos, err := node.List(gctx)
			if err != nil {
				log.WithError(err).Warn("cannot list node, skipping it")
				fail(err)
				return nil
			}

			var local SweepReport
			for _, info := range infos {
				local.Scanned++
				ptr := types.Pointer{ShardID: info.ShardID, Node: node.Address()}
				if _, ok := refs[ptr]; ok {
					continue
				}
				if info.WrittenAt.After(cutoff) {
					local.Young++
					continue
				}
				if err := node.Remove(gctx, info.ShardID); err != nil {
					log.WithField("shard", info.ShardID).WithError(err).Warn("cannot remove unreferenced blob")
					fail(err)
					continue
				}
				local.Removed++
				log.WithField("shard", info.ShardID).Debug("removed unreferenced blob")
			}

			mu.Lock()
			report.Scanned += local.Scanned
			report.Removed += local.Removed
			report.Young += local.Young
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	s.cfg.Metrics.swept(report.Removed)
	s.cfg.Logger.WithFields(logrus.Fields{
		"scanned": report.Scanned,
		"removed": report.Removed,
		"young":   report.Young,
		"failed":  report.Failed,
	}).Info("shard sweep done")
	return report, firstErr
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.cfg.Logger.WithError(err).Warn("shard sweep incomplete")
			}
		}
	}
}
