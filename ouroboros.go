/*
!! Currently the store is in a very early stage of development and should not be used in production environments. !!
*/
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-records/internal/config"
	"github.com/i5heu/ouroboros-records/pkg/coordinator"
	"github.com/i5heu/ouroboros-records/pkg/events"
	"github.com/i5heu/ouroboros-records/pkg/health"
	"github.com/i5heu/ouroboros-records/pkg/placement"
	"github.com/i5heu/ouroboros-records/pkg/reconciler"
	"github.com/i5heu/ouroboros-records/pkg/registry"
	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/i5heu/ouroboros-records/pkg/types"
	workerpool "github.com/i5heu/ouroboros-records/pkg/workerPool"
	"github.com/sirupsen/logrus"
)

// Records is the main handle. It owns the registry, the shard cluster and
// the lifecycle of background components.
type Records struct {
	log    *logrus.Logger
	config Config

	registry registry.Registry
	cluster  *shardStore.Cluster
	locals   []*shardStore.LocalNode
	coord    *coordinator.Coordinator
	sweeper  *coordinator.Sweeper
	monitor  *health.Monitor
	bus      *events.Bus
	pool     *workerpool.WorkerPool

	stopBackground context.CancelFunc
	background     sync.WaitGroup

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

var (
	ErrNotStarted = errors.New("ouroboros: records not started")
	ErrClosed     = errors.New("ouroboros: records closed")
)

// New constructs a handle. New does not perform I/O or start background
// goroutines. Call Start to open the stores.
func New(conf Config) (*Records, error) {
	if err := conf.applyDefaults(); err != nil {
		return nil, err
	}
	return &Records{
		log:    conf.Logger,
		config: conf,
		bus:    events.NewBus(),
	}, nil
}

// NewFromFile reads a YAML configuration file and constructs a handle from it.
func NewFromFile(path string) (*Records, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	conf, err := ConfigFromFile(f)
	if err != nil {
		return nil, err
	}
	return New(conf)
}

// Start opens the registry and every shard node and wires the coordinator.
// Start is safe to call multiple times; only the first call has effect.
func (r *Records) Start(ctx context.Context) error {
	var startErr error
	r.startOnce.Do(func() {
		if r.closed.Load() {
			startErr = ErrClosed
			return
		}
		if err := r.start(ctx); err != nil {
			r.release()
			startErr = err
			return
		}
		r.started.Store(true)
		r.log.WithFields(logrus.Fields{
			"registry": r.config.RegistryBackend,
			"nodes":    len(r.config.Nodes),
		}).Info("ouroboros records started")
	})
	return startErr
}

func (r *Records) start(ctx context.Context) error {
	if !r.config.InMemory {
		if err := os.MkdirAll(r.config.Paths[0], 0o700); err != nil {
			return fmt.Errorf("mkdir %s: %w", r.config.Paths[0], err)
		}
	}

	reg, err := r.openRegistry()
	if err != nil {
		return err
	}
	r.registry = reg

	var nodes []shardStore.Node
	for _, nc := range r.config.Nodes {
		n, err := r.openNode(nc)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	r.cluster = shardStore.NewCluster(r.policy(), r.log, nodes...)
	if _, ok := r.cluster.Node(r.config.DefaultNode); !ok {
		return fmt.Errorf("default node %q is not configured", r.config.DefaultNode)
	}

	var metrics *coordinator.Metrics
	if r.config.Metrics != nil {
		metrics, err = coordinator.NewMetrics(r.config.Metrics)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	r.coord, err = coordinator.New(coordinator.Options{
		Registry:              r.registry,
		Shard:                 r.cluster,
		Events:                r.bus,
		Metrics:               metrics,
		Logger:                r.log,
		OptimisticConcurrency: r.config.OptimisticConcurrency,
	})
	if err != nil {
		return err
	}

	r.sweeper, err = coordinator.NewSweeper(coordinator.SweepConfig{
		Registry:    r.registry,
		Nodes:       r.cluster,
		GracePeriod: r.config.SweepGrace,
		Metrics:     metrics,
		Logger:      r.log,
	})
	if err != nil {
		return err
	}

	r.monitor = health.NewMonitor(r.cluster, 0, r.log)
	r.monitor.OnChange(func(address string, _, st health.NodeStatus) {
		if st.Available {
			r.log.WithField("node", address).Info("shard node available")
		}
	})

	r.pool = workerpool.NewWorkerPool(workerpool.Config{WorkerCount: r.config.Workers})

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.stopBackground = cancel
	if r.config.SweepInterval > 0 {
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			r.sweeper.Run(bgCtx, r.config.SweepInterval)
		}()
	}
	if r.config.HealthInterval > 0 {
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			r.monitor.Run(bgCtx, r.config.HealthInterval)
		}()
	}
	if r.config.GCInterval > 0 && len(r.locals) > 0 {
		r.background.Add(1)
		go func() {
			defer r.background.Done()
			r.collectGarbage(bgCtx, r.config.GCInterval)
		}()
	}
	return nil
}

func (r *Records) openRegistry() (registry.Registry, error) {
	switch r.config.RegistryBackend {
	case config.BackendSQLite:
		path := r.config.RegistryPath
		if r.config.InMemory {
			path = ":memory:"
		}
		reg, err := registry.NewSQLiteRegistry(path, r.log)
		if err != nil {
			return nil, fmt.Errorf("init sqlite registry: %w", err)
		}
		return reg, nil
	default:
		reg, err := registry.NewBadgerRegistry(registry.BadgerConfig{
			Paths:            []string{r.config.RegistryPath},
			MinimumFreeSpace: int(r.config.MinimumFreeGB),
			InMemory:         r.config.InMemory,
			Logger:           r.log,
		})
		if err != nil {
			return nil, fmt.Errorf("init badger registry: %w", err)
		}
		return reg, nil
	}
}

func (r *Records) openNode(nc NodeConfig) (shardStore.Node, error) {
	if nc.URL != "" {
		return shardStore.NewHTTPNode(nc.Address, nc.URL, nc.Timeout), nil
	}
	n, err := shardStore.NewLocalNode(shardStore.LocalNodeConfig{
		Address:          nc.Address,
		Paths:            []string{nc.Path},
		MinimumFreeSpace: int(r.config.MinimumFreeGB),
		InMemory:         r.config.InMemory || nc.InMemory,
		Logger:           r.log,
	})
	if err != nil {
		return nil, err
	}
	r.locals = append(r.locals, n)
	return n, nil
}

func (r *Records) policy() placement.Policy {
	if !r.config.CapacityPlacement {
		return placement.Default{Node: r.config.DefaultNode}
	}
	candidates := make([]string, len(r.config.Nodes))
	disk := placement.DiskCapacity{Paths: make(map[string]string)}
	for i, n := range r.config.Nodes {
		candidates[i] = n.Address
		if n.URL == "" && n.Path != "" && !r.config.InMemory && !n.InMemory {
			disk.Paths[n.Address] = n.Path
		}
	}
	return placement.CapacityAware{
		Default:    r.config.DefaultNode,
		Candidates: candidates,
		// local disks are read directly, remote nodes are asked through the
		// cluster, which does not exist yet when the policy is built
		Capacity: placement.CapacityFunc(func(ctx context.Context, node string) (uint64, error) {
			if _, ok := disk.Paths[node]; ok {
				return disk.FreeBytes(ctx, node)
			}
			return r.cluster.FreeBytes(ctx, node)
		}),
		MinFreeBytes: r.config.MinNodeFreeBytes,
		Logger:       r.log,
	}
}

func (r *Records) collectGarbage(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range r.locals {
				if err := n.Clean(); err != nil {
					r.log.WithField("node", n.Address()).WithError(err).Warn("value log gc failed")
				}
			}
		}
	}
}

// Run starts the store, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown. It is a convenience for services.
func (r *Records) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Close(shutdownCtx)
}

// Close stops background work and releases resources. Close is idempotent
// and safe to call multiple times.
func (r *Records) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.started.Store(false)
		if r.stopBackground != nil {
			r.stopBackground()
		}

		done := make(chan struct{})
		go func() {
			r.background.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = fmt.Errorf("waiting for background work: %w", ctx.Err())
		}

		closeErr = errors.Join(closeErr, r.release())
		r.log.Info("ouroboros records closed")
	})
	return closeErr
}

func (r *Records) release() error {
	var err error
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
	}
	for _, n := range r.locals {
		if cerr := n.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close node %s: %w", n.Address(), cerr))
		}
	}
	r.locals = nil
	if r.registry != nil {
		if cerr := r.registry.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close registry: %w", cerr))
		}
		r.registry = nil
	}
	return err
}

func (r *Records) ready() error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// Save persists rec and, when payload is not nil, its payload.
func (r *Records) Save(ctx context.Context, rec types.Record, payload *types.Payload) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.coord.Save(ctx, rec, payload)
}

func (r *Records) Delete(ctx context.Context, rec types.Record) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.coord.Delete(ctx, rec)
}

func (r *Records) DeleteByID(ctx context.Context, id string) error {
	if err := r.ready(); err != nil {
		return err
	}
	return r.coord.DeleteByID(ctx, id)
}

// Load returns the record and its payload. The payload is nil for records
// without one.
func (r *Records) Load(ctx context.Context, id string) (types.Record, *types.Payload, error) {
	if err := r.ready(); err != nil {
		return nil, nil, err
	}
	return r.coord.Load(ctx, id)
}

func (r *Records) Query(ctx context.Context, q registry.Query) (coordinator.Page, error) {
	if err := r.ready(); err != nil {
		return coordinator.Page{}, err
	}
	return r.coord.Query(ctx, q)
}

// Sweep runs one orphan sweep now, independent of SweepInterval.
func (r *Records) Sweep(ctx context.Context) (coordinator.SweepReport, error) {
	if err := r.ready(); err != nil {
		return coordinator.SweepReport{}, err
	}
	return r.sweeper.Sweep(ctx)
}

// Health probes every shard node now.
func (r *Records) Health(ctx context.Context) (health.ClusterHealth, error) {
	if err := r.ready(); err != nil {
		return health.ClusterHealth{}, err
	}
	return r.monitor.Check(ctx), nil
}

// Events delivers saved and deleted notifications. It works before Start.
func (r *Records) Events() *events.Bus { return r.bus }

// Coordinator is nil before Start.
func (r *Records) Coordinator() *coordinator.Coordinator { return r.coord }

// Cluster is nil before Start.
func (r *Records) Cluster() *shardStore.Cluster { return r.cluster }

// NewCollection returns an optimistic collection whose batches resolve on
// the shared worker pool of r.
func NewCollection[T types.Record](r *Records) (*reconciler.Collection[T], error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return reconciler.NewCollection[T](reconciler.Options{Pool: r.pool, Logger: r.log}), nil
}

// UploadAttachments shows the uploads in c right away and saves them in the
// background under parentID.
func (r *Records) UploadAttachments(ctx context.Context, c *reconciler.Collection[*types.Attachment], parentID string, uploads []reconciler.Upload, opts reconciler.BatchOptions[*types.Attachment]) (*reconciler.Batch[*types.Attachment], error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	return reconciler.BeginUploads(ctx, c, parentID, uploads, r.coord, opts)
}
