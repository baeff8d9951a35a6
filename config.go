package ouroboros

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/i5heu/ouroboros-records/internal/config"
	"github.com/i5heu/ouroboros-records/pkg/coordinator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config configures a Records instance.
type Config struct {
	// Paths contains data directories. Currently only Paths[0] is used.
	Paths []string
	// MinimumFreeGB is a free-space threshold for on-disk stores.
	MinimumFreeGB uint
	// Logger is optional. If nil, a stderr logger at info level is used.
	Logger *logrus.Logger

	// RegistryBackend is "badger" (default) or "sqlite".
	RegistryBackend string
	// RegistryPath defaults to Paths[0]/registry or Paths[0]/registry.db.
	RegistryPath string
	// InMemory keeps the registry and every local node in memory.
	InMemory bool

	// Nodes are the shard nodes. Without any, one local node named "local"
	// is created under Paths[0]/shards.
	Nodes       []NodeConfig
	DefaultNode string
	// CapacityPlacement spreads new payloads over all nodes by free space,
	// keeping MinNodeFreeBytes free.
	CapacityPlacement bool
	MinNodeFreeBytes  uint64

	OptimisticConcurrency bool

	// SweepInterval > 0 turns on the orphan sweep. SweepGrace also guards
	// on-demand sweeps and defaults to an hour.
	SweepInterval time.Duration
	SweepGrace    time.Duration
	// GCInterval is how often local badger stores collect garbage; 0 is off.
	GCInterval time.Duration
	// HealthInterval > 0 checks node health in the background, so status
	// changes are reported without anyone calling Health.
	HealthInterval time.Duration

	// Workers sizes the pool resolving optimistic batches.
	Workers int
	// Metrics registers coordinator counters when not nil.
	Metrics prometheus.Registerer
}

// NodeConfig is a local node unless URL is set.
type NodeConfig struct {
	Address  string
	URL      string
	Path     string
	InMemory bool
	Timeout  time.Duration
}

// ConfigFromFile turns a YAML configuration into a Config.
func ConfigFromFile(f config.File) (Config, error) {
	f.ApplyDefaults()
	level, err := logrus.ParseLevel(f.LogLevel)
	if err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(level)

	conf := Config{
		Paths:                 []string{f.DataDir},
		MinimumFreeGB:         f.MinimumFreeGB,
		Logger:                logger,
		RegistryBackend:       f.Registry.Backend,
		RegistryPath:          f.Registry.Path,
		DefaultNode:           f.DefaultNode,
		CapacityPlacement:     f.Placement == config.PlacementCapacity,
		MinNodeFreeBytes:      f.MinNodeFreeMB << 20,
		OptimisticConcurrency: f.OptimisticConcurrency,
		SweepInterval:         f.Sweep.Interval,
		SweepGrace:            f.Sweep.GracePeriod,
		GCInterval:            f.GCInterval,
		HealthInterval:        f.HealthInterval,
		Workers:               f.Workers,
	}
	for _, n := range f.Nodes {
		conf.Nodes = append(conf.Nodes, NodeConfig{Address: n.Address, URL: n.URL, Path: n.Path, InMemory: n.InMemory, Timeout: n.Timeout})
	}
	return conf, nil
}

func (c *Config) applyDefaults() error {
	if len(c.Paths) == 0 && !c.InMemory {
		return fmt.Errorf("at least one path must be provided in config")
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.RegistryBackend == "" {
		c.RegistryBackend = config.BackendBadger
	}
	if c.RegistryBackend != config.BackendBadger && c.RegistryBackend != config.BackendSQLite {
		return fmt.Errorf("unknown registry backend %q", c.RegistryBackend)
	}
	if c.RegistryPath == "" && !c.InMemory {
		name := "registry"
		if c.RegistryBackend == config.BackendSQLite {
			name = "registry.db"
		}
		c.RegistryPath = filepath.Join(c.Paths[0], name)
	}
	if len(c.Nodes) == 0 {
		c.Nodes = []NodeConfig{{Address: "local"}}
	}
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if strings.TrimSpace(n.Address) == "" {
			return fmt.Errorf("node %d has no address", i)
		}
		if n.URL == "" && n.Path == "" && !c.InMemory && !n.InMemory {
			n.Path = filepath.Join(c.Paths[0], "shards", n.Address)
		}
	}
	if c.DefaultNode == "" {
		c.DefaultNode = c.Nodes[0].Address
	}
	if c.SweepGrace <= 0 {
		c.SweepGrace = coordinator.DefaultGracePeriod
	}
	return nil
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}
