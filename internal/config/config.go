// Package config reads the YAML configuration shared by recordctl and
// shardnode.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	BackendBadger = "badger"
	BackendSQLite = "sqlite"

	PlacementDefault  = "default"
	PlacementCapacity = "capacity"
)

type File struct {
	DataDir       string `yaml:"dataDir"`
	MinimumFreeGB uint   `yaml:"minimumFreeGB"`
	LogLevel      string `yaml:"logLevel"`

	Registry Registry `yaml:"registry"`
	Nodes    []Node   `yaml:"nodes"`

	DefaultNode   string `yaml:"defaultNode"`
	Placement     string `yaml:"placement"`
	MinNodeFreeMB uint64 `yaml:"minNodeFreeMB"`

	OptimisticConcurrency bool `yaml:"optimisticConcurrency"`

	Sweep          Sweep         `yaml:"sweep"`
	GCInterval     time.Duration `yaml:"gcInterval"`
	HealthInterval time.Duration `yaml:"healthInterval"`
	Workers        int           `yaml:"workers"`

	// Listen is the address shardnode serves on.
	Listen string `yaml:"listen"`
}

type Registry struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// Node is a local badger node (Path) or a remote one (URL).
type Node struct {
	Address  string        `yaml:"address"`
	URL      string        `yaml:"url"`
	Path     string        `yaml:"path"`
	InMemory bool          `yaml:"inMemory"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Sweep is off while Interval is zero.
type Sweep struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"gracePeriod"`
}

// Load reads path, fills in defaults and validates the result.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("error reading config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return File{}, fmt.Errorf("error parsing config: %w", err)
	}
	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Default is the configuration of an empty file.
func Default() File {
	var f File
	f.ApplyDefaults()
	return f
}

func (f *File) ApplyDefaults() {
	if f.DataDir == "" {
		f.DataDir = "./data"
	}
	if f.LogLevel == "" {
		f.LogLevel = "info"
	}

	if f.Registry.Backend == "" {
		f.Registry.Backend = BackendBadger
	}
	if f.Registry.Path == "" {
		if f.Registry.Backend == BackendSQLite {
			f.Registry.Path = filepath.Join(f.DataDir, "registry.db")
		} else {
			f.Registry.Path = filepath.Join(f.DataDir, "registry")
		}
	}

	if len(f.Nodes) == 0 {
		f.Nodes = []Node{{Address: "local"}}
	}
	for i := range f.Nodes {
		n := &f.Nodes[i]
		if n.URL == "" && n.Path == "" && !n.InMemory {
			n.Path = filepath.Join(f.DataDir, "shards", n.Address)
		}
		if n.URL != "" && n.Timeout == 0 {
			n.Timeout = 10 * time.Second
		}
	}
	if f.DefaultNode == "" {
		f.DefaultNode = f.Nodes[0].Address
	}
	if f.Placement == "" {
		f.Placement = PlacementDefault
	}

	if f.Sweep.GracePeriod == 0 {
		f.Sweep.GracePeriod = time.Hour
	}
	if f.GCInterval == 0 {
		f.GCInterval = 10 * time.Minute
	}
	if f.HealthInterval == 0 {
		f.HealthInterval = 30 * time.Second
	}
	if f.Listen == "" {
		f.Listen = ":4242"
	}
}

func (f File) Validate() error {
	var errs []error

	switch f.Registry.Backend {
	case BackendBadger, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", f.Registry.Backend))
	}

	switch f.Placement {
	case PlacementDefault, PlacementCapacity:
	default:
		errs = append(errs, fmt.Errorf("unknown placement %q", f.Placement))
	}

	seen := make(map[string]bool, len(f.Nodes))
	for i, n := range f.Nodes {
		if n.Address == "" {
			errs = append(errs, fmt.Errorf("node %d has no address", i))
			continue
		}
		if seen[n.Address] {
			errs = append(errs, fmt.Errorf("node %q is listed twice", n.Address))
		}
		seen[n.Address] = true
		if n.URL != "" && (n.Path != "" || n.InMemory) {
			errs = append(errs, fmt.Errorf("node %q has both a url and local storage", n.Address))
		}
	}
	if !seen[f.DefaultNode] {
		errs = append(errs, fmt.Errorf("default node %q is not configured", f.DefaultNode))
	}

	if f.Sweep.Interval < 0 || f.Sweep.GracePeriod < 0 || f.HealthInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if f.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}

	return errors.Join(errs...)
}
