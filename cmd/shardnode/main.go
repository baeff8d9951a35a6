// shardnode serves one local shard store over HTTP so that other processes
// can use it as a remote node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/i5heu/ouroboros-records/internal/config"
	"github.com/i5heu/ouroboros-records/pkg/shardStore"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type nodeConfig struct {
	address       string
	dataPath      string
	listenAddr    string
	minimumFreeGB int
	gcInterval    time.Duration
	debug         bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	if cfg.debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("shard node error")
		os.Exit(1)
	}
}

func parseFlags() (nodeConfig, error) {
	cfg := nodeConfig{}
	var configPath string

	flag.StringVar(&cfg.address, "address", "", "Node address other processes know this node by (defaults to -listen)")
	flag.StringVar(&cfg.dataPath, "data", "./data/shards", "Path to data directory")
	flag.StringVar(&cfg.listenAddr, "listen", ":4243", "Address to serve blobs on")
	flag.IntVar(&cfg.minimumFreeGB, "min-free-gb", 1, "Refuse to start with less free space")
	flag.DurationVar(&cfg.gcInterval, "gc-interval", 10*time.Minute, "Value log garbage collection interval, 0 disables it")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")
	flag.StringVar(&configPath, "config", "", "YAML configuration file; explicit flags win over it")

	flag.Parse()

	if configPath != "" {
		f, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		applyFile(&cfg, f, setFlags())
	}
	if cfg.address == "" {
		cfg.address = cfg.listenAddr
	}
	return cfg, nil
}

func setFlags() map[string]bool {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// applyFile takes listen address, data directory, free space and GC interval
// from a config file for every flag not given on the command line.
func applyFile(cfg *nodeConfig, f config.File, set map[string]bool) {
	if !set["listen"] && f.Listen != "" {
		cfg.listenAddr = f.Listen
	}
	if !set["data"] && f.DataDir != "" {
		cfg.dataPath = filepath.Join(f.DataDir, "shards")
	}
	if !set["min-free-gb"] {
		cfg.minimumFreeGB = int(f.MinimumFreeGB)
	}
	if !set["gc-interval"] && f.GCInterval > 0 {
		cfg.gcInterval = f.GCInterval
	}
	if !set["debug"] && f.LogLevel == "debug" {
		cfg.debug = true
	}
}

func run(ctx context.Context, cfg nodeConfig, logger *logrus.Logger) error {
	if err := os.MkdirAll(cfg.dataPath, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	node, err := shardStore.NewLocalNode(shardStore.LocalNodeConfig{
		Address:          cfg.address,
		Paths:            []string{cfg.dataPath},
		MinimumFreeSpace: cfg.minimumFreeGB,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.WithError(err).Warn("error closing node store")
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/", shardStore.NewHandler(node, logger))
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address": cfg.address,
			"listen":  cfg.listenAddr,
			"data":    cfg.dataPath,
		}).Info("shard node listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var gc <-chan time.Time
	if cfg.gcInterval > 0 {
		ticker := time.NewTicker(cfg.gcInterval)
		defer ticker.Stop()
		gc = ticker.C
	}

	for {
		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-gc:
			if err := node.Clean(); err != nil {
				logger.WithError(err).Warn("value log gc failed")
			}
		case <-ctx.Done():
			logger.Info("shutting down shard node")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		}
	}
}
