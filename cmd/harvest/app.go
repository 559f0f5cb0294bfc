package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/abelbrown/harvest/internal/agent"
	"github.com/abelbrown/harvest/internal/capacity"
	"github.com/abelbrown/harvest/internal/config"
	"github.com/abelbrown/harvest/internal/coord"
	"github.com/abelbrown/harvest/internal/events"
	"github.com/abelbrown/harvest/internal/fetch"
	"github.com/abelbrown/harvest/internal/filter"
	"github.com/abelbrown/harvest/internal/logging"
	"github.com/abelbrown/harvest/internal/metrics"
	"github.com/abelbrown/harvest/internal/store"
	"github.com/abelbrown/harvest/internal/translate"
)

// commonFlags are shared by every subcommand that reads the config.
type commonFlags struct {
	config  string
	envFile string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "Config file path")
	fs.StringVar(&c.envFile, "env-file", "", "Shell file with HARVEST_* assignments")
}

func (c *commonFlags) load() (*config.Config, error) {
	var envFiles []string
	if c.envFile != "" {
		envFiles = append(envFiles, c.envFile)
	}
	return config.Load(config.Path(c.config), envFiles...)
}

// app is the fully wired daemon.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	events   *events.Log
	ring     *events.Ring[events.Event]
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	repo     *store.Repository
	agent    agent.Agent
	capacity *capacity.Manager
	pipeline *coord.Pipeline

	closers []func() error
}

// openApp builds every component from cfg. A corrupt state file is
// reported and the daemon starts with an empty repository.
func openApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a.logger = logger
	a.closers = append(a.closers, closeLog)

	evWriter, err := openEventLog(cfg.Logging.EventLog)
	if err != nil {
		a.Close()
		return nil, err
	}
	var sink io.Writer
	if evWriter != nil {
		sink = evWriter
	}
	a.ring = events.NewRing[events.Event](cfg.Server.EventBuffer)
	a.events = events.NewLog(sink)
	a.events.AttachRing(a.ring)
	a.closers = append(a.closers, func() error {
		if dropped := a.events.Close(); dropped > 0 {
			a.logger.Warn("event log dropped events", "count", dropped)
		}
		if evWriter != nil {
			return evWriter.Close()
		}
		return nil
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	backend, err := store.OpenBackend(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	repo, err := store.Open(backend)
	switch {
	case errors.Is(err, store.ErrCorrupt):
		logger.Error("state file corrupt, starting empty", "path", cfg.State.Path, "err", err)
		a.events.Emit(events.Event{Level: events.LevelError, Kind: events.KindRepoCorrupt, Comp: "store", Err: err.Error()})
	case err != nil:
		backend.Close()
		a.Close()
		return nil, err
	}
	a.repo = repo
	a.closers = append(a.closers, repo.Close)

	a.agent, err = agent.New(cfg.Agent)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := capacity.EnsureDir(cfg.Storage.ContentDir); err != nil {
		a.Close()
		return nil, err
	}
	a.capacity = capacity.New(cfg.Storage.BudgetBytes(), cfg.Storage.UnknownSizeBytes(), capacity.DirUsage(cfg.Storage.ContentDir))
	a.metrics.Disk(0, a.capacity.Budget())

	a.pipeline = coord.NewPipeline(coord.Config{
		Repo:       repo,
		Agent:      a.agent,
		Feed:       fetch.NewFetcher(cfg.Feed.URL, cfg.Feed.Timeout, cfg.Feed.UserAgent),
		Translator: translate.New(translate.WithMarker(cfg.Filters.PrivilegeMarker)),
		Capacity:   a.capacity,
		Filters: filter.Filters{
			PrivilegedOnly: cfg.Filters.PrivilegedOnly,
			MinSeeders:     cfg.Filters.MinSeeders,
		},
		MaxPerCycle: cfg.Pipeline.MaxPerCycle,
		Destination: cfg.Storage.ContentDir,
		Logger:      logger,
		Events:      a.events,
		Metrics:     a.metrics,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}

// openEventLog opens path for appending. An empty path disables the file.
func openEventLog(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return f, nil
}
