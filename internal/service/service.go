// Package service wires watching, interpretation and the registry into the
// lifecycle of a host process: Initialize once, Shutdown once.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/updatersync/internal/config"
	"github.com/hupe1980/updatersync/internal/logging"
	"github.com/hupe1980/updatersync/internal/repository"
	"github.com/hupe1980/updatersync/internal/script"
	"github.com/hupe1980/updatersync/internal/syncer"
	"github.com/hupe1980/updatersync/internal/watch"
)

// Source directories watched inside each module.
var sourceDirs = []string{
	filepath.Join("src", "main", "scripts"),
	filepath.Join("src", "main", "resources"),
}

// Service keeps the registry in sync with the scripts of the configured
// modules while it runs.
type Service struct {
	cfg    config.SyncConfig
	logger *slog.Logger

	store       *repository.Store
	interp      *script.Interpreter
	observer    watch.Observer
	aggregators []*watch.Aggregator

	shutdownOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger for the Service and everything it creates.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Initialize opens the registry and starts watching every source
// directory of the configured modules.
//
// Watching is disabled, without an error, when no project base dir is
// configured or no observation strategy is available. Roots that cannot be
// registered are skipped. Errors are returned only for an unusable
// registry.
func Initialize(ctx context.Context, cfg config.SyncConfig, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.interp = script.New(script.Options{
		MaxFileLength:      cfg.MaxFileLength,
		DefaultContentRoot: script.ContentRoot(cfg.DefaultContentRoot),
		Logger:             logging.Component(s.logger, "script"),
	})

	roots, err := DiscoverRoots(cfg.ProjectBaseDir, cfg.WatchedModules, s.logger)
	if err != nil {
		s.logger.Info("watching disabled", slog.String("reason", err.Error()))
		return s, nil
	}

	if len(roots) == 0 {
		s.logger.Info("watching disabled", slog.String("reason", "no source directories found"))
		return s, nil
	}

	store, err := repository.Open(cfg.StorePath(), repository.WithLogger(logging.Component(s.logger, "registry")))
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	s.store = store

	observer, err := watch.NewObserver(ObserverOptions(cfg, logging.Component(s.logger, "watch")))
	if err != nil {
		// NewObserver already logged why.
		return s, nil //nolint:nilerr // the host keeps running without live sync
	}

	s.observer = observer

	for _, root := range roots {
		s.watch(root)
	}

	s.logger.Info("watching for script changes",
		slog.Any("roots", observer.ObservedRootDirectories()),
		slog.String("registry", cfg.StorePath()),
	)

	return s, nil
}

// watch registers root with its own session, consumer and aggregator.
func (s *Service) watch(root string) {
	logger := logging.Component(s.logger, "syncer")

	sess := s.store.NewSession()
	importer := repository.NewImporter(s.interp, sess,
		repository.WithRoots(root),
		repository.WithImportLogger(logger),
	)

	consumer := syncer.NewConsumer(s.interp, sess, sess, importer, syncer.WithLogger(logger))
	agg := watch.NewAggregator(root, s.cfg.Debounce, consumer, logger)

	if err := s.observer.RegisterDirectory(root, agg); err != nil {
		s.logger.Warn("not watching directory",
			slog.String("root", root),
			slog.String("error", err.Error()),
		)

		agg.Stop()

		return
	}

	s.aggregators = append(s.aggregators, agg)
}

// ObserverOptions maps the sync configuration onto observer options.
func ObserverOptions(cfg config.SyncConfig, logger *slog.Logger) watch.Options {
	opts := watch.DefaultOptions()
	opts.IncludeFiles = cfg.IncludedFiles
	opts.ExcludeDirectories = cfg.ExcludedDirectories
	opts.KernelOSNames = cfg.UseWatchServiceOnOSNames
	opts.PollDelay = cfg.WatchDelay
	opts.QuietWindow = cfg.QuietWindow
	opts.Logger = logger

	return opts
}

// Watching reports whether any root is observed.
func (s *Service) Watching() bool {
	return s.observer != nil && len(s.observer.ObservedRootDirectories()) > 0
}

// Roots returns the observed roots.
func (s *Service) Roots() []string {
	if s.observer == nil {
		return nil
	}

	return s.observer.ObservedRootDirectories()
}

// Store returns the registry, or nil when watching is disabled.
func (s *Service) Store() *repository.Store {
	return s.store
}

// Shutdown stops watching. It is safe to call more than once.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.observer != nil {
			s.observer.Shutdown()
		}

		for _, agg := range s.aggregators {
			agg.Stop()
		}

		s.logger.Debug("service stopped")
	})
}

// errNoBaseDir disables watching.
var errNoBaseDir = errors.New("no project base dir configured")

// DiscoverRoots returns the existing source directories of modules below
// baseDir. Modules without any are reported with a warning.
func DiscoverRoots(baseDir string, modules []string, logger *slog.Logger) ([]string, error) {
	if baseDir == "" {
		return nil, errNoBaseDir
	}

	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("project base dir: %w", err)
	}

	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("project base dir: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("project base dir %s: %w", baseDir, watch.ErrNotDirectory)
	}

	var roots []string

	for _, module := range modules {
		found := false

		for _, sub := range sourceDirs {
			dir := filepath.Join(baseDir, module, sub)
			if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
				roots = append(roots, dir)
				found = true
			}
		}

		if !found {
			logger.Warn("module has no source directories",
				slog.String("module", module),
				slog.String("base", baseDir),
			)
		}
	}

	return roots, nil
}
