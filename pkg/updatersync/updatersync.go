// Package updatersync provides a public Go API for keeping an updater
// registry in sync with Groovy updater scripts.
//
// Watching a project:
//
//	s, err := updatersync.Start(ctx, "/src/project",
//	    updatersync.WithModules("core", "site"),
//	    updatersync.WithDebounce(time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
// One-off import of a script directory:
//
//	result, err := updatersync.Import(ctx, "core/src/main/scripts",
//	    updatersync.WithStoreFile("registry.yaml"),
//	)
package updatersync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hupe1980/updatersync/internal/config"
	"github.com/hupe1980/updatersync/internal/logging"
	"github.com/hupe1980/updatersync/internal/repository"
	"github.com/hupe1980/updatersync/internal/script"
	"github.com/hupe1980/updatersync/internal/service"
)

// Record is one registry entry.
type Record = repository.Record

// Option configures Start and Import.
type Option func(*options)

type options struct {
	sync   config.SyncConfig
	logger *slog.Logger
	root   string
	dryRun bool
}

// WithModules sets the module directories, relative to the base dir, whose
// src/main/scripts and src/main/resources are watched.
func WithModules(modules ...string) Option {
	return func(o *options) { o.sync.WatchedModules = append(o.sync.WatchedModules, modules...) }
}

// WithIncludeFiles replaces the file name patterns that are watched.
func WithIncludeFiles(patterns ...string) Option {
	return func(o *options) { o.sync.IncludedFiles = patterns }
}

// WithExcludeDirectories sets directory name patterns skipped with their subtree.
func WithExcludeDirectories(patterns ...string) Option {
	return func(o *options) { o.sync.ExcludedDirectories = patterns }
}

// WithOSNotifications sets the OS name patterns on which OS change
// notifications replace polling.
func WithOSNotifications(patterns ...string) Option {
	return func(o *options) { o.sync.UseWatchServiceOnOSNames = patterns }
}

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option { return func(o *options) { o.sync.WatchDelay = d } }

// WithQuietWindow sets how long OS notifications settle before processing.
func WithQuietWindow(d time.Duration) Option { return func(o *options) { o.sync.QuietWindow = d } }

// WithDebounce sets the quiet period after which changes are applied.
func WithDebounce(d time.Duration) Option { return func(o *options) { o.sync.Debounce = d } }

// WithMaxFileLength sets the largest script size in bytes; zero disables the limit.
func WithMaxFileLength(n int64) Option { return func(o *options) { o.sync.MaxFileLength = n } }

// WithDefaultContentRoot sets the content root of scripts without
// @Bootstrap: "queue" or "registry".
func WithDefaultContentRoot(root string) Option {
	return func(o *options) { o.sync.DefaultContentRoot = root }
}

// WithStoreFile sets the registry file.
func WithStoreFile(path string) Option { return func(o *options) { o.sync.StoreFile = path } }

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option { return func(o *options) { o.logger = logger } }

// WithSourceRoot sets the root that Import resolves parameter files with a
// leading slash against. It defaults to the imported directory.
func WithSourceRoot(root string) Option { return func(o *options) { o.root = root } }

// WithDryRun makes Import report changes without committing them.
func WithDryRun() Option { return func(o *options) { o.dryRun = true } }

func buildOptions(opts []Option) (*options, error) {
	o := &options{
		sync:   config.DefaultSync(),
		logger: logging.Discard(),
	}

	for _, opt := range opts {
		opt(o)
	}

	if err := o.sync.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	return o, nil
}

// Syncer keeps the registry in sync while it runs.
type Syncer struct {
	svc *service.Service
}

// Start watches the configured modules below baseDir. When no source
// directory can be watched the returned Syncer is idle and Watching
// reports false.
func Start(ctx context.Context, baseDir string, opts ...Option) (*Syncer, error) {
	if baseDir == "" {
		return nil, errors.New("base dir must not be empty")
	}

	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	o.sync.ProjectBaseDir = baseDir

	svc, err := service.Initialize(ctx, o.sync, service.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	return &Syncer{svc: svc}, nil
}

// Watching reports whether any directory is watched.
func (s *Syncer) Watching() bool { return s.svc.Watching() }

// Roots returns the watched directories.
func (s *Syncer) Roots() []string { return s.svc.Roots() }

// Records returns the registry records in bootstrap order.
func (s *Syncer) Records() []Record {
	if s.svc.Store() == nil {
		return nil
	}

	return s.svc.Store().List()
}

// Close stops watching. It is safe to call more than once.
func (s *Syncer) Close() { s.svc.Shutdown() }

// Change is one registry change made or proposed by Import.
type Change struct {
	Action string
	Name   string
	Source string
	Diff   string
}

// ImportResult describes the outcome of Import.
type ImportResult struct {
	Imported int
	Excluded int
	Skipped  int
	Failed   int

	// Revision is the registry revision after the import.
	Revision int64

	// Changes lists created, updated and removed records.
	Changes []Change
}

// Import interprets every script beneath dir and commits the definitions
// to the registry in one revision. Scripts that could not be written are
// reported as a joined error alongside the result.
func Import(ctx context.Context, dir string, opts ...Option) (*ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	store, err := repository.Open(o.sync.StorePath(), repository.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	interp := script.New(script.Options{
		MaxFileLength:      o.sync.MaxFileLength,
		DefaultContentRoot: script.ContentRoot(o.sync.DefaultContentRoot),
		Logger:             o.logger,
	})

	importerOpts := []repository.ImporterOption{repository.WithImportLogger(o.logger)}
	if o.root != "" {
		importerOpts = append(importerOpts, repository.WithRoots(o.root))
	}

	sess := store.NewSession()
	defer sess.Rollback()

	summary, importErr := repository.NewImporter(interp, sess, importerOpts...).Import(dir)
	if summary.Imported == 0 && importErr != nil {
		return nil, fmt.Errorf("importing %s: %w", dir, importErr)
	}

	pending, err := sess.Pending()
	if err != nil {
		return nil, err
	}

	result := &ImportResult{
		Imported: summary.Imported,
		Excluded: summary.Excluded,
		Skipped:  summary.Skipped,
		Failed:   summary.Failed,
	}

	for _, c := range pending {
		if c.Action == repository.ActionUnchanged {
			continue
		}

		result.Changes = append(result.Changes, Change{
			Action: string(c.Action),
			Name:   c.Name,
			Source: c.Source,
			Diff:   c.Diff,
		})
	}

	if !o.dryRun {
		if err := sess.Commit(); err != nil {
			return nil, fmt.Errorf("committing: %w", err)
		}
	}

	result.Revision = store.Revision()

	return result, importErr
}
