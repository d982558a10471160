package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hupe1980/updatersync/internal/config"
	"github.com/hupe1980/updatersync/internal/logging"
	"github.com/hupe1980/updatersync/internal/repository"
	"github.com/hupe1980/updatersync/internal/script"
)

type importOptions struct {
	root   string
	dryRun bool
	prune  bool
}

func newImportCommand() *cobra.Command {
	opts := &importOptions{}

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import every updater script beneath a directory into the registry",
		Long: `Import interprets every Groovy script beneath a directory and commits
the resulting definitions to the registry in one revision.

Scripts without @Updater and invalid scripts are skipped, excluded scripts
are ignored. Use --dry-run to review the changes, including script diffs,
without committing them, and --prune to also remove records whose script
no longer exists beneath the directory.`,
		Example: `  updatersync import app/src/main/scripts --base-dir .
  updatersync import ./scripts --store-file registry.yaml --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd, args[0], opts)
		},
	}

	registerStoreFlags(cmd)
	registerInterpretFlags(cmd)

	f := cmd.Flags()
	f.StringVar(&opts.root, "root", "", "source root for parameter files with a leading slash (default: <dir>)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "show the changes without committing them")
	f.BoolVar(&opts.prune, "prune", false, "remove records whose script no longer exists")

	return cmd
}

func runImport(ctx context.Context, cmd *cobra.Command, dir string, opts *importOptions) error {
	cfg := config.FromContext(ctx)
	logger := logging.FromContext(ctx)

	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}

	store, err := repository.Open(cfg.Sync.StorePath(), repository.WithLogger(logging.Component(logger, "registry")))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}

	interp := script.New(script.Options{
		MaxFileLength:      cfg.Sync.MaxFileLength,
		DefaultContentRoot: script.ContentRoot(cfg.Sync.DefaultContentRoot),
		Logger:             logging.Component(logger, "script"),
	})

	importerOpts := []repository.ImporterOption{repository.WithImportLogger(logger)}
	if opts.root != "" {
		root, err := filepath.Abs(opts.root)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", opts.root, err)
		}

		importerOpts = append(importerOpts, repository.WithRoots(root))
	}

	sess := store.NewSession()
	defer sess.Rollback()

	summary, importErr := repository.NewImporter(interp, sess, importerOpts...).Import(dir)
	if summary.Imported == 0 && importErr != nil {
		return fmt.Errorf("importing %s: %w", dir, importErr)
	}

	if opts.prune {
		if _, err := sess.PruneMissing(dir); err != nil {
			return fmt.Errorf("pruning %s: %w", dir, err)
		}
	}

	changes, err := sess.Pending()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()

	repository.FormatChanges(w, changes, useColor(w, cfg.NoColor))

	_, _ = fmt.Fprintf(w, "Scripts: %d imported, %d excluded, %d skipped, %d failed\n",
		summary.Imported, summary.Excluded, summary.Skipped, summary.Failed)

	if opts.dryRun {
		_, _ = fmt.Fprintln(w, "Dry run: registry not modified.")
		return partialFailure(importErr)
	}

	if err := sess.Commit(); err != nil {
		return fmt.Errorf("committing to %s: %w", store.Path(), err)
	}

	_, _ = fmt.Fprintf(w, "Registry %s at revision %d\n", store.Path(), store.Revision())

	return partialFailure(importErr)
}

// partialFailure reports scripts that could not be written with exit code 1
// after everything else was imported.
func partialFailure(err error) error {
	if err == nil {
		return nil
	}

	return &ExitError{Code: 1, Err: fmt.Errorf("some scripts were not imported: %w", err)}
}
