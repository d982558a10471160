package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/updatersync/internal/config"
	"github.com/hupe1980/updatersync/internal/logging"
	"github.com/hupe1980/updatersync/internal/service"
	"github.com/hupe1980/updatersync/internal/version"
)

// errNothingToWatch is returned when the configuration leaves no directory
// to observe.
var errNothingToWatch = errors.New("nothing to watch: check --base-dir and --module")

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch module script directories and keep the registry in sync",
		Long: `Watch observes src/main/scripts and src/main/resources of every
configured module below the project base directory and applies changes to
the registry until interrupted.

Changes are collected until the directories are quiet for the debounce
period, then applied as one batch. On Linux, pass --watch-os linux to use
OS change notifications instead of polling.`,
		Example: `  updatersync watch --base-dir . --module core --module site
  updatersync watch --base-dir /src/project --module app --watch-os 'linux' --debounce 1s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), cmd)
		},
	}

	registerStoreFlags(cmd)
	registerInterpretFlags(cmd)
	registerWatchFlags(cmd)

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command) error {
	cfg := config.FromContext(ctx)
	logger := logging.FromContext(ctx)

	if cfg.Sync.ProjectBaseDir == "" {
		return &ExitError{Code: 2, Err: errNothingToWatch}
	}

	logger.Debug("starting", slog.String("build", version.Get().String()))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.Initialize(ctx, cfg.Sync, service.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("starting sync: %w", err)
	}

	defer svc.Shutdown()

	if !svc.Watching() {
		return &ExitError{Code: 2, Err: errNothingToWatch}
	}

	if !cfg.Quiet {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s\nRegistry: %s\nPress Ctrl+C to stop.\n",
			strings.Join(svc.Roots(), ", "), svc.Store().Path())
	}

	<-ctx.Done()

	return nil
}
