package cli

import (
	"github.com/spf13/cobra"

	"github.com/hupe1980/updatersync/internal/config"
)

// Sync flags are bound to the sync section of the configuration by
// config.Load, so they only override the config file and environment
// when given explicitly.

// registerStoreFlags adds the flags locating the registry.
func registerStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("base-dir", "", "project base directory")
	f.String("store-file", "", "registry file (default: <base-dir>/.updatersync/registry.yaml)")
}

// registerInterpretFlags adds the flags controlling how scripts are
// interpreted.
func registerInterpretFlags(cmd *cobra.Command) {
	def := config.DefaultSync()

	f := cmd.Flags()
	f.String("content-root", def.DefaultContentRoot, "content root for scripts without @Bootstrap: queue, registry")
	f.Int64("max-length", def.MaxFileLength, "largest script size in bytes, 0 for no limit")
}

// registerWatchFlags adds the flags selecting what is watched and how.
func registerWatchFlags(cmd *cobra.Command) {
	def := config.DefaultSync()

	f := cmd.Flags()
	f.StringSlice("module", nil, "module directory below the base directory (repeatable)")
	f.StringSlice("include", def.IncludedFiles, "file name patterns to watch")
	f.StringSlice("exclude-dir", nil, "directory name patterns to skip")
	f.StringSlice("watch-os", nil, "OS name patterns that use OS notifications instead of polling")
	f.Duration("watch-delay", def.WatchDelay, "polling interval")
	f.Duration("quiet-window", def.QuietWindow, "settle time for OS notifications")
	f.Duration("debounce", def.Debounce, "quiet period before a batch of changes is applied")
}
