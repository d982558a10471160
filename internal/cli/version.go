package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hupe1980/updatersync/internal/version"
)

func newVersionCommand() *cobra.Command {
	var (
		format string
		short  bool
	)

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the updatersync version, VCS revision, build date, Go version,
and platform.

Output formats:
  text  one line (default)
  json  all fields as JSON
  yaml  all fields as YAML`,
		Args: cobra.NoArgs,
		// Needs no configuration.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			w := cmd.OutOrStdout()

			if short {
				_, err := fmt.Fprintln(w, info.Version)
				return err
			}

			switch format {
			case "text":
				_, err := fmt.Fprintln(w, info.String())
				return err
			case "json":
				return renderJSON(w, info)
			case "yaml":
				return renderYAML(w, info)
			default:
				return &ExitError{Code: 2, Err: fmt.Errorf("unsupported format %q: must be text, json, or yaml", format)}
			}
		},
	}

	f := cmd.Flags()
	f.StringVarP(&format, "output", "o", "text", "output format: text, json, yaml")
	f.BoolVar(&short, "short", false, "print only the version")

	return cmd
}
