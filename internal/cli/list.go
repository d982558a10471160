package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/hupe1980/updatersync/internal/config"
	"github.com/hupe1980/updatersync/internal/logging"
	"github.com/hupe1980/updatersync/internal/repository"
)

type listOptions struct {
	format     string
	withScript bool
}

// listResult is the machine-readable form of the registry.
type listResult struct {
	Path     string              `json:"path"`
	Revision int64               `json:"revision"`
	Records  []repository.Record `json:"records"`
}

func newListCommand() *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the records of the registry",
		Long: `List prints the registry records in bootstrap order: by sequence,
then by name.

Output formats:
  table  human-readable table (default)
  json   all record fields as JSON
  yaml   all record fields as YAML`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	registerStoreFlags(cmd)

	f := cmd.Flags()
	f.StringVar(&opts.format, "format", "table", "output format: table, json, yaml")
	f.BoolVar(&opts.withScript, "with-script", false, "include script bodies in json and yaml output")

	return cmd
}

func runList(ctx context.Context, w io.Writer, opts *listOptions) error {
	cfg := config.FromContext(ctx)

	store, err := repository.Open(cfg.Sync.StorePath(),
		repository.WithLogger(logging.Component(logging.FromContext(ctx), "registry")))
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}

	result := listResult{
		Path:     store.Path(),
		Revision: store.Revision(),
		Records:  store.List(),
	}

	if !opts.withScript {
		for i := range result.Records {
			result.Records[i].Script = ""
		}
	}

	switch opts.format {
	case "json":
		return renderJSON(w, result)
	case "yaml":
		return renderYAML(w, result)
	case "table":
		return renderTable(w, result)
	default:
		return &ExitError{Code: 2, Err: fmt.Errorf("unsupported format %q: must be table, json, or yaml", opts.format)}
	}
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func renderYAML(w io.Writer, v any) error {
	data, err := sigsyaml.Marshal(v)
	if err != nil {
		return err
	}

	_, err = w.Write(data)

	return err
}

func renderTable(w io.Writer, result listResult) error {
	_, _ = fmt.Fprintf(w, "Registry: %s (revision %d)\n\n", result.Path, result.Revision)

	if len(result.Records) == 0 {
		_, _ = fmt.Fprintln(w, "No records.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQUENCE\tNAME\tROOT\tTARGET\tREVISION\tSOURCE")

	for _, r := range result.Records {
		target := r.Path
		if r.Query != "" {
			target = "query"
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			strconv.FormatFloat(r.Sequence, 'f', -1, 64), r.Name, r.ContentRoot, target, r.Revision, r.Source)
	}

	return tw.Flush()
}
