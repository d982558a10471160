package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/hupe1980/updatersync/internal/script"
)

// Interpreter turns a script file into a definition.
type Interpreter interface {
	Interpret(root, path string) (*script.Definition, error)
}

// Writer stages definitions.
type Writer interface {
	Write(def *script.Definition) error
}

// ImportSummary counts the outcome of one bulk import.
type ImportSummary struct {
	Imported int
	Excluded int
	Skipped  int
	Failed   int
}

// Importer loads every script beneath a directory through a Writer. It
// never commits; the owner of the writer's transaction does.
type Importer struct {
	interp Interpreter
	writer Writer
	roots  []string
	logger *slog.Logger
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithRoots sets the source roots imported directories may live in.
// Parameter files with a leading slash resolve against the enclosing
// root; without one, against the imported directory itself.
func WithRoots(roots ...string) ImporterOption {
	return func(im *Importer) {
		im.roots = append(im.roots, roots...)
	}
}

// WithImportLogger sets a logger for the Importer.
func WithImportLogger(logger *slog.Logger) ImporterOption {
	return func(im *Importer) {
		im.logger = logger
	}
}

// NewImporter creates an importer.
func NewImporter(interp Interpreter, writer Writer, opts ...ImporterOption) *Importer {
	im := &Importer{
		interp: interp,
		writer: writer,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(im)
	}

	return im
}

// ImportAll imports every script beneath dir. Excluded and invalid
// scripts are skipped; write failures are returned joined.
func (im *Importer) ImportAll(dir string) error {
	_, err := im.Import(dir)
	return err
}

// Import is ImportAll with a summary of what happened.
func (im *Importer) Import(dir string) (ImportSummary, error) {
	var summary ImportSummary

	scripts, err := script.FindScripts(dir)
	if err != nil {
		return summary, fmt.Errorf("finding scripts in %s: %w", dir, err)
	}

	root := im.rootFor(dir)

	var errs []error

	for _, path := range scripts {
		def, err := im.interp.Interpret(root, path)

		switch {
		case errors.Is(err, script.ErrNotDefinition):
			im.logger.Debug("not an updater script", slog.String("path", path))
			summary.Skipped++

			continue
		case errors.Is(err, fs.ErrNotExist):
			summary.Skipped++
			continue
		case err != nil:
			im.logger.Warn("skipping invalid script",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			summary.Skipped++

			continue
		}

		if def.Excluded {
			im.logger.Debug("script excluded", slog.String("path", path))
			summary.Excluded++

			continue
		}

		if err := im.writer.Write(def); err != nil {
			im.logger.Warn("writing definition",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)

			summary.Failed++
			errs = append(errs, err)

			continue
		}

		summary.Imported++
	}

	im.logger.Info("import finished",
		slog.String("dir", dir),
		slog.Int("imported", summary.Imported),
		slog.Int("excluded", summary.Excluded),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
	)

	return summary, errors.Join(errs...)
}

// rootFor returns the deepest configured root containing dir.
func (im *Importer) rootFor(dir string) string {
	best := ""

	for _, r := range im.roots {
		if !isBeneath(r, dir) {
			continue
		}

		if len(r) > len(best) {
			best = r
		}
	}

	if best == "" {
		return dir
	}

	return best
}
