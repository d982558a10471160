package syncer

import (
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/hupe1980/updatersync/internal/script"
	"github.com/hupe1980/updatersync/internal/watch"
)

// Interpreter turns a script file into a definition.
type Interpreter interface {
	Interpret(root, path string) (*script.Definition, error)
}

// Writer creates or updates the registry record of a definition.
type Writer interface {
	Write(def *script.Definition) error
}

// Transaction is the unit of work the consumer commits per batch.
type Transaction interface {
	Commit() error
	Rollback()
}

// Remover is implemented by writers that can delete the record of a
// removed script.
type Remover interface {
	Remove(source string) (bool, error)
}

// Pruner is implemented by writers that can delete the records of every
// missing script beneath a directory.
type Pruner interface {
	PruneMissing(dir string) (int, error)
}

// Importer reimports a whole bundle directory.
type Importer interface {
	ImportAll(dir string) error
}

// Result summarizes how one batch was applied.
type Result struct {
	Written  int
	Removed  int
	Failed   int
	Skipped  int
	Excluded int

	Committed bool

	// Reimported lists the bundles the fallback imported, in order.
	Reimported []string

	Duration time.Duration
}

// Consumer applies change batches to the registry. It implements
// watch.BatchHandler.
type Consumer struct {
	interp   Interpreter
	writer   Writer
	tx       Transaction
	importer Importer
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

var _ watch.BatchHandler = (*Consumer)(nil)

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets a logger for the Consumer.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithClock overrides the time source used to measure batches.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		c.now = now
	}
}

// NewConsumer creates a consumer. If writer also implements Remover,
// deleted scripts have their records removed; if it implements Pruner, so
// do scripts beneath deleted or moved directories.
func NewConsumer(interp Interpreter, writer Writer, tx Transaction, importer Importer, opts ...Option) *Consumer {
	c := &Consumer{
		interp:   interp,
		writer:   writer,
		tx:       tx,
		importer: importer,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnPathsChanged implements watch.BatchHandler.
func (c *Consumer) OnPathsChanged(batch watch.ChangeBatch) {
	c.Apply(batch)
}

// Apply processes one batch to completion, including any fallback
// reimport. Calls are serialized.
func (c *Consumer) Apply(batch watch.ChangeBatch) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	logger := c.logger.With(slog.String("root", batch.Root))

	var res Result

	resolved := resolve(batch.Paths)

	for _, path := range resolved.scripts {
		c.apply(logger, batch.Root, path, &res)
	}

	c.removeDeleted(logger, resolved.deleted, &res)
	c.pruneVanished(logger, resolved.vanished, &res)

	if res.Written+res.Removed > 0 {
		if err := c.tx.Commit(); err != nil {
			logger.Warn("commit failed, reimporting affected bundles",
				slog.String("error", err.Error()),
				slog.Int("paths", len(batch.Paths)),
			)

			c.tx.Rollback()
			res.Reimported = c.reimport(logger, batch)
		} else {
			res.Committed = true
		}
	} else {
		c.tx.Rollback()
	}

	res.Duration = c.now().Sub(start)

	logger.Info("batch processed",
		slog.Int("paths", len(batch.Paths)),
		slog.Int("written", res.Written),
		slog.Int("removed", res.Removed),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
		slog.Bool("committed", res.Committed),
		slog.Int("reimported", len(res.Reimported)),
		slog.Duration("duration", res.Duration),
	)

	return res
}

// apply interprets and writes one script.
func (c *Consumer) apply(logger *slog.Logger, root, path string, res *Result) {
	def, err := c.interp.Interpret(root, path)

	var nameErr *script.NameError

	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		// Deleted while the batch was in flight; its delete event follows.
		logger.Debug("script vanished", slog.String("path", path))
		return
	case errors.Is(err, script.ErrNotDefinition):
		logger.Info("not an updater script, skipping", slog.String("path", path))
		res.Skipped++

		return
	case errors.As(err, &nameErr):
		logger.Error("invalid updater name",
			slog.String("path", path),
			slog.String("name", nameErr.Name),
			slog.String("reason", nameErr.Reason),
		)

		res.Failed++

		return
	case errors.Is(err, script.ErrFileTooLarge):
		logger.Warn("script too large, skipping", slog.String("path", path), slog.String("error", err.Error()))
		res.Skipped++

		return
	default:
		logger.Warn("invalid updater script, skipping", slog.String("path", path), slog.String("error", err.Error()))
		res.Failed++

		return
	}

	if def.Excluded {
		logger.Debug("script excluded", slog.String("path", path))
		res.Excluded++

		return
	}

	if err := c.writer.Write(def); err != nil {
		logger.Warn("writing definition failed",
			slog.String("path", path),
			slog.String("name", def.Name),
			slog.String("error", err.Error()),
		)

		res.Failed++

		return
	}

	logger.Debug("definition written", slog.String("path", path), slog.String("name", def.Name))
	res.Written++
}

// removeDeleted removes the records of deleted scripts.
func (c *Consumer) removeDeleted(logger *slog.Logger, deleted []string, res *Result) {
	remover, ok := c.writer.(Remover)
	if !ok {
		return
	}

	for _, path := range deleted {
		found, err := remover.Remove(path)
		if err != nil {
			logger.Warn("removing record failed", slog.String("path", path), slog.String("error", err.Error()))
			res.Failed++

			continue
		}

		if found {
			logger.Debug("record removed", slog.String("path", path))
			res.Removed++
		}
	}
}

// pruneVanished removes the records of scripts beneath vanished paths.
func (c *Consumer) pruneVanished(logger *slog.Logger, vanished []string, res *Result) {
	pruner, ok := c.writer.(Pruner)
	if !ok {
		return
	}

	for _, path := range vanished {
		n, err := pruner.PruneMissing(path)
		if err != nil {
			logger.Warn("removing records failed", slog.String("path", path), slog.String("error", err.Error()))
			res.Failed++

			continue
		}

		if n > 0 {
			logger.Debug("records removed", slog.String("path", path), slog.Int("count", n))
			res.Removed += n
		}
	}
}

// reimport imports every bundle touched by batch once, committing after
// each. Failures are logged and rolled back, not retried.
func (c *Consumer) reimport(logger *slog.Logger, batch watch.ChangeBatch) []string {
	bundles := sets.New[string]()

	for _, path := range batch.Paths {
		bundle, ok := bundleOf(batch.Root, path)
		if !ok {
			logger.Debug("bundle vanished, nothing to reimport", slog.String("path", path))
			continue
		}

		bundles.Insert(bundle)
	}

	ordered := sets.List(bundles)

	for _, bundle := range ordered {
		if err := c.importer.ImportAll(bundle); err != nil {
			logger.Error("reimport failed",
				slog.String("bundle", bundle),
				slog.String("error", err.Error()),
			)

			c.tx.Rollback()

			continue
		}

		if err := c.tx.Commit(); err != nil {
			logger.Error("committing reimport failed",
				slog.String("bundle", bundle),
				slog.String("error", err.Error()),
			)

			c.tx.Rollback()

			continue
		}

		logger.Info("bundle reimported", slog.String("bundle", bundle))
	}

	return ordered
}
