package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Poller observes directory trees by periodically rescanning them and
// diffing the result against the previous scan.
//
// All roots share one scheduler goroutine and are polled one after the
// other, so rounds for the same root never overlap.
type Poller struct {
	filter *Filter
	opts   Options

	mu    sync.Mutex
	roots map[string]*polledRoot

	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    bool
	done      chan struct{}
}

type polledRoot struct {
	listener Listener
	snapshot snapshot
}

// entry is what the poller remembers about one path.
type entry struct {
	isDir   bool
	modTime time.Time
	size    int64
}

type snapshot map[string]entry

// NewPoller creates a poller and starts its scheduler.
func NewPoller(opts Options) (*Poller, error) {
	opts = opts.withDefaults()

	if opts.PollDelay < 0 {
		return nil, fmt.Errorf("invalid poll delay %s: must be positive", opts.PollDelay)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Poller{
		filter: NewFilter(opts.IncludeFiles, opts.ExcludeDirectories, opts.Logger),
		opts:   opts,
		roots:  make(map[string]*polledRoot),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)

		wait.UntilWithContext(ctx, p.pollAll, opts.PollDelay)
	}()

	return p, nil
}

// RegisterDirectory implements Observer. The tree is scanned before the
// call returns, so existing content is never reported as created.
func (p *Poller) RegisterDirectory(dir string, listener Listener) error {
	root, err := resolveRoot(dir)
	if err != nil {
		return err
	}

	if p.filter.ExcludesDirectory(root) {
		p.opts.Logger.Debug("not observing excluded directory", slog.String("root", root))
		return nil
	}

	snap, err := p.scan(root)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", root, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrObserverClosed
	}

	p.roots[root] = &polledRoot{listener: listener, snapshot: snap}

	p.opts.Logger.Debug("polling directory",
		slog.String("root", root),
		slog.Int("entries", len(snap)),
		slog.Duration("delay", p.opts.PollDelay),
	)

	return nil
}

// ObservedRootDirectories implements Observer.
func (p *Poller) ObservedRootDirectories() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return sortedKeys(p.roots)
}

// Shutdown stops the scheduler and waits, bounded by ShutdownTimeout, for
// a running round to finish.
func (p *Poller) Shutdown() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.cancel()

		select {
		case <-p.done:
		case <-time.After(p.opts.ShutdownTimeout):
			p.opts.Logger.Warn("poller did not stop in time",
				slog.Duration("timeout", p.opts.ShutdownTimeout))
		}
	})
}

func (p *Poller) pollAll(ctx context.Context) {
	p.mu.Lock()
	roots := sortedKeys(p.roots)
	p.mu.Unlock()

	for _, root := range roots {
		if ctx.Err() != nil {
			return
		}

		guard(p.opts.Logger, "polling "+root, func() {
			p.pollRoot(root)
		})
	}
}

// pollRoot runs one round for root: ChangesStarted, the detected changes,
// ChangesStopped. A failed scan is still a round, one without changes, and
// the previous snapshot is kept for the next one.
func (p *Poller) pollRoot(root string) {
	p.mu.Lock()
	pr, ok := p.roots[root]
	p.mu.Unlock()

	if !ok {
		return
	}

	pr.listener.ChangesStarted()
	defer pr.listener.ChangesStopped()

	current, err := p.scan(root)
	if err != nil {
		p.opts.Logger.Warn("scanning watched directory",
			slog.String("root", root),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, ev := range diff(pr.snapshot, current) {
		p.opts.Logger.Debug("change detected",
			slog.String("kind", ev.Kind.String()),
			slog.String("path", ev.Path),
			slog.Bool("dir", ev.IsDir),
		)

		deliver(pr.listener, ev)
	}

	pr.snapshot = current
}

// scan records every directory that is not excluded and every included
// file below root. A missing root yields an empty snapshot.
func (p *Poller) scan(root string) (snapshot, error) {
	snap := make(snapshot)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}

			// Entries may disappear while walking.
			return nil
		}

		if d.IsDir() {
			if path != root && p.filter.ExcludesDirectory(path) {
				return filepath.SkipDir
			}
		} else if !p.filter.IncludesFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // vanished mid-walk
		}

		snap[path] = entry{isDir: d.IsDir(), modTime: info.ModTime(), size: info.Size()}

		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return snapshot{}, nil
	}

	return snap, err
}

// diff returns the changes between two snapshots: deletions first (deepest
// paths first), then creations and modifications in path order.
func diff(prev, curr snapshot) []ChangeEvent {
	var deleted, changed []ChangeEvent

	for path, old := range prev {
		cur, ok := curr[path]
		if !ok || cur.isDir != old.isDir {
			deleted = append(deleted, ChangeEvent{Kind: Deleted, Path: path, IsDir: old.isDir})
		}
	}

	for path, cur := range curr {
		old, ok := prev[path]

		switch {
		case !ok || old.isDir != cur.isDir:
			changed = append(changed, ChangeEvent{Kind: Created, Path: path, IsDir: cur.isDir})
		case !old.modTime.Equal(cur.modTime) || old.size != cur.size:
			changed = append(changed, ChangeEvent{Kind: Modified, Path: path, IsDir: cur.isDir})
		}
	}

	sort.Slice(deleted, func(i, j int) bool { return deleted[i].Path > deleted[j].Path })
	sort.Slice(changed, func(i, j int) bool { return changed[i].Path < changed[j].Path })

	return append(deleted, changed...)
}
