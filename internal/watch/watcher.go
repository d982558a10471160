package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// KernelWatcher observes directory trees through OS change notifications.
//
// A single background goroutine waits for the first event, keeps collecting
// until the quiet window passes without new events, and then processes the
// collected events grouped per directory token.
type KernelWatcher struct {
	fsw    *fsnotify.Watcher
	filter *Filter
	opts   Options
	tokens *tokenTable

	mu    sync.Mutex
	roots map[string]Listener

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewKernelWatcher creates the OS notification watcher and starts its
// background loop.
func NewKernelWatcher(opts Options) (*KernelWatcher, error) {
	opts = opts.withDefaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &KernelWatcher{
		fsw:    fsw,
		filter: NewFilter(opts.IncludeFiles, opts.ExcludeDirectories, opts.Logger),
		opts:   opts,
		tokens: newTokenTable(),
		roots:  make(map[string]Listener),
		done:   make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

// RegisterDirectory implements Observer.
func (w *KernelWatcher) RegisterDirectory(dir string, listener Listener) error {
	if w.closed.Load() {
		return ErrObserverClosed
	}

	root, err := resolveRoot(dir)
	if err != nil {
		return err
	}

	if w.filter.ExcludesDirectory(root) {
		w.opts.Logger.Debug("not observing excluded directory", slog.String("root", root))
		return nil
	}

	w.mu.Lock()
	w.roots[root] = listener
	w.mu.Unlock()

	if err := w.registerRecursive(root); err != nil {
		w.mu.Lock()
		delete(w.roots, root)
		w.mu.Unlock()

		return fmt.Errorf("watching directory %s: %w", root, err)
	}

	w.opts.Logger.Debug("observing directory",
		slog.String("root", root),
		slog.Int("directories", w.tokens.size()),
	)

	return nil
}

// ObservedRootDirectories implements Observer.
func (w *KernelWatcher) ObservedRootDirectories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	roots := make([]string, 0, len(w.roots))
	for r := range w.roots {
		roots = append(roots, r)
	}

	sort.Strings(roots)

	return roots
}

// Shutdown closes the notification watcher and waits, bounded by
// ShutdownTimeout, for the background loop to exit.
func (w *KernelWatcher) Shutdown() {
	w.closeOnce.Do(func() {
		w.closed.Store(true)

		if err := w.fsw.Close(); err != nil {
			w.opts.Logger.Warn("closing watcher", slog.String("error", err.Error()))
		}

		select {
		case <-w.done:
		case <-time.After(w.opts.ShutdownTimeout):
			w.opts.Logger.Warn("watch loop did not stop in time",
				slog.Duration("timeout", w.opts.ShutdownTimeout))
		}
	})
}

// registerRecursive walks dir and watches every directory that is not
// excluded.
func (w *KernelWatcher) registerRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && w.filter.ExcludesDirectory(path) {
			return filepath.SkipDir
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("adding watch for %s: %w", path, err)
		}

		if tok, rebound := w.tokens.bind(path, info); rebound {
			w.opts.Logger.Debug("moved directory re-registered",
				slog.String("path", path),
				slog.Uint64("token", uint64(tok)),
			)
		}

		return nil
	})
}

func (w *KernelWatcher) registerQuietly(dir string) {
	err := w.registerRecursive(dir)

	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		w.opts.Logger.Debug("directory vanished before it could be registered", slog.String("path", dir))
	default:
		w.opts.Logger.Error("failed to register directory, changes in it will not be picked up",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
	}
}

// ---------------------------------------------------------------------------
// Background loop
// ---------------------------------------------------------------------------

type pendingChanges struct {
	events   []fsnotify.Event
	overflow bool
}

func (w *KernelWatcher) loop() {
	defer close(w.done)

	w.opts.Logger.Debug("watch loop started", slog.Duration("quietWindow", w.opts.QuietWindow))

	for {
		pending, open := w.collect()

		if len(pending.events) > 0 || pending.overflow {
			w.process(pending)
		}

		if !open {
			w.opts.Logger.Debug("watch loop stopped")
			return
		}
	}
}

// collect blocks for the first event and then keeps collecting until a
// full quiet window passes without anything new. The second result is
// false once the watcher has been closed.
func (w *KernelWatcher) collect() (pendingChanges, bool) {
	var p pendingChanges

	select {
	case ev, ok := <-w.fsw.Events:
		if !ok {
			return p, false
		}

		w.receive(&p, ev)
	case err, ok := <-w.fsw.Errors:
		if !ok {
			return p, false
		}

		w.receiveError(&p, err)
	}

	timer := time.NewTimer(w.opts.QuietWindow)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return p, false
			}

			w.receive(&p, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return p, false
			}

			w.receiveError(&p, err)
		case <-timer.C:
			return p, true
		}

		timer.Reset(w.opts.QuietWindow)
	}
}

// receive records ev. New directories are registered right away so that
// files created inside them before processing are not missed.
func (w *KernelWatcher) receive(p *pendingChanges, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}

	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !w.filter.ExcludesDirectory(ev.Name) {
			w.registerQuietly(ev.Name)
		}
	case ev.Has(fsnotify.Rename):
		w.tokens.detach(ev.Name, true)
	case ev.Has(fsnotify.Remove):
		w.tokens.detach(ev.Name, false)
	}

	p.events = append(p.events, ev)
}

func (w *KernelWatcher) receiveError(p *pendingChanges, err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.opts.Logger.Info("event overflow, re-registering all watched directories")

		p.overflow = true

		return
	}

	w.opts.Logger.Error("watcher error", slog.String("error", err.Error()))
}

// tokenEvents holds the events of one directory token in arrival order.
type tokenEvents struct {
	token Token
	refs  []eventRef
}

// eventRef is an event relative to its token's directory; an empty name
// refers to the directory itself.
type eventRef struct {
	op   fsnotify.Op
	name string
}

func (w *KernelWatcher) process(p pendingChanges) {
	c := newCycle(w.opts.Logger)
	defer c.stop()

	for _, unit := range w.groupByToken(p.events) {
		guard(w.opts.Logger, "processing changes", func() {
			w.processToken(c, unit)
		})
	}

	if p.overflow {
		w.recoverOverflow(c)
	}

	for _, path := range w.tokens.purge() {
		// The backend usually dropped the watch together with the directory.
		_ = w.fsw.Remove(path)
	}
}

func (w *KernelWatcher) groupByToken(events []fsnotify.Event) []*tokenEvents {
	var (
		units []*tokenEvents
		index = make(map[Token]*tokenEvents)
	)

	for _, ev := range events {
		ref := eventRef{op: ev.Op, name: filepath.Base(ev.Name)}

		tok, ok := w.tokens.lookup(filepath.Dir(ev.Name))
		if !ok {
			// Events on a watched root itself.
			tok, ok = w.tokens.lookup(ev.Name)
			ref.name = ""
		}

		if !ok {
			w.opts.Logger.Warn("ignoring event for unknown directory", slog.String("path", ev.Name))
			continue
		}

		unit, seen := index[tok]
		if !seen {
			unit = &tokenEvents{token: tok}
			index[tok] = unit
			units = append(units, unit)
		}

		unit.refs = append(unit.refs, ref)
	}

	return units
}

func (w *KernelWatcher) processToken(c *cycle, unit *tokenEvents) {
	dir, ok := w.tokens.path(unit.token)
	if !ok {
		w.opts.Logger.Warn("ignoring events for released token", slog.Uint64("token", uint64(unit.token)))
		return
	}

	root, listener, ok := w.rootFor(dir)
	if !ok {
		w.opts.Logger.Warn("ignoring change outside watched roots", slog.String("path", dir))
		return
	}

	l := c.listener(root, listener)

	for _, ref := range unit.refs {
		path := dir
		if ref.name != "" {
			path = filepath.Join(dir, ref.name)
		}

		ev, ok := w.classify(ref.op, path)
		if !ok {
			continue
		}

		w.opts.Logger.Debug("change detected",
			slog.String("kind", ev.Kind.String()),
			slog.String("path", ev.Path),
			slog.Bool("dir", ev.IsDir),
		)

		c.deliver(l, ev)
	}
}

// classify turns an operation on path into a ChangeEvent. Paths that are
// filtered out, or that vanished before they could be inspected, yield
// false.
func (w *KernelWatcher) classify(op fsnotify.Op, path string) (ChangeEvent, bool) {
	var ev ChangeEvent

	ev.Path = path

	switch {
	case op.Has(fsnotify.Create), op.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return ev, false
		}

		ev.IsDir = info.IsDir()

		ev.Kind = Modified
		if op.Has(fsnotify.Create) {
			ev.Kind = Created
		}
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		ev.Kind = Deleted
		ev.IsDir = w.tokens.known(path)
	default:
		return ev, false
	}

	if ev.IsDir {
		if w.filter.ExcludesDirectory(path) {
			return ev, false
		}
	} else if !w.filter.IncludesFile(path) {
		return ev, false
	}

	return ev, true
}

// recoverOverflow re-registers every root after dropped events and lets the
// listeners reconcile the whole tree.
func (w *KernelWatcher) recoverOverflow(c *cycle) {
	w.mu.Lock()
	roots := make(map[string]Listener, len(w.roots))
	for r, l := range w.roots {
		roots[r] = l
	}
	w.mu.Unlock()

	for _, root := range sortedKeys(roots) {
		guard(w.opts.Logger, "recovering from overflow", func() {
			l := c.listener(root, roots[root])

			if _, err := os.Stat(root); err == nil {
				w.registerQuietly(root)
			}

			c.deliver(l, ChangeEvent{Kind: Overflow, Path: root, IsDir: true})
		})
	}
}

// rootFor returns the innermost registered root containing path.
func (w *KernelWatcher) rootFor(path string) (string, Listener, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	best := ""

	for root := range w.roots {
		if isWithin(root, path) && len(root) > len(best) {
			best = root
		}
	}

	if best == "" {
		return "", nil, false
	}

	return best, w.roots[best], true
}

// ---------------------------------------------------------------------------
// Cycle bookkeeping
// ---------------------------------------------------------------------------

// cycle pairs ChangesStarted and ChangesStopped for every root touched
// while processing one batch of events.
type cycle struct {
	logger  *slog.Logger
	started map[string]Listener
	order   []string

	// last is the most recent event delivered per path.
	last map[string]ChangeEvent
}

func newCycle(logger *slog.Logger) *cycle {
	return &cycle{
		logger:  logger,
		started: make(map[string]Listener),
		last:    make(map[string]ChangeEvent),
	}
}

// deliver forwards ev unless it repeats the previous event for its path.
// A rewrite reports several writes, and a moved directory is reported by
// its parent's watch as well as its own.
func (c *cycle) deliver(l Listener, ev ChangeEvent) {
	if prev, ok := c.last[ev.Path]; ok && prev == ev {
		c.logger.Debug("dropping repeated change",
			slog.String("kind", ev.Kind.String()),
			slog.String("path", ev.Path),
		)

		return
	}

	c.last[ev.Path] = ev

	deliver(l, ev)
}

func (c *cycle) listener(root string, l Listener) Listener {
	if _, ok := c.started[root]; !ok {
		c.started[root] = l
		c.order = append(c.order, root)

		guard(c.logger, "starting changes", l.ChangesStarted)
	}

	return l
}

func (c *cycle) stop() {
	for _, root := range c.order {
		guard(c.logger, "stopping changes", c.started[root].ChangesStopped)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
