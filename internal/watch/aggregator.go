package watch

import (
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// ChangeBatch is the set of paths that changed below Root during one quiet
// period. Paths are absolute, sorted and unique.
type ChangeBatch struct {
	Root  string
	Paths []string
}

// BatchHandler consumes change batches.
type BatchHandler interface {
	OnPathsChanged(batch ChangeBatch)
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(batch ChangeBatch)

// OnPathsChanged calls f(batch).
func (f BatchHandlerFunc) OnPathsChanged(batch ChangeBatch) { f(batch) }

// Aggregator is a Listener for one root. It collects the paths reported
// during each cycle and, once no cycle reported anything for the quiet
// period, delivers them to the handler as one ChangeBatch. Deliveries for a
// root never overlap.
type Aggregator struct {
	root    string
	handler BatchHandler
	logger  *slog.Logger

	mu      sync.Mutex
	current sets.Set[string]

	deliverMu sync.Mutex
	debouncer *Debouncer
}

// NewAggregator creates an aggregator for root delivering to handler after
// quiet has passed without changes.
func NewAggregator(root string, quiet time.Duration, handler BatchHandler, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}

	a := &Aggregator{
		root:    root,
		handler: handler,
		logger:  logger,
		current: sets.New[string](),
	}

	a.debouncer = NewDebouncer(quiet, a.deliver)

	return a
}

// Root returns the directory this aggregator collects changes for.
func (a *Aggregator) Root() string { return a.root }

// Stop drops collected paths and cancels a pending delivery. A delivery
// that is already running completes.
func (a *Aggregator) Stop() {
	a.debouncer.Stop()
}

// ChangesStarted implements Listener.
func (a *Aggregator) ChangesStarted() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = sets.New[string]()
}

// ChangesStopped implements Listener.
func (a *Aggregator) ChangesStopped() {
	a.mu.Lock()
	paths := sets.List(a.current)
	a.current = sets.New[string]()
	a.mu.Unlock()

	if len(paths) > 0 {
		a.debouncer.Trigger(paths...)
	}
}

// DirectoryCreated implements Listener.
func (a *Aggregator) DirectoryCreated(path string) { a.add(path) }

// DirectoryModified implements Listener. Directory timestamps change with
// every entry added or removed; the entries themselves are reported.
func (a *Aggregator) DirectoryModified(string) {}

// DirectoryDeleted implements Listener.
func (a *Aggregator) DirectoryDeleted(path string) { a.add(path) }

// FileCreated implements Listener.
func (a *Aggregator) FileCreated(path string) { a.add(path) }

// FileModified implements Listener.
func (a *Aggregator) FileModified(path string) { a.add(path) }

// FileDeleted implements Listener.
func (a *Aggregator) FileDeleted(path string) { a.add(path) }

func (a *Aggregator) add(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current.Insert(path)
}

func (a *Aggregator) deliver(paths []string) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()

	a.logger.Debug("delivering changes",
		slog.String("root", a.root),
		slog.Int("paths", len(paths)),
	)

	a.handler.OnPathsChanged(ChangeBatch{Root: a.root, Paths: paths})
}
