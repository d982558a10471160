package watch

import (
	"log/slog"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Debouncer coalesces rapid triggers into a single callback invocation.
// Paths collected until the interval passes without a new trigger are
// handed to the callback together, sorted and de-duplicated.
type Debouncer struct {
	interval time.Duration
	mu       sync.Mutex
	timer    *time.Timer
	callback func(paths []string)
	pending  sets.Set[string]
}

// NewDebouncer creates a debouncer that waits for interval of quiet before
// firing callback with every path seen since the last invocation.
func NewDebouncer(interval time.Duration, callback func(paths []string)) *Debouncer {
	return &Debouncer{
		interval: interval,
		callback: callback,
		pending:  sets.New[string](),
	}
}

// Trigger records paths and restarts the quiet period.
func (d *Debouncer) Trigger(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending.Insert(paths...)

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.interval, d.fire)
}

func (d *Debouncer) fire() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("debouncer callback panicked", slog.Any("error", r))
		}
	}()

	d.mu.Lock()
	paths := sets.List(d.pending)
	d.pending = sets.New[string]()
	d.timer = nil
	d.mu.Unlock()

	if len(paths) == 0 {
		return
	}

	d.callback(paths)
}

// Stop cancels any pending debounced callback and drops collected paths.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	d.pending = sets.New[string]()
}
