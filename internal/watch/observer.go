package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrObserverClosed is returned when registering on an observer that
	// has already been shut down.
	ErrObserverClosed = errors.New("observer is shut down")

	// ErrNotDirectory is returned when a registered root is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// Listener receives the changes detected below one registered root.
//
// Every cycle starts with ChangesStarted and ends with ChangesStopped, also
// when no per-item callback happened in between.
type Listener interface {
	ChangesStarted()
	DirectoryCreated(path string)
	DirectoryModified(path string)
	DirectoryDeleted(path string)
	FileCreated(path string)
	FileModified(path string)
	FileDeleted(path string)
	ChangesStopped()
}

// Observer watches registered directory trees and reports changes to
// their listeners.
type Observer interface {
	// RegisterDirectory reads the current tree below dir and starts
	// observing it. Content that already exists is never reported as
	// created.
	RegisterDirectory(dir string, listener Listener) error

	// ObservedRootDirectories returns the registered roots, sorted.
	ObservedRootDirectories() []string

	// Shutdown stops observing and releases OS resources. It is safe to
	// call more than once.
	Shutdown()
}

// Kind classifies a ChangeEvent.
type Kind int

// Change kinds.
const (
	Created Kind = iota + 1
	Modified
	Deleted
	Overflow
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Overflow:
		return "overflow"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ChangeEvent is a single normalized change produced by a strategy.
type ChangeEvent struct {
	Kind  Kind
	Path  string
	IsDir bool
}

// Options configures both observation strategies.
type Options struct {
	// IncludeFiles are glob patterns matched against file base names.
	// An empty list includes every file.
	IncludeFiles []string

	// ExcludeDirectories are glob patterns matched against directory base
	// names. A matching directory is skipped with its whole subtree.
	ExcludeDirectories []string

	// KernelOSNames lists OS name patterns on which OS change
	// notifications are used. Everywhere else the tree is polled.
	KernelOSNames []string

	// QuietWindow is how long the kernel strategy keeps collecting events
	// after the last one before processing them.
	QuietWindow time.Duration

	// PollDelay is the interval between two polling rounds.
	PollDelay time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for background work.
	ShutdownTimeout time.Duration

	// Logger is used for structured logging.
	Logger *slog.Logger
}

// DefaultOptions returns sensible default observer options.
func DefaultOptions() Options {
	return Options{
		QuietWindow:     100 * time.Millisecond,
		PollDelay:       500 * time.Millisecond,
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.Default(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()

	if o.QuietWindow <= 0 {
		o.QuietWindow = def.QuietWindow
	}

	if o.PollDelay == 0 {
		o.PollDelay = def.PollDelay
	}

	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = def.ShutdownTimeout
	}

	if o.Logger == nil {
		o.Logger = def.Logger
	}

	return o
}

// resolveRoot returns the absolute, cleaned form of dir after checking that
// it is a readable directory.
func resolveRoot(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", dir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("reading directory %s: %w", abs, err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}

	return abs, nil
}

// isWithin reports whether path equals dir or lies below it.
func isWithin(dir, path string) bool {
	if path == dir {
		return true
	}

	return strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

// deliver forwards ev to the matching listener callback.
func deliver(l Listener, ev ChangeEvent) {
	switch ev.Kind {
	case Created:
		if ev.IsDir {
			l.DirectoryCreated(ev.Path)
		} else {
			l.FileCreated(ev.Path)
		}
	case Modified:
		if ev.IsDir {
			l.DirectoryModified(ev.Path)
		} else {
			l.FileModified(ev.Path)
		}
	case Deleted:
		if ev.IsDir {
			l.DirectoryDeleted(ev.Path)
		} else {
			l.FileDeleted(ev.Path)
		}
	case Overflow:
		// Events were dropped: reconcile the whole directory.
		if _, err := os.Stat(ev.Path); err == nil {
			l.DirectoryCreated(ev.Path)
		} else {
			l.DirectoryDeleted(ev.Path)
		}
	}
}

// guard runs fn and logs instead of propagating a panic.
func guard(logger *slog.Logger, during string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("recovered from panic",
				slog.String("during", during),
				slog.Any("error", r),
			)
		}
	}()

	fn()
}
