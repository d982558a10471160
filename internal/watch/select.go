package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

// ErrWatchingDisabled is returned by NewObserver when no strategy could
// be created.
var ErrWatchingDisabled = errors.New("file watching disabled")

// NewObserver creates the observer for the current operating system: OS
// change notifications when the OS matches one of opts.KernelOSNames,
// polling otherwise. When notifications cannot be set up the poller is used
// instead.
func NewObserver(opts Options) (Observer, error) {
	return newObserver(opts, runtime.GOOS)
}

func newObserver(opts Options, goos string) (Observer, error) {
	opts = opts.withDefaults()

	var kernelErr error

	if MatchesOS(opts.KernelOSNames, goos, opts.Logger) {
		kw, err := NewKernelWatcher(opts)
		if err == nil {
			opts.Logger.Info("using OS change notifications", slog.String("os", goos))
			return kw, nil
		}

		kernelErr = err
		opts.Logger.Warn("OS change notifications unavailable, falling back to polling",
			slog.String("error", err.Error()))
	}

	p, err := NewPoller(opts)
	if err != nil {
		if kernelErr != nil {
			err = errors.Join(kernelErr, err)
		}

		opts.Logger.Error("watching files is disabled: no observation strategy available",
			slog.String("error", err.Error()))

		return nil, fmt.Errorf("%w: %w", ErrWatchingDisabled, err)
	}

	opts.Logger.Info("polling for file changes",
		slog.String("os", goos),
		slog.Duration("delay", opts.PollDelay),
	)

	return p, nil
}
