// Package watch observes directory trees for changes to updater scripts.
//
// Two interchangeable strategies implement [Observer]: [KernelWatcher]
// relies on OS change notifications and [Poller] periodically rescans
// each registered root. [NewObserver] picks one of them once, based on the
// operating system. Raw per-path callbacks are coalesced per root by an
// [Aggregator], which delivers a single [ChangeBatch] per quiet period.
package watch
