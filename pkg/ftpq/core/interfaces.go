package core

// AggregateSink receives counter deltas for root items. The operation
// implements it; the queue calls it whenever a root item's
// contribution changes.
//
// onlyDismissed is true when the delta comes from an item that moved
// into Skipped out of UserInputNeeded or Failed: a previously surfaced
// problem was dismissed, not newly produced, so the sink must not
// treat it as fresh activity (no hard path-refresh).
type AggregateSink interface {
	AddToRootCounters(delta CounterDelta, onlyDismissed bool)
}

// WorkerPool is the slice of the worker list the operation needs
// without importing the worker package (the worker package imports the
// operation package; this interface breaks the cycle).
type WorkerPool interface {
	// SomeWorkerIsWorking reports whether at least one worker is both
	// working and unpaused.
	SomeWorkerIsWorking() bool
	// PostNewWorkAvailable wakes sleeping workers: exactly one when
	// onlyOneItem is true, all of them otherwise.
	PostNewWorkAvailable(onlyOneItem bool)
	// WorkerCount returns the number of live workers.
	WorkerCount() int
}

// Clock is a monotonically increasing logical clock. It orders events
// within one run strictly even when wall-clock resolution is coarse;
// callers obtain values only through Next.
type Clock interface {
	Next() int64
}
