package worker

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/operation"
)

// List owns the workers of one operation. It satisfies core.WorkerPool
// so the operation and queue can talk to the workers without importing
// this package.
type List struct {
	logger   zerolog.Logger
	op       *operation.Operation
	registry *conn.Registry
	listings *ListingCache
	cfg      Config

	mu      sync.Mutex
	workers []*Worker
}

// NewList creates an empty pool bound to one operation. The registry
// is shared across operations targeting the same server; pass the same
// instance to every pool.
func NewList(op *operation.Operation, registry *conn.Registry, cfg Config, logger zerolog.Logger) *List {
	l := &List{
		logger:   logger,
		op:       op,
		registry: registry,
		listings: NewListingCache(),
		cfg:      cfg,
	}
	op.SetPool(l)
	return l
}

// AddWorker creates one worker and starts its goroutine. Worker IDs
// are dense indices; they are reused only through DeleteWorkers.
func (l *List) AddWorker(dial DialFunc) *Worker {
	l.mu.Lock()
	id := len(l.workers)
	w := newWorker(id, l.op, dial, l.registry, l.listings, l.cfg, l.logger)
	w.pool = l
	l.workers = append(l.workers, w)
	l.mu.Unlock()
	go w.Run()
	l.op.ReportWorkerChange(id, false)
	return w
}

// Worker returns the worker at index, or nil.
func (l *List) Worker(index int) *Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.workers) {
		return nil
	}
	return l.workers[index]
}

// WorkerCount returns the number of workers, stopped ones included
// until DeleteWorkers reaps them.
func (l *List) WorkerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// selectWorkers resolves an index to its victims: a valid index picks
// one worker, any negative index picks all of them.
func (l *List) selectWorkers(index int) []*Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= 0 {
		if index < len(l.workers) {
			return []*Worker{l.workers[index]}
		}
		return nil
	}
	out := make([]*Worker, len(l.workers))
	copy(out, l.workers)
	return out
}

// InformWorkersAboutStop requests a cooperative stop from the worker
// at index, or from all workers when index is negative. The affected
// workers are appended to victims up to its capacity; the return value
// is the number affected.
func (l *List) InformWorkersAboutStop(index int, victims []*Worker) int {
	ws := l.selectWorkers(index)
	for i, w := range ws {
		w.requestStop()
		if i < cap(victims) {
			victims = victims[:i+1]
			victims[i] = w
		}
	}
	return len(ws)
}

// InformWorkersAboutPause sets or clears the pause flag the same way
// InformWorkersAboutStop addresses workers.
func (l *List) InformWorkersAboutPause(index int, pause bool, victims []*Worker) int {
	ws := l.selectWorkers(index)
	for i, w := range ws {
		w.requestPause(pause)
		if i < cap(victims) {
			victims = victims[:i+1]
			victims[i] = w
		}
	}
	return len(ws)
}

// CanCloseWorkers reports whether every worker has reached Stopped, so
// a caller that asked for a stop can poll before reaping.
func (l *List) CanCloseWorkers() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		if w.State() != StateStopped {
			return false
		}
	}
	return true
}

// ForceCloseWorkers tears down every control connection without QUIT.
// Only for host unload; in-flight transfers are abandoned.
func (l *List) ForceCloseWorkers() {
	for _, w := range l.selectWorkers(-1) {
		w.forceClose()
	}
}

// DeleteWorkers blocks until every worker goroutine has exited, then
// drops them. Callers must have requested a stop first.
func (l *List) DeleteWorkers() {
	ws := l.selectWorkers(-1)
	for _, w := range ws {
		<-w.done
	}
	l.mu.Lock()
	l.workers = nil
	l.mu.Unlock()
}

// SetNewLoginParams installs a replacement dial function on every
// worker and releases any stuck in ConnectionError.
func (l *List) SetNewLoginParams(dial DialFunc) {
	for _, w := range l.selectWorkers(-1) {
		w.SetNewLoginParams(dial)
	}
}

// GiveWorkToSleepingConWorker wakes exactly one sleeping worker other
// than source. With no sleeper to target it falls back to the
// operation-wide new-work broadcast, which reaches workers that are
// between states.
func (l *List) GiveWorkToSleepingConWorker(source *Worker) {
	l.mu.Lock()
	var target *Worker
	for _, w := range l.workers {
		if w == source {
			continue
		}
		if w.State() == StateSleeping {
			target = w
			break
		}
	}
	l.mu.Unlock()
	if target != nil {
		target.wakeUp()
		return
	}
	l.PostNewWorkAvailable(true)
}

// PostNewWorkAvailable wakes sleeping workers: one of them when
// onlyOneItem says a single item appeared, all of them otherwise.
func (l *List) PostNewWorkAvailable(onlyOneItem bool) {
	l.mu.Lock()
	ws := make([]*Worker, len(l.workers))
	copy(ws, l.workers)
	l.mu.Unlock()
	for _, w := range ws {
		if w.State() != StateSleeping {
			continue
		}
		w.wakeUp()
		if onlyOneItem {
			return
		}
	}
}

// SomeWorkerIsWorking reports whether at least one worker is actively
// executing an item and not pause flagged. The operation derives its
// paused view from this.
func (l *List) SomeWorkerIsWorking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		if w.workingUnpaused() {
			return true
		}
	}
	return false
}

var _ core.WorkerPool = (*List)(nil)
