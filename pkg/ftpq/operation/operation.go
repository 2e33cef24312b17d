package operation

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/queue"
)

// timeNotSet is the sentinel stored in start/end stamps: the operation
// never started, or is currently running (end stamp).
const timeNotSet int64 = -1

// ServerPathType classifies the server's path syntax, derived from the
// cached SYST reply and first banner.
type ServerPathType int

const (
	// PathUnix uses forward slashes rooted at /.
	PathUnix ServerPathType = iota
	// PathWindows uses drive letters and accepts backslashes.
	PathWindows
	// PathUnknown means no banner has been cached yet.
	PathUnknown
)

// RefreshFunc is called when a source/target panel path needs a
// listing refresh. hard requests a full listing-cache invalidation;
// soft refreshes only redraw what is already cached.
//
// The callback runs outside the operation lock, so it may read the
// operation. It can still run while a worker holds the queue lock, so
// it must not call into the queue synchronously; post to the UI loop
// instead.
type RefreshFunc func(path string, includingSubdirs, hard bool)

// Operation is one user-initiated bulk action: it owns the queue, the
// connection parameters, the aggregate counters mirrored from the
// queue root, and the policy knobs consumed by workers and the
// disk-I/O pool. The GUI dialog holds a non-owning reference and talks
// to it only through the command methods.
type Operation struct {
	mu sync.Mutex

	typ    core.OperationType
	params conn.Params
	logger zerolog.Logger

	srcPath              string
	srcCanChange         bool
	srcIncludingSubdirs  bool
	tgtPath              string
	tgtCanChange         bool
	tgtIncludingSubdirs  bool

	policies PolicySet
	latches  *skipLatches

	counters     core.CounterDelta
	lastReported core.OperationState
	everReported bool

	// hardRefresh latches when a truly new failure or skip arrives
	// (as opposed to a dismissed one); consumed when the operation
	// reaches a finished state.
	hardRefresh bool
	refresh     RefreshFunc

	totalBytes  int64
	totalBlocks int64
	// Block-size inference for servers reporting sizes in allocation
	// blocks only: running ratio of exact byte counts to block counts
	// observed on completed transfers.
	blockBytesSeen int64
	blockUnitsSeen int64

	startMillis int64
	endMillis   int64
	wasPaused   bool

	serverSystem     string
	serverFirstReply string

	queue    *queue.Queue
	pool     core.WorkerPool
	notifier *core.Notifier
	speed    *SpeedMeter

	now func() time.Time // test hook
}

// New creates an operation of the given type with its own queue. The
// worker pool is attached later with SetPool, once the workers exist.
func New(typ core.OperationType, params conn.Params, listener core.Listener, logger zerolog.Logger) *Operation {
	op := &Operation{
		typ:         typ,
		params:      params,
		logger:      logger.With().Stringer("operation", typ).Logger(),
		latches:     newSkipLatches(),
		notifier:    core.NewNotifier(listener, logger),
		speed:       NewSpeedMeter(),
		startMillis: timeNotSet,
		endMillis:   timeNotSet,
		now:         time.Now,
	}
	op.queue = queue.New(op, logger)
	return op
}

// Type returns the operation's action kind.
func (op *Operation) Type() core.OperationType { return op.typ }

// Queue returns the operation's queue.
func (op *Operation) Queue() *queue.Queue { return op.queue }

// Notifier returns the coalescing change notifier the dialog drains.
func (op *Operation) Notifier() *core.Notifier { return op.notifier }

// Speed returns the operation-wide transfer speed meter.
func (op *Operation) Speed() *SpeedMeter { return op.speed }

// Params returns the connection parameters workers dial with.
func (op *Operation) Params() conn.Params { return op.params }

// SetPool attaches the worker pool. Called once during wiring.
func (op *Operation) SetPool(pool core.WorkerPool) {
	op.mu.Lock()
	op.pool = pool
	op.mu.Unlock()
}

// SetPaths records the source and target panel paths together with
// the flags deciding whether refresh notifications may fire for them.
func (op *Operation) SetPaths(src string, srcCanChange, srcSubdirs bool, tgt string, tgtCanChange, tgtSubdirs bool) {
	op.mu.Lock()
	op.srcPath, op.srcCanChange, op.srcIncludingSubdirs = src, srcCanChange, srcSubdirs
	op.tgtPath, op.tgtCanChange, op.tgtIncludingSubdirs = tgt, tgtCanChange, tgtSubdirs
	op.mu.Unlock()
}

// SetRefreshFunc installs the panel-refresh callback.
func (op *Operation) SetRefreshFunc(f RefreshFunc) {
	op.mu.Lock()
	op.refresh = f
	op.mu.Unlock()
}

// SetPolicies installs the conflict-resolution policy sets.
func (op *Operation) SetPolicies(p PolicySet) {
	op.mu.Lock()
	op.policies = p
	op.mu.Unlock()
}

// Policies returns the policy set matching the operation direction:
// the upload group for uploads, the operations group otherwise.
func (op *Operation) Policies() Policies {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.typ.Upload() {
		return op.policies.Upload
	}
	return op.policies.Operations
}

// AddToRootCounters implements core.AggregateSink: it absorbs counter
// deltas from the queue root and re-derives the externally visible
// operation state. The queue calls it while holding its own lock; the
// operation lock is ordered after the queue lock, and no operation
// method calls back into the queue while holding it.
func (op *Operation) AddToRootCounters(delta core.CounterDelta, onlyDismissed bool) {
	op.mu.Lock()
	op.counters = op.counters.Add(delta)
	if !onlyDismissed && (delta.Failed > 0 || delta.Skipped > 0) {
		op.hardRefresh = true
	}
	fire := op.deriveStateLocked()
	op.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// deriveStateLocked posts an edge-triggered state notification and
// handles the retry-path speed reset plus the finish-time refresh. The
// refresh callback is returned as a closure for the caller to run
// after unlocking; a callback reading the operation must not deadlock.
func (op *Operation) deriveStateLocked() func() {
	state := core.StateOfCounters(op.counters)
	if op.everReported && state == op.lastReported {
		return nil
	}
	if op.everReported && op.lastReported != core.OperationInProgress && state == core.OperationInProgress {
		// Back from a terminal-looking state because of a retry: the
		// idle wait must not count into the speed.
		op.speed.Reset()
	}
	op.everReported = true
	op.lastReported = state
	op.notifier.PostOperationState(state)

	if state != core.OperationInProgress {
		op.endMillis = op.nowMillis()
		return op.refreshCallLocked(state)
	}
	if op.startMillis != timeNotSet {
		op.endMillis = timeNotSet
	}
	return nil
}

// refreshCallLocked captures the panel-refresh invocation while the
// lock is held, consuming the hard-refresh latch.
func (op *Operation) refreshCallLocked(state core.OperationState) func() {
	if op.refresh == nil {
		return nil
	}
	hard := op.hardRefresh &&
		(state == core.OperationFinishedWithErrors || state == core.OperationFinishedWithSkips)
	op.hardRefresh = false
	refresh := op.refresh
	srcPath, srcOK, srcSub := op.srcPath, op.srcCanChange, op.srcIncludingSubdirs
	tgtPath, tgtOK, tgtSub := op.tgtPath, op.tgtCanChange, op.tgtIncludingSubdirs
	return func() {
		if srcOK {
			refresh(srcPath, srcSub, hard)
		}
		if tgtOK {
			refresh(tgtPath, tgtSub, hard)
		}
	}
}

// Counters returns a snapshot of the aggregate counters.
func (op *Operation) Counters() core.CounterDelta {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.counters
}

// GetOperationState is a pure function of the four counters.
func (op *Operation) GetOperationState() core.OperationState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return core.StateOfCounters(op.counters)
}

// Start stamps the start time. Safe to call once, before workers run.
func (op *Operation) Start() {
	op.mu.Lock()
	op.startMillis = op.nowMillis()
	op.endMillis = timeNotSet
	op.mu.Unlock()
	op.speed.Reset()
}

// IsPaused is a derived view, not a stored field: the operation is
// paused when no worker is both working and unpaused, or when nothing
// is left to claim while workers still exist.
func (op *Operation) IsPaused() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.isPausedLocked()
}

func (op *Operation) isPausedLocked() bool {
	if op.pool == nil {
		return false
	}
	outstanding := op.counters.NotDone - op.counters.Skipped - op.counters.Failed - op.counters.UINeeded
	if outstanding <= 0 && op.pool.WorkerCount() > 0 {
		return true
	}
	return !op.pool.SomeWorkerIsWorking()
}

// ReportWorkerChange is called by workers whenever their state or
// progress changes. State reports re-derive the paused view and keep
// the elapsed-time accounting continuous across pause/resume: pausing
// stamps an end time (nudged off the sentinel), resuming shifts the
// start time forward by the paused span and resets the speed meter.
// Progress-only reports skip the pause bookkeeping; every pause and
// resume edge arrives as a state report.
func (op *Operation) ReportWorkerChange(workerID int, progressChanged bool) {
	if !progressChanged {
		op.mu.Lock()
		paused := op.isPausedLocked()
		if paused != op.wasPaused {
			op.wasPaused = paused
			now := op.nowMillis()
			if paused {
				if now == timeNotSet {
					now++ // keep the stamp off the sentinel
				}
				op.endMillis = now
			} else {
				if op.endMillis != timeNotSet && op.startMillis != timeNotSet {
					op.startMillis += now - op.endMillis
				}
				op.endMillis = timeNotSet
				op.speed.Reset()
			}
		}
		op.mu.Unlock()
	}
	op.notifier.PostWorkerChange(workerID)
}

// ReportItemChange is called by workers after an item's state changed;
// uid may be UIDNone for "many items changed".
func (op *Operation) ReportItemChange(uid core.UID) {
	op.notifier.PostItemChange(uid)
}

// ElapsedMillis returns the running time with paused spans excluded.
func (op *Operation) ElapsedMillis() int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.startMillis == timeNotSet {
		return 0
	}
	end := op.endMillis
	if end == timeNotSet {
		end = op.nowMillis()
	}
	return end - op.startMillis
}

func (op *Operation) nowMillis() int64 {
	return op.now().UnixMilli()
}

// AddToTotalSize accounts an item's size into the global totals.
func (op *Operation) AddToTotalSize(size int64, inBlocks bool) {
	op.mu.Lock()
	if inBlocks {
		op.totalBlocks += size
	} else {
		op.totalBytes += size
	}
	op.mu.Unlock()
}

// NoteExactFileSize feeds the block-size inference with an observed
// (blocks, exact bytes) pair from a completed transfer.
func (op *Operation) NoteExactFileSize(blocks, bytes int64) {
	if blocks <= 0 || bytes <= 0 {
		return
	}
	op.mu.Lock()
	op.blockUnitsSeen += blocks
	op.blockBytesSeen += bytes
	op.mu.Unlock()
}

// ApproxBytes converts a block count to an approximate byte count
// using the inferred block size; with nothing observed yet it assumes
// the customary 512-byte block.
func (op *Operation) ApproxBytes(blocks int64) int64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.blockUnitsSeen == 0 {
		return blocks * 512
	}
	return blocks * op.blockBytesSeen / op.blockUnitsSeen
}

// TotalBytes returns the known byte total plus the approximated
// portion reported in blocks.
func (op *Operation) TotalBytes() int64 {
	op.mu.Lock()
	bytes, blocks := op.totalBytes, op.totalBlocks
	op.mu.Unlock()
	return bytes + op.ApproxBytes(blocks)
}

// SetSkipAll latches "skip all errors of this kind" for one problem
// class; the latch lives until ResetDialogSession.
func (op *Operation) SetSkipAll(p core.ProblemID) {
	op.latches.set(p)
}

// ShouldAutoSkip reports whether the problem class was latched.
func (op *Operation) ShouldAutoSkip(p core.ProblemID) bool {
	return op.latches.suppressed(p)
}

// ResetDialogSession clears the skip-all latches; called each time the
// operation dialog opens.
func (op *Operation) ResetDialogSession() {
	op.latches.reset()
}

// SetServerSystem caches the SYST reply for path-type heuristics.
func (op *Operation) SetServerSystem(syst string) {
	op.mu.Lock()
	op.serverSystem = syst
	op.mu.Unlock()
}

// SetServerFirstReply caches the server banner; the first worker to
// connect records it, later workers leave it alone.
func (op *Operation) SetServerFirstReply(reply string) {
	op.mu.Lock()
	if op.serverFirstReply == "" {
		op.serverFirstReply = reply
	}
	op.mu.Unlock()
}

// GetFTPServerPathType classifies the path syntax from the cached
// banners. The heuristic is a policy knob, not an exact contract.
func (op *Operation) GetFTPServerPathType(path string) ServerPathType {
	op.mu.Lock()
	syst, banner := op.serverSystem, op.serverFirstReply
	op.mu.Unlock()
	if syst == "" && banner == "" {
		return PathUnknown
	}
	lower := strings.ToLower(syst + " " + banner)
	if strings.Contains(lower, "windows") || strings.Contains(lower, "winsock") ||
		strings.ContainsRune(path, '\\') {
		return PathWindows
	}
	return PathUnix
}

// GetUserHostPort returns the connection identity; the open-file
// registry keys remote paths under it.
func (op *Operation) GetUserHostPort() (user, host string, port int) {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.params.User, op.params.Host, op.params.Port
}

// GetDiskOperDefaults fills the policy fields of a disk-work request
// before it is handed to the external disk worker pool.
func (op *Operation) GetDiskOperDefaults(dw *DiskWork) {
	p := op.Policies()
	dw.CannotCreateFile = p.CannotCreateFile
	dw.CannotCreateDir = p.CannotCreateDir
	dw.AlreadyExists = p.AlreadyExists
	dw.RetryOnCreated = p.RetryOnCreated
	dw.RetryOnResumed = p.RetryOnResumed
}
