package core

import (
	"sync"

	"github.com/rs/zerolog"
)

// Listener receives coalesced change signals. The operation dialog (or
// any other UI surface) implements it; callbacks must be cheap and must
// not call back into the engine while handling a signal.
type Listener interface {
	// OperationStateChanged fires once per edge of the operation state.
	OperationStateChanged(newState OperationState)
	// WorkerChanged fires with a worker ID, or -1 meaning "redraw all".
	WorkerChanged(workerID int)
	// ItemsChanged fires with up to two item UIDs, or UIDNone meaning
	// "redraw all".
	ItemsChanged(uids []UID)
}

// Notifier coalesces change reports before delivering them to the
// registered listener. Redundant reports between two Flush calls are
// absorbed: one or two simultaneously changed items is the common case
// and keeps its identity; a third distinct item degrades the signal to
// "all items changed".
type Notifier struct {
	mu       sync.Mutex
	listener Listener
	logger   zerolog.Logger

	opStatePending bool
	opState        OperationState

	workerPending bool
	workerID      int // -1 = all

	itemsPending bool
	itemUIDs     [2]UID
	itemCount    int // 0..2, or -1 = all
}

// NewNotifier creates a notifier delivering to listener. A nil
// listener is allowed; signals are then coalesced and dropped on Flush.
func NewNotifier(listener Listener, logger zerolog.Logger) *Notifier {
	return &Notifier{listener: listener, logger: logger}
}

// PostOperationState records an operation state edge. Later posts
// before the next Flush overwrite the value, never queue.
func (n *Notifier) PostOperationState(s OperationState) {
	n.mu.Lock()
	n.opStatePending = true
	n.opState = s
	n.mu.Unlock()
}

// PostWorkerChange records that one worker (or all, workerID == -1)
// changed. Two distinct worker IDs coalesce to "all".
func (n *Notifier) PostWorkerChange(workerID int) {
	n.mu.Lock()
	switch {
	case !n.workerPending:
		n.workerPending = true
		n.workerID = workerID
	case n.workerID != workerID:
		n.workerID = -1
	}
	n.mu.Unlock()
}

// PostItemChange records that one item (or all, uid == UIDNone)
// changed. The two-slot buffer keeps item identity for the common case
// of one or two changed items; a third distinct UID degrades to "all".
func (n *Notifier) PostItemChange(uid UID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if uid == UIDNone || n.itemCount == -1 {
		n.itemsPending = true
		n.itemCount = -1
		return
	}
	for i := 0; i < n.itemCount; i++ {
		if n.itemUIDs[i] == uid {
			return
		}
	}
	if n.itemCount == len(n.itemUIDs) {
		n.itemsPending = true
		n.itemCount = -1
		return
	}
	n.itemUIDs[n.itemCount] = uid
	n.itemCount++
	n.itemsPending = true
}

// Flush delivers every pending signal to the listener and clears the
// pending set. Call it from the consumer side (dialog refresh timer or
// an explicit pump), never while holding engine locks.
func (n *Notifier) Flush() {
	n.mu.Lock()
	opStatePending, opState := n.opStatePending, n.opState
	workerPending, workerID := n.workerPending, n.workerID
	itemsPending, itemCount := n.itemsPending, n.itemCount
	var uids []UID
	if itemsPending {
		if itemCount == -1 {
			uids = []UID{UIDNone}
		} else {
			uids = append(uids, n.itemUIDs[:itemCount]...)
		}
	}
	n.opStatePending = false
	n.workerPending = false
	n.itemsPending = false
	n.itemCount = 0
	listener := n.listener
	n.mu.Unlock()

	if listener == nil {
		return
	}
	if opStatePending {
		n.logger.Debug().Stringer("state", opState).Msg("notifying operation state change")
		listener.OperationStateChanged(opState)
	}
	if workerPending {
		n.logger.Trace().Int("worker_id", workerID).Msg("notifying worker change")
		listener.WorkerChanged(workerID)
	}
	if itemsPending {
		listener.ItemsChanged(uids)
	}
}

// Pending reports whether any signal awaits a Flush.
func (n *Notifier) Pending() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opStatePending || n.workerPending || n.itemsPending
}
