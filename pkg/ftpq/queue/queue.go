package queue

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/halwen/ftpq/pkg/ftpq/core"
)

// Queue is the thread-safe collection of items for one operation and
// the single source of truth for item ownership: a worker may process
// an item only after claiming it through GetNextWaitingItem.
//
// Items live in an insertion-ordered arena with a UID index. Two locks
// guard it: batchMu (taken first) lets a caller make several
// structural mutations atomically against concurrent iteration, mu
// serializes every individual mutation. batchMu is always acquired
// before mu, never the other way around.
type Queue struct {
	batchMu sync.Mutex
	mu      sync.Mutex

	items []*Item
	index map[core.UID]int

	sink   core.AggregateSink
	logger zerolog.Logger

	// errClock orders error stamps strictly across items; coarse timer
	// resolution must not produce ties for "most recent error" queries.
	errClock atomic.Int64

	explored map[string]struct{}
}

// New creates an empty queue reporting root counter deltas to sink.
func New(sink core.AggregateSink, logger zerolog.Logger) *Queue {
	return &Queue{
		index:    make(map[core.UID]int),
		sink:     sink,
		logger:   logger,
		explored: make(map[string]struct{}),
	}
}

// Next implements core.Clock: a strictly increasing logical timestamp.
func (q *Queue) Next() int64 {
	return q.errClock.Add(1)
}

// Add appends items to the queue and credits their contributions to
// their parents (or to the operation aggregate for root items).
func (q *Queue) Add(items ...*Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.addLocked(items)
}

func (q *Queue) addLocked(items []*Item) error {
	for _, it := range items {
		if it == nil {
			return fmt.Errorf("cannot add a nil item to the queue")
		}
		if _, exists := q.index[it.UID]; exists {
			return fmt.Errorf("item with UID %d already exists in the queue", it.UID)
		}
		q.index[it.UID] = len(q.items)
		q.items = append(q.items, it)
	}
	// Credit contributions only after every item is indexed: a parent
	// added in the same batch must be resolvable.
	for _, it := range items {
		q.propagateLocked(it.ParentUID, it.Contribution(), false)
	}
	return nil
}

// Item returns a detached copy of the item with the given UID, or nil.
func (q *Queue) Item(uid core.UID) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.itemLocked(uid)
	if it == nil {
		return nil
	}
	return it.clone()
}

func (q *Queue) itemLocked(uid core.UID) *Item {
	i, ok := q.index[uid]
	if !ok {
		return nil
	}
	return q.items[i]
}

// Count returns the number of items in the queue.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns detached copies of the items in insertion order.
func (q *Queue) Snapshot() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, len(q.items))
	for i, it := range q.items {
		out[i] = it.clone()
	}
	return out
}

// GetNextWaitingItem atomically claims the first Waiting item: the
// test-and-set under the queue lock guarantees two workers can never
// claim the same item. Returns nil when nothing is claimable.
func (q *Queue) GetNextWaitingItem() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.State != core.StateWaiting {
			continue
		}
		if it.Force == core.ForceSkip {
			q.applyStateLocked(it, core.StateSkipped, core.ProblemNone, nil, "")
			it.Force = core.ForceNone
			continue
		}
		// Waiting and Processing contribute identically, so the claim
		// itself moves no counters.
		it.State = core.StateProcessing
		q.logger.Trace().Int64("item_uid", int64(it.UID)).Stringer("type", it.Type).Msg("item claimed")
		return it
	}
	return nil
}

// UpdateItemState moves an item to a new state, recording the problem
// context, and cascades the counter delta up through parent directory
// items to the operation aggregate. A no-op when the state is
// unchanged.
func (q *Queue) UpdateItemState(uid core.UID, newState core.ItemState, problem core.ProblemID, osErr error, errText string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.itemLocked(uid)
	if it == nil {
		return
	}
	q.applyStateLocked(it, newState, problem, osErr, errText)
}

// applyStateLocked is the single place counter bookkeeping happens:
// the item's old contribution is removed, the state mutated, the new
// contribution re-added, and the net delta propagated to the parent.
func (q *Queue) applyStateLocked(it *Item, newState core.ItemState, problem core.ProblemID, osErr error, errText string) {
	old := it.State
	if old == newState {
		return
	}
	// A previously surfaced problem being dismissed is not fresh
	// activity; the flag rides the delta all the way to the operation.
	onlyDismissed := newState == core.StateSkipped &&
		(old == core.StateUserInputNeeded || old == core.StateFailed)

	remove := it.Contribution().Neg()
	it.State = newState
	switch newState {
	case core.StateFailed, core.StateUserInputNeeded, core.StateForcedToFail:
		it.Problem = problem
		it.OSErr = osErr
		it.ErrText = errText
		it.ErrTime = q.errClock.Add(1)
	case core.StateWaiting:
		// Requeued for another attempt; stale problem context would
		// mislead the dialog.
		it.Problem = core.ProblemNone
		it.OSErr = nil
		it.ErrText = ""
	}
	add := it.Contribution()

	q.logger.Debug().
		Int64("item_uid", int64(it.UID)).
		Stringer("from", old).
		Stringer("to", newState).
		Stringer("problem", problem).
		Msg("item state changed")

	q.propagateLocked(it.ParentUID, remove.Add(add), onlyDismissed)
}

// propagateLocked applies a counter delta to the parent chain. Root
// deltas go to the aggregate sink; directory parents absorb the delta
// into their counters and re-derive their own state, which recurses
// the same propagation on a threshold crossing.
func (q *Queue) propagateLocked(parentUID core.UID, delta core.CounterDelta, onlyDismissed bool) {
	if delta.IsZero() {
		return
	}
	if parentUID == core.UIDNone {
		if q.sink != nil {
			q.sink.AddToRootCounters(delta, onlyDismissed)
		}
		return
	}
	parent := q.itemLocked(parentUID)
	if parent == nil || parent.Dir == nil {
		return
	}
	parent.Dir.Counters = parent.Dir.Counters.Add(delta)
	q.reevaluateDirLocked(parent, onlyDismissed)
}

// reevaluateDirLocked re-derives a directory item's state from its
// child counters. Only child-tracking states transition here; a dir
// already claimed (Processing) or finished (Done/Skipped) keeps its
// state.
func (q *Queue) reevaluateDirLocked(dir *Item, onlyDismissed bool) {
	switch dir.State {
	case core.StateWaiting, core.StateDelayed, core.StateForcedToFail:
	default:
		return
	}
	target := dirTargetState(dir.Dir.Counters)
	if target == dir.State {
		return
	}
	old := dir.State
	remove := dir.Contribution().Neg()
	dir.State = target
	if target == core.StateForcedToFail {
		dir.ErrTime = q.errClock.Add(1)
	}
	add := dir.Contribution()

	q.logger.Debug().
		Int64("item_uid", int64(dir.UID)).
		Stringer("from", old).
		Stringer("to", target).
		Msg("directory item re-derived")

	q.propagateLocked(dir.ParentUID, remove.Add(add), onlyDismissed)
}

// AddToNotDoneSkippedFailed nudges counters directly: the item's dir
// counters when uid names a directory item, the operation aggregate
// when uid is UIDNone. Used for bulk corrections during splices.
func (q *Queue) AddToNotDoneSkippedFailed(uid core.UID, delta core.CounterDelta) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if uid == core.UIDNone {
		if q.sink != nil {
			q.sink.AddToRootCounters(delta, false)
		}
		return
	}
	it := q.itemLocked(uid)
	if it == nil || it.Dir == nil {
		return
	}
	it.Dir.Counters = it.Dir.Counters.Add(delta)
	q.reevaluateDirLocked(it, false)
}

// LockForMoreOperations lets the caller batch several structural
// mutations (typically ReplaceItemWithListOfItems plus follow-up
// updates) atomically against concurrent iteration by other workers.
// Must be paired with UnlockForMoreOperations; individual queue
// methods stay callable while held.
func (q *Queue) LockForMoreOperations() {
	q.batchMu.Lock()
}

// UnlockForMoreOperations releases the batch lock.
func (q *Queue) UnlockForMoreOperations() {
	q.batchMu.Unlock()
}

// ReplaceItemWithListOfItems removes the item with the given UID and
// splices the replacement items into its position, preserving
// insertion order. The old item's contribution is withdrawn from its
// parent and each new item's contribution credited. Callers splicing
// from a worker hold the batch lock around this call and any follow-up
// mutations.
func (q *Queue) ReplaceItemWithListOfItems(uid core.UID, newItems []*Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos, ok := q.index[uid]
	if !ok {
		return fmt.Errorf("item with UID %d not found", uid)
	}
	old := q.items[pos]
	for _, it := range newItems {
		if it == nil {
			return fmt.Errorf("cannot splice a nil item")
		}
		if _, exists := q.index[it.UID]; exists {
			return fmt.Errorf("item with UID %d already exists in the queue", it.UID)
		}
	}

	// Withdraw the old item before the splice so its parent sees a
	// single net change together with the replacements.
	q.propagateLocked(old.ParentUID, old.Contribution().Neg(), false)
	delete(q.index, old.UID)

	tail := make([]*Item, len(q.items)-pos-1)
	copy(tail, q.items[pos+1:])
	q.items = append(q.items[:pos], newItems...)
	q.items = append(q.items, tail...)
	for i := pos; i < len(q.items); i++ {
		q.index[q.items[i].UID] = i
	}

	for _, it := range newItems {
		q.propagateLocked(it.ParentUID, it.Contribution(), false)
	}

	q.logger.Debug().
		Int64("replaced_uid", int64(uid)).
		Int("new_items", len(newItems)).
		Msg("item spliced")
	return nil
}

// MarkExplored records a path in the already-explored set. Returns
// false when the path was seen before, which a worker treats as an
// explore endless loop (symlink cycle).
func (q *Queue) MarkExplored(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, seen := q.explored[path]; seen {
		return false
	}
	q.explored[path] = struct{}{}
	return true
}

// NewestError returns a detached copy of the item whose error stamp is
// the most recent, or nil when no item carries an error. The logical
// clock makes the answer unique.
func (q *Queue) NewestError() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var newest *Item
	for _, it := range q.items {
		switch it.State {
		case core.StateFailed, core.StateForcedToFail, core.StateUserInputNeeded:
			if newest == nil || it.ErrTime > newest.ErrTime {
				newest = it
			}
		}
	}
	if newest == nil {
		return nil
	}
	return newest.clone()
}

// SetForceAction records a pending user decision on an item. A Retry
// on a Failed or UserInputNeeded item returns it to Waiting
// immediately; Skip on those states resolves it as dismissed.
func (q *Queue) SetForceAction(uid core.UID, action core.ForceAction) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.itemLocked(uid)
	if it == nil {
		return
	}
	switch {
	case action == core.ForceRetry && (it.State == core.StateFailed || it.State == core.StateUserInputNeeded):
		if !it.Problem.Structural() {
			q.applyStateLocked(it, core.StateWaiting, core.ProblemNone, nil, "")
		}
	case action == core.ForceSkip && (it.State == core.StateFailed || it.State == core.StateUserInputNeeded):
		q.applyStateLocked(it, core.StateSkipped, core.ProblemNone, nil, "")
	default:
		it.Force = action
	}
}

// TakeForceAction consumes a pending force action: the stored action
// is returned and cleared in one step, so a worker resolving a
// conflict and a dialog recording a decision never race on the field.
func (q *Queue) TakeForceAction(uid core.UID) core.ForceAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.itemLocked(uid)
	if it == nil {
		return core.ForceNone
	}
	action := it.Force
	it.Force = core.ForceNone
	return action
}
