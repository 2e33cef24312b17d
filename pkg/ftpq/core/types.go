package core

import "sync/atomic"

// UID uniquely identifies a queue item within the process.
type UID int64

// UIDNone marks "no item": it is the parent of root items and the
// wildcard value in change notifications ("all items changed").
const UIDNone UID = -1

var uidCounter atomic.Int64

// NextUID returns a process-wide unique, monotonically increasing UID.
func NextUID() UID {
	return UID(uidCounter.Add(1))
}

// ItemType tags the variant of a queue item.
type ItemType int

const (
	// TypeDeleteFile deletes one remote file.
	TypeDeleteFile ItemType = iota
	// TypeDeleteDir removes one remote directory after all of its
	// children resolved successfully.
	TypeDeleteDir
	// TypeDeleteLink deletes one remote symbolic link.
	TypeDeleteLink
	// TypeCopyFile downloads one remote file to a local target.
	TypeCopyFile
	// TypeMoveFile downloads one remote file and deletes the source.
	TypeMoveFile
	// TypeExploreDir lists a remote directory and splices its entries
	// into the queue as new items.
	TypeExploreDir
	// TypeResolveLinkCopy probes a remote link to decide whether it is
	// file-like or directory-like before a download.
	TypeResolveLinkCopy
	// TypeResolveLinkDelete probes a remote link before a delete.
	TypeResolveLinkDelete
	// TypeChangeAttrsFile changes the permissions of one remote file.
	TypeChangeAttrsFile
	// TypeChangeAttrsDir changes the permissions of one remote
	// directory after its children resolved.
	TypeChangeAttrsDir
	// TypeChangeAttrsExploreDir lists a remote directory so its
	// entries can get attribute-change items of their own.
	TypeChangeAttrsExploreDir
	// TypeUploadCopyFile uploads one local file.
	TypeUploadCopyFile
	// TypeUploadMoveFile uploads one local file and deletes the source.
	TypeUploadMoveFile
	// TypeUploadExploreDir creates a remote directory and splices the
	// local directory's entries into the queue.
	TypeUploadExploreDir
)

// String returns a short tag used in logs.
func (t ItemType) String() string {
	switch t {
	case TypeDeleteFile:
		return "delete_file"
	case TypeDeleteDir:
		return "delete_dir"
	case TypeDeleteLink:
		return "delete_link"
	case TypeCopyFile:
		return "copy_file"
	case TypeMoveFile:
		return "move_file"
	case TypeExploreDir:
		return "explore_dir"
	case TypeResolveLinkCopy:
		return "resolve_link_copy"
	case TypeResolveLinkDelete:
		return "resolve_link_delete"
	case TypeChangeAttrsFile:
		return "chattr_file"
	case TypeChangeAttrsDir:
		return "chattr_dir"
	case TypeChangeAttrsExploreDir:
		return "chattr_explore_dir"
	case TypeUploadCopyFile:
		return "upload_copy_file"
	case TypeUploadMoveFile:
		return "upload_move_file"
	case TypeUploadExploreDir:
		return "upload_explore_dir"
	default:
		return "unknown"
	}
}

// IsDir reports whether items of this type carry child counters.
func (t ItemType) IsDir() bool {
	switch t {
	case TypeDeleteDir, TypeExploreDir, TypeChangeAttrsDir,
		TypeChangeAttrsExploreDir, TypeUploadExploreDir:
		return true
	}
	return false
}

// ItemState is the lifecycle state of a queue item. The order is by
// severity; threshold comparisons in the queue rely on it.
type ItemState int

const (
	// StateWaiting means the item is eligible to be claimed by a worker.
	StateWaiting ItemState = iota
	// StateDelayed means a directory item is waiting for its children.
	StateDelayed
	// StateProcessing means exactly one worker owns the item.
	StateProcessing
	// StateDone is the terminal success state.
	StateDone
	// StateSkipped is terminal: the user chose to skip the item.
	StateSkipped
	// StateFailed is recoverable: the item awaits a retry or skip.
	StateFailed
	// StateForcedToFail is set on a directory whose own action was
	// abandoned because at least one descendant failed.
	StateForcedToFail
	// StateUserInputNeeded parks the item until the user decides
	// (overwrite confirmation, credentials, ...).
	StateUserInputNeeded
)

// String returns a short tag used in logs.
func (s ItemState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateDelayed:
		return "delayed"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	case StateForcedToFail:
		return "forced_to_fail"
	case StateUserInputNeeded:
		return "user_input_needed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state can change only through an
// explicit user decision or a subtree re-explore.
func (s ItemState) Terminal() bool {
	switch s {
	case StateDone, StateSkipped, StateForcedToFail:
		return true
	}
	return false
}

// CounterDelta is the contribution of one item (or a batch of items)
// to the NotDone/Skipped/Failed/UINeeded aggregate.
type CounterDelta struct {
	NotDone  int
	Skipped  int
	Failed   int
	UINeeded int
}

// IsZero reports whether all four components are zero.
func (d CounterDelta) IsZero() bool {
	return d.NotDone == 0 && d.Skipped == 0 && d.Failed == 0 && d.UINeeded == 0
}

// Add returns the component-wise sum of two deltas.
func (d CounterDelta) Add(o CounterDelta) CounterDelta {
	return CounterDelta{
		NotDone:  d.NotDone + o.NotDone,
		Skipped:  d.Skipped + o.Skipped,
		Failed:   d.Failed + o.Failed,
		UINeeded: d.UINeeded + o.UINeeded,
	}
}

// Neg returns the component-wise negation.
func (d CounterDelta) Neg() CounterDelta {
	return CounterDelta{
		NotDone:  -d.NotDone,
		Skipped:  -d.Skipped,
		Failed:   -d.Failed,
		UINeeded: -d.UINeeded,
	}
}

// Contribution is the fixed state-to-counter mapping. NotDone counts
// every item that has not completed, so NotDone >= Skipped + Failed +
// UINeeded always holds and the subtraction in StateOfCounters yields
// exactly the items still awaiting work.
func Contribution(s ItemState) CounterDelta {
	switch s {
	case StateWaiting, StateDelayed, StateProcessing:
		return CounterDelta{NotDone: 1}
	case StateDone:
		return CounterDelta{}
	case StateSkipped:
		return CounterDelta{NotDone: 1, Skipped: 1}
	case StateUserInputNeeded:
		return CounterDelta{NotDone: 1, UINeeded: 1}
	case StateFailed, StateForcedToFail:
		return CounterDelta{NotDone: 1, Failed: 1}
	default:
		return CounterDelta{}
	}
}

// OperationState is the externally visible state of a whole operation.
type OperationState int

const (
	// OperationInProgress means outstanding items remain.
	OperationInProgress OperationState = iota
	// OperationFinishedWithErrors means no item is outstanding and at
	// least one failed or awaits user input.
	OperationFinishedWithErrors
	// OperationFinishedWithSkips means the only unsuccessful items
	// were skipped.
	OperationFinishedWithSkips
	// OperationDone means every item completed successfully.
	OperationDone
)

// String returns a short tag used in logs.
func (s OperationState) String() string {
	switch s {
	case OperationInProgress:
		return "in_progress"
	case OperationFinishedWithErrors:
		return "finished_with_errors"
	case OperationFinishedWithSkips:
		return "finished_with_skips"
	case OperationDone:
		return "done"
	default:
		return "unknown"
	}
}

// StateOfCounters maps an aggregate counter tuple to the operation
// state. It is total and deterministic for every tuple.
func StateOfCounters(c CounterDelta) OperationState {
	switch {
	case c.NotDone-c.Skipped-c.Failed-c.UINeeded > 0:
		return OperationInProgress
	case c.Failed+c.UINeeded > 0:
		return OperationFinishedWithErrors
	case c.Skipped > 0:
		return OperationFinishedWithSkips
	default:
		return OperationDone
	}
}

// ForceAction is a pending user decision attached to an item.
type ForceAction int

const (
	// ForceNone means no decision is pending.
	ForceNone ForceAction = iota
	// ForceRetry re-runs the item from scratch.
	ForceRetry
	// ForceSkip marks the item skipped without running it.
	ForceSkip
	// ForceOverwrite overwrites the existing target.
	ForceOverwrite
	// ForceResume resumes a partial transfer.
	ForceResume
)

// OperationType is the user-level action an operation performs.
type OperationType int

const (
	// OpDelete removes the selection from the server.
	OpDelete OperationType = iota
	// OpCopyDownload copies the selection from the server to disk.
	OpCopyDownload
	// OpMoveDownload copies then deletes the remote source.
	OpMoveDownload
	// OpCopyUpload copies a local selection to the server.
	OpCopyUpload
	// OpMoveUpload copies then deletes the local source.
	OpMoveUpload
	// OpChangeAttrs changes permissions on the selection.
	OpChangeAttrs
)

// String returns a short tag used in logs.
func (t OperationType) String() string {
	switch t {
	case OpDelete:
		return "delete"
	case OpCopyDownload:
		return "copy_download"
	case OpMoveDownload:
		return "move_download"
	case OpCopyUpload:
		return "copy_upload"
	case OpMoveUpload:
		return "move_upload"
	case OpChangeAttrs:
		return "change_attrs"
	default:
		return "unknown"
	}
}

// Upload reports whether the operation transfers local data to the
// server (and therefore uses the upload policy set).
func (t OperationType) Upload() bool {
	return t == OpCopyUpload || t == OpMoveUpload
}
