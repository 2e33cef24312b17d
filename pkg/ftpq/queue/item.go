package queue

import (
	"time"

	"github.com/halwen/ftpq/pkg/ftpq/core"
)

// Item is one unit of work inside an operation: one file or directory
// action. The variant payloads are nil unless the Type uses them;
// dispatch is always a switch over Type, never type assertions.
//
// Items never reference each other by pointer. Parent/child links are
// UIDs resolved through the queue's arena, because items get replaced
// wholesale while other workers iterate (ReplaceItemWithListOfItems).
type Item struct {
	UID       core.UID
	ParentUID core.UID
	Type      core.ItemType
	State     core.ItemState

	// Problem context, populated when State is Failed, ForcedToFail or
	// UserInputNeeded.
	Problem core.ProblemID
	OSErr   error
	ErrText string // raw server reply, when the server rejected a command
	ErrTime int64  // logical clock stamp; orders "most recent error" queries

	// Force is a pending user decision (retry, skip, overwrite, ...).
	Force core.ForceAction

	Path string
	Name string

	Dir   *DirInfo
	Copy  *CopyInfo
	Attrs *AttrsInfo
}

// DirInfo is the payload of directory and explore items: the rolled-up
// contribution of all direct and indirect descendants. Maintained
// incrementally by the queue; never recomputed by full scan outside an
// explicit rebuild.
type DirInfo struct {
	Counters core.CounterDelta
}

// CopyInfo is the payload of copy/move (download and upload) items.
type CopyInfo struct {
	TargetPath string
	TargetName string
	Size       int64
	// SizeInBlocks is set when the server reported the size in
	// allocation blocks; the operation's block-size inference turns it
	// into an approximate byte count.
	SizeInBlocks bool
	ASCII        bool
	ModTime      time.Time
}

// AttrsInfo is the payload of change-attribute items.
type AttrsInfo struct {
	Mode uint32
	// OrigRights keeps the server's original rights string for display.
	OrigRights string
}

// NewItem creates an item in Waiting state with a fresh UID.
func NewItem(typ core.ItemType, parent core.UID, path, name string) *Item {
	it := &Item{
		UID:       core.NextUID(),
		ParentUID: parent,
		Type:      typ,
		State:     core.StateWaiting,
		Path:      path,
		Name:      name,
	}
	if typ.IsDir() {
		it.Dir = &DirInfo{}
	}
	return it
}

// NewCopyItem creates a copy/move item with its transfer payload.
func NewCopyItem(typ core.ItemType, parent core.UID, path, name string, cp CopyInfo) *Item {
	it := NewItem(typ, parent, path, name)
	it.Copy = &cp
	return it
}

// NewAttrsItem creates a change-attributes item with its payload.
func NewAttrsItem(typ core.ItemType, parent core.UID, path, name string, at AttrsInfo) *Item {
	it := NewItem(typ, parent, path, name)
	it.Attrs = &at
	return it
}

// clone returns a detached copy of the item. The queue hands clones to
// outside readers so that worker-side mutation under the queue lock
// never races with a dialog reading the same item.
func (it *Item) clone() *Item {
	cp := *it
	if it.Dir != nil {
		d := *it.Dir
		cp.Dir = &d
	}
	if it.Copy != nil {
		c := *it.Copy
		cp.Copy = &c
	}
	if it.Attrs != nil {
		a := *it.Attrs
		cp.Attrs = &a
	}
	return &cp
}

// Contribution returns the item's current contribution to its parent's
// counters.
func (it *Item) Contribution() core.CounterDelta {
	return core.Contribution(it.State)
}

// HasErrorToSolve reports whether the item carries a problem the user
// can still act on. Structural problems are excluded: no retry fixes
// an invalid path or an explore loop.
func (it *Item) HasErrorToSolve() bool {
	switch it.State {
	case core.StateFailed, core.StateUserInputNeeded:
		return it.Problem.CanRetry() || it.Problem.Confirmation()
	}
	return false
}

// dirTargetState derives the state a directory item should hold from
// its child counters: children outstanding keeps it Delayed; all
// children resolved with any unsuccessful makes it ForcedToFail (the
// only path by which a directory fails); all successful makes it
// Waiting, eligible for its own terminal action (RMD, CHMOD).
func dirTargetState(c core.CounterDelta) core.ItemState {
	switch {
	case c.NotDone-c.Skipped-c.Failed-c.UINeeded > 0:
		return core.StateDelayed
	case c.Skipped+c.Failed+c.UINeeded > 0:
		return core.StateForcedToFail
	default:
		return core.StateWaiting
	}
}
