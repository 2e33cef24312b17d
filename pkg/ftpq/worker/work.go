package worker

import (
	"errors"
	"fmt"
	"os"
	gopath "path"
	"path/filepath"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/queue"
)

// connLostError wraps the transport failure that killed the control
// connection; handlers bubble it to the work loop instead of failing
// the item.
type connLostError struct {
	cause error
}

func (e *connLostError) Error() string {
	return fmt.Sprintf("connection lost: %v", e.cause)
}

func (e *connLostError) Unwrap() error { return e.cause }

func asConnLost(err error) (error, bool) {
	var cl *connLostError
	if errors.As(err, &cl) {
		return cl.cause, true
	}
	return nil, false
}

// connection returns the live control connection, or nil when a force
// close raced the worker.
func (w *Worker) connection() conn.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

// work runs the protocol for the current item. The per-item-type
// dispatch is deliberately a flat switch: the whole state machine
// stays auditable in one place.
func (w *Worker) work() {
	if w.stopRequested() {
		w.setState(StateStopped, SubNone)
		return
	}
	it := w.current()
	if it == nil {
		w.setState(StateLookingForWork, SubNone)
		return
	}
	w.pausePoint()
	if w.stopRequested() {
		w.setState(StateStopped, SubNone)
		return
	}

	var err error
	switch it.Type {
	case core.TypeDeleteFile, core.TypeDeleteLink, core.TypeDeleteDir:
		err = w.workDelete(it)
	case core.TypeChangeAttrsFile, core.TypeChangeAttrsDir:
		err = w.workChangeAttrs(it)
	case core.TypeExploreDir, core.TypeChangeAttrsExploreDir:
		err = w.workExplore(it)
	case core.TypeUploadExploreDir:
		err = w.workExploreUpload(it)
	case core.TypeResolveLinkCopy, core.TypeResolveLinkDelete:
		err = w.workResolveLink(it)
	case core.TypeCopyFile, core.TypeMoveFile:
		err = w.workDownload(it)
	case core.TypeUploadCopyFile, core.TypeUploadMoveFile:
		err = w.workUpload(it)
	default:
		w.finishItem(core.StateFailed, core.ProblemNone, fmt.Errorf("unhandled item type %s", it.Type), "")
	}

	if cause, lost := asConnLost(err); lost {
		w.handleConnLost(cause)
		return
	}
	w.setSubState(SubNone)
	w.setState(StateLookingForWork, SubNone)
}

// workDelete handles DELE/RMD items. For upload-move operations the
// terminal directory item removes the local source directory instead.
func (w *Worker) workDelete(it *queue.Item) error {
	if it.Type == core.TypeDeleteDir && w.op.Type().Upload() {
		full := filepath.Join(it.Path, it.Name)
		if err := os.Remove(full); err != nil {
			w.finishItem(core.StateFailed, core.ProblemUnableToDelete, err, "")
			return nil
		}
		w.finishItem(core.StateDone, core.ProblemNone, nil, "")
		return nil
	}

	c := w.connection()
	if c == nil {
		return &connLostError{cause: errors.New("no control connection")}
	}
	if err := w.ensureWorkingPath(it.Path); err != nil {
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		w.finishItem(core.StateFailed, core.ProblemUnableToCWD, nil, replyText(err))
		return nil
	}

	var err error
	if it.Type == core.TypeDeleteDir {
		w.setSubState(SubWorkRemovingDir)
		err = c.RemoveDir(it.Name)
	} else {
		w.setSubState(SubWorkDeleting)
		err = c.Delete(it.Name)
	}
	if err != nil {
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		if w.op.ShouldAutoSkip(core.ProblemUnableToDelete) {
			w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
			return nil
		}
		w.finishItem(core.StateFailed, core.ProblemUnableToDelete, nil, replyText(err))
		return nil
	}
	w.finishItem(core.StateDone, core.ProblemNone, nil, "")
	return nil
}

// workChangeAttrs handles SITE CHMOD items. A connection without raw
// command support surfaces the item as the unknown-attributes decision
// point rather than a hard failure.
func (w *Worker) workChangeAttrs(it *queue.Item) error {
	c := w.connection()
	if c == nil {
		return &connLostError{cause: errors.New("no control connection")}
	}
	if err := w.ensureWorkingPath(it.Path); err != nil {
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		w.finishItem(core.StateFailed, core.ProblemUnableToCWD, nil, replyText(err))
		return nil
	}
	w.setSubState(SubWorkChangingAttrs)
	var mode uint32
	if it.Attrs != nil {
		mode = it.Attrs.Mode
	}
	err := c.ChangeMode(it.Name, mode)
	switch {
	case err == nil:
		w.finishItem(core.StateDone, core.ProblemNone, nil, "")
	case errors.Is(err, conn.ErrNotSupported):
		if w.op.ShouldAutoSkip(core.ProblemUnknownAttributes) {
			w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
		} else {
			w.finishItem(core.StateUserInputNeeded, core.ProblemUnknownAttributes, err, "")
		}
	case isConnLost(err):
		return &connLostError{cause: err}
	default:
		w.finishItem(core.StateFailed, core.ProblemUnableToChangeAttrs, nil, replyText(err))
	}
	return nil
}

// releaseReplacedItem drops ownership of an item that was spliced out
// of the queue; there is no state to finalize because the item no
// longer exists.
func (w *Worker) releaseReplacedItem() {
	w.mu.Lock()
	w.curItem = nil
	w.mu.Unlock()
	w.op.ReportItemChange(core.UIDNone)
}

// spliceAndWake replaces the current item with its expansion under the
// queue's batch lock, then wakes exactly one sleeping peer so the new
// work gets picked up without a thundering herd of reconnects.
func (w *Worker) spliceAndWake(it *queue.Item, newItems []*queue.Item) {
	w.q.LockForMoreOperations()
	err := w.q.ReplaceItemWithListOfItems(it.UID, newItems)
	w.q.UnlockForMoreOperations()
	if err != nil {
		w.finishItem(core.StateFailed, core.ProblemLowMemory, err, "")
		return
	}
	w.releaseReplacedItem()
	if w.pool != nil {
		w.pool.GiveWorkToSleepingConWorker(w)
	}
}

// remoteJoin joins FTP path segments with forward slashes.
func remoteJoin(dir, name string) string {
	if dir == "" {
		return name
	}
	return gopath.Join(dir, name)
}
