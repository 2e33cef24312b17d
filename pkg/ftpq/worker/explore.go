package worker

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/operation"
	"github.com/halwen/ftpq/pkg/ftpq/queue"
)

// workExplore lists a remote directory and splices its entries into
// the queue as new items shaped by the operation type. The explored
// path enters the dedup set only once the expansion succeeded; an
// explore requeued by a lost connection or a retried failure runs
// again cleanly, while a path expanded twice means a symlink cycle,
// a structural, non-retryable failure.
func (w *Worker) workExplore(it *queue.Item) error {
	c := w.connection()
	if c == nil {
		return &connLostError{cause: errors.New("no control connection")}
	}
	full := remoteJoin(it.Path, it.Name)

	w.setSubState(SubWorkListing)
	w.setDataState(DataWaitingForConnection)
	entries, err := c.List(full)
	w.setDataState(DataDoesNotExist)
	if err != nil {
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		w.finishItem(core.StateFailed, core.ProblemUnableToList, nil, replyText(err))
		return nil
	}

	// Download explores create the local target directory before any
	// child transfer can run into it.
	var localDir string
	if it.Copy != nil {
		localDir = it.Copy.TargetPath
		if err := os.MkdirAll(localDir, 0o755); err != nil {
			p := w.op.Policies()
			if p.CannotCreateDir == operation.PolicySkip || w.op.ShouldAutoSkip(core.ProblemCannotCreateDir) {
				w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
			} else {
				w.finishItem(core.StateFailed, core.ProblemCannotCreateDir, err, "")
			}
			return nil
		}
	}

	if !w.q.MarkExplored(full) {
		w.finishItem(core.StateFailed, core.ProblemExploreEndlessLoop, nil, "")
		return nil
	}
	w.spliceAndWake(it, w.buildExploreReplacement(it, full, localDir, entries))
	return nil
}

// buildExploreReplacement shapes the replacement list: for delete and
// chattr operations a terminal directory item fronts the children (its
// own RMD/CHMOD runs only after every child resolves); move operations
// get one too so the source dir is deleted last; plain copy explores
// need no terminal action, so children attach to the explored item's
// parent directly.
func (w *Worker) buildExploreReplacement(it *queue.Item, full, localDir string, entries []conn.Entry) []*queue.Item {
	var dirItem *queue.Item
	switch w.op.Type() {
	case core.OpDelete, core.OpMoveDownload:
		dirItem = queue.NewItem(core.TypeDeleteDir, it.ParentUID, it.Path, it.Name)
	case core.OpChangeAttrs:
		var at queue.AttrsInfo
		if it.Attrs != nil {
			at = *it.Attrs
		}
		dirItem = queue.NewAttrsItem(core.TypeChangeAttrsDir, it.ParentUID, it.Path, it.Name, at)
	}

	parent := it.ParentUID
	if dirItem != nil {
		parent = dirItem.UID
	}

	items := make([]*queue.Item, 0, len(entries)+1)
	if dirItem != nil {
		items = append(items, dirItem)
	}
	for _, e := range entries {
		items = append(items, w.childItemFor(it, e, full, localDir, parent))
	}
	return items
}

func (w *Worker) childItemFor(it *queue.Item, e conn.Entry, full, localDir string, parent core.UID) *queue.Item {
	switch w.op.Type() {
	case core.OpDelete:
		switch e.Type {
		case conn.EntryDir:
			return queue.NewItem(core.TypeExploreDir, parent, full, e.Name)
		case conn.EntryLink:
			return queue.NewItem(core.TypeResolveLinkDelete, parent, full, e.Name)
		default:
			return queue.NewItem(core.TypeDeleteFile, parent, full, e.Name)
		}

	case core.OpChangeAttrs:
		var at queue.AttrsInfo
		if it.Attrs != nil {
			at = *it.Attrs
		}
		at.OrigRights = e.Rights
		switch e.Type {
		case conn.EntryDir:
			return queue.NewAttrsItem(core.TypeChangeAttrsExploreDir, parent, full, e.Name, at)
		default:
			// Links get a plain mode change; the server decides
			// whether it lands on the target.
			return queue.NewAttrsItem(core.TypeChangeAttrsFile, parent, full, e.Name, at)
		}

	default: // copy/move download
		cp := queue.CopyInfo{
			TargetPath:   localDir,
			TargetName:   e.Name,
			Size:         e.Size,
			SizeInBlocks: e.SizeInBlocks,
			ASCII:        it.Copy != nil && it.Copy.ASCII,
			ModTime:      e.Time,
		}
		switch e.Type {
		case conn.EntryDir:
			cp.TargetPath = filepath.Join(localDir, e.Name)
			return queue.NewCopyItem(core.TypeExploreDir, parent, full, e.Name, cp)
		case conn.EntryLink:
			return queue.NewCopyItem(core.TypeResolveLinkCopy, parent, full, e.Name, cp)
		default:
			w.op.AddToTotalSize(e.Size, e.SizeInBlocks)
			typ := core.TypeCopyFile
			if w.op.Type() == core.OpMoveDownload {
				typ = core.TypeMoveFile
			}
			return queue.NewCopyItem(typ, parent, full, e.Name, cp)
		}
	}
}

// workResolveLink probes a link with CWD: success reclassifies it as
// directory-like, any rejection as file-like. The probe invalidates
// the working-directory cache, so the next command re-issues CWD.
func (w *Worker) workResolveLink(it *queue.Item) error {
	c := w.connection()
	if c == nil {
		return &connLostError{cause: errors.New("no control connection")}
	}
	full := remoteJoin(it.Path, it.Name)
	w.setSubState(SubWorkResolvingLink)
	err := c.ChangeDir(full)
	if err != nil && isConnLost(err) {
		return &connLostError{cause: err}
	}
	dirLike := err == nil
	w.mu.Lock()
	w.havePath = false
	w.mu.Unlock()

	var repl *queue.Item
	switch it.Type {
	case core.TypeResolveLinkDelete:
		if dirLike {
			// Some servers remove directory-like links only with RMD.
			repl = queue.NewItem(core.TypeDeleteDir, it.ParentUID, it.Path, it.Name)
		} else {
			repl = queue.NewItem(core.TypeDeleteLink, it.ParentUID, it.Path, it.Name)
		}

	default: // resolve for copy/move
		var cp queue.CopyInfo
		if it.Copy != nil {
			cp = *it.Copy
		}
		if dirLike {
			cp.TargetPath = filepath.Join(cp.TargetPath, it.Name)
			repl = queue.NewCopyItem(core.TypeExploreDir, it.ParentUID, it.Path, it.Name, cp)
		} else {
			typ := core.TypeCopyFile
			if w.op.Type() == core.OpMoveDownload {
				typ = core.TypeMoveFile
			}
			repl = queue.NewCopyItem(typ, it.ParentUID, it.Path, it.Name, cp)
		}
	}

	w.spliceAndWake(it, []*queue.Item{repl})
	return nil
}

// workExploreUpload expands a local directory: the remote counterpart
// is created (or found pre-existing), its listing is cached for the
// per-file conflict checks, and the local entries become upload items.
func (w *Worker) workExploreUpload(it *queue.Item) error {
	c := w.connection()
	if c == nil {
		return &connLostError{cause: errors.New("no control connection")}
	}
	localFull := filepath.Join(it.Path, it.Name)
	var remoteDir string
	if it.Copy != nil {
		remoteDir = it.Copy.TargetPath
	}

	w.setSubState(SubWorkCreatingDir)
	if err := c.MakeDir(remoteDir); err != nil {
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		// MKD on an existing directory fails on most servers; a CWD
		// probe tells creation failure and pre-existence apart.
		if probeErr := c.ChangeDir(remoteDir); probeErr != nil {
			if isConnLost(probeErr) {
				return &connLostError{cause: probeErr}
			}
			w.finishItem(core.StateFailed, core.ProblemCannotCreateDir, nil, replyText(err))
			return nil
		}
		w.mu.Lock()
		w.havePath = true
		w.workingPath = remoteDir
		w.mu.Unlock()
	}

	// One listing up front spares a per-file existence probe later.
	w.setSubState(SubWorkListing)
	if entries, err := c.List(remoteDir); err == nil {
		w.listings.Put(remoteDir, entries)
	} else if isConnLost(err) {
		return &connLostError{cause: err}
	}

	locals, err := os.ReadDir(localFull)
	if err != nil {
		w.finishItem(core.StateFailed, core.ProblemDiskReadError, err, "")
		return nil
	}
	// Cycle check last, matching workExplore: a requeued or retried
	// explore must be able to expand again.
	if !w.q.MarkExplored(localFull) {
		w.finishItem(core.StateFailed, core.ProblemExploreEndlessLoop, nil, "")
		return nil
	}

	var dirItem *queue.Item
	if w.op.Type() == core.OpMoveUpload {
		dirItem = queue.NewItem(core.TypeDeleteDir, it.ParentUID, it.Path, it.Name)
	}
	parent := it.ParentUID
	if dirItem != nil {
		parent = dirItem.UID
	}

	items := make([]*queue.Item, 0, len(locals)+1)
	if dirItem != nil {
		items = append(items, dirItem)
	}
	ascii := it.Copy != nil && it.Copy.ASCII
	for _, d := range locals {
		if d.IsDir() {
			items = append(items, queue.NewCopyItem(core.TypeUploadExploreDir, parent, localFull, d.Name(), queue.CopyInfo{
				TargetPath: remoteJoin(remoteDir, d.Name()),
				ASCII:      ascii,
			}))
			continue
		}
		info, err := d.Info()
		var size int64
		if err == nil {
			size = info.Size()
		}
		w.op.AddToTotalSize(size, false)
		typ := core.TypeUploadCopyFile
		if w.op.Type() == core.OpMoveUpload {
			typ = core.TypeUploadMoveFile
		}
		items = append(items, queue.NewCopyItem(typ, parent, localFull, d.Name(), queue.CopyInfo{
			TargetPath: remoteDir,
			TargetName: d.Name(),
			Size:       size,
			ASCII:      ascii,
		}))
	}

	w.spliceAndWake(it, items)
	return nil
}
