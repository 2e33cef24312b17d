package worker

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/operation"
	"github.com/halwen/ftpq/pkg/ftpq/queue"
)

// transferChunk is the copy buffer size for data transfers.
const transferChunk = 32 * 1024

// errTransferAborted flows out of a transfer when a cooperative stop
// interrupted it. The item stays owned; the shutdown path returns it
// to Waiting.
var errTransferAborted = errors.New("transfer aborted by stop request")

// binaryExtensions rejects ASCII mode for content that transfers
// corrupt over it. The check is a heuristic feeding the
// ascii-for-binary decision point, not a classifier.
var binaryExtensions = map[string]struct{}{
	".zip": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {}, ".7z": {},
	".rar": {}, ".exe": {}, ".dll": {}, ".so": {}, ".bin": {}, ".iso": {},
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".pdf": {}, ".mp3": {},
	".mp4": {}, ".avi": {}, ".mkv": {},
}

func looksBinary(name string) bool {
	_, ok := binaryExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// resolveASCII applies the ascii-for-binary policy. It returns the
// transfer mode to use and whether the item was finalized (decision
// parked or skipped).
func (w *Worker) resolveASCII(it *queue.Item) (ascii bool, finalized bool) {
	if it.Copy == nil || !it.Copy.ASCII || !looksBinary(it.Copy.TargetName) {
		return it.Copy != nil && it.Copy.ASCII, false
	}
	switch {
	case w.op.ShouldAutoSkip(core.ProblemASCIIModeForBinary):
		w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
		return false, true
	case w.op.Policies().ASCIIForBinary == operation.PolicyUseBinary:
		return false, false
	case w.op.Policies().ASCIIForBinary == operation.PolicySkip:
		w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
		return false, true
	case w.op.Policies().ASCIIForBinary == operation.PolicyIgnore:
		return true, false
	default:
		w.finishItem(core.StateUserInputNeeded, core.ProblemASCIIModeForBinary, nil, "")
		return false, true
	}
}

// workDownload transfers one remote file to disk. Success requires
// both the server's transfer-complete reply and every byte flushed to
// disk; either alone is not enough.
func (w *Worker) workDownload(it *queue.Item) error {
	c := w.connection()
	if c == nil {
		return &connLostError{cause: errors.New("no control connection")}
	}
	remote := remoteJoin(it.Path, it.Name)
	local := filepath.Join(it.Copy.TargetPath, it.Copy.TargetName)

	ascii, finalized := w.resolveASCII(it)
	if finalized {
		return nil
	}
	if err := c.Type(ascii); err != nil {
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		w.finishItem(core.StateFailed, core.ProblemTransferFailed, nil, replyText(err))
		return nil
	}

	f, offset, finalized, err := w.openDownloadTarget(it, local)
	if err != nil {
		if w.op.Policies().CannotCreateFile == operation.PolicySkip || w.op.ShouldAutoSkip(core.ProblemCannotCreateFile) {
			w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
		} else {
			w.finishItem(core.StateFailed, core.ProblemCannotCreateFile, err, "")
		}
		return nil
	}
	if finalized {
		return nil
	}

	w.setSubState(SubWorkOpeningData)
	w.setDataState(DataWaitingForConnection)
	rc, err := c.Retr(remote, offset)
	if err != nil {
		_ = f.Close()
		w.setDataState(DataDoesNotExist)
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		w.finishItem(core.StateFailed, core.ProblemTransferFailed, nil, replyText(err))
		return nil
	}

	w.setSubState(SubWorkTransferring)
	w.setDataState(DataTransferringData)
	written, copyErr := w.copyData(f, rc)

	if errors.Is(copyErr, errTransferAborted) {
		_ = rc.Close()
		_ = f.Close()
		w.setDataState(DataDoesNotExist)
		return nil // stop path returns the item to Waiting
	}
	if copyErr != nil {
		_ = rc.Close()
		_ = f.Close()
		w.setDataState(DataDoesNotExist)
		var perr *os.PathError
		if errors.As(copyErr, &perr) {
			w.finishItem(core.StateFailed, core.ProblemDiskWriteError, copyErr, "")
			return nil
		}
		// A dying data connection and a dying control connection are
		// indistinguishable here; requeue and reconnect.
		w.discardPartial(local, offset)
		return &connLostError{cause: copyErr}
	}

	w.setDataState(DataTransferFinished)
	w.setSubState(SubWorkClosingData)
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = rc.Close()
		w.setDataState(DataDoesNotExist)
		w.finishItem(core.StateFailed, core.ProblemDiskWriteError, err, "")
		return nil
	}
	_ = f.Close()
	closeErr := rc.Close()
	w.setDataState(DataDoesNotExist)
	if closeErr != nil {
		if isConnLost(closeErr) {
			w.discardPartial(local, offset)
			return &connLostError{cause: closeErr}
		}
		w.finishItem(core.StateFailed, core.ProblemTransferFailed, nil, replyText(closeErr))
		return nil
	}

	if it.Copy.SizeInBlocks && it.Copy.Size > 0 {
		w.op.NoteExactFileSize(it.Copy.Size, written)
	}
	if !it.Copy.ModTime.IsZero() {
		_ = os.Chtimes(local, it.Copy.ModTime, it.Copy.ModTime)
	}

	if it.Type == core.TypeMoveFile {
		if err := w.ensureWorkingPath(it.Path); err == nil {
			err = c.Delete(it.Name)
			if err != nil {
				if isConnLost(err) {
					return &connLostError{cause: err}
				}
				w.finishItem(core.StateFailed, core.ProblemUnableToDelete, nil, replyText(err))
				return nil
			}
		} else {
			if isConnLost(err) {
				return &connLostError{cause: err}
			}
			w.finishItem(core.StateFailed, core.ProblemUnableToCWD, nil, replyText(err))
			return nil
		}
	}

	w.finishItem(core.StateDone, core.ProblemNone, nil, "")
	return nil
}

// openDownloadTarget applies the already-exists conflict policy and
// opens the local file. finalized is true when the conflict parked or
// skipped the item.
func (w *Worker) openDownloadTarget(it *queue.Item, local string) (f *os.File, offset int64, finalized bool, err error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	st, statErr := os.Stat(local)
	if statErr == nil {
		force := w.q.TakeForceAction(it.UID)
		policy := w.op.Policies().AlreadyExists
		switch {
		case force == core.ForceOverwrite || policy == operation.PolicyOverwrite:
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		case force == core.ForceResume || policy == operation.PolicyResume:
			flags = os.O_WRONLY | os.O_APPEND
			offset = st.Size()
		case policy == operation.PolicySkip || w.op.ShouldAutoSkip(core.ProblemTargetExists):
			w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
			return nil, 0, true, nil
		default:
			w.finishItem(core.StateUserInputNeeded, core.ProblemTargetExists, nil, "")
			return nil, 0, true, nil
		}
	}
	f, err = os.OpenFile(local, flags, 0o644)
	if err != nil {
		return nil, 0, false, err
	}
	return f, offset, false, nil
}

// copyData is the chunked transfer loop. Pause parks it in place with
// both connections open; a stop request aborts with errTransferAborted.
func (w *Worker) copyData(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, transferChunk)
	var written int64
	for {
		if w.stopRequested() {
			return written, errTransferAborted
		}
		for w.pauseRequested() && !w.stopRequested() {
			<-w.kick
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			w.mu.Lock()
			w.bytesDone += int64(n)
			w.mu.Unlock()
			w.op.Speed().Add(int64(n))
			w.op.ReportWorkerChange(w.id, true)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// discardPartial removes a partial download unless the transfer was a
// resume; a resumed file keeps the bytes it already had.
func (w *Worker) discardPartial(local string, offset int64) {
	if offset == 0 {
		_ = os.Remove(local)
	}
}

// workUpload transfers one local file to the server, consulting the
// shared listing cache for the already-exists check instead of probing
// per file.
func (w *Worker) workUpload(it *queue.Item) error {
	c := w.connection()
	if c == nil {
		return &connLostError{cause: errors.New("no control connection")}
	}
	local := filepath.Join(it.Path, it.Name)
	remoteDir := it.Copy.TargetPath
	remote := remoteJoin(remoteDir, it.Copy.TargetName)

	ascii, finalized := w.resolveASCII(it)
	if finalized {
		return nil
	}
	if err := c.Type(ascii); err != nil {
		if isConnLost(err) {
			return &connLostError{cause: err}
		}
		w.finishItem(core.StateFailed, core.ProblemTransferFailed, nil, replyText(err))
		return nil
	}

	var offset int64
	exists, known := w.listings.Lookup(remoteDir, it.Copy.TargetName)
	if !known {
		if size, err := c.FileSize(remote); err == nil && size >= 0 {
			exists = true
			offset = size
		} else if isConnLost(err) {
			return &connLostError{cause: err}
		}
	}
	if exists {
		force := w.q.TakeForceAction(it.UID)
		policy := w.op.Policies().AlreadyExists
		switch {
		case force == core.ForceOverwrite || policy == operation.PolicyOverwrite:
			offset = 0
		case force == core.ForceResume || policy == operation.PolicyResume:
			if offset == 0 {
				if size, err := c.FileSize(remote); err == nil {
					offset = size
				}
			}
		case policy == operation.PolicySkip || w.op.ShouldAutoSkip(core.ProblemTargetExists):
			w.finishItem(core.StateSkipped, core.ProblemNone, nil, "")
			return nil
		default:
			w.finishItem(core.StateUserInputNeeded, core.ProblemTargetExists, nil, "")
			return nil
		}
	}

	f, err := os.Open(local)
	if err != nil {
		w.finishItem(core.StateFailed, core.ProblemDiskReadError, err, "")
		return nil
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			_ = f.Close()
			w.finishItem(core.StateFailed, core.ProblemDiskReadError, err, "")
			return nil
		}
		w.mu.Lock()
		w.bytesDone = offset
		w.mu.Unlock()
	}

	w.setSubState(SubWorkTransferring)
	w.setDataState(DataTransferringData)
	storErr := c.Stor(remote, &uploadReader{w: w, r: f}, offset)
	_ = f.Close()
	w.setDataState(DataDoesNotExist)

	switch {
	case errors.Is(storErr, errTransferAborted):
		return nil // stop path returns the item to Waiting
	case storErr == nil:
	case isConnLost(storErr):
		return &connLostError{cause: storErr}
	default:
		w.finishItem(core.StateFailed, core.ProblemTransferFailed, nil, replyText(storErr))
		return nil
	}

	w.listings.Invalidate(remoteDir)

	if it.Type == core.TypeUploadMoveFile {
		if err := os.Remove(local); err != nil {
			w.finishItem(core.StateFailed, core.ProblemFileInUse, err, "")
			return nil
		}
	}
	w.finishItem(core.StateDone, core.ProblemNone, nil, "")
	return nil
}

// uploadReader feeds Stor while enforcing the pause/stop contract:
// pause parks the transfer in place, stop aborts it with a sentinel
// the caller recognizes.
type uploadReader struct {
	w *Worker
	r io.Reader
}

func (ur *uploadReader) Read(p []byte) (int, error) {
	if ur.w.stopRequested() {
		return 0, errTransferAborted
	}
	for ur.w.pauseRequested() && !ur.w.stopRequested() {
		<-ur.w.kick
	}
	n, err := ur.r.Read(p)
	if n > 0 {
		ur.w.mu.Lock()
		ur.w.bytesDone += int64(n)
		ur.w.mu.Unlock()
		ur.w.op.Speed().Add(int64(n))
		ur.w.op.ReportWorkerChange(ur.w.id, true)
	}
	return n, err
}
