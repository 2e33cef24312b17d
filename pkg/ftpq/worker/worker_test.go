package worker

import (
	"bytes"
	"errors"
	"io"
	"net/textproto"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/operation"
	"github.com/halwen/ftpq/pkg/ftpq/queue"
)

// fakeConn is a scripted control connection. Every command records what
// it was asked to do; error fields make individual commands fail.
type fakeConn struct {
	mu sync.Mutex

	cwd       string
	lastASCII bool

	files    map[string][]byte // full remote path -> download payload
	listings map[string][]conn.Entry

	stored      map[string][]byte
	deleted     []string
	removedDirs []string
	madeDirs    []string
	modes       map[string]uint32

	deleteErr error
	modeErr   error
	listErr   error

	quitted bool
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		files:    map[string][]byte{},
		listings: map[string][]conn.Entry{},
		stored:   map[string][]byte{},
		modes:    map[string]uint32{},
	}
}

func notFound() error { return &textproto.Error{Code: 550, Msg: "No such file or directory"} }

func (f *fakeConn) ChangeDir(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cwd = path
	return nil
}

func (f *fakeConn) CurrentDir() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cwd, nil
}

func (f *fakeConn) List(path string) ([]conn.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listings[path], nil
}

func (f *fakeConn) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, remoteJoin(f.cwd, name))
	return nil
}

func (f *fakeConn) RemoveDir(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedDirs = append(f.removedDirs, remoteJoin(f.cwd, name))
	return nil
}

func (f *fakeConn) MakeDir(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.madeDirs = append(f.madeDirs, path)
	return nil
}

func (f *fakeConn) Rename(from, to string) error { return nil }

func (f *fakeConn) ChangeMode(name string, mode uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modeErr != nil {
		return f.modeErr
	}
	f.modes[remoteJoin(f.cwd, name)] = mode
	return nil
}

func (f *fakeConn) Type(ascii bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastASCII = ascii
	return nil
}

func (f *fakeConn) Retr(path string, offset int64) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return nil, notFound()
	}
	if offset > int64(len(content)) {
		offset = int64(len(content))
	}
	return io.NopCloser(bytes.NewReader(content[offset:])), nil
}

func (f *fakeConn) Stor(path string, r io.Reader, offset int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.stored[path]
	if offset > int64(len(prev)) {
		offset = int64(len(prev))
	}
	f.stored[path] = append(prev[:offset], data...)
	return nil
}

func (f *fakeConn) FileSize(path string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.stored[path]; ok {
		return int64(len(d)), nil
	}
	return 0, notFound()
}

func (f *fakeConn) Exec(command string) error { return nil }
func (f *fakeConn) NoOp() error               { return nil }
func (f *fakeConn) Banner() string            { return "220 test server ready" }

func (f *fakeConn) Quit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quitted = true
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) stored1(path string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[path]
}

func (f *fakeConn) deletedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func dialOK(f *fakeConn) DialFunc {
	return func() (conn.Conn, error) { return f, nil }
}

func newTestEnv(typ core.OperationType) (*operation.Operation, *List) {
	op := operation.New(typ, conn.Params{Host: "host", Port: 21, User: "u"}, nil, zerolog.Nop())
	l := NewList(op, conn.NewRegistry(), Config{
		ReconnectAttempts: 2,
		ReconnectDelay:    2 * time.Millisecond,
	}, zerolog.Nop())
	return op, l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func itemState(q *queue.Queue, uid core.UID) core.ItemState {
	it := q.Item(uid)
	if it == nil {
		return core.ItemState(-1)
	}
	return it.State
}

func stopPool(t *testing.T, l *List) {
	t.Helper()
	l.InformWorkersAboutStop(-1, nil)
	waitFor(t, "workers to stop", l.CanCloseWorkers)
	l.DeleteWorkers()
}

func TestWorkerDeletesFile(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "a.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	l.AddWorker(dialOK(fc))
	waitFor(t, "item done", func() bool { return itemState(q, it.UID) == core.StateDone })

	if got := fc.deletedPaths(); len(got) != 1 || got[0] != "/pub/a.txt" {
		t.Errorf("deleted = %v, want [/pub/a.txt]", got)
	}
	if c := op.Counters(); c != (core.CounterDelta{}) {
		t.Errorf("counters after completion = %+v, want zero", c)
	}
	if op.GetOperationState() != core.OperationDone {
		t.Errorf("operation state = %s, want done", op.GetOperationState())
	}

	stopPool(t, l)
	if !fc.quitted {
		t.Error("graceful stop must QUIT the control connection")
	}
	if l.WorkerCount() != 0 {
		t.Errorf("worker count after delete = %d", l.WorkerCount())
	}
}

func TestWorkerServerRejection(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "a.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	fc.deleteErr = &textproto.Error{Code: 550, Msg: "Permission denied"}
	l.AddWorker(dialOK(fc))
	waitFor(t, "item failed", func() bool { return itemState(q, it.UID) == core.StateFailed })

	got := q.Item(it.UID)
	if got.Problem != core.ProblemUnableToDelete {
		t.Errorf("problem = %s, want unable-to-delete", got.Problem)
	}
	if got.ErrText != "Permission denied" {
		t.Errorf("ErrText = %q, want the raw server reply", got.ErrText)
	}
	if op.GetOperationState() != core.OperationFinishedWithErrors {
		t.Errorf("operation state = %s", op.GetOperationState())
	}
	stopPool(t, l)
}

func TestWorkerReconnectsOnLostConnection(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "a.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	// The first connection dies on DELE with a transport error; the
	// item must come back as claimable work, not as a failure.
	broken := newFakeConn()
	broken.deleteErr = errors.New("write tcp: broken pipe")
	healthy := newFakeConn()
	var dials int32
	l.AddWorker(func() (conn.Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return broken, nil
		}
		return healthy, nil
	})

	waitFor(t, "item done after reconnect", func() bool { return itemState(q, it.UID) == core.StateDone })
	if n := atomic.LoadInt32(&dials); n != 2 {
		t.Errorf("dial count = %d, want 2", n)
	}
	broken.mu.Lock()
	closed := broken.closed
	broken.mu.Unlock()
	if !closed {
		t.Error("dead connection must be closed before redialing")
	}
	if got := healthy.deletedPaths(); len(got) != 1 || got[0] != "/pub/a.txt" {
		t.Errorf("deleted on second connection = %v", got)
	}
	stopPool(t, l)
}

func TestWorkerConnectionError(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "a.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	l.AddWorker(func() (conn.Conn, error) { return nil, errors.New("connection refused") })
	w := l.Worker(0)
	waitFor(t, "connection error state", func() bool { return w.State() == StateConnectionError })

	// The held item went back to the pool of claimable work.
	if got := itemState(q, it.UID); got != core.StateWaiting {
		t.Errorf("item state = %s, want waiting", got)
	}
	if w.CurItemUID() != core.UIDNone {
		t.Error("worker must not hold an item in connection error")
	}

	// New credentials release the worker.
	fc := newFakeConn()
	l.SetNewLoginParams(dialOK(fc))
	waitFor(t, "item done after new login", func() bool { return itemState(q, it.UID) == core.StateDone })
	stopPool(t, l)
}

func TestWorkerFileInUse(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	registry := l.registry
	// Another operation holds the same remote file for writing.
	if err := registry.Acquire("u", "host", 21, "/pub", "a.txt", conn.IntentWrite); err != nil {
		t.Fatal(err)
	}
	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "a.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	var dials int32
	l.AddWorker(func() (conn.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return newFakeConn(), nil
	})
	waitFor(t, "item failed", func() bool { return itemState(q, it.UID) == core.StateFailed })
	if got := q.Item(it.UID).Problem; got != core.ProblemFileInUse {
		t.Errorf("problem = %s, want file-in-use", got)
	}
	// The conflict is detected before any connection is needed.
	if n := atomic.LoadInt32(&dials); n != 0 {
		t.Errorf("dial count = %d, want 0", n)
	}
	if op.GetOperationState() != core.OperationFinishedWithErrors {
		t.Errorf("operation state = %s", op.GetOperationState())
	}
	stopPool(t, l)
}

func TestPoolWakesSleepingWorker(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	fc := newFakeConn()
	l.AddWorker(dialOK(fc))
	w := l.Worker(0)
	waitFor(t, "worker asleep", func() bool { return w.State() == StateSleeping })

	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "late.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}
	l.PostNewWorkAvailable(true)
	waitFor(t, "late item done", func() bool { return itemState(q, it.UID) == core.StateDone })
	stopPool(t, l)
}

func TestPauseParksWorker(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	fc := newFakeConn()
	l.AddWorker(dialOK(fc))
	w := l.Worker(0)
	waitFor(t, "worker asleep", func() bool { return w.State() == StateSleeping })

	l.InformWorkersAboutPause(-1, true, nil)
	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "a.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}
	l.PostNewWorkAvailable(true)

	// Paused workers must not claim the new item.
	time.Sleep(50 * time.Millisecond)
	if got := itemState(q, it.UID); got != core.StateWaiting {
		t.Fatalf("item state while paused = %s, want waiting", got)
	}
	if l.SomeWorkerIsWorking() {
		t.Error("paused pool reports working workers")
	}

	l.InformWorkersAboutPause(-1, false, nil)
	waitFor(t, "item done after resume", func() bool { return itemState(q, it.UID) == core.StateDone })
	stopPool(t, l)
}

func TestForceCloseWorkers(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "a.txt")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}
	fc := newFakeConn()
	l.AddWorker(dialOK(fc))
	waitFor(t, "item done", func() bool { return itemState(q, it.UID) == core.StateDone })

	l.ForceCloseWorkers()
	waitFor(t, "workers stopped", l.CanCloseWorkers)
	fc.mu.Lock()
	closed, quitted := fc.closed, fc.quitted
	fc.mu.Unlock()
	if !closed || quitted {
		t.Errorf("force close: closed=%v quitted=%v, want closed without QUIT", closed, quitted)
	}
	l.DeleteWorkers()
}

func TestWorkerChangeAttrs(t *testing.T) {
	t.Run("mode change succeeds", func(t *testing.T) {
		op, l := newTestEnv(core.OpChangeAttrs)
		q := op.Queue()
		it := queue.NewAttrsItem(core.TypeChangeAttrsFile, core.UIDNone, "/pub", "a.sh", queue.AttrsInfo{Mode: 0o755})
		if err := q.Add(it); err != nil {
			t.Fatal(err)
		}
		fc := newFakeConn()
		l.AddWorker(dialOK(fc))
		waitFor(t, "item done", func() bool { return itemState(q, it.UID) == core.StateDone })
		fc.mu.Lock()
		mode := fc.modes["/pub/a.sh"]
		fc.mu.Unlock()
		if mode != 0o755 {
			t.Errorf("mode = %o, want 755", mode)
		}
		stopPool(t, l)
	})

	t.Run("unsupported command becomes a decision point", func(t *testing.T) {
		op, l := newTestEnv(core.OpChangeAttrs)
		q := op.Queue()
		it := queue.NewAttrsItem(core.TypeChangeAttrsFile, core.UIDNone, "/pub", "a.sh", queue.AttrsInfo{Mode: 0o755})
		if err := q.Add(it); err != nil {
			t.Fatal(err)
		}
		fc := newFakeConn()
		fc.modeErr = conn.ErrNotSupported
		l.AddWorker(dialOK(fc))
		waitFor(t, "user input needed", func() bool { return itemState(q, it.UID) == core.StateUserInputNeeded })
		if got := q.Item(it.UID).Problem; got != core.ProblemUnknownAttributes {
			t.Errorf("problem = %s", got)
		}
		stopPool(t, l)
	})

	t.Run("skip-all latch short-circuits the dialog", func(t *testing.T) {
		op, l := newTestEnv(core.OpChangeAttrs)
		op.SetSkipAll(core.ProblemUnknownAttributes)
		q := op.Queue()
		it := queue.NewAttrsItem(core.TypeChangeAttrsFile, core.UIDNone, "/pub", "a.sh", queue.AttrsInfo{Mode: 0o755})
		if err := q.Add(it); err != nil {
			t.Fatal(err)
		}
		fc := newFakeConn()
		fc.modeErr = conn.ErrNotSupported
		l.AddWorker(dialOK(fc))
		waitFor(t, "item skipped", func() bool { return itemState(q, it.UID) == core.StateSkipped })
		stopPool(t, l)
	})
}

func TestWorkerDownloadsFile(t *testing.T) {
	op, l := newTestEnv(core.OpCopyDownload)
	q := op.Queue()
	payload := bytes.Repeat([]byte("ftpq"), 10_000) // several transfer chunks
	modTime := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	dir := t.TempDir()
	it := queue.NewCopyItem(core.TypeCopyFile, core.UIDNone, "/pub", "data.bin", queue.CopyInfo{
		TargetPath: dir,
		TargetName: "data.bin",
		Size:       int64(len(payload)),
		ModTime:    modTime,
	})
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	fc.files["/pub/data.bin"] = payload
	l.AddWorker(dialOK(fc))
	waitFor(t, "download done", func() bool { return itemState(q, it.UID) == core.StateDone })

	local := filepath.Join(dir, "data.bin")
	got, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("downloaded %d bytes, want %d and equal content", len(got), len(payload))
	}
	st, err := os.Stat(local)
	if err != nil {
		t.Fatal(err)
	}
	if !st.ModTime().Equal(modTime) {
		t.Errorf("mod time = %v, want %v", st.ModTime(), modTime)
	}
	stopPool(t, l)
}

func TestDownloadTargetExistsConflict(t *testing.T) {
	op, l := newTestEnv(core.OpCopyDownload)
	q := op.Queue()
	dir := t.TempDir()
	local := filepath.Join(dir, "x.bin")
	if err := os.WriteFile(local, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	it := queue.NewCopyItem(core.TypeCopyFile, core.UIDNone, "/pub", "x.bin", queue.CopyInfo{
		TargetPath: dir,
		TargetName: "x.bin",
		Size:       11,
	})
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	fc.files["/pub/x.bin"] = []byte("new content")
	l.AddWorker(dialOK(fc))

	// Default policy asks the user.
	waitFor(t, "conflict surfaced", func() bool { return itemState(q, it.UID) == core.StateUserInputNeeded })
	if got := q.Item(it.UID).Problem; got != core.ProblemTargetExists {
		t.Fatalf("problem = %s, want target-exists", got)
	}
	if data, _ := os.ReadFile(local); string(data) != "old" {
		t.Fatalf("target touched before the user decided: %q", data)
	}

	// The user answers overwrite; the item re-runs with the decision.
	q.SetForceAction(it.UID, core.ForceOverwrite)
	l.PostNewWorkAvailable(true)
	waitFor(t, "overwrite done", func() bool { return itemState(q, it.UID) == core.StateDone })
	if data, _ := os.ReadFile(local); string(data) != "new content" {
		t.Errorf("target content = %q, want overwritten payload", data)
	}
	stopPool(t, l)
}

func TestWorkerUploadsFiles(t *testing.T) {
	op, l := newTestEnv(core.OpCopyUpload)
	q := op.Queue()
	dir := t.TempDir()
	content := []byte("upload payload")
	if err := os.WriteFile(filepath.Join(dir, "up.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	it := queue.NewCopyItem(core.TypeUploadCopyFile, core.UIDNone, dir, "up.txt", queue.CopyInfo{
		TargetPath: "/inbox",
		TargetName: "up.txt",
		Size:       int64(len(content)),
	})
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	l.AddWorker(dialOK(fc))
	waitFor(t, "upload done", func() bool { return itemState(q, it.UID) == core.StateDone })

	if got := fc.stored1("/inbox/up.txt"); !bytes.Equal(got, content) {
		t.Errorf("stored = %q, want %q", got, content)
	}
	if _, err := os.Stat(filepath.Join(dir, "up.txt")); err != nil {
		t.Errorf("plain upload must keep the local source: %v", err)
	}
	stopPool(t, l)
}

func TestWorkerUploadMoveRemovesSource(t *testing.T) {
	op, l := newTestEnv(core.OpMoveUpload)
	q := op.Queue()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "m.txt"), []byte("moved"), 0o644); err != nil {
		t.Fatal(err)
	}

	it := queue.NewCopyItem(core.TypeUploadMoveFile, core.UIDNone, dir, "m.txt", queue.CopyInfo{
		TargetPath: "/inbox",
		TargetName: "m.txt",
		Size:       5,
	})
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	l.AddWorker(dialOK(fc))
	waitFor(t, "move done", func() bool { return itemState(q, it.UID) == core.StateDone })

	if got := fc.stored1("/inbox/m.txt"); string(got) != "moved" {
		t.Errorf("stored = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "m.txt")); !os.IsNotExist(err) {
		t.Errorf("move must remove the local source, stat err = %v", err)
	}
	stopPool(t, l)
}

func TestRecursiveDeleteViaExplore(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	it := queue.NewItem(core.TypeExploreDir, core.UIDNone, "/pub", "src")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	fc.listings["/pub/src"] = []conn.Entry{
		{Name: "a.txt", Type: conn.EntryFile, Size: 3},
		{Name: "sub", Type: conn.EntryDir},
	}
	fc.listings["/pub/src/sub"] = []conn.Entry{
		{Name: "b.txt", Type: conn.EntryFile, Size: 3},
	}
	l.AddWorker(dialOK(fc))
	waitFor(t, "tree deleted", func() bool {
		return op.GetOperationState() == core.OperationDone && op.Counters() == core.CounterDelta{}
	})

	fc.mu.Lock()
	deleted := append([]string(nil), fc.deleted...)
	removed := append([]string(nil), fc.removedDirs...)
	fc.mu.Unlock()

	wantFiles := map[string]bool{"/pub/src/a.txt": true, "/pub/src/sub/b.txt": true}
	for _, d := range deleted {
		if !wantFiles[d] {
			t.Errorf("unexpected DELE %s", d)
		}
		delete(wantFiles, d)
	}
	if len(wantFiles) != 0 {
		t.Errorf("files never deleted: %v", wantFiles)
	}
	// The subdirectory has to go before its parent.
	if len(removed) != 2 || removed[0] != "/pub/src/sub" || removed[1] != "/pub/src" {
		t.Errorf("RMD order = %v, want [/pub/src/sub /pub/src]", removed)
	}
	stopPool(t, l)
}

func TestExploreRetriesAfterLostConnection(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	it := queue.NewItem(core.TypeExploreDir, core.UIDNone, "/pub", "src")
	if err := q.Add(it); err != nil {
		t.Fatal(err)
	}

	// The first connection dies during LIST; the requeued explore must
	// run to completion on the next connection instead of tripping the
	// cycle check.
	broken := newFakeConn()
	broken.listErr = errors.New("read tcp: connection reset by peer")
	healthy := newFakeConn()
	healthy.listings["/pub/src"] = []conn.Entry{
		{Name: "a.txt", Type: conn.EntryFile, Size: 3},
	}
	var dials int32
	l.AddWorker(func() (conn.Conn, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return broken, nil
		}
		return healthy, nil
	})

	waitFor(t, "tree deleted after reconnect", func() bool {
		return op.GetOperationState() == core.OperationDone && op.Counters() == core.CounterDelta{}
	})
	if got := healthy.deletedPaths(); len(got) != 1 || got[0] != "/pub/src/a.txt" {
		t.Errorf("deleted after reconnect = %v, want [/pub/src/a.txt]", got)
	}
	healthy.mu.Lock()
	removed := append([]string(nil), healthy.removedDirs...)
	healthy.mu.Unlock()
	if len(removed) != 1 || removed[0] != "/pub/src" {
		t.Errorf("RMD after reconnect = %v, want [/pub/src]", removed)
	}
	stopPool(t, l)
}

func TestExploreCycleDetection(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	first := queue.NewItem(core.TypeExploreDir, core.UIDNone, "/pub", "src")
	second := queue.NewItem(core.TypeExploreDir, core.UIDNone, "/pub", "src")
	if err := q.Add(first, second); err != nil {
		t.Fatal(err)
	}

	fc := newFakeConn()
	l.AddWorker(dialOK(fc))
	// The first explore of /pub/src expands; the second lands on an
	// already-expanded path and fails structurally.
	waitFor(t, "cycle surfaced", func() bool { return itemState(q, second.UID) == core.StateFailed })
	if got := q.Item(second.UID).Problem; got != core.ProblemExploreEndlessLoop {
		t.Errorf("problem = %s, want explore-endless-loop", got)
	}
	stopPool(t, l)
}

func TestEnsureWorkingPathWithoutConnection(t *testing.T) {
	op, _ := newTestEnv(core.OpDelete)
	w := newWorker(0, op, dialOK(newFakeConn()), conn.NewRegistry(), NewListingCache(), Config{}, zerolog.Nop())
	err := w.ensureWorkingPath("/pub")
	if err == nil {
		t.Fatal("expected an error with no control connection")
	}
	if !isConnLost(err) {
		t.Errorf("error must classify as a lost connection, got %v", err)
	}
}

func TestTwoWorkersShareQueue(t *testing.T) {
	op, l := newTestEnv(core.OpDelete)
	q := op.Queue()
	uids := make([]core.UID, 0, 12)
	for i := 0; i < 12; i++ {
		it := queue.NewItem(core.TypeDeleteFile, core.UIDNone, "/pub", "f"+string(rune('a'+i)))
		uids = append(uids, it.UID)
		if err := q.Add(it); err != nil {
			t.Fatal(err)
		}
	}

	fc1, fc2 := newFakeConn(), newFakeConn()
	l.AddWorker(dialOK(fc1))
	l.AddWorker(dialOK(fc2))
	waitFor(t, "all items done", func() bool {
		for _, uid := range uids {
			if itemState(q, uid) != core.StateDone {
				return false
			}
		}
		return true
	})

	total := len(fc1.deletedPaths()) + len(fc2.deletedPaths())
	if total != 12 {
		t.Errorf("deletes across both connections = %d, want 12", total)
	}
	stopPool(t, l)
}
