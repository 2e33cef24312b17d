package worker

import (
	"errors"
	"net/textproto"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/operation"
	"github.com/halwen/ftpq/pkg/ftpq/queue"
)

// DialFunc opens one logged-in control connection. Production wiring
// uses conn.Dialer.Dial; tests inject scripted fakes.
type DialFunc func() (conn.Conn, error)

// Config tunes per-worker behavior.
type Config struct {
	// ReconnectAttempts bounds consecutive failed connects before the
	// worker enters ConnectionError. Default 3.
	ReconnectAttempts int
	// ReconnectDelay is the pause between connect attempts. Default 5s.
	ReconnectDelay time.Duration
}

func (c *Config) fill() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
}

// Worker drives one logical FTP connection. All state mutation happens
// on the worker's own goroutine; the pool touches only the stop/pause
// flags and the kick channel. The synchronous Conn surface guarantees
// at most one command is in flight per connection.
type Worker struct {
	id     int
	logger zerolog.Logger
	cfg    Config

	op       *operation.Operation
	q        *queue.Queue
	dial     DialFunc
	registry *conn.Registry
	listings *ListingCache
	pool     *List

	mu        sync.Mutex
	state     State
	subState  SubState
	dataState DataConnState
	curItem   *queue.Item

	shouldStop  bool
	shouldPause bool
	forceClosed bool
	newLogin    bool
	wakePending bool

	connectAttempts int

	conn        conn.Conn
	havePath    bool
	workingPath string

	// Transfer progress for status reporting; refreshed per chunk
	// while a data connection is open.
	bytesDone  int64
	bytesTotal int64

	// kick is poked on every flag change so blocking waits re-examine
	// their condition. Buffered by one; waits loop on the condition,
	// so a coalesced poke is enough.
	kick chan struct{}
	done chan struct{}
}

// newWorker wires a worker; the pool's AddWorker is the only caller.
func newWorker(id int, op *operation.Operation, dial DialFunc, registry *conn.Registry, listings *ListingCache, cfg Config, logger zerolog.Logger) *Worker {
	cfg.fill()
	return &Worker{
		id:       id,
		logger:   logger.With().Int("worker_id", id).Logger(),
		cfg:      cfg,
		op:       op,
		q:        op.Queue(),
		dial:     dial,
		registry: registry,
		listings: listings,
		state:    StateLookingForWork,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the worker's index in the pool.
func (w *Worker) ID() int { return w.id }

// State returns the coarse state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status returns a display snapshot: state, protocol step, data
// connection state and current-item transfer progress.
func (w *Worker) Status() (state State, sub SubState, data DataConnState, bytesDone, bytesTotal int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state, w.subState, w.dataState, w.bytesDone, w.bytesTotal
}

// CurItemUID returns the UID of the owned item, or UIDNone.
func (w *Worker) CurItemUID() core.UID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.curItem == nil {
		return core.UIDNone
	}
	return w.curItem.UID
}

// workingUnpaused reports whether the worker counts as active for the
// operation's derived paused view.
func (w *Worker) workingUnpaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateWorking && !w.shouldPause
}

func (w *Worker) poke() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// requestStop sets the cooperative stop flag. The worker finishes its
// current indivisible step before quitting.
func (w *Worker) requestStop() {
	w.mu.Lock()
	w.shouldStop = true
	w.mu.Unlock()
	w.poke()
}

func (w *Worker) requestPause(pause bool) {
	w.mu.Lock()
	w.shouldPause = pause
	w.mu.Unlock()
	w.poke()
	w.op.ReportWorkerChange(w.id, false)
}

// wakeUp moves a sleeping worker back to work hunting.
func (w *Worker) wakeUp() {
	w.mu.Lock()
	w.wakePending = true
	w.mu.Unlock()
	w.poke()
}

// SetNewLoginParams installs a replacement dial function (new
// credentials) and releases a worker stuck in ConnectionError.
func (w *Worker) SetNewLoginParams(dial DialFunc) {
	w.mu.Lock()
	if dial != nil {
		w.dial = dial
	}
	w.newLogin = true
	w.mu.Unlock()
	w.poke()
}

// forceClose drops the control connection unconditionally. Used when
// the host is unloading and graceful QUIT cannot be afforded.
func (w *Worker) forceClose() {
	w.mu.Lock()
	c := w.conn
	w.conn = nil
	w.forceClosed = true
	w.shouldStop = true
	w.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
	w.poke()
}

func (w *Worker) stopRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shouldStop
}

func (w *Worker) pauseRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shouldPause
}

// setState records a transition and reports it to the operation.
func (w *Worker) setState(s State, sub SubState) {
	w.mu.Lock()
	if w.state == s && w.subState == sub {
		w.mu.Unlock()
		return
	}
	w.logger.Debug().Stringer("from", w.state).Stringer("to", s).Stringer("sub", sub).Msg("worker state changed")
	w.state = s
	w.subState = sub
	w.mu.Unlock()
	w.op.ReportWorkerChange(w.id, false)
}

func (w *Worker) setSubState(sub SubState) {
	w.mu.Lock()
	w.subState = sub
	w.mu.Unlock()
}

func (w *Worker) setDataState(s DataConnState) {
	w.mu.Lock()
	w.dataState = s
	w.mu.Unlock()
}

// Run is the worker's goroutine body. It loops over the state machine
// until the worker reaches Stopped.
func (w *Worker) Run() {
	defer close(w.done)
	for {
		switch w.State() {
		case StateLookingForWork:
			w.lookForWork()
		case StateSleeping:
			w.sleep()
		case StatePreparing:
			w.prepare()
		case StateConnecting:
			w.connect()
		case StateWaitingForReconnect:
			w.waitReconnect()
		case StateConnectionError:
			w.waitNewLogin()
		case StateWorking:
			w.work()
		case StateStopped:
			w.shutDown()
			return
		}
	}
}

// pausePoint parks the worker in place while pause is requested. It is
// called before every new command; sockets stay open.
func (w *Worker) pausePoint() {
	for w.pauseRequested() && !w.stopRequested() {
		<-w.kick
	}
}

func (w *Worker) lookForWork() {
	if w.stopRequested() {
		w.setState(StateStopped, SubNone)
		return
	}
	w.pausePoint()
	if w.stopRequested() {
		w.setState(StateStopped, SubNone)
		return
	}
	it := w.q.GetNextWaitingItem()
	if it == nil {
		w.setState(StateSleeping, SubNone)
		return
	}
	w.mu.Lock()
	w.curItem = it
	w.bytesDone = 0
	w.bytesTotal = 0
	if it.Copy != nil {
		w.bytesTotal = it.Copy.Size
	}
	w.mu.Unlock()
	w.op.ReportItemChange(it.UID)
	w.setState(StatePreparing, SubNone)
}

func (w *Worker) sleep() {
	for {
		w.mu.Lock()
		if w.shouldStop {
			w.mu.Unlock()
			w.setState(StateStopped, SubNone)
			return
		}
		if w.wakePending {
			w.wakePending = false
			w.mu.Unlock()
			w.setState(StateLookingForWork, SubNone)
			return
		}
		w.mu.Unlock()
		<-w.kick
	}
}

// prepare runs the pre-flight for a claimed item: the remote open-file
// registry lock, then connection presence.
func (w *Worker) prepare() {
	if w.stopRequested() {
		w.setState(StateStopped, SubNone)
		return
	}
	it := w.current()
	if it != nil && !w.lockItem(it) {
		return // item finalized as file-in-use; hunt for more work
	}
	w.mu.Lock()
	connected := w.conn != nil
	w.mu.Unlock()
	if connected {
		w.setState(StateWorking, SubNone)
		return
	}
	w.mu.Lock()
	w.connectAttempts = 0
	w.mu.Unlock()
	w.setState(StateConnecting, SubConnectDialing)
}

func (w *Worker) connect() {
	if w.stopRequested() {
		w.setState(StateStopped, SubNone)
		return
	}
	w.pausePoint()
	w.mu.Lock()
	w.connectAttempts++
	attempt := w.connectAttempts
	dial := w.dial
	w.mu.Unlock()

	w.setSubState(SubConnectDialing)
	c, err := dial()
	if err == nil {
		w.mu.Lock()
		w.conn = c
		w.connectAttempts = 0
		w.havePath = false
		w.mu.Unlock()
		w.op.SetServerFirstReply(c.Banner())
		w.logger.Info().Msg("control connection established")
		w.setState(StateWorking, SubNone)
		return
	}

	w.logger.Warn().Err(err).Int("attempt", attempt).Msg("connect failed")
	if attempt < w.cfg.ReconnectAttempts {
		w.setState(StateWaitingForReconnect, SubNone)
		return
	}
	// Retries exhausted: only now does the failure become user
	// visible. The held item goes back to the pool of claimable work.
	w.returnCurrentItem()
	w.setState(StateConnectionError, SubNone)
}

func (w *Worker) waitReconnect() {
	timer := time.NewTimer(w.cfg.ReconnectDelay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			w.setState(StateConnecting, SubConnectDialing)
			return
		case <-w.kick:
			if w.stopRequested() {
				w.setState(StateStopped, SubNone)
				return
			}
			if !w.pauseRequested() {
				// An explicit resume retries immediately.
				w.setState(StateConnecting, SubConnectDialing)
				return
			}
		}
	}
}

func (w *Worker) waitNewLogin() {
	for {
		w.mu.Lock()
		if w.shouldStop {
			w.mu.Unlock()
			w.setState(StateStopped, SubNone)
			return
		}
		if w.newLogin {
			w.newLogin = false
			w.connectAttempts = 0
			w.mu.Unlock()
			w.setState(StateLookingForWork, SubNone)
			return
		}
		w.mu.Unlock()
		<-w.kick
	}
}

func (w *Worker) current() *queue.Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.curItem
}

// finishItem finalizes the owned item into a terminal or parked state
// and releases ownership. Every exit path of the Working state funnels
// through here or returnCurrentItem; an owned item is never dropped.
func (w *Worker) finishItem(state core.ItemState, problem core.ProblemID, osErr error, errText string) {
	it := w.current()
	if it == nil {
		return
	}
	w.unlockItem(it)
	w.q.UpdateItemState(it.UID, state, problem, osErr, errText)
	w.mu.Lock()
	w.curItem = nil
	w.mu.Unlock()
	w.op.ReportItemChange(it.UID)
}

// returnCurrentItem hands the item back as Waiting so any worker,
// including this one after reconnecting, may claim it again.
func (w *Worker) returnCurrentItem() {
	it := w.current()
	if it == nil {
		return
	}
	w.unlockItem(it)
	w.q.UpdateItemState(it.UID, core.StateWaiting, core.ProblemNone, nil, "")
	w.mu.Lock()
	w.curItem = nil
	w.mu.Unlock()
	w.op.ReportItemChange(it.UID)
}

// handleConnLost implements the connection-loss rule: the item is NOT
// failed; it returns to Waiting, local handles are already closed by
// the caller, and the worker re-enters Preparing to reconnect.
func (w *Worker) handleConnLost(err error) {
	w.logger.Warn().Err(err).Msg("control connection lost")
	w.mu.Lock()
	c := w.conn
	w.conn = nil
	w.havePath = false
	w.dataState = DataDoesNotExist
	w.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
	w.returnCurrentItem()
	w.setState(StatePreparing, SubNone)
}

// shutDown releases everything the worker still holds. The item, if
// any, is explicitly returned to Waiting first - never silently
// dropped - and the control connection gets a graceful QUIT unless a
// force close already tore it down.
func (w *Worker) shutDown() {
	w.returnCurrentItem()
	w.mu.Lock()
	c := w.conn
	w.conn = nil
	forced := w.forceClosed
	w.mu.Unlock()
	if c != nil && !forced {
		_ = c.Quit()
	}
	w.logger.Info().Msg("worker stopped")
	w.op.ReportWorkerChange(w.id, false)
}

// lockItem registers the remote open-file intent for file-level items.
// On conflict the item is finalized as file-in-use and the worker goes
// back to hunting; returns false in that case.
func (w *Worker) lockItem(it *queue.Item) bool {
	intent, needed := itemIntent(it)
	if !needed {
		return true
	}
	user, host, port := w.op.GetUserHostPort()
	if err := w.registry.Acquire(user, host, port, it.Path, it.Name, intent); err != nil {
		w.finishItem(core.StateFailed, core.ProblemFileInUse, err, "")
		w.setState(StateLookingForWork, SubNone)
		return false
	}
	return true
}

func (w *Worker) unlockItem(it *queue.Item) {
	intent, needed := itemIntent(it)
	if !needed {
		return
	}
	user, host, port := w.op.GetUserHostPort()
	w.registry.Release(user, host, port, it.Path, it.Name, intent)
}

func itemIntent(it *queue.Item) (conn.Intent, bool) {
	switch it.Type {
	case core.TypeCopyFile, core.TypeMoveFile:
		return conn.IntentRead, true
	case core.TypeDeleteFile, core.TypeDeleteLink:
		return conn.IntentDelete, true
	case core.TypeUploadCopyFile, core.TypeUploadMoveFile:
		return conn.IntentWrite, true
	}
	return 0, false
}

// ensureWorkingPath elides redundant CWD commands through the cached
// working directory.
func (w *Worker) ensureWorkingPath(path string) error {
	w.mu.Lock()
	cached := w.havePath && w.workingPath == path
	c := w.conn
	w.mu.Unlock()
	if cached || path == "" {
		return nil
	}
	// Force-close can nil the connection between the caller's check and
	// here; report it as lost rather than dereferencing it.
	if c == nil {
		return &connLostError{cause: errors.New("connection closed")}
	}
	w.setSubState(SubWorkChangingDir)
	if err := c.ChangeDir(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.havePath = true
	w.workingPath = path
	w.mu.Unlock()
	return nil
}

// replyText extracts the raw server reply from a protocol error, or
// the error text when the failure was not a server reply.
func replyText(err error) string {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return tp.Msg
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// isConnLost distinguishes a dead control connection from a server
// rejecting a command: a rejection arrives as a parsed protocol reply,
// anything else on a command means the transport broke.
func isConnLost(err error) bool {
	if err == nil {
		return false
	}
	var tp *textproto.Error
	return !errors.As(err, &tp)
}
