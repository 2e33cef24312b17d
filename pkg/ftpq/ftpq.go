// Package ftpq is a multi-connection FTP transfer engine. One Engine
// runs one bulk operation (download, upload, delete, change
// attributes) over a pool of worker connections, with per-item state
// tracking, aggregate counters, reconnection and pause/resume.
package ftpq

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
	"github.com/halwen/ftpq/pkg/ftpq/core"
	"github.com/halwen/ftpq/pkg/ftpq/operation"
	"github.com/halwen/ftpq/pkg/ftpq/plan"
	"github.com/halwen/ftpq/pkg/ftpq/worker"
)

// Options tunes an Engine beyond the connection parameters.
type Options struct {
	// Workers is the number of concurrent connections. Default 1.
	Workers int
	// ReconnectAttempts and ReconnectDelay configure per-worker
	// reconnection. Zero values take the worker package defaults.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// Listener receives coalesced change notifications. Optional.
	Listener core.Listener
	// Logger defaults to DefaultLogger().
	Logger *zerolog.Logger
	// Registry shares remote open-file tracking between engines
	// targeting the same server. A private one is created when nil.
	Registry *conn.Registry
	// Policies preconfigures the conflict policy set.
	Policies operation.PolicySet
}

// Engine ties one operation to its worker pool and dialer.
type Engine struct {
	op       *operation.Operation
	pool     *worker.List
	registry *conn.Registry
	dialer   *conn.Dialer
	logger   zerolog.Logger
	workers  int
}

// NewEngine creates an engine for one operation. Work is added through
// Plan before Start spins up the connections.
func NewEngine(typ core.OperationType, params conn.Params, opts Options) *Engine {
	logger := DefaultLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	registry := opts.Registry
	if registry == nil {
		registry = conn.NewRegistry()
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	op := operation.New(typ, params, opts.Listener, logger)
	op.SetPolicies(opts.Policies)
	pool := worker.NewList(op, registry, worker.Config{
		ReconnectAttempts: opts.ReconnectAttempts,
		ReconnectDelay:    opts.ReconnectDelay,
	}, logger)

	return &Engine{
		op:       op,
		pool:     pool,
		registry: registry,
		dialer:   conn.NewDialer(params, logger),
		logger:   logger,
		workers:  workers,
	}
}

// Operation exposes the underlying operation for counters, speed,
// policies and decision handling.
func (e *Engine) Operation() *operation.Operation { return e.op }

// Pool exposes the worker pool for per-worker status display.
func (e *Engine) Pool() *worker.List { return e.pool }

// Plan returns a builder that feeds the initial selection into the
// operation's queue.
func (e *Engine) Plan(filter *plan.Filter) *plan.Builder {
	return plan.NewBuilder(e.op, filter, e.logger)
}

// Start stamps the operation clock and launches the workers. Workers
// connect lazily, when they claim their first item.
func (e *Engine) Start() {
	e.op.Start()
	for i := e.pool.WorkerCount(); i < e.workers; i++ {
		e.pool.AddWorker(e.dialer.Dial)
	}
}

// Pause flags every worker; transfers park mid-stream with their
// connections open.
func (e *Engine) Pause() {
	e.pool.InformWorkersAboutPause(-1, true, nil)
}

// Resume clears the pause flags.
func (e *Engine) Resume() {
	e.pool.InformWorkersAboutPause(-1, false, nil)
}

// Stop requests a cooperative stop and blocks until every worker has
// quit. In-flight items return to Waiting before the goroutines exit.
func (e *Engine) Stop() {
	e.pool.InformWorkersAboutStop(-1, nil)
	e.pool.DeleteWorkers()
}

// ForceClose drops every control connection without QUIT, then reaps
// the workers. For abrupt shutdown only.
func (e *Engine) ForceClose() {
	e.pool.ForceCloseWorkers()
	e.pool.DeleteWorkers()
}

// Dial opens one extra logged-in connection outside the pool, for
// listing probes before the operation starts.
func (e *Engine) Dial() (conn.Conn, error) {
	return e.dialer.Dial()
}

// SetNewLogin replaces the connection parameters and releases workers
// stuck in the connection-error state.
func (e *Engine) SetNewLogin(params conn.Params) {
	e.dialer = conn.NewDialer(params, e.logger)
	e.pool.SetNewLoginParams(e.dialer.Dial)
}
