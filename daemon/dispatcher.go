package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/parallite/parallite/wire"
	"github.com/parallite/parallite/worker"
)

// FailMode controls how the daemon reacts to a worker failure.
type FailMode string

const (
	// FailModeContinue keeps serving; a failure affects only its task.
	FailModeContinue FailMode = "continue"
	// FailModeStop shuts the daemon down after the first worker failure.
	FailModeStop FailMode = "stop"
)

// ParseFailMode validates a fail-mode flag value.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(s) {
	case FailModeContinue, FailModeStop:
		return FailMode(s), nil
	}
	return "", fmt.Errorf("unsupported fail-mode %q, want continue or stop", s)
}

// Dispatcher pairs registered tasks with leased workers. Leasing and worker
// I/O are sequential but independent; no pool lock is held during I/O.
type Dispatcher struct {
	log      *zap.SugaredLogger
	pool     *worker.Pool
	reg      *Registry
	failMode FailMode

	// leaseCtx is cancelled when shutdown begins, waking dispatchers
	// blocked on Lease.
	leaseCtx context.Context

	// onWorkerFailure fires once, on the first worker failure, when the
	// fail mode is stop.
	onWorkerFailure func()
	failOnce        sync.Once
}

// NewDispatcher wires the dispatcher to its pool and registry. onWorkerFailure
// may be nil; it is only consulted under FailModeStop.
func NewDispatcher(pool *worker.Pool, reg *Registry, failMode FailMode, leaseCtx context.Context, onWorkerFailure func(), logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		log:             logger.Named("dispatcher"),
		pool:            pool,
		reg:             reg,
		failMode:        failMode,
		leaseCtx:        leaseCtx,
		onWorkerFailure: onWorkerFailure,
	}
}

// Dispatch registers the submission and starts its worker round trip. The
// returned channel always delivers exactly one outcome.
func (d *Dispatcher) Dispatch(sub *wire.Submission, raw []byte) <-chan Outcome {
	task, err := d.reg.Register(sub.TaskID)
	if err != nil {
		ch := make(chan Outcome, 1)
		msg := err.Error()
		if errors.Is(err, ErrShuttingDown) {
			msg = "daemon shutting down"
		}
		ch <- Outcome{Response: &wire.Response{OK: false, TaskID: sub.TaskID, Error: msg}}
		return ch
	}
	go d.run(task, raw)
	return task.Done()
}

func (d *Dispatcher) run(task *Task, raw []byte) {
	w, err := d.pool.Lease(d.leaseCtx)
	if err != nil {
		msg := fmt.Sprintf("leasing worker: %s", err)
		if errors.Is(err, worker.ErrPoolClosed) || errors.Is(err, context.Canceled) {
			msg = "daemon shutting down"
		}
		task.Resolve(Outcome{Response: &wire.Response{OK: false, TaskID: task.ID(), Error: msg}})
		return
	}

	if !task.BindWorker(w) {
		// The deadline fired while we were waiting for a worker; the lease
		// was never used, so the worker goes straight back.
		d.pool.Release(w)
		return
	}

	response, err := w.Execute(raw)
	if err != nil {
		// A lost resolution means the deadline already won and killed the
		// worker mid-execute; that is a task timeout, not a worker failure,
		// so it must not trip fail-mode=stop.
		if task.Resolve(Outcome{Response: &wire.Response{
			OK:     false,
			TaskID: task.ID(),
			Error:  fmt.Sprintf("worker execute failed: %s", err),
		}}) {
			d.pool.Recycle(w)
			d.workerFailed(w, err)
		}
		return
	}

	resp, err := wire.DecodeResponse(response)
	if err != nil {
		if task.Resolve(Outcome{Response: &wire.Response{
			OK:     false,
			TaskID: task.ID(),
			Error:  fmt.Sprintf("worker execute failed: %s", err),
		}}) {
			d.pool.Recycle(w)
			d.workerFailed(w, err)
		}
		return
	}

	if task.Resolve(Outcome{Frame: response, Response: resp}) {
		d.pool.Release(w)
	}
	// On a lost resolution the deadline already fired and recycled the
	// worker; nothing left to hand back.
}

func (d *Dispatcher) workerFailed(w *worker.Worker, err error) {
	d.log.Warnw("worker failure", "Pid", w.Pid(), "Error", err)
	if d.failMode != FailModeStop || d.onWorkerFailure == nil {
		return
	}
	d.failOnce.Do(d.onWorkerFailure)
}
