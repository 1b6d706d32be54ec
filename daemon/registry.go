// Package daemon contains the broker itself: the task registry, the
// dispatcher that pairs submissions with pooled workers, the local endpoint
// listener, the status server, and the supervisor tying them together.
package daemon

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parallite/parallite/wire"
	"github.com/parallite/parallite/worker"
)

var (
	// ErrShuttingDown is returned by Register once shutdown has begun.
	ErrShuttingDown = errors.New("daemon shutting down")
	// ErrDuplicateTask is returned when a task_id is already in flight.
	ErrDuplicateTask = errors.New("task_id already in flight")
)

// Outcome is the resolution of one task. Frame, when set, is the verbatim
// worker response frame and is what goes back on the wire; Response is the
// decoded or synthesized envelope.
type Outcome struct {
	Frame    []byte
	Response *wire.Response
}

// Task is one in-flight registry entry. Resolution is one-shot: the first of
// response, deadline, or shutdown wins and later events are dropped.
type Task struct {
	id    string
	reg   *Registry
	timer *time.Timer
	done  chan Outcome

	mu       sync.Mutex
	worker   *worker.Worker
	resolved bool
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// Done delivers the task's single outcome.
func (t *Task) Done() <-chan Outcome { return t.done }

// BindWorker records the worker executing this task so a fired deadline can
// recycle it. Returns false when the task already resolved, in which case
// the caller still owns the worker.
func (t *Task) BindWorker(w *worker.Worker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return false
	}
	t.worker = w
	return true
}

func (t *Task) boundWorker() *worker.Worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.worker
}

// Resolve settles the task. Returns false when another event already won.
func (t *Task) Resolve(out Outcome) bool {
	return t.resolve(out, false)
}

func (t *Task) resolve(out Outcome, expired bool) bool {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return false
	}
	t.resolved = true
	t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.reg.remove(t.id, expired)
	t.done <- out
	return true
}

// Registry correlates in-flight tasks by id and owns their deadline timers.
type Registry struct {
	log     *zap.SugaredLogger
	timeout time.Duration

	// onExpire is called with the bound worker (possibly nil) after a
	// deadline fires and wins the task's resolution.
	onExpire func(t *Task, w *worker.Worker)

	mu        sync.Mutex
	tasks     map[string]*Task
	closed    bool
	completed uint64
	expired   uint64
}

// RegistryStats is a point-in-time snapshot for the status server.
type RegistryStats struct {
	InFlight  int
	Completed uint64
	Expired   uint64
}

// NewRegistry builds a registry whose entries expire after timeout.
func NewRegistry(timeout time.Duration, onExpire func(t *Task, w *worker.Worker), logger *zap.SugaredLogger) *Registry {
	return &Registry{
		log:      logger.Named("registry"),
		timeout:  timeout,
		onExpire: onExpire,
		tasks:    make(map[string]*Task),
	}
}

// Register creates the entry for id and arms its deadline timer.
func (r *Registry) Register(id string) (*Task, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, ok := r.tasks[id]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("task %q: %w", id, ErrDuplicateTask)
	}
	t := &Task{
		id:   id,
		reg:  r,
		done: make(chan Outcome, 1),
	}
	r.tasks[id] = t
	r.mu.Unlock()

	t.timer = time.AfterFunc(r.timeout, func() { r.expire(t) })
	return t, nil
}

func (r *Registry) expire(t *Task) {
	resp := &wire.Response{
		OK:     false,
		TaskID: t.id,
		Error:  fmt.Sprintf("task timed out after %d ms", r.timeout.Milliseconds()),
	}
	if !t.resolve(Outcome{Response: resp}, true) {
		return
	}
	w := t.boundWorker()
	if w != nil {
		r.log.Debugw("task deadline fired", "TaskID", t.id, "WorkerPid", w.Pid())
	} else {
		r.log.Debugw("task deadline fired before dispatch", "TaskID", t.id)
	}
	if r.onExpire != nil {
		r.onExpire(t, w)
	}
}

// remove drops the entry and attributes it to exactly one counter: Expired
// when the deadline resolved it, Completed otherwise.
func (r *Registry) remove(id string, expired bool) {
	r.mu.Lock()
	if _, ok := r.tasks[id]; ok {
		delete(r.tasks, id)
		if expired {
			r.expired++
		} else {
			r.completed++
		}
	}
	r.mu.Unlock()
}

// InFlight returns how many tasks are unresolved.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Stats snapshots registry counters.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		InFlight:  len(r.tasks),
		Completed: r.completed,
		Expired:   r.expired,
	}
}

// Close refuses new registrations. Existing entries continue until they
// resolve or their deadlines fire.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
