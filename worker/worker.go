// Package worker owns the executor child processes: spawning them, speaking
// the framed request/response protocol over their stdio, and the bounded
// pool that leases them to dispatchers one task at a time.
package worker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parallite/parallite/wire"
)

// State is the lifecycle state of a single worker process.
type State int32

const (
	StateIdle State = iota
	StateBusy
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBroken:
		return "broken"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrWorkerBroken is returned by Execute on a worker that already failed.
// A broken worker is never reused.
var ErrWorkerBroken = fmt.Errorf("worker is broken")

// DefaultStopGracePeriod is how long Stop waits after closing stdin, and
// again after SIGTERM, before escalating.
const DefaultStopGracePeriod = 2 * time.Second

// Config describes how to spawn and talk to one executor process.
type Config struct {
	// Command is the executor program. Args are passed verbatim.
	Command string
	Args    []string

	// Env entries are appended to the daemon's environment.
	Env []string

	// PrefixName is applied as argv[0] of the spawned process, suffixed
	// with the worker generation, where the OS honors it.
	PrefixName string

	// MaxPayloadBytes bounds response frames read from the worker.
	MaxPayloadBytes int

	// StopGracePeriod overrides DefaultStopGracePeriod when positive.
	StopGracePeriod time.Duration
}

func (c *Config) maxPayload() int {
	if c.MaxPayloadBytes > 0 {
		return c.MaxPayloadBytes
	}
	return wire.DefaultMaxPayloadBytes
}

func (c *Config) grace() time.Duration {
	if c.StopGracePeriod > 0 {
		return c.StopGracePeriod
	}
	return DefaultStopGracePeriod
}

// Worker is a handle on one executor process. The caller must hold an
// exclusive lease while calling Execute; the pool enforces this.
type Worker struct {
	log   *zap.SugaredLogger
	cfg   Config
	gen   uint64
	cmd   *exec.Cmd
	pid   int
	stdin *os.File
	out   *bufio.Reader

	stdoutR *os.File

	state    int32
	stopping int32

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// Spawn starts one executor process with captured stdio. gen is a
// pool-assigned monotonic generation used for naming and log correlation.
func Spawn(cfg Config, gen uint64, logger *zap.SugaredLogger) (*Worker, error) {
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("locating worker program %q: %w", cfg.Command, err)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	cmd := exec.Command(path, cfg.Args...)
	if cfg.PrefixName != "" {
		cmd.Args = append([]string{fmt.Sprintf("%s-%d", cfg.PrefixName, gen)}, cfg.Args...)
	}
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("starting worker program: %w", err)
	}
	// Close the child's ends in this process so that EOF propagates when
	// either side goes away.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	w := &Worker{
		log:     logger.Named(fmt.Sprintf("worker-%d", gen)),
		cfg:     cfg,
		gen:     gen,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		stdin:   stdinW,
		out:     bufio.NewReader(stdoutR),
		stdoutR: stdoutR,
		exited:  make(chan struct{}),
	}
	w.log.Debugw("spawned worker", "Pid", w.pid, "Command", path)

	go w.forwardStderr(stderrR)
	go w.watchExit()

	return w, nil
}

// Pid returns the OS process id.
func (w *Worker) Pid() int { return w.pid }

// Generation returns the pool-assigned generation counter.
func (w *Worker) Generation() uint64 { return w.gen }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(atomic.LoadInt32(&w.state)) }

func (w *Worker) setState(s State) { atomic.StoreInt32(&w.state, int32(s)) }

// Exited is closed once the worker process has been reaped.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// Execute writes one request frame to the worker and reads exactly one
// response frame back. Any I/O error, oversized frame, or out-of-band exit
// marks the worker broken; a broken worker always returns ErrWorkerBroken.
func (w *Worker) Execute(request []byte) ([]byte, error) {
	if w.State() == StateBroken {
		return nil, ErrWorkerBroken
	}
	w.setState(StateBusy)

	if err := wire.WriteFrame(w.stdin, request); err != nil {
		w.markBroken()
		return nil, fmt.Errorf("writing request to worker pid %d: %w", w.pid, err)
	}
	response, err := wire.ReadFrame(w.out, w.cfg.maxPayload())
	if err != nil {
		w.markBroken()
		if err == io.EOF {
			return nil, fmt.Errorf("worker pid %d exited before responding", w.pid)
		}
		return nil, fmt.Errorf("reading response from worker pid %d: %w", w.pid, err)
	}
	// A worker that exited right after responding is reported broken and
	// its response discarded, even though the frame itself was valid.
	// Executors are long-lived loops, so an exit here means the process is
	// not reusable and the caller must not release it back as healthy.
	if w.State() == StateBroken {
		return nil, ErrWorkerBroken
	}
	w.setState(StateIdle)
	return response, nil
}

func (w *Worker) markBroken() {
	if State(atomic.SwapInt32(&w.state, int32(StateBroken))) != StateBroken {
		w.log.Debugw("worker marked broken", "Pid", w.pid)
	}
}

// Stop asks the worker to exit by closing its stdin, then escalates to
// SIGTERM and finally SIGKILL after the grace period each. Idempotent.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		atomic.StoreInt32(&w.stopping, 1)
		w.stopErr = w.stop()
		w.markBroken()
	})
	return w.stopErr
}

func (w *Worker) stop() error {
	w.stdin.Close()
	select {
	case <-w.exited:
		return nil
	case <-time.After(w.cfg.grace()):
	}

	w.log.Debugw("worker did not exit on stdin close, sending SIGTERM", "Pid", w.pid)
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-w.exited:
		return nil
	case <-time.After(w.cfg.grace()):
	}

	w.log.Warnw("worker ignored SIGTERM, killing", "Pid", w.pid)
	if err := w.cmd.Process.Kill(); err != nil && !isProcessDone(err) {
		return fmt.Errorf("killing worker pid %d: %w", w.pid, err)
	}
	<-w.exited
	return nil
}

// Kill terminates the worker immediately. Used when a response is pending
// and the process cannot be trusted to stop on its own.
func (w *Worker) Kill() {
	atomic.StoreInt32(&w.stopping, 1)
	w.markBroken()
	w.stdin.Close()
	if err := w.cmd.Process.Kill(); err != nil && !isProcessDone(err) {
		w.log.Debugw("kill error", "Pid", w.pid, "Error", err)
	}
	<-w.exited
}

func isProcessDone(err error) bool {
	return err == os.ErrProcessDone
}

func (w *Worker) watchExit() {
	w.waitErr = w.cmd.Wait()
	if atomic.LoadInt32(&w.stopping) == 0 {
		w.log.Debugw("worker exited out of band", "Pid", w.pid, "Error", w.waitErr)
	}
	w.markBroken()
	close(w.exited)
	w.stdin.Close()
	w.stdoutR.Close()
}

// forwardStderr copies the worker's stderr into the daemon log one line at a
// time, prefixed by the worker's named logger.
func (w *Worker) forwardStderr(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		w.log.Infow("worker stderr", "Line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		w.log.Debugw("stderr forwarder stopped", "Error", err)
	}
}
