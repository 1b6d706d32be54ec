package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/parallite/parallite/wire"
	"github.com/parallite/parallite/worker"
)

const (
	DefaultTaskTimeout  = 30 * time.Second
	DefaultDrainTimeout = 10 * time.Second
	DefaultPrefixName   = "parallite_worker"
)

// Config is the daemon's resolved configuration.
type Config struct {
	// SocketAddr is the local endpoint: a path ending in .sock for a Unix
	// socket, or a loopback host:port.
	SocketAddr string

	// WorkerCommand and WorkerArgs launch each executor process.
	WorkerCommand string
	WorkerArgs    []string

	// ConfigPath is opaque to the daemon; it is exported to workers as
	// CONFIG_PATH.
	ConfigPath string

	// TaskTimeout is the per-task deadline.
	TaskTimeout time.Duration

	// FixedWorkers pins the pool size; 0 selects max(1, NumCPU).
	FixedWorkers int

	// PrefixName names spawned worker processes where the OS allows.
	PrefixName string

	FailMode        FailMode
	MaxPayloadBytes int

	// StatusAddr enables the HTTP status side-door when non-empty.
	StatusAddr string

	// DrainTimeout bounds the shutdown window for in-flight tasks.
	DrainTimeout time.Duration

	// StopGracePeriod overrides the worker stop ladder steps.
	StopGracePeriod time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = DefaultTaskTimeout
	}
	if out.PrefixName == "" {
		out.PrefixName = DefaultPrefixName
	}
	if out.FailMode == "" {
		out.FailMode = FailModeContinue
	}
	if out.MaxPayloadBytes <= 0 {
		out.MaxPayloadBytes = wire.DefaultMaxPayloadBytes
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = DefaultDrainTimeout
	}
	return out
}

// Daemon is the supervisor: it owns the pool, registry, dispatcher,
// listener, and optional status server, and runs the shutdown sequence.
type Daemon struct {
	log *zap.SugaredLogger
	cfg Config

	pool     *worker.Pool
	reg      *Registry
	disp     *Dispatcher
	listener *Listener
	status   *StatusServer

	leaseCancel context.CancelFunc

	shutdownCh   chan struct{}
	triggerOnce  sync.Once
	shutdownOnce sync.Once
}

// New validates the configuration, spawns the fixed pool if configured, and
// binds the endpoint. hub may be nil; when set, the status server serves a
// log tail from it.
func New(cfg Config, logger *zap.Logger, hub *LogHub) (*Daemon, error) {
	cfg = cfg.withDefaults()
	if cfg.SocketAddr == "" {
		return nil, errors.New("no socket address configured")
	}
	if cfg.WorkerCommand == "" {
		return nil, errors.New("no worker command configured")
	}
	if _, err := exec.LookPath(cfg.WorkerCommand); err != nil {
		return nil, fmt.Errorf("worker program: %w", err)
	}

	log := logger.Named("parallited").Sugar()

	var workerEnv []string
	if cfg.ConfigPath != "" {
		workerEnv = append(workerEnv, "CONFIG_PATH="+cfg.ConfigPath)
	}
	pool, err := worker.NewPool(worker.PoolConfig{
		Worker: worker.Config{
			Command:         cfg.WorkerCommand,
			Args:            cfg.WorkerArgs,
			Env:             workerEnv,
			PrefixName:      cfg.PrefixName,
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			StopGracePeriod: cfg.StopGracePeriod,
		},
		FixedWorkers: cfg.FixedWorkers,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("initializing worker pool: %w", err)
	}

	d := &Daemon{
		log:        log,
		cfg:        cfg,
		pool:       pool,
		shutdownCh: make(chan struct{}),
	}

	leaseCtx, leaseCancel := context.WithCancel(context.Background())
	d.leaseCancel = leaseCancel

	d.reg = NewRegistry(cfg.TaskTimeout, func(t *Task, w *worker.Worker) {
		if w != nil {
			pool.Recycle(w)
		}
	}, log)

	d.disp = NewDispatcher(pool, d.reg, cfg.FailMode, leaseCtx, func() {
		d.log.Warn("worker failure with fail-mode=stop, shutting down")
		d.Shutdown()
	}, log)

	d.listener, err = NewListener(cfg.SocketAddr, d.disp, cfg.MaxPayloadBytes, log)
	if err != nil {
		shutdownErr := pool.Shutdown(context.Background())
		if shutdownErr != nil {
			log.Debugw("pool shutdown after bind failure", "Error", shutdownErr)
		}
		return nil, fmt.Errorf("binding endpoint: %w", err)
	}

	if cfg.StatusAddr != "" {
		d.status, err = NewStatusServer(cfg.StatusAddr, pool, d.reg, hub, log)
		if err != nil {
			d.listener.Close()
			shutdownErr := pool.Shutdown(context.Background())
			if shutdownErr != nil {
				log.Debugw("pool shutdown after status bind failure", "Error", shutdownErr)
			}
			return nil, fmt.Errorf("binding status endpoint: %w", err)
		}
	}

	log.Infow("daemon ready",
		"Addr", d.listener.Addr().String(),
		"Capacity", pool.Capacity(),
		"TimeoutMS", cfg.TaskTimeout.Milliseconds(),
		"FailMode", string(cfg.FailMode),
	)
	return d, nil
}

// Addr returns the endpoint actually bound, which for TCP may be a scanned
// port past the requested one.
func (d *Daemon) Addr() net.Addr { return d.listener.Addr() }

// StatusAddr returns the status server address, or nil when disabled.
func (d *Daemon) StatusAddr() net.Addr {
	if d.status == nil {
		return nil
	}
	return d.status.Addr()
}

// Shutdown triggers the shutdown sequence without waiting for it. Safe to
// call any number of times, from any goroutine.
func (d *Daemon) Shutdown() {
	d.triggerOnce.Do(func() { close(d.shutdownCh) })
}

// Run serves until a signal, context cancellation, or Shutdown, then drains
// and cleans up. The endpoint being reachable is the readiness signal
// clients poll for.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(d.listener.Serve)
	if d.status != nil {
		g.Go(d.status.Serve)
	}

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			d.log.Infow("received signal", "Signal", sig.String())
		case <-gctx.Done():
		case <-d.shutdownCh:
		}
		d.shutdown()
		return nil
	})

	err := g.Wait()
	// Covers the path where a serve goroutine failed outright.
	d.shutdown()
	return err
}

// shutdown runs the ordered sequence exactly once: stop accepting, refuse
// new registrations, cancel pending leases, drain in-flight tasks bounded
// by the drain timeout, then stop the pool and the status server. Closing
// the Unix listener unlinks the socket file.
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.Shutdown()
		d.log.Info("shutdown started")

		d.listener.Close()
		d.reg.Close()
		d.leaseCancel()

		drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.DrainTimeout)
		defer cancel()
		d.waitForTasks(drainCtx)
		d.listener.Drain(drainCtx)

		if err := d.pool.Shutdown(drainCtx); err != nil {
			d.log.Warnw("pool shutdown", "Error", err)
		}
		if d.status != nil {
			if err := d.status.Close(); err != nil {
				d.log.Debugw("status server close", "Error", err)
			}
		}
		d.log.Info("shutdown complete")
	})
}

func (d *Daemon) waitForTasks(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for d.reg.InFlight() > 0 {
		select {
		case <-ctx.Done():
			d.log.Warnw("drain window expired with tasks in flight", "InFlight", d.reg.InFlight())
			return
		case <-ticker.C:
		}
	}
}
