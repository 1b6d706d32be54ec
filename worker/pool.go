package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Lease once Shutdown has begun.
var ErrPoolClosed = errors.New("worker pool is shut down")

// PoolConfig sizes the pool and configures the workers it spawns.
type PoolConfig struct {
	Worker Config

	// FixedWorkers pins the pool size and pre-spawns eagerly when > 0.
	// When 0, capacity is max(1, NumCPU) and workers spawn on demand.
	FixedWorkers int

	// ShutdownKillDelay bounds how long Shutdown waits for leased workers
	// to come back before killing them outright.
	ShutdownKillDelay time.Duration
}

func (c *PoolConfig) capacity() int {
	if c.FixedWorkers > 0 {
		return c.FixedWorkers
	}
	if n := runtime.NumCPU(); n > 1 {
		return n
	}
	return 1
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Capacity int
	Idle     int
	Leased   int
	Broken   int
	Spawned  uint64
	Recycled uint64
}

// Pool maintains up to capacity workers, leasing them to dispatchers one at
// a time. Idle workers are handed out FIFO. A broken worker is discarded and
// its slot becomes available for a fresh spawn on the next demand.
type Pool struct {
	log *zap.SugaredLogger
	cfg PoolConfig
	cap int

	// slots holds one token per unoccupied capacity slot. A token is taken
	// when a worker is spawned and returned once its process has been
	// stopped, so |workers alive| never exceeds capacity.
	slots chan struct{}
	// free is the FIFO of idle workers.
	free chan *Worker

	closedCh     chan struct{}
	closeOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error

	mu       sync.Mutex
	alive    map[*Worker]struct{}
	leased   int
	broken   int
	nextGen  uint64
	spawned  uint64
	recycled uint64
}

// NewPool builds the pool and, when FixedWorkers > 0, pre-spawns that many
// workers so the first submissions do not pay spawn latency.
func NewPool(cfg PoolConfig, logger *zap.SugaredLogger) (*Pool, error) {
	capacity := cfg.capacity()
	p := &Pool{
		log:      logger.Named("pool"),
		cfg:      cfg,
		cap:      capacity,
		slots:    make(chan struct{}, capacity),
		free:     make(chan *Worker, capacity),
		closedCh: make(chan struct{}),
		alive:    make(map[*Worker]struct{}),
	}
	for i := 0; i < capacity; i++ {
		p.slots <- struct{}{}
	}
	if cfg.FixedWorkers > 0 {
		for i := 0; i < capacity; i++ {
			<-p.slots
			w, err := p.spawn()
			if err != nil {
				p.slots <- struct{}{}
				shutdownErr := p.Shutdown(context.Background())
				return nil, multierr.Append(fmt.Errorf("pre-spawning worker %d of %d: %w", i+1, capacity, err), shutdownErr)
			}
			p.free <- w
		}
	}
	p.log.Debugw("pool ready", "Capacity", capacity, "Prespawned", cfg.FixedWorkers > 0)
	return p, nil
}

// Capacity returns the maximum number of live workers.
func (p *Pool) Capacity() int { return p.cap }

// Stats snapshots current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Capacity: p.cap,
		Idle:     len(p.free),
		Leased:   p.leased,
		Broken:   p.broken,
		Spawned:  p.spawned,
		Recycled: p.recycled,
	}
}

// spawn starts a new worker. The caller must already hold a slot token.
func (p *Pool) spawn() (*Worker, error) {
	p.mu.Lock()
	p.nextGen++
	gen := p.nextGen
	p.mu.Unlock()

	w, err := Spawn(p.cfg.Worker, gen, p.log)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.alive[w] = struct{}{}
	p.spawned++
	p.mu.Unlock()
	return w, nil
}

// Lease returns an idle worker, spawning one when the pool is below capacity,
// or blocks until a worker is released. A cancelled context is a clean no-op.
func (p *Pool) Lease(ctx context.Context) (*Worker, error) {
	for {
		select {
		case <-p.closedCh:
			return nil, ErrPoolClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Prefer a warm idle worker over spawning a new one.
		select {
		case w := <-p.free:
			if leased := p.tryLease(w); leased {
				return w, nil
			}
			continue
		default:
		}

		select {
		case w := <-p.free:
			if leased := p.tryLease(w); leased {
				return w, nil
			}
		case <-p.slots:
			w, err := p.spawn()
			if err != nil {
				p.slots <- struct{}{}
				return nil, fmt.Errorf("spawning worker for lease: %w", err)
			}
			if !p.tryLease(w) {
				// Lost a race with an out-of-band exit; retry.
				p.discard(w, false)
				continue
			}
			return w, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closedCh:
			return nil, ErrPoolClosed
		}
	}
}

// tryLease marks w leased unless it broke while idle.
func (p *Pool) tryLease(w *Worker) bool {
	if w.State() == StateBroken {
		p.discard(w, false)
		return false
	}
	p.mu.Lock()
	p.leased++
	p.mu.Unlock()
	return true
}

// Release returns a leased worker. Healthy workers rejoin the back of the
// idle FIFO; broken ones are discarded and their slot freed for respawn.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	if _, ok := p.alive[w]; !ok {
		// Already handled by Recycle on another path.
		p.mu.Unlock()
		return
	}
	p.leased--
	p.mu.Unlock()

	if w.State() == StateBroken {
		p.discard(w, false)
		return
	}
	p.free <- w
}

// Recycle discards a leased worker whose state can no longer be trusted. The
// process is killed asynchronously; the caller never blocks on termination.
func (p *Pool) Recycle(w *Worker) {
	p.mu.Lock()
	if _, ok := p.alive[w]; !ok {
		// Already being torn down by an earlier Recycle or Release.
		p.mu.Unlock()
		return
	}
	p.leased--
	p.recycled++
	p.mu.Unlock()

	p.log.Debugw("recycling worker", "Pid", w.Pid(), "Generation", w.Generation())
	p.discard(w, true)
}

// discard removes w from the live set, terminates it, and frees its slot.
// kill selects immediate termination over the graceful stop ladder.
func (p *Pool) discard(w *Worker, kill bool) {
	p.mu.Lock()
	if _, ok := p.alive[w]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.alive, w)
	p.broken++
	p.mu.Unlock()

	go func() {
		if kill {
			w.Kill()
		} else if err := w.Stop(); err != nil {
			p.log.Debugw("error stopping worker", "Pid", w.Pid(), "Error", err)
		}
		p.mu.Lock()
		p.broken--
		p.mu.Unlock()
		p.slots <- struct{}{}
	}()
}

// Shutdown drains the pool: new leases are refused, leased workers get until
// ctx is done or ShutdownKillDelay elapses, whichever comes first, to come
// back, then everything is terminated.
// Safe to call more than once; later calls return the first result.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closedCh) })
	p.shutdownOnce.Do(func() { p.shutdownErr = p.drainAndStop(ctx) })
	return p.shutdownErr
}

func (p *Pool) drainAndStop(ctx context.Context) error {
	killDelay := p.cfg.ShutdownKillDelay
	if killDelay <= 0 {
		killDelay = 5 * time.Second
	}
	deadline := time.NewTimer(killDelay)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var errs error
	killed := false
	for {
		select {
		case w := <-p.free:
			errs = multierr.Append(errs, w.Stop())
			p.forget(w)
			continue
		default:
		}

		p.mu.Lock()
		leased := p.leased
		p.mu.Unlock()
		if leased <= 0 {
			break
		}

		select {
		case w := <-p.free:
			errs = multierr.Append(errs, w.Stop())
			p.forget(w)
		case <-ctx.Done():
			if !killed {
				killed = true
				p.killRemaining()
			}
			<-ticker.C
		case <-deadline.C:
			if !killed {
				killed = true
				p.killRemaining()
			}
		case <-ticker.C:
		}
	}

	// Collect every capacity slot back. A worker released between the drain
	// loop and here still sits in the free queue, so keep draining it too.
	for collected := 0; collected < p.cap; {
		select {
		case <-p.slots:
			collected++
		case w := <-p.free:
			errs = multierr.Append(errs, w.Stop())
			p.forget(w)
		case <-time.After(killDelay):
			p.killRemaining()
			return multierr.Append(errs, errors.New("timed out waiting for worker termination"))
		}
	}
	p.log.Debug("pool shut down")
	return errs
}

// forget removes a worker stopped synchronously during Shutdown and frees
// its slot without the async discard goroutine.
func (p *Pool) forget(w *Worker) {
	p.mu.Lock()
	if _, ok := p.alive[w]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.alive, w)
	p.mu.Unlock()
	p.slots <- struct{}{}
}

// killRemaining forcibly terminates every live worker, including leased
// ones whose dispatchers did not finish within the drain window.
func (p *Pool) killRemaining() {
	p.mu.Lock()
	remaining := make([]*Worker, 0, len(p.alive))
	for w := range p.alive {
		remaining = append(remaining, w)
	}
	p.mu.Unlock()
	for _, w := range remaining {
		w.Kill()
	}
}
