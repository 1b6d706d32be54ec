package daemon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parallite/parallite/internal/netutil"
	"github.com/parallite/parallite/wire"
)

const responseWriteTimeout = 10 * time.Second

// Listener accepts local connections and speaks the one-frame-in,
// one-frame-out submission protocol on each. Every connection is handled on
// its own goroutine so a slow client cannot stall the rest.
type Listener struct {
	log        *zap.SugaredLogger
	disp       *Dispatcher
	maxPayload int

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewListener binds the endpoint per the address rules in netutil.
func NewListener(addr string, disp *Dispatcher, maxPayload int, logger *zap.SugaredLogger) (*Listener, error) {
	ln, err := netutil.Listen(addr, netutil.DefaultPortScanAttempts)
	if err != nil {
		return nil, err
	}
	return &Listener{
		log:        logger.Named("listener"),
		disp:       disp,
		maxPayload: maxPayload,
		ln:         ln,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the bound address, which may differ from the requested one
// after a TCP port scan.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close. Returns nil on clean close.
func (l *Listener) Serve() error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		l.track(conn)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

// Close stops accepting new connections. In-flight connections keep their
// handlers so queued tasks can still deliver responses; use Drain to wait
// for them. Idempotent.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}

// Drain waits for in-flight connection handlers to finish. When ctx expires
// first, remaining connections are force-closed and their handlers reaped.
func (l *Listener) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	l.mu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()
	<-done
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

func (l *Listener) handle(conn net.Conn) {
	defer l.untrack(conn)
	defer conn.Close()

	frame, err := wire.ReadFrame(conn, l.maxPayload)
	if err != nil {
		// Framing errors get no response; there is nothing to correlate
		// a reply with.
		l.log.Debugw("closing connection on framing error", "Error", err)
		return
	}

	sub, err := wire.DecodeSubmission(frame)
	if err != nil {
		l.log.Debugw("rejecting malformed submission", "Error", err)
		if id := wire.RecoverTaskID(frame); id != "" {
			l.writeResponse(conn, Outcome{Response: &wire.Response{
				OK:     false,
				TaskID: id,
				Error:  "invalid submission: " + err.Error(),
			}})
		}
		return
	}

	outcome := <-l.disp.Dispatch(sub, frame)
	l.writeResponse(conn, outcome)
}

func (l *Listener) writeResponse(conn net.Conn, out Outcome) {
	payload := out.Frame
	if payload == nil {
		var err error
		payload, err = wire.EncodeResponse(out.Response)
		if err != nil {
			l.log.Errorw("encoding response", "Error", err)
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	if err := wire.WriteFrame(conn, payload); err != nil {
		// The client may have disconnected while its task ran; the task
		// result is simply discarded.
		l.log.Debugw("writing response", "Error", err)
	}
}
