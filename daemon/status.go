package daemon

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/parallite/parallite/worker"
)

// LogHub fans daemon log records out to status-server subscribers. It is a
// zapcore sink: each Write call carries one encoded record. Slow subscribers
// drop records rather than stall logging.
type LogHub struct {
	mu   sync.Mutex
	subs map[chan json.RawMessage]struct{}
}

// NewLogHub builds an empty hub.
func NewLogHub() *LogHub {
	return &LogHub{subs: map[chan json.RawMessage]struct{}{}}
}

func (h *LogHub) Write(p []byte) (int, error) {
	line := make(json.RawMessage, len(p))
	copy(line, p)
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- line:
		default:
		}
	}
	h.mu.Unlock()
	return len(p), nil
}

// Sync satisfies zapcore.WriteSyncer.
func (h *LogHub) Sync() error { return nil }

// Subscribe registers a tail. The returned cancel must be called to
// unregister.
func (h *LogHub) Subscribe() (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, 256)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// TeeToHub returns a logger that also emits JSON records into hub, for the
// status server's /logs tail.
func TeeToHub(logger *zap.Logger, hub *LogHub, level zapcore.Level) *zap.Logger {
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	hubCore := zapcore.NewCore(encoder, zapcore.AddSync(hub), level)
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, hubCore)
	}))
}

// StatusServer exposes a loopback HTTP side-door with liveness, pool and
// registry counters, and a WebSocket log tail. It carries no submission
// traffic and is disabled unless an address is configured.
type StatusServer struct {
	log  *zap.SugaredLogger
	pool *worker.Pool
	reg  *Registry
	hub  *LogHub

	ln         net.Listener
	httpServer *http.Server
	startedAt  time.Time
}

// NewStatusServer binds addr and prepares routes.
func NewStatusServer(addr string, pool *worker.Pool, reg *Registry, hub *LogHub, logger *zap.SugaredLogger) (*StatusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &StatusServer{
		log:       logger.Named("status"),
		pool:      pool,
		reg:       reg,
		hub:       hub,
		ln:        ln,
		startedAt: time.Now(),
	}

	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/stats", s.stats)
	router.GET("/logs", s.logs)
	s.httpServer = &http.Server{Handler: router}
	return s, nil
}

// Addr returns the bound address.
func (s *StatusServer) Addr() net.Addr { return s.ln.Addr() }

// Serve blocks until Close. Returns nil on clean close.
func (s *StatusServer) Serve() error {
	err := s.httpServer.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the server and its connections.
func (s *StatusServer) Close() error {
	return s.httpServer.Close()
}

func (s *StatusServer) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, struct {
		Status        string
		UptimeSeconds int64
	}{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *StatusServer) stats(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.writeJSON(w, struct {
		Pool  worker.PoolStats
		Tasks RegistryStats
	}{
		Pool:  s.pool.Stats(),
		Tasks: s.reg.Stats(),
	})
}

// logs streams daemon log records over a WebSocket until the client goes
// away.
func (s *StatusServer) logs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.hub == nil {
		http.Error(w, "log tail not enabled", http.StatusNotFound)
		return
	}
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("log tail WebSocket accept error: %s", err)
		return
	}
	defer wsConn.Close(websocket.StatusNormalClosure, "")

	lines, cancel := s.hub.Subscribe()
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-lines:
			if err := wsjson.Write(ctx, wsConn, line); err != nil {
				s.log.Debugf("log tail write error: %s", err)
				return
			}
		}
	}
}

func (s *StatusServer) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
