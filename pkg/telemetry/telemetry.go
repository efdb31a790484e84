// Package telemetry serves the Telemetry endpoint: Prometheus metrics,
// health, a JSON state snapshot and a websocket stream of snapshots.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/nodecore/pkg/logging"
	"github.com/nodecore/pkg/server"
	"github.com/nodecore/pkg/session"
	"github.com/nodecore/pkg/state"
	"github.com/nodecore/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config telemetry server settings
type Config struct {
	MetricsPath    string
	StreamInterval time.Duration // minimum time between two websocket pushes
	WriteTimeout   time.Duration
}

// Server the Telemetry endpoint. Every accepted TCP connection is a
// Telemetry session in the shared session registry.
type Server struct {
	cfg      Config
	store    *state.Store
	sessions *session.Registry
	phase    func() types.Phase
	registry *prometheus.Registry

	httpSrv  *http.Server
	upgrader websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// New creates the telemetry server
func New(cfg Config, store *state.Store, sessions *session.Registry, registry *prometheus.Registry, phase func() types.Phase) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	t := &Server{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		phase:    phase,
		registry: registry,
		closing:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // read-only data
			},
		},
	}
	t.httpSrv = &http.Server{
		Handler:           t.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return t
}

// Router builds the HTTP routes
func (t *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, t.cfg.MetricsPath, promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", t.handleHealth)
	r.Get("/snapshot", t.handleSnapshot)
	r.Get("/ws", t.handleStream)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html>
<head><title>nodecore</title></head>
<body>
<h1>nodecore</h1>
<p><a href="` + t.cfg.MetricsPath + `">Metrics</a> | <a href="/snapshot">Snapshot</a> | <a href="/healthz">Health</a></p>
</body>
</html>`))
	})
	return r
}

// Serve implements server.RoleServer
func (t *Server) Serve(ctx context.Context, ln net.Listener) error {
	t.httpSrv.BaseContext = func(net.Listener) context.Context { return ctx }
	err := t.httpSrv.Serve(server.TrackListener(ctx, ln, types.RoleTelemetry, t.sessions))
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops keep-alives, ends websocket streams and waits for
// in-flight requests until ctx is done.
func (t *Server) Shutdown(ctx context.Context) error {
	t.closeOnce.Do(func() { close(t.closing) })
	t.httpSrv.SetKeepAlivesEnabled(false)
	return t.httpSrv.Shutdown(ctx)
}

func (t *Server) currentPhase() types.Phase {
	if t.phase == nil {
		return types.PhaseRunning
	}
	return t.phase()
}

func (t *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	phase := t.currentPhase()
	if phase != types.PhaseRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(phase.String()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (t *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t.view()); err != nil {
		logging.Logf("[telemetry] snapshot encode failed: %v", err)
	}
}

func (t *Server) view() View {
	return NewView(t.store.Read(), t.currentPhase(), t.sessions.CountByRole(), time.Now())
}

// handleStream pushes a snapshot on connect and after every generation
// change, at most once per stream interval.
func (t *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader drains control frames and notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, unsubscribe := t.store.Subscribe()
	defer unsubscribe()

	var last time.Time
	push := func() bool {
		if wait := t.cfg.StreamInterval - time.Since(last); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return false
			case <-t.closing:
				return false
			}
		}
		last = time.Now()
		_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
		if err := conn.WriteJSON(t.view()); err != nil {
			if logging.DebugEnabled() {
				logging.Debugf("[telemetry] stream write failed (remote=%s err=%v)", r.RemoteAddr, err)
			}
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-updates:
			if !push() {
				return
			}
		case <-t.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "draining"),
				time.Now().Add(time.Second))
			return
		case <-ctx.Done():
			return
		}
	}
}
