// Package supervisor owns the server's lifecycle: binding the listener,
// accepting connections, publishing lifecycle events, and supporting a
// graceful stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatcore/messenger/internal/action"
	"github.com/chatcore/messenger/internal/conn"
	"github.com/chatcore/messenger/internal/config"
	"github.com/chatcore/messenger/internal/eventbus"
	"github.com/chatcore/messenger/internal/fanout"
	"github.com/chatcore/messenger/internal/metrics"
	"github.com/chatcore/messenger/internal/router"
	"github.com/chatcore/messenger/internal/session"
	"github.com/chatcore/messenger/internal/store/adapter"
)

// Server is the process-wide supervisor: listener, router, registry,
// event bus and store, wired once at construction and threaded
// explicitly everywhere, in place of the module-level singletons a
// script-style server would otherwise reach for.
type Server struct {
	cfg      *config.Config
	store    adapter.Adapter
	bus      *eventbus.Bus
	sessions *session.Registry
	pool     *fanout.Pool
	router   *router.Router
	metrics  *metrics.Collectors
	registry *prometheus.Registry
	log      *slog.Logger

	listener   net.Listener
	httpServer *http.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New wires a Server from cfg and an already-opened store.
func New(cfg *config.Config, store adapter.Adapter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	bus := eventbus.New()
	sessions := session.New(bus)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	pool := fanout.New(sessions, cfg.MaxConnections*4, m, log)

	tables := make([][]router.Route, 0, len(cfg.InstalledModules))
	for _, mod := range cfg.InstalledModules {
		switch mod {
		case "auth":
			tables = append(tables, action.AuthRoutes())
		case "chat":
			tables = append(tables, action.ChatRoutes())
		}
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		sessions: sessions,
		pool:     pool,
		router:   router.New(tables...),
		metrics:  m,
		registry: reg,
		log:      log,
	}
}

// Bus returns the server's event bus, so callers (adminrelay, tests) can
// subscribe before Start.
func (s *Server) Bus() *eventbus.Bus { return s.bus }

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound; Serve errors after
// that point are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor: already started")
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: bind %s: %w", addr, err)
	}
	s.listener = ln
	s.started = true
	s.cfg.MarkRunning()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.startHTTP(s.registry)

	s.bus.State("started")
	s.log.Info("listening", "addr", addr)

	s.wg.Add(1)
	go s.acceptLoop(runCtx)
	return nil
}

func (s *Server) startHTTP(reg *prometheus.Registry) {
	if s.cfg.MetricsPort == 0 {
		return
	}
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.MetricsPort),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops http server failed", "error", err)
		}
	}()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.metrics.Connections.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.metrics.Connections.Dec()
			deps := router.Deps{Store: s.store, Sessions: s.sessions, Bus: s.bus, Fanout: s.pool}
			loop := conn.New(nc, s.router, deps, s.bus, s.metrics, s.cfg.BufferSize, s.log)
			loop.Run(ctx)
		}()
	}
}

// Stop cancels every in-flight connection task, closes the listener, and
// waits for all connections and the accept loop to finish before
// returning.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	if cancel != nil {
		cancel()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.pool.StopAndWait()
	s.cfg.MarkStopped()
	s.bus.State("stopped")

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	return nil
}
