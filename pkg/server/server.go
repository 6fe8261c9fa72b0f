// Package server implements the HTTP lookup service. Workers share the
// mapped databases, indexes and filters read-only; the only mutable shared
// state is the result cache, which locks internally.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"github.com/breachline/breachdb/internal/logger"
	"github.com/breachline/breachdb/pkg/cache"
	"github.com/breachline/breachdb/pkg/config"
	"github.com/breachline/breachdb/pkg/metrics"
)

// Server is the lookup service.
type Server struct {
	cfg     config.Server
	set     *backendSet
	cache   *cache.Cache
	metrics *metrics.ServerMetrics
	perfSeq atomic.Uint64
	http    *http.Server
	httpMet *http.Server
}

// New opens all configured backends and prepares the service. It fails,
// without binding, if any configured file is missing or malformed.
func New(cfg config.Server) (*Server, error) {
	set, err := openBackends(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		set:     set,
		cache:   cache.New(cfg.CacheSize),
		metrics: metrics.NewServerMetrics(),
	}
	return s, nil
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/check/{backend}/{query}", s.handleCheck)

	// Anything else under /check is a malformed path, not a missing page.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	return r
}

// ListenAndServe binds the lookup listener (and the metrics listener when
// configured) and serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	// The worker budget is enforced at the listener: at most Threads
	// connections are served concurrently, the rest queue in the accept
	// backlog.
	ln = netutil.LimitListener(ln, s.cfg.Threads)

	s.http = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.RequestTimeout,
		WriteTimeout: s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("lookup server listening",
			"addr", addr,
			"threads", s.cfg.Threads,
			"backends", len(s.set.backends),
			"toc", s.cfg.TOC,
		)
		errc <- s.http.Serve(ln)
	}()

	if s.cfg.MetricsPort > 0 {
		if h := metrics.Handler(); h != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", h)
			s.httpMet = &http.Server{
				Addr:    fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.MetricsPort),
				Handler: mux,
			}
			go func() {
				logger.Info("metrics listening", "addr", s.httpMet.Addr)
				errc <- s.httpMet.ListenAndServe()
			}()
		}
	}

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		_ = s.shutdown()
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.httpMet != nil {
		_ = s.httpMet.Shutdown(ctx)
	}
	s.set.Close()
	logger.Info("lookup server stopped")
	return err
}

// Close releases backend mappings without serving. Used by tests and
// early-exit paths.
func (s *Server) Close() {
	s.set.Close()
}
