// Package apiserver is the destination's HTTP surface: GET
// /migration/result, POST /migration/abort, GET /healthz and GET
// /metrics, built on gorilla/mux the way the corpus's semantic
// gateway builds its API server.
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
)

// Runner is the subset of the orchestrator this server exposes.
type Runner interface {
	Result(ctx context.Context) (migration.MigrationResult, error)
	Abort(ctx context.Context) error
}

// Server is the destination HTTP surface.
type Server struct {
	router   *mux.Router
	http     *http.Server
	runner   Runner
	gatherer prometheus.Gatherer
}

// NewServer builds a Server listening on addr and backed by runner,
// serving /metrics from the default Prometheus registry.
func NewServer(addr string, runner Runner) *Server {
	return NewServerWithGatherer(addr, runner, prometheus.DefaultGatherer)
}

// NewServerWithGatherer builds a Server whose /metrics endpoint scrapes
// gatherer, the registry the process's telemetry.Metrics were
// registered against, instead of the global default.
func NewServerWithGatherer(addr string, runner Runner, gatherer prometheus.Gatherer) *Server {
	s := &Server{router: mux.NewRouter(), runner: runner, gatherer: gatherer}
	s.setupRoutes()
	s.setupMiddleware()
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

// TestRouter exposes the underlying router for in-process testing via
// httptest, without starting a real listener.
func (s *Server) TestRouter() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/migration/result", s.handleResult).Methods(http.MethodGet)
	s.router.HandleFunc("/migration/abort", s.handleAbort).Methods(http.MethodPost)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func (s *Server) setupMiddleware() {
	s.router.Use(loggingMiddleware)
	s.router.Use(contentTypeMiddleware)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		klog.FromContext(r.Context()).V(4).Info("request handled",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.runner.Result(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.runner.Abort(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Start runs the HTTP server until ctx is cancelled, then shuts it
// down gracefully within 30 seconds.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		klog.FromContext(ctx).Info("starting migration api server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
