package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes /metrics and /status for the monitoring dashboard.
type Server struct {
	reporter *Reporter
	logger   *zap.Logger
	server   *http.Server
}

func NewServer(addr string, r *Reporter, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(r)); err != nil {
		return nil, err
	}

	s := &Server{reporter: r, logger: logger}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) router(registry *prometheus.Registry) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return router
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.reporter.Snapshot()); err != nil {
		http.Error(w, "could not encode status", http.StatusInternalServerError)
	}
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("serving status", zap.String("addr", s.server.Addr))
		// always returns an error, ErrServerClosed on shutdown
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
