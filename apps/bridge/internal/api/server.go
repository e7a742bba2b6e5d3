package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the API server
type Server struct {
	transferHandler *TransferHandler
	balanceHandler  *BalanceHandler
	healthHandler   *HealthHandler
	gatherer        prometheus.Gatherer
	logger          *zap.Logger
	server          *http.Server
}

// NewServer wires the handlers. gatherer backs /metrics.
func NewServer(port int, transferHandler *TransferHandler, balanceHandler *BalanceHandler, healthHandler *HealthHandler, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	s := &Server{
		transferHandler: transferHandler,
		balanceHandler:  balanceHandler,
		healthHandler:   healthHandler,
		gatherer:        gatherer,
		logger:          logger,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.server.Handler = s.setupRoutes()
	return s
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

// Stop stops the API server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/transfers", s.transferHandler.CreateTransfer).Methods("POST")
	api.HandleFunc("/transfers/source/{source_ref}", s.transferHandler.GetTransfersBySource).Methods("GET")
	api.HandleFunc("/transfers/{id}", s.transferHandler.GetTransfer).Methods("GET")

	api.HandleFunc("/balance/{wallet_address}", s.balanceHandler.GetBalance).Methods("GET")

	api.HandleFunc("/health", s.healthHandler.GetHealth).Methods("GET")
	api.HandleFunc("/fallback-mode", s.healthHandler.SetFallbackMode).Methods("PUT")

	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// corsMiddleware handles CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
