// Package server exposes the orchestration layer over HTTP: completion,
// operational state, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/budget"
	"github.com/modelmux/modelmux/fallback"
	"github.com/modelmux/modelmux/repair"
	"github.com/modelmux/modelmux/routing"
)

// Config tunes the HTTP server.
type Config struct {
	Port           int           `yaml:"port"`
	AllowedOrigins []string      `yaml:"allowed_origins,omitempty"`
	ReadTimeout    time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout   time.Duration `yaml:"write_timeout,omitempty"`
}

// Server serves the orchestrator's HTTP API.
type Server struct {
	orchestrator *modelmux.Orchestrator
	config       Config
	logger       *zap.SugaredLogger
	httpServer   *http.Server
}

// New creates the server and its route table.
func New(orchestrator *modelmux.Orchestrator, config Config, logger *zap.SugaredLogger) *Server {
	if config.Port == 0 {
		config.Port = 8080
	}

	s := &Server{
		orchestrator: orchestrator,
		config:       config,
		logger:       logger,
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/complete", s.handleComplete).Methods("POST")
	router.HandleFunc("/v1/stats", s.handleStats).Methods("GET")
	router.HandleFunc("/v1/models", s.handleModels).Methods("GET")
	router.HandleFunc("/v1/routing/history", s.handleRoutingHistory).Methods("GET")
	router.HandleFunc("/v1/budget", s.handleBudget).Methods("GET")
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", orchestrator.Metrics().Handler()).Methods("GET")

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	readTimeout := config.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 120 * time.Second
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      corsMiddleware.Handler(router),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Infow("Starting server", "address", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var request routing.Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload")
		return
	}
	if len(request.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}

	result, err := s.orchestrator.Complete(r.Context(), &request)
	if err != nil {
		s.writeCompleteError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// writeCompleteError maps the layer's typed errors onto HTTP statuses.
func (s *Server) writeCompleteError(w http.ResponseWriter, err error) {
	var budgetErr *budget.ExceededError
	var noModel *routing.NoAvailableModelError
	var allFailed *fallback.AllProvidersFailedError
	var repairErr *repair.FailedError

	switch {
	case errors.As(err, &budgetErr):
		s.writeError(w, http.StatusTooManyRequests, "budget_exceeded", err.Error())
	case errors.As(err, &noModel):
		s.writeError(w, http.StatusUnprocessableEntity, "no_available_model", err.Error())
	case errors.As(err, &allFailed):
		s.writeError(w, http.StatusBadGateway, "all_providers_failed", err.Error())
	case errors.As(err, &repairErr):
		s.writeError(w, http.StatusBadGateway, "invalid_output", err.Error())
	default:
		s.logger.Errorw("Completion failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_error", "completion failed")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orchestrator.Snapshot())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"models": s.orchestrator.Catalog().List(),
	})
}

func (s *Server) handleRoutingHistory(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"decisions": s.orchestrator.Engine().History(),
	})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.orchestrator.Ledger().Status(),
		"records": len(s.orchestrator.Ledger().Records()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorw("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errorType string, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"type":    errorType,
			"message": message,
			"code":    status,
		},
	})
}
