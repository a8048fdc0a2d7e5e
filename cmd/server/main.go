package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stockflow/rules/handlers"
	"github.com/stockflow/rules/internal/config"
	"github.com/stockflow/rules/internal/logger"
	"github.com/stockflow/rules/rules"
)

type Server struct {
	db     *sql.DB
	repo   *rules.Repository
	engine *rules.Engine
	router *chi.Mux
}

// NewServer wires the Postgres-backed engine from configuration.
func NewServer(cfg config.Config) (*Server, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	policy, err := aggregatePolicy(cfg.AggregationPolicy)
	if err != nil {
		return nil, err
	}

	store := rules.NewPostgresRuleStore(db)
	cache := rules.NewInMemoryCandidateCache(rules.CacheConfig{TTL: cfg.CacheTTL})
	repo := rules.NewRepository(store, cache)
	logs := rules.NewPostgresLogWriter(db)
	metrics := rules.NewMetrics(prometheus.DefaultRegisterer)

	engine := rules.NewEngine(repo, handlers.Builtin(logger.Logger), logs,
		rules.WithActionTimeout(cfg.ActionTimeout),
		rules.WithAggregatePolicy(policy),
		rules.WithMetrics(metrics),
		rules.WithLogger(logger.Logger),
	)

	s := newServer(db, repo, engine)
	return s, nil
}

// aggregatePolicy resolves the configured aggregation policy name. An
// unknown name fails startup rather than silently running the default.
func aggregatePolicy(name string) (rules.AggregatePolicy, error) {
	switch name {
	case "", "default":
		return rules.DefaultAggregate, nil
	case "strict":
		return rules.StrictAggregate, nil
	}
	return nil, fmt.Errorf("unknown aggregation policy %q (use default or strict)", name)
}

// newServer builds the router over already-wired dependencies. Tests use
// it with in-memory implementations.
func newServer(db *sql.DB, repo *rules.Repository, engine *rules.Engine) *Server {
	s := &Server{db: db, repo: repo, engine: engine}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Event ingestion
	r.Post("/api/v1/events", s.handleEvent)

	// Rule authoring. Every mutation goes through the repository so the
	// candidate cache is invalidated for the affected event types.
	r.Route("/api/v1/rules", func(r chi.Router) {
		r.Post("/", s.handleCreateRule)
		r.Get("/{ruleId}", s.handleGetRule)
		r.Put("/{ruleId}", s.handleUpdateRule)
		r.Delete("/{ruleId}", s.handleDeleteRule)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"totalErrors":   logger.TotalErrors.Load(),
		"totalWarnings": logger.TotalWarnings.Load(),
	})
}

// handleEvent feeds a domain event through the engine and returns the
// per-rule outcomes. Callers inspect the outcomes for block directives
// before committing the enclosing domain operation.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !req.EventType.Valid() {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", req.EventType), nil)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	startTime := time.Now()
	outcomes, err := s.engine.Handle(r.Context(), req.EventType, req.Entity, req.Payload)
	if err != nil {
		logger.Error("event handling failed", "event_type", req.EventType, "error", err)
		respondError(w, http.StatusInternalServerError, "event handling failed", err)
		return
	}

	blocked := false
	for _, outcome := range outcomes {
		if outcome.Blocked {
			blocked = true
			break
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"outcomes":       outcomes,
		"blocked":        blocked,
		"evaluationTime": time.Since(startTime).String(),
	})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule("")
	if err := s.repo.Add(r.Context(), rule); err != nil {
		respondError(w, http.StatusBadRequest, "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	rule, err := s.repo.Get(r.Context(), ruleID)
	if err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule(ruleID)
	if err := s.repo.Update(r.Context(), rule); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", err)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	if err := s.repo.Delete(r.Context(), ruleID); err != nil {
		if errors.Is(err, rules.ErrRuleNotFound) {
			respondError(w, http.StatusNotFound, "rule not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	logger.CountHTTPStatus(status)
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}
	defer server.db.Close()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}
}
