// Package api provides the HTTP surface of the pipeline: health checks,
// registry push hooks and execution triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/shipline/internal/core/pipeline"
	"github.com/artpar/shipline/internal/core/topology"
	apimw "github.com/artpar/shipline/internal/shell/api/middleware"
	"github.com/artpar/shipline/internal/shell/api/openapi"
	"github.com/artpar/shipline/internal/shell/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// Dependencies
// =============================================================================

// ExecutionStore is the part of store.Store the handlers need.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *pipeline.Execution) error
	GetExecution(ctx context.Context, id string) (*pipeline.Execution, error)
	ListExecutions(ctx context.Context, pipelineName string, opts store.ListOptions) ([]pipeline.Execution, error)
}

// Notifier is told when a new execution is queued.
type Notifier interface {
	Notify()
}

// ReadyCheck reports whether one dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Config holds the handler dependencies.
type Config struct {
	Store      ExecutionStore
	Definition *topology.Definition
	Notifier   Notifier
	// ReadyChecks are run by /ready, keyed by the name reported.
	ReadyChecks  map[string]ReadyCheck
	SharedSecret string
	Logger       *slog.Logger
}

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	store    ExecutionStore
	def      *topology.Definition
	source   topology.SourceAction
	notifier Notifier
	checks   map[string]ReadyCheck
	secret   *apimw.SecretMiddleware
	docs     *openapi.Generator
	logger   *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		store:    cfg.Store,
		def:      cfg.Definition,
		notifier: cfg.Notifier,
		checks:   cfg.ReadyChecks,
		secret:   apimw.NewSecretMiddleware(apimw.SecretConfig{Secret: cfg.SharedSecret, Logger: cfg.Logger}),
		docs:     newDocs(),
		logger:   cfg.Logger.With("component", "api"),
	}
	if stage, ok := cfg.Definition.Pipeline.Stage(topology.StageSource); ok && len(stage.Actions) > 0 && stage.Actions[0].Source != nil {
		h.source = *stage.Actions[0].Source
	}
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/openapi.json", h.docs.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.secret.Handler)

		r.Post("/hooks/registry", h.handleRegistryHook)

		r.Route("/executions", func(r chi.Router) {
			r.Post("/", h.handleCreateExecution)
			r.Get("/", h.handleListExecutions)
			r.Get("/{id}", h.handleGetExecution)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checks))
	ready := true
	for _, name := range slices.Sorted(maps.Keys(h.checks)) {
		if err := h.checks[name](r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "failed"
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Checks: checks})
		return
	}
	h.writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// =============================================================================
// Execution Handlers
// =============================================================================

func (h *Handler) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	var req CreateExecutionRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body", "validation_error")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
			return
		}
		if err := h.docs.ValidateRequest(http.MethodPost, executionsPath, body); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
			return
		}
	}

	trigger := pipeline.Trigger{
		Source:         pipeline.TriggerManual,
		RepositoryName: h.source.RepositoryName,
		ImageTag:       h.source.ImageTag,
		ImageDigest:    req.ImageDigest,
	}
	if req.ImageTag != "" && req.ImageTag != h.source.ImageTag {
		h.writeError(w, http.StatusBadRequest, "pipeline watches tag "+h.source.ImageTag, "validation_error")
		return
	}

	h.enqueue(w, r, trigger)
}

func (h *Handler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	opts = opts.Normalize()

	executions, err := h.store.ListExecutions(r.Context(), h.def.Pipeline.Name, opts)
	if err != nil {
		h.logger.Error("failed to list executions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list executions", "internal_error")
		return
	}
	if executions == nil {
		executions = []pipeline.Execution{}
	}

	h.writeJSON(w, http.StatusOK, ListExecutionsResponse{
		Executions: executions,
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	})
}

func (h *Handler) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := h.store.GetExecution(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "execution not found", "not_found")
			return
		}
		h.logger.Error("failed to get execution", "error", err, "execution_id", id)
		h.writeError(w, http.StatusInternalServerError, "failed to get execution", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, exec)
}

// enqueue persists a pending execution and wakes the worker.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, trigger pipeline.Trigger) {
	exec, err := pipeline.NewExecution(h.def.Pipeline.Name, trigger)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	if err := h.store.CreateExecution(r.Context(), exec); err != nil {
		h.logger.Error("failed to create execution", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create execution", "internal_error")
		return
	}
	if h.notifier != nil {
		h.notifier.Notify()
	}

	h.logger.Info("execution queued", "execution_id", exec.ID, "trigger", trigger.Source, "digest", trigger.ImageDigest)
	h.writeJSON(w, http.StatusAccepted, exec)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
