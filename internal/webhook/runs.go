package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/chatops-gateway/internal/server"
	"github.com/tjfontaine/chatops-gateway/internal/storage"
)

// MaxRunsLimit caps the limit query parameter.
const MaxRunsLimit = 500

// RunLister reads run history.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]*storage.Run, error)
	GetRun(ctx context.Context, id string) (*storage.Run, error)
}

// RunsHandler serves GET /runs?limit=N and GET /runs/{id}.
type RunsHandler struct {
	store  RunLister
	logger *slog.Logger
}

// NewRunsHandler creates a run history handler.
func NewRunsHandler(store RunLister, logger *slog.Logger) *RunsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunsHandler{store: store, logger: logger}
}

// Routes mounts the run history endpoints on r.
func (h *RunsHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
}

func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := storage.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxRunsLimit)
	}

	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		server.AddError(r.Context(), err)
		h.logger.Error("failed to list runs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Healthz reports liveness.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
