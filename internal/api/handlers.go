package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/scanwatch/rdio-monitor/internal/audio"
	"github.com/scanwatch/rdio-monitor/internal/monitor"
	"github.com/scanwatch/rdio-monitor/internal/scanner"
	"github.com/scanwatch/rdio-monitor/internal/storage/sqlite"
	"github.com/scanwatch/rdio-monitor/pkg/logger"
)

const defaultCallsLimit = 50

// Handler serves the monitoring API.
type Handler struct {
	store    *sqlite.CallStore
	pipeline *audio.Pipeline
	monitor  *monitor.Monitor
	client   *scanner.Client
	logger   *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	store *sqlite.CallStore,
	pipeline *audio.Pipeline,
	mon *monitor.Monitor,
	client *scanner.Client,
	logger *logger.Logger,
) *Handler {
	return &Handler{
		store:    store,
		pipeline: pipeline,
		monitor:  mon,
		client:   client,
		logger:   logger.Named("api-handler"),
	}
}

// GetHealth runs a live health check. Responds 503 when unhealthy so
// container probes can key off the status code.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	health := h.monitor.PerformHealthCheck(r.Context(), h.store, h.client)

	status := http.StatusOK
	if health.OverallStatus == monitor.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

// GetStats aggregates monitor counters, store statistics, and audio storage
// statistics.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	dbStats, err := h.store.GetStatistics(r.Context())
	if err != nil {
		h.logger.Error("Failed to get store statistics", logger.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to compute statistics")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"system":  h.monitor.SystemStats(),
		"calls":   dbStats,
		"storage": h.pipeline.Stats(),
	})
}

// GetRecentCalls returns the most recent calls, newest first.
func (h *Handler) GetRecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
		limit = parsed
	}

	calls, err := h.store.GetRecentCalls(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to query recent calls", logger.Error(err))
		h.writeError(w, http.StatusInternalServerError, "failed to query calls")
		return
	}
	if calls == nil {
		calls = []*scanner.CallRecord{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls": calls,
		"count": len(calls),
	})
}

// GetCallByID returns one call record.
func (h *Handler) GetCallByID(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")

	call, err := h.store.GetCallByID(r.Context(), callID)
	if err != nil {
		h.logger.Error("Failed to query call",
			logger.String("call_id", callID),
			logger.Error(err),
		)
		h.writeError(w, http.StatusInternalServerError, "failed to query call")
		return
	}
	if call == nil {
		h.writeError(w, http.StatusNotFound, "call not found")
		return
	}

	h.writeJSON(w, http.StatusOK, call)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
