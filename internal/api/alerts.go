package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"fleetalert/internal/domain"
	"fleetalert/internal/state"
)

const defaultListLimit = 100

// AlertService exposes the manager operations the API needs.
// Params: alert listing and lifecycle mutations.
// Returns: management API dependency surface.
type AlertService interface {
	ListAlerts(ctx context.Context, filter state.ListFilter) ([]domain.Alert, error)
	Acknowledge(ctx context.Context, id string) (domain.Alert, error)
	Resolve(ctx context.Context, id string) (domain.Alert, error)
}

// AlertHandler serves the operator alert management endpoints.
// Params: alert service and logger.
// Returns: HTTP handlers registered by the service mux.
type AlertHandler struct {
	service AlertService
	logger  *slog.Logger
}

// NewAlertHandler creates the management API handler.
// Params: alert service and logger.
// Returns: initialized handler.
func NewAlertHandler(service AlertService, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{service: service, logger: logger}
}

// Register wires the alert routes into one mux.
// Params: target request multiplexer.
// Returns: route registration side effects.
func (h *AlertHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/alerts", h.handleList)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", h.handleAcknowledge)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", h.handleResolve)
}

// handleList returns alerts filtered by query parameters.
// Params: response writer and request with entity/status/severity/limit/offset query params.
// Returns: JSON alert list, newest first.
func (h *AlertHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := state.ListFilter{
		EntityID: strings.TrimSpace(r.URL.Query().Get("entity")),
		Limit:    defaultListLimit,
	}

	if rawStatus := strings.TrimSpace(r.URL.Query().Get("status")); rawStatus != "" {
		status := domain.Status(rawStatus)
		switch status {
		case domain.StatusOpen, domain.StatusAcknowledged, domain.StatusResolved:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(rawStatus))
			return
		}
	}
	if rawSeverity := strings.TrimSpace(r.URL.Query().Get("severity")); rawSeverity != "" {
		severity := domain.Severity(rawSeverity)
		switch severity {
		case domain.SeverityHigh, domain.SeverityCritical:
			filter.Severity = severity
		default:
			writeError(w, http.StatusBadRequest, "unknown severity "+strconv.Quote(rawSeverity))
			return
		}
	}
	if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	if rawOffset := strings.TrimSpace(r.URL.Query().Get("offset")); rawOffset != "" {
		offset, err := strconv.Atoi(rawOffset)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	alerts, err := h.service.ListAlerts(r.Context(), filter)
	if err != nil {
		h.logger.Error("list alerts failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "list alerts failed")
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// handleAcknowledge marks one alert acknowledged.
// Params: response writer and request with alert id path value.
// Returns: updated alert or mapped lifecycle error.
func (h *AlertHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Acknowledge)
}

// handleResolve closes one alert manually.
// Params: response writer and request with alert id path value.
// Returns: updated alert or mapped lifecycle error.
func (h *AlertHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	h.mutate(w, r, h.service.Resolve)
}

// mutate runs one lifecycle mutation and maps storage errors to HTTP codes.
// Params: response writer, request, and mutation function.
// Returns: JSON alert on success, 404/409 on lifecycle conflicts.
func (h *AlertHandler) mutate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (domain.Alert, error)) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "alert id is required")
		return
	}

	alert, err := fn(r.Context(), id)
	switch {
	case errors.Is(err, state.ErrNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, state.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error("alert mutation failed", "alert", id, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "alert update failed")
	default:
		writeJSON(w, http.StatusOK, alert)
	}
}

// writeJSON writes one JSON response document.
// Params: response writer, status code, and payload.
// Returns: response side effect.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes one JSON error response.
// Params: response writer, status code, and error text.
// Returns: response side effect.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
