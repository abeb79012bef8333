package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/metrics"
)

// HeartbeatHandler accepts agent heartbeats over HTTP POST.
// Params: sink, body size limit, logger, and metrics handle.
// Returns: http.Handler for the heartbeat endpoint.
type HeartbeatHandler struct {
	sink         HeartbeatSink
	maxBodyBytes int64
	logger       *slog.Logger
	met          *metrics.Metrics
}

// NewHeartbeatHandler creates the HTTP heartbeat endpoint handler.
// Params: HTTP ingest config, sink, logger, and metrics handle.
// Returns: initialized handler.
func NewHeartbeatHandler(cfg config.HTTPIngestConfig, sink HeartbeatSink, logger *slog.Logger, met *metrics.Metrics) *HeartbeatHandler {
	return &HeartbeatHandler{
		sink:         sink,
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger,
		met:          met,
	}
}

// ServeHTTP decodes, validates, and evaluates one heartbeat payload.
// Params: response writer and request.
// Returns: 202 on acceptance, 400 for invalid payloads, 500 on evaluation failure.
func (h *HeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.reject(w, http.StatusBadRequest, "read body failed")
		return
	}

	hb, err := domain.DecodeHeartbeat(body)
	if err != nil {
		h.met.HeartbeatsRejected.Inc()
		h.logger.Warn("heartbeat rejected", "remote", r.RemoteAddr, "error", err.Error())
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sink.EvaluateHeartbeat(r.Context(), hb); err != nil {
		h.logger.Error("heartbeat evaluation failed", "entity", hb.EntityID, "error", err.Error())
		h.reject(w, http.StatusInternalServerError, "evaluation failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// reject writes one JSON error response.
// Params: response writer, status code, and error text.
// Returns: response side effect.
func (h *HeartbeatHandler) reject(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
