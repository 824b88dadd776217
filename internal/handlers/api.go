package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/linewatch/internal/common"
	"github.com/ternarybob/linewatch/internal/interfaces"
)

const detectorProbeTimeout = 5 * time.Second

type APIHandler struct {
	detector interfaces.DetectorGateway
	hub      *ProgressHub
	logger   arbor.ILogger
}

func NewAPIHandler(detector interfaces.DetectorGateway, hub *ProgressHub) *APIHandler {
	return &APIHandler{
		detector: detector,
		hub:      hub,
		logger:   common.GetLogger(),
	}
}

// VersionHandler returns version information
func (h *APIHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"version":    common.GetVersion(),
		"build":      common.GetBuild(),
		"git_commit": common.GetGitCommit(),
	})
}

// HealthHandler returns health check status including the detector
// dependency probe.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	status := "ok"
	detectorStatus := "ok"
	if h.detector != nil {
		ctx, cancel := context.WithTimeout(r.Context(), detectorProbeTimeout)
		defer cancel()
		if err := h.detector.Ping(ctx); err != nil {
			status = "degraded"
			detectorStatus = "unavailable"
			h.logger.Warn().Err(err).Msg("Detector health probe failed")
		}
	}

	response := map[string]interface{}{
		"status":   status,
		"detector": detectorStatus,
	}
	if h.hub != nil {
		perTask, history := h.hub.SubscriberCounts()
		response["ws_task_subscribers"] = perTask
		response["ws_history_subscribers"] = history
	}
	WriteJSON(w, http.StatusOK, response)
}

// NotFoundHandler handles 404 errors with JSON response
func (h *APIHandler) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusNotFound, map[string]interface{}{
		"error":   "Not Found",
		"path":    r.URL.Path,
		"message": "The requested endpoint does not exist",
	})
}
