package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/jobs"
)

const maxBodyBytes = 1 << 20

// CreateSource handles POST /v1/sources
func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req jobs.CreateSourceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			BadRequest(w, r, "Request body is required")
			return
		}
		BadRequest(w, r, "Invalid JSON request body")
		return
	}

	src, err := h.Sources.CreateSource(r.Context(), req)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}

	WriteCreated(w, r, src, "Source created, discovery queued")
}

// StartDiscovery handles POST /v1/sources/{id}/discover. With ?async=true the
// run is queued instead of executed in the request.
func (h *Handler) StartDiscovery(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := h.Sources.RequeueDiscovery(r.Context(), sourceID); err != nil {
			WriteServiceError(w, r, err)
			return
		}
		WriteAccepted(w, r, map[string]string{"source_id": sourceID}, "Discovery queued")
		return
	}

	outcome, err := h.Sources.StartDiscovery(r.Context(), sourceID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}

	WriteSuccess(w, r, outcome, "Discovery completed")
}

// TriggerProcessing handles POST /v1/jobs/process
func (h *Handler) TriggerProcessing(w http.ResponseWriter, r *http.Request) {
	result, err := h.Sources.TriggerProcessing(r.Context())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}

	WriteSuccess(w, r, result, "Batch processed")
}

// RunRecovery handles POST /v1/sources/{id}/recover and POST /v1/jobs/recover.
// threshold_minutes is optional and clamped by the recovery service.
func (h *Handler) RunRecovery(w http.ResponseWriter, r *http.Request) {
	var threshold time.Duration
	if raw := r.URL.Query().Get("threshold_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			BadRequest(w, r, "threshold_minutes must be a positive integer")
			return
		}
		threshold = time.Duration(minutes) * time.Minute
	}

	result, err := h.Sources.RunRecovery(r.Context(), r.PathValue("id"), threshold)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}

	WriteSuccess(w, r, result, "Recovery completed")
}

// GetStatus handles GET /v1/sources/{id}/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Sources.GetStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}

	WriteSuccess(w, r, status, "")
}

// RetryFailed handles POST /v1/sources/{id}/retry-failed
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	result, err := h.Sources.RetryFailedChildren(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}

	WriteSuccess(w, r, result, "Failed pages queued for retry")
}

// RemoveSource handles DELETE /v1/sources/{id}
func (h *Handler) RemoveSource(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("id")
	if err := h.Sources.RemoveSource(r.Context(), sourceID); err != nil {
		WriteServiceError(w, r, err)
		return
	}

	WriteAccepted(w, r, map[string]string{"source_id": sourceID}, "Source marked for removal")
}
