// Package api exposes the crawl pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Harvey-AU/source-crawler/internal/db"
	"github.com/Harvey-AU/source-crawler/internal/jobs"
	"github.com/Harvey-AU/source-crawler/internal/realtime"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.1.0"

// ServiceName is reported by the health endpoints
const ServiceName = "source-crawler"

// SourceService is the pipeline surface the handlers call
type SourceService interface {
	CreateSource(ctx context.Context, req jobs.CreateSourceRequest) (*db.Source, error)
	StartDiscovery(ctx context.Context, sourceID string) (*jobs.DiscoveryOutcome, error)
	RequeueDiscovery(ctx context.Context, sourceID string) error
	TriggerProcessing(ctx context.Context) (*jobs.BatchResult, error)
	RunRecovery(ctx context.Context, sourceID string, threshold time.Duration) (*jobs.RecoveryResult, error)
	GetStatus(ctx context.Context, sourceID string) (*jobs.ParentChildStatus, error)
	RetryFailedChildren(ctx context.Context, sourceID string) (*jobs.RetryResult, error)
	RemoveSource(ctx context.Context, sourceID string) error
}

var _ SourceService = (*jobs.Manager)(nil)

// Subscriber hands out realtime subscriptions
type Subscriber interface {
	Subscribe(sourceID string, buffer int) *realtime.Subscription
}

// Pinger checks database connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers
type Handler struct {
	Sources SourceService
	Events  Subscriber
	DB      Pinger
}

// NewHandler creates a new API handler with dependencies. events and pg may be nil.
func NewHandler(sources SourceService, events Subscriber, pg Pinger) *Handler {
	return &Handler{
		Sources: sources,
		Events:  events,
		DB:      pg,
	}
}

// SetupRoutes configures all API routes
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /health/db", h.DatabaseHealthCheck)

	mux.HandleFunc("POST /v1/sources", h.CreateSource)
	mux.HandleFunc("DELETE /v1/sources/{id}", h.RemoveSource)
	mux.HandleFunc("POST /v1/sources/{id}/discover", h.StartDiscovery)
	mux.HandleFunc("POST /v1/sources/{id}/recover", h.RunRecovery)
	mux.HandleFunc("GET /v1/sources/{id}/status", h.GetStatus)
	mux.HandleFunc("POST /v1/sources/{id}/retry-failed", h.RetryFailed)
	mux.HandleFunc("GET /v1/sources/{id}/events", h.SourceEvents)

	mux.HandleFunc("POST /v1/jobs/process", h.TriggerProcessing)
	mux.HandleFunc("POST /v1/jobs/recover", h.RunRecovery)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	WriteHealthy(w, r, ServiceName, Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.DB == nil {
		WriteUnhealthy(w, r, "postgresql", errors.New("database connection not configured"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.DB.Ping(ctx); err != nil {
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}

	WriteHealthy(w, r, "postgresql", "")
}
