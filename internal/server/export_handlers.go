// Package server provides the HTTP server and routing for RouteSpark.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/jobqueue"
)

// requesterHeader carries the identity an export request runs under.
const requesterHeader = "X-User-UID"

// ExportQueue is the submission and tracking surface of the export job
// queue. Satisfied by jobqueue.Queue.
type ExportQueue interface {
	Enqueue(ctx context.Context, req jobqueue.EnqueueRequest) (*domain.QueueJob, error)
	Get(ctx context.Context, id string) (*domain.QueueJob, error)
	ListForRoute(ctx context.Context, route string) ([]domain.QueueJob, error)
	Cancel(ctx context.Context, id, requestedBy string) (*domain.QueueJob, error)
}

// ExportHandlers serves export job submission and tracking.
type ExportHandlers struct {
	queue ExportQueue
	log   zerolog.Logger
}

// NewExportHandlers creates export handlers
func NewExportHandlers(queue ExportQueue, log zerolog.Logger) *ExportHandlers {
	return &ExportHandlers{
		queue: queue,
		log:   log.With().Str("handler", "exports").Logger(),
	}
}

// RegisterRoutes registers export routes
func (h *ExportHandlers) RegisterRoutes(r chi.Router) {
	r.Post("/routes/{route}/exports", h.HandleCreateExport)
	r.Get("/routes/{route}/exports", h.HandleListExports)
	r.Route("/exports", func(r chi.Router) {
		r.Get("/{jobID}", h.HandleGetExport)
		r.Delete("/{jobID}", h.HandleCancelExport)
	})
}

// createExportRequest is the POST /api/routes/{route}/exports body.
type createExportRequest struct {
	FromDate string `json:"from_date"`
	ToDate   string `json:"to_date"`
	Format   string `json:"format,omitempty"`
}

// HandleCreateExport handles POST /api/routes/{route}/exports.
// A request identical to an active job returns that job instead of a new
// one, flagged reused.
func (h *ExportHandlers) HandleCreateExport(w http.ResponseWriter, r *http.Request) {
	routeNumber := chi.URLParam(r, "route")

	requestedBy := r.Header.Get(requesterHeader)
	if requestedBy == "" {
		h.writeError(w, http.StatusBadRequest, requesterHeader+" header is required")
		return
	}

	var body createExportRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fromDate, err := domain.ParseDate(body.FromDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid from_date, expected YYYY-MM-DD")
		return
	}
	toDate, err := domain.ParseDate(body.ToDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid to_date, expected YYYY-MM-DD")
		return
	}

	job, err := h.queue.Enqueue(r.Context(), jobqueue.EnqueueRequest{
		RouteNumber: routeNumber,
		RequestedBy: requestedBy,
		FromDate:    fromDate,
		ToDate:      toDate,
		Format:      body.Format,
	})
	if err != nil {
		h.writeQueueError(w, err)
		return
	}

	status := http.StatusCreated
	if job.Reused {
		status = http.StatusOK
	}
	h.writeJSON(w, status, job)
}

// HandleListExports handles GET /api/routes/{route}/exports
func (h *ExportHandlers) HandleListExports(w http.ResponseWriter, r *http.Request) {
	routeNumber := chi.URLParam(r, "route")

	jobs, err := h.queue.ListForRoute(r.Context(), routeNumber)
	if err != nil {
		h.log.Error().Err(err).Str("route", routeNumber).Msg("Failed to list export jobs")
		h.writeError(w, http.StatusInternalServerError, "failed to list export jobs")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"route": routeNumber,
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// HandleGetExport handles GET /api/exports/{jobID}
func (h *ExportHandlers) HandleGetExport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "export job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to load export job")
		h.writeError(w, http.StatusInternalServerError, "failed to load export job")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// HandleCancelExport handles DELETE /api/exports/{jobID}. Only the
// requester who queued the job may cancel it, and only while it is still
// queued.
func (h *ExportHandlers) HandleCancelExport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	requestedBy := r.Header.Get(requesterHeader)
	if requestedBy == "" {
		h.writeError(w, http.StatusBadRequest, requesterHeader+" header is required")
		return
	}

	job, err := h.queue.Cancel(r.Context(), jobID, requestedBy)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "export job not found")
			return
		}
		// Ownership and state violations surface as conflicts
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// writeQueueError maps enqueue failures onto HTTP statuses. Validation
// failures are client errors, quota rejections are 429s, and anything
// else is a server fault.
func (h *ExportHandlers) writeQueueError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "export request failed"

	var de *domain.Error
	switch {
	case errors.As(err, &de):
		message = de.Message
		switch de.Code {
		case domain.ErrInvalidDateRange, domain.ErrExportRangeExceedsMax, domain.ErrDateBeforeRouteStart:
			status = http.StatusBadRequest
		case domain.ErrExportDailyLimitReached, domain.ErrRouteExportQueueFull:
			status = http.StatusTooManyRequests
		}
	case errors.Is(err, docstore.ErrNotFound):
		status = http.StatusNotFound
		message = "route not found"
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Export request failed")
	}

	response := map[string]string{"error": message}
	if de != nil {
		response["code"] = de.Code
	}
	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *ExportHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *ExportHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
