// Package server provides the HTTP server and routing for RouteSpark.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/schedule"
)

// RouteResolver loads routes and resolves their next delivery. Satisfied
// by schedule.Service.
type RouteResolver interface {
	GetRoute(ctx context.Context, number string) (*domain.Route, error)
	NextUnorderedDelivery(route *domain.Route, today time.Time) (*schedule.Delivery, error)
}

// ForecastReader serves forecast envelopes. Satisfied by
// forecastcache.Cache.
type ForecastReader interface {
	GetEnvelope(ctx context.Context, route string, date time.Time, schedule string) (*domain.ForecastEnvelope, error)
}

// TransferLister lists open transfer suggestions for a route. Satisfied
// by transfers.Planner.
type TransferLister interface {
	SuggestionsForRoute(ctx context.Context, route string) ([]domain.TransferSuggestion, error)
}

// ForecastHandlers serves per-route forecast and transfer reads.
type ForecastHandlers struct {
	routes    RouteResolver
	forecasts ForecastReader
	transfers TransferLister
	clk       clock.Clock
	log       zerolog.Logger
}

// NewForecastHandlers creates forecast handlers
func NewForecastHandlers(routes RouteResolver, forecasts ForecastReader, transfers TransferLister, clk clock.Clock, log zerolog.Logger) *ForecastHandlers {
	return &ForecastHandlers{
		routes:    routes,
		forecasts: forecasts,
		transfers: transfers,
		clk:       clk,
		log:       log.With().Str("handler", "forecast").Logger(),
	}
}

// RegisterRoutes registers forecast routes
func (h *ForecastHandlers) RegisterRoutes(r chi.Router) {
	r.Get("/routes/{route}/forecast", h.HandleGetForecast)
	r.Get("/routes/{route}/transfers", h.HandleGetTransfers)
}

// HandleGetForecast handles GET /api/routes/{route}/forecast.
// Without a date parameter it resolves the route's next delivery that has
// no finalized order yet and serves that delivery's envelope.
func (h *ForecastHandlers) HandleGetForecast(w http.ResponseWriter, r *http.Request) {
	routeNumber := chi.URLParam(r, "route")

	route, err := h.routes.GetRoute(r.Context(), routeNumber)
	if err != nil {
		h.log.Error().Err(err).Str("route", routeNumber).Msg("Failed to load route")
		h.writeError(w, http.StatusInternalServerError, "failed to load route")
		return
	}
	if route == nil {
		h.writeError(w, http.StatusNotFound, "route not found")
		return
	}

	dateParam := r.URL.Query().Get("date")
	scheduleKey := r.URL.Query().Get("schedule")

	var date time.Time
	if dateParam == "" {
		delivery, err := h.routes.NextUnorderedDelivery(route, h.clk.Now())
		if err != nil {
			h.log.Error().Err(err).Str("route", routeNumber).Msg("Failed to resolve next delivery")
			h.writeError(w, http.StatusInternalServerError, "failed to resolve next delivery")
			return
		}
		if delivery == nil {
			h.writeJSON(w, http.StatusOK, domain.ForecastEnvelope{
				ForecastAvailable: false,
				Reason:            "all upcoming deliveries are already ordered",
			})
			return
		}
		date = delivery.Date
		if scheduleKey == "" {
			scheduleKey = delivery.ScheduleKey
		}
	} else {
		date, err = domain.ParseDate(dateParam)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
			return
		}
	}
	if scheduleKey == "" {
		h.writeError(w, http.StatusBadRequest, "schedule is required when date is given")
		return
	}

	envelope, err := h.forecasts.GetEnvelope(r.Context(), routeNumber, date, scheduleKey)
	if err != nil {
		h.log.Error().Err(err).Str("route", routeNumber).Msg("Failed to load forecast envelope")
		h.writeError(w, http.StatusInternalServerError, "failed to load forecast")
		return
	}

	h.writeJSON(w, http.StatusOK, envelope)
}

// HandleGetTransfers handles GET /api/routes/{route}/transfers
func (h *ForecastHandlers) HandleGetTransfers(w http.ResponseWriter, r *http.Request) {
	routeNumber := chi.URLParam(r, "route")

	route, err := h.routes.GetRoute(r.Context(), routeNumber)
	if err != nil {
		h.log.Error().Err(err).Str("route", routeNumber).Msg("Failed to load route")
		h.writeError(w, http.StatusInternalServerError, "failed to load route")
		return
	}
	if route == nil {
		h.writeError(w, http.StatusNotFound, "route not found")
		return
	}

	suggestions, err := h.transfers.SuggestionsForRoute(r.Context(), routeNumber)
	if err != nil {
		h.log.Error().Err(err).Str("route", routeNumber).Msg("Failed to load transfer suggestions")
		h.writeError(w, http.StatusInternalServerError, "failed to load transfer suggestions")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"route":       routeNumber,
		"suggestions": suggestions,
		"count":       len(suggestions),
	})
}

// writeJSON writes a JSON response
func (h *ForecastHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response
func (h *ForecastHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
