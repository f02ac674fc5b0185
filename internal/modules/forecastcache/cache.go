// Package forecastcache stores generated forecast payloads as documents
// and serves them behind an explicit staleness envelope. Consumers never
// receive a stale payload unflagged.
package forecastcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/modules/forecast"
)

// Envelope reason and stale-reason values.
const (
	StaleReasonOrderFinalized = "order_finalized_after_forecast"
	ReasonNoForecast          = "no_forecast"
	ReasonExpired             = "forecast_expired"
)

// OrdersReader supplies the cross-schedule finalization timestamp the
// staleness check compares against.
type OrdersReader interface {
	LastFinalizedAt(route, schedule string) (*time.Time, error)
}

var _ forecast.PayloadWriter = (*Cache)(nil)

// Cache persists forecast payloads keyed by forecast id, at most one
// non-expired payload per (route, delivery_date, schedule).
type Cache struct {
	docs   *docstore.Store
	orders OrdersReader
	clk    clock.Clock
	log    zerolog.Logger
}

// New creates a new forecast cache.
func New(docs *docstore.Store, orders OrdersReader, clk clock.Clock, log zerolog.Logger) *Cache {
	return &Cache{
		docs:   docs,
		orders: orders,
		clk:    clk,
		log:    log.With().Str("service", "forecast_cache").Logger(),
	}
}

// payloadKey is the subset of a payload document the scans decode.
type payloadKey struct {
	RouteNumber  string    `json:"route_number"`
	DeliveryDate time.Time `json:"delivery_date"`
	ScheduleKey  string    `json:"schedule_key"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (k payloadKey) matches(route string, date time.Time, schedule string) bool {
	return k.RouteNumber == route &&
		k.ScheduleKey == schedule &&
		domain.FormatDate(k.DeliveryDate) == domain.FormatDate(date)
}

// Put writes the payload, deleting any non-expired priors for the same
// (route, delivery_date, schedule) in the same transaction. Expired
// priors are left for the sweep.
func (c *Cache) Put(ctx context.Context, payload *domain.ForecastPayload) error {
	now := c.clk.Now()

	var priors []string
	err := c.docs.Stream(ctx, docstore.ColForecasts, func(id string, data json.RawMessage) error {
		if id == payload.ForecastID {
			return nil
		}
		var k payloadKey
		if err := json.Unmarshal(data, &k); err != nil {
			return fmt.Errorf("failed to decode forecast %s: %w", id, err)
		}
		if k.matches(payload.RouteNumber, payload.DeliveryDate, payload.ScheduleKey) && k.ExpiresAt.After(now) {
			priors = append(priors, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan forecast priors: %w", err)
	}

	err = c.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		for _, id := range priors {
			if err := t.Delete(docstore.ColForecasts, id); err != nil {
				return err
			}
		}
		return t.Set(docstore.ColForecasts, payload.ForecastID, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to store forecast payload: %w", err)
	}

	c.log.Debug().
		Str("route", payload.RouteNumber).
		Str("schedule", payload.ScheduleKey).
		Str("delivery", domain.FormatDate(payload.DeliveryDate)).
		Int("replaced", len(priors)).
		Msg("Forecast payload cached")
	return nil
}

// GetEnvelope returns the consumer envelope for (route, date, schedule).
// A live payload is always returned, flagged stale when any order on the
// route finalized after it was generated. Expired payloads are reported
// as unavailable with a distinct reason.
func (c *Cache) GetEnvelope(ctx context.Context, route string, date time.Time, schedule string) (*domain.ForecastEnvelope, error) {
	payload, expiredSeen, err := c.lookup(ctx, route, date, schedule)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		reason := ReasonNoForecast
		if expiredSeen {
			reason = ReasonExpired
		}
		return &domain.ForecastEnvelope{ForecastAvailable: false, Reason: reason}, nil
	}

	env := &domain.ForecastEnvelope{ForecastAvailable: true, Forecast: payload}

	lastFinalized, err := c.orders.LastFinalizedAt(route, "")
	if err != nil {
		return nil, fmt.Errorf("failed to check forecast staleness: %w", err)
	}
	if lastFinalized != nil && lastFinalized.After(payload.GeneratedAt) {
		env.IsStale = true
		env.StaleReason = StaleReasonOrderFinalized
	}
	return env, nil
}

// HasFresh reports whether a non-expired payload exists for the key.
// The retrain loop uses it to skip regeneration.
func (c *Cache) HasFresh(ctx context.Context, route string, date time.Time, schedule string) (bool, error) {
	payload, _, err := c.lookup(ctx, route, date, schedule)
	if err != nil {
		return false, err
	}
	return payload != nil, nil
}

// PurgeExpired deletes payloads whose expiry is at least olderThan in the
// past and returns how many were removed.
func (c *Cache) PurgeExpired(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := c.clk.Now().Add(-olderThan)

	var doomed []string
	err := c.docs.Stream(ctx, docstore.ColForecasts, func(id string, data json.RawMessage) error {
		var k payloadKey
		if err := json.Unmarshal(data, &k); err != nil {
			return fmt.Errorf("failed to decode forecast %s: %w", id, err)
		}
		if !k.ExpiresAt.After(cutoff) {
			doomed = append(doomed, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired forecasts: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	err = c.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		for _, id := range doomed {
			if err := t.Delete(docstore.ColForecasts, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired forecasts: %w", err)
	}

	c.log.Info().Int("purged", len(doomed)).Msg("Expired forecast payloads purged")
	return len(doomed), nil
}

// DeleteForDelivery removes every payload for the route's delivery
// date, any schedule, live or expired. The purge worker calls this when
// the delivery's history is erased.
func (c *Cache) DeleteForDelivery(ctx context.Context, route string, date time.Time) (int, error) {
	var doomed []string
	err := c.docs.Stream(ctx, docstore.ColForecasts, func(id string, data json.RawMessage) error {
		var k payloadKey
		if err := json.Unmarshal(data, &k); err != nil {
			return fmt.Errorf("failed to decode forecast %s: %w", id, err)
		}
		if k.RouteNumber == route && domain.SameDate(k.DeliveryDate, date) {
			doomed = append(doomed, id)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan forecasts for delivery: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	err = c.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		for _, id := range doomed {
			if err := t.Delete(docstore.ColForecasts, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete forecasts for delivery: %w", err)
	}
	return len(doomed), nil
}

// lookup returns the newest live payload for the key, and whether any
// expired payload for the key was seen.
func (c *Cache) lookup(ctx context.Context, route string, date time.Time, schedule string) (*domain.ForecastPayload, bool, error) {
	now := c.clk.Now()

	var newest *domain.ForecastPayload
	expiredSeen := false
	err := c.docs.Stream(ctx, docstore.ColForecasts, func(id string, data json.RawMessage) error {
		var k payloadKey
		if err := json.Unmarshal(data, &k); err != nil {
			return fmt.Errorf("failed to decode forecast %s: %w", id, err)
		}
		if !k.matches(route, date, schedule) {
			return nil
		}
		if !k.ExpiresAt.After(now) {
			expiredSeen = true
			return nil
		}
		var payload domain.ForecastPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("failed to decode forecast %s: %w", id, err)
		}
		if newest == nil || payload.GeneratedAt.After(newest.GeneratedAt) {
			newest = &payload
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to scan forecast payloads: %w", err)
	}
	return newest, expiredSeen, nil
}
