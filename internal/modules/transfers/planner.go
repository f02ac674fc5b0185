// Package transfers plans cross-route transfer suggestions by pooling
// forecast demand across a route group. A transfer moves one route's
// below-case demand onto a purchase route's order for the same cycle.
package transfers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/routespark/routespark/internal/clock"
	"github.com/routespark/routespark/internal/config"
	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
	"github.com/routespark/routespark/internal/events"
)

// Suggestion lifecycle states.
const (
	StatusSuggested = "suggested"
	StatusReserved  = "reserved"
	StatusCanceled  = "canceled"
)

// ForecastReader serves cached forecast envelopes for demand pooling.
// Satisfied by forecastcache.Cache.
type ForecastReader interface {
	GetEnvelope(ctx context.Context, route string, date time.Time, schedule string) (*domain.ForecastEnvelope, error)
}

// Planner recomputes transfer suggestions for a group's order cycle.
type Planner struct {
	docs      *docstore.Store
	forecasts ForecastReader
	clk       clock.Clock
	events    *events.Manager
	cfg       config.TransferConfig
	log       zerolog.Logger
}

// NewPlanner creates a new transfer planner.
func NewPlanner(docs *docstore.Store, forecasts ForecastReader, clk clock.Clock, eventManager *events.Manager, cfg config.TransferConfig, log zerolog.Logger) *Planner {
	return &Planner{
		docs:      docs,
		forecasts: forecasts,
		clk:       clk,
		events:    eventManager,
		cfg:       cfg,
		log:       log.With().Str("service", "transfers").Logger(),
	}
}

// routeDemand is one route's pooled forecast units for a SAP.
type routeDemand struct {
	route string
	units int
}

// PlanForRoute recomputes the suggestions for the (delivery_date,
// schedule) cycle of the route's group. Suggestions that vanished are
// deleted, or canceled when already reserved. Returns the active set
// for the cycle.
func (p *Planner) PlanForRoute(ctx context.Context, route *domain.Route, date time.Time, schedule string) ([]domain.TransferSuggestion, error) {
	if !p.cfg.SuggestionsEnabled || route.GroupID == "" {
		return nil, nil
	}

	var group domain.RouteGroup
	err := p.docs.Get(ctx, docstore.ColRouteGroups, route.GroupID, &group)
	if err == docstore.ErrNotFound {
		p.log.Debug().Str("route", route.Number).Str("group", route.GroupID).Msg("Route group not found, skipping transfer plan")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load route group %s: %w", route.GroupID, err)
	}
	if group.PoolingPolicy != domain.PoolingEligibleList && group.PoolingPolicy != domain.PoolingAutoSlowMovers {
		return nil, nil
	}
	if len(group.Routes) < 2 {
		return nil, nil
	}

	demand, casePacks, err := p.poolDemand(ctx, &group, date, schedule)
	if err != nil {
		return nil, err
	}

	candidates, err := p.selectCandidates(ctx, &group, date, schedule, demand, casePacks)
	if err != nil {
		return nil, err
	}

	active, err := p.reconcile(ctx, &group, date, schedule, candidates)
	if err != nil {
		return nil, err
	}
	return active, nil
}

// poolDemand aggregates forecast units per SAP per route across the
// group for the cycle. Routes without a cached forecast contribute
// nothing.
func (p *Planner) poolDemand(ctx context.Context, group *domain.RouteGroup, date time.Time, schedule string) (map[string]map[string]int, map[string]int, error) {
	demand := make(map[string]map[string]int)
	casePacks := make(map[string]int)

	for _, member := range group.Routes {
		env, err := p.forecasts.GetEnvelope(ctx, member, date, schedule)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read forecast for route %s: %w", member, err)
		}
		if !env.ForecastAvailable || env.Forecast == nil {
			continue
		}
		for _, item := range env.Forecast.Items {
			if item.RecommendedUnits <= 0 {
				continue
			}
			byRoute := demand[item.SAP]
			if byRoute == nil {
				byRoute = make(map[string]int)
				demand[item.SAP] = byRoute
			}
			byRoute[member] += item.RecommendedUnits
			if item.CasePack > casePacks[item.SAP] {
				casePacks[item.SAP] = item.CasePack
			}
		}
	}
	return demand, casePacks, nil
}

// selectCandidates picks (purchase route -> small route) pairs for every
// SAP with pooled demand on at least two routes and at least one route
// below a full case, keeping only pairs with a recorded pattern.
func (p *Planner) selectCandidates(ctx context.Context, group *domain.RouteGroup, date time.Time, schedule string, demand map[string]map[string]int, casePacks map[string]int) (map[string]domain.TransferSuggestion, error) {
	saps := make([]string, 0, len(demand))
	for sap := range demand {
		saps = append(saps, sap)
	}
	sort.Strings(saps)

	candidates := make(map[string]domain.TransferSuggestion)
	for _, sap := range saps {
		byRoute := demand[sap]
		if len(byRoute) < 2 {
			continue
		}
		pack := casePacks[sap]
		if pack <= 1 {
			continue
		}

		purchase := purchaseRoute(group, byRoute)
		for _, small := range smallRoutes(byRoute, pack) {
			if small.route == purchase {
				continue
			}
			matched, err := p.hasPattern(ctx, purchase, small.route, sap)
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
			key := suggestionKey(date, schedule, purchase, small.route, sap)
			candidates[key] = domain.TransferSuggestion{
				Key:          key,
				DeliveryDate: date,
				ScheduleKey:  schedule,
				FromRoute:    purchase,
				ToRoute:      small.route,
				SAP:          sap,
				Units:        small.units,
				Status:       StatusSuggested,
				CreatedAt:    p.clk.Now(),
			}
		}
	}
	return candidates, nil
}

// reconcile upserts the candidate set against the stored suggestions for
// the cycle: new keys are created, surviving keys keep their status and
// creation time with refreshed units, vanished keys are deleted or
// canceled when reserved.
func (p *Planner) reconcile(ctx context.Context, group *domain.RouteGroup, date time.Time, schedule string, candidates map[string]domain.TransferSuggestion) ([]domain.TransferSuggestion, error) {
	members := make(map[string]bool, len(group.Routes))
	for _, r := range group.Routes {
		members[r] = true
	}
	prefix := cycleKeyPrefix(date, schedule)

	existing, err := p.docs.List(ctx, docstore.ColTransferSuggestions)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer suggestions: %w", err)
	}

	created, updated, removed := 0, 0, 0
	pending := make(map[string]domain.TransferSuggestion, len(candidates))
	for k, v := range candidates {
		pending[k] = v
	}
	var active []domain.TransferSuggestion

	err = p.docs.RunTransaction(ctx, func(t *docstore.Txn) error {
		for _, doc := range existing {
			var current domain.TransferSuggestion
			if err := doc.Unmarshal(&current); err != nil {
				return fmt.Errorf("failed to decode suggestion %s: %w", doc.ID, err)
			}
			if !strings.HasPrefix(current.Key, prefix) {
				continue
			}
			if !members[current.FromRoute] && !members[current.ToRoute] {
				continue
			}

			next, ok := pending[current.Key]
			if !ok {
				if current.Status == StatusReserved {
					current.Status = StatusCanceled
					if err := t.Set(docstore.ColTransferSuggestions, current.Key, current); err != nil {
						return err
					}
				} else if err := t.Delete(docstore.ColTransferSuggestions, current.Key); err != nil {
					return err
				}
				removed++
				continue
			}

			delete(pending, current.Key)
			if current.Status == StatusReserved || current.Status == StatusSuggested {
				next.Status = current.Status
				next.CreatedAt = current.CreatedAt
			}
			if next.Units != current.Units || next.Status != current.Status {
				if err := t.Set(docstore.ColTransferSuggestions, next.Key, next); err != nil {
					return err
				}
				updated++
			}
			active = append(active, next)
		}

		for _, next := range pending {
			if err := t.Set(docstore.ColTransferSuggestions, next.Key, next); err != nil {
				return err
			}
			created++
			active = append(active, next)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile transfer suggestions: %w", err)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].Key < active[j].Key })

	if created+updated+removed > 0 {
		p.log.Info().
			Str("schedule", schedule).
			Str("delivery", domain.FormatDate(date)).
			Int("created", created).
			Int("updated", updated).
			Int("removed", removed).
			Msg("Transfer suggestions reconciled")
		if p.events != nil {
			p.events.EmitTyped(events.TransferSuggestionsUpdated, "transfers", &events.TransferSuggestionsUpdatedData{
				DeliveryDate: domain.FormatDate(date),
				Created:      created,
				Updated:      updated,
				Removed:      removed,
			})
		}
	}
	return active, nil
}

// RecordPattern stores a (from, to, sap) precedent so future plans may
// suggest the pair.
func (p *Planner) RecordPattern(ctx context.Context, from, to, sap string) error {
	pattern := domain.TransferPattern{
		FromRoute: from,
		ToRoute:   to,
		SAP:       sap,
		CreatedAt: p.clk.Now(),
	}
	if err := p.docs.Set(ctx, docstore.ColTransferPatterns, patternID(from, to, sap), pattern); err != nil {
		return fmt.Errorf("failed to record transfer pattern: %w", err)
	}
	return nil
}

// SuggestionsForRoute returns every stored suggestion involving the
// route as either side, sorted by key.
func (p *Planner) SuggestionsForRoute(ctx context.Context, route string) ([]domain.TransferSuggestion, error) {
	docs, err := p.docs.List(ctx, docstore.ColTransferSuggestions)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer suggestions: %w", err)
	}

	var out []domain.TransferSuggestion
	for _, doc := range docs {
		var s domain.TransferSuggestion
		if err := doc.Unmarshal(&s); err != nil {
			return nil, fmt.Errorf("failed to decode suggestion %s: %w", doc.ID, err)
		}
		if s.FromRoute == route || s.ToRoute == route {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (p *Planner) hasPattern(ctx context.Context, from, to, sap string) (bool, error) {
	ok, err := p.docs.Exists(ctx, docstore.ColTransferPatterns, patternID(from, to, sap))
	if err != nil {
		return false, fmt.Errorf("failed to check transfer pattern: %w", err)
	}
	return ok, nil
}

// purchaseRoute is the master route when it has demand, otherwise the
// highest-demand route. Ties break toward the lower route number.
func purchaseRoute(group *domain.RouteGroup, byRoute map[string]int) string {
	if byRoute[group.MasterRoute] > 0 {
		return group.MasterRoute
	}

	ranked := make([]routeDemand, 0, len(byRoute))
	for r, u := range byRoute {
		ranked = append(ranked, routeDemand{route: r, units: u})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].units != ranked[j].units {
			return ranked[i].units > ranked[j].units
		}
		return ranked[i].route < ranked[j].route
	})
	return ranked[0].route
}

// smallRoutes lists routes whose demand sits below a full case, sorted
// by route number.
func smallRoutes(byRoute map[string]int, pack int) []routeDemand {
	var small []routeDemand
	for r, u := range byRoute {
		if u > 0 && u < pack {
			small = append(small, routeDemand{route: r, units: u})
		}
	}
	sort.Slice(small, func(i, j int) bool { return small[i].route < small[j].route })
	return small
}

func suggestionKey(date time.Time, schedule, from, to, sap string) string {
	return fmt.Sprintf("forecast:%s:%s:%s:%s:%s", domain.FormatDate(date), schedule, from, to, sap)
}

func cycleKeyPrefix(date time.Time, schedule string) string {
	return fmt.Sprintf("forecast:%s:%s:", domain.FormatDate(date), schedule)
}

func patternID(from, to, sap string) string {
	return fmt.Sprintf("%s:%s:%s", from, to, sap)
}
