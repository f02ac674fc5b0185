// Package domain provides core domain models and types.
package domain

import (
	"time"
)

// OrderStatus represents the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusFinalized OrderStatus = "finalized"
	OrderStatusDeleted   OrderStatus = "deleted"
)

// ForecastSource labels the branch that produced a forecast line
type ForecastSource string

const (
	// SourceLastOrderAnchor marks lines cloned from the most recent order (cold start)
	SourceLastOrderAnchor ForecastSource = "last_order_anchor"
	// SourceScheduleAware marks lines from the same-schedule model
	SourceScheduleAware ForecastSource = "schedule_aware"
	// SourceStoreCentric marks lines from the cross-schedule store model
	SourceStoreCentric ForecastSource = "store_centric"
	// SourceSlowIntermittent marks lines for items with sparse, irregular demand
	SourceSlowIntermittent ForecastSource = "slow_intermittent"
	// SourceExpiryReplacement marks lines injected by the low-quantity expiry floor
	SourceExpiryReplacement ForecastSource = "expiry_replacement"
	// SourceMissingPred is a synthetic tag for backtest lines with no prediction
	SourceMissingPred ForecastSource = "missing_pred"
)

// ForecastMode is the operational branch resolved per forecast request
type ForecastMode string

const (
	ModeCopyLastOrder ForecastMode = "copy_last_order"
	ModeScheduleAware ForecastMode = "schedule_aware"
	ModeStoreCentric  ForecastMode = "store_centric"
)

// SplitPattern tags how an item's demand splits across a route's stores
type SplitPattern string

const (
	SplitSingleStore SplitPattern = "single_store"
	SplitSkewed      SplitPattern = "skewed"
	SplitEvenSplit   SplitPattern = "even_split"
	SplitVaries      SplitPattern = "varies"
)

// OrderCycle describes one routing of goods from order to shelf.
// Days are ISO weekday numbers, Monday=1 through Sunday=7.
type OrderCycle struct {
	OrderDay    int `json:"order_day"`
	LoadDay     int `json:"load_day"`
	DeliveryDay int `json:"delivery_day"`
}

// Route is a delivery route owned by a single operator.
// Created on the first finalized order for its number; never deleted.
type Route struct {
	Number    string       `json:"route_number"` // numeric string, 1-10 digits
	OwnerUID  string       `json:"owner_uid"`
	Cycles    []OrderCycle `json:"cycles"`
	Timezone  string       `json:"timezone"`
	GroupID   string       `json:"group_id,omitempty"`
	IsMaster  bool         `json:"is_master,omitempty"`
	StartDate time.Time    `json:"start_date"`
	Synced    bool         `json:"synced"`
}

// LineItem is one (store, sap) line inside an order.
type LineItem struct {
	StoreID         string `json:"store_id"`
	SAP             string `json:"sap"` // 4-6 digit product identifier
	Units           int    `json:"units"`
	Cases           int    `json:"cases,omitempty"`
	CasePack        int    `json:"case_pack,omitempty"`
	Promo           bool   `json:"promo"`
	ForecastedUnits *int   `json:"forecasted_units,omitempty"`
	ForecastedCases *int   `json:"forecasted_cases,omitempty"`
	UserAdjusted    bool   `json:"user_adjusted"`
}

// Order is a single order cycle submission for a route.
type Order struct {
	ID           string      `json:"order_id"`
	RouteNumber  string      `json:"route_number"`
	ScheduleKey  string      `json:"schedule_key"` // lowercase weekday name from order_day
	DeliveryDate time.Time   `json:"delivery_date"`
	OrderDate    time.Time   `json:"order_date"`
	Status       OrderStatus `json:"status"`
	ForecastID   string      `json:"forecast_id,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	FinalizedAt  *time.Time  `json:"finalized_at,omitempty"`
	Lines        []LineItem  `json:"lines"`
}

// TotalUnits sums line units for the order.
func (o *Order) TotalUnits() int {
	total := 0
	for _, l := range o.Lines {
		total += l.Units
	}
	return total
}

// Correction records the delta between a forecast line and what the
// operator actually submitted.
type Correction struct {
	ForecastID     string    `json:"forecast_id"`
	OrderID        string    `json:"order_id"`
	RouteNumber    string    `json:"route_number"`
	ScheduleKey    string    `json:"schedule_key"`
	DeliveryDate   time.Time `json:"delivery_date"`
	StoreID        string    `json:"store_id"`
	SAP            string    `json:"sap"`
	PredictedUnits int       `json:"predicted_units"`
	FinalUnits     int       `json:"final_units"`
	Delta          int       `json:"delta"` // final - predicted
	Ratio          float64   `json:"ratio"` // final / predicted, 0 when both zero
	Removed        bool      `json:"removed"`
	Promo          bool      `json:"promo"`
	HolidayWeek    bool      `json:"holiday_week"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// NewCorrection derives delta and ratio from predicted and final units.
func NewCorrection(predicted, final int) (delta int, ratio float64) {
	delta = final - predicted
	switch {
	case predicted != 0:
		ratio = float64(final) / float64(predicted)
	case final == 0:
		ratio = 0
	default:
		ratio = float64(final)
	}
	return delta, ratio
}

// CorrectionAggregate is the per (store, sap, schedule) rollup the feature
// builder joins onto training rows.
type CorrectionAggregate struct {
	StoreID     string  `json:"store_id"`
	SAP         string  `json:"sap"`
	ScheduleKey string  `json:"schedule_key"`
	Samples     int     `json:"samples"`
	AvgDelta    float64 `json:"avg_delta"`
	AvgRatio    float64 `json:"avg_ratio"`
	RatioStddev float64 `json:"ratio_stddev"`
	RemovalRate float64 `json:"removal_rate"`
	PromoRate   float64 `json:"promo_rate"`
}

// StoreItemShare is the blended share of a SAP's route demand attributed
// to one store, with a smoothed trend.
type StoreItemShare struct {
	RouteNumber string  `json:"route_number"`
	ScheduleKey string  `json:"schedule_key"`
	StoreID     string  `json:"store_id"`
	SAP         string  `json:"sap"`
	RecentShare float64 `json:"recent_share"`
	BaseShare   float64 `json:"base_share"`
	Blended     float64 `json:"blended_share"`
	Trend       float64 `json:"trend"`
	SampleCount int     `json:"sample_count"`
}

// ItemAllocation caches how a SAP's units historically split across stores.
type ItemAllocation struct {
	RouteNumber string       `json:"route_number"`
	SAP         string       `json:"sap"`
	Pattern     SplitPattern `json:"pattern"`
	TopStoreID  string       `json:"top_store_id"`
	TopShare    float64      `json:"top_share"`
	StoreCount  int          `json:"store_count"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// WholeCaseAdjustment records how case-pack rounding changed a line.
type WholeCaseAdjustment struct {
	PreUnits       int    `json:"pre_units"`
	PostUnits      int    `json:"post_units"`
	CasePack       int    `json:"case_pack"`
	Trigger        string `json:"trigger"` // "rounded_up" or "rounded_down"
	AbsorbsResidue bool   `json:"absorbs_residue"`
	AbsorberStore  string `json:"absorber_store,omitempty"`
}

// ExpiryFloor is a low-quantity service entry that imposes a minimum on a
// forecast line.
type ExpiryFloor struct {
	StoreID          string    `json:"store_id"`
	SAP              string    `json:"sap"`
	ExpiryDate       time.Time `json:"expiry_date"`
	MinUnitsRequired int       `json:"min_units_required"`
}

// ForecastItem is one recommended line of a forecast payload.
type ForecastItem struct {
	StoreID          string               `json:"store_id"`
	SAP              string               `json:"sap"`
	RecommendedUnits int                  `json:"recommended_units"`
	RecommendedCases int                  `json:"recommended_cases"`
	CasePack         int                  `json:"case_pack"`
	P10              float64              `json:"p10"`
	P50              float64              `json:"p50"`
	P90              float64              `json:"p90"`
	Promo            bool                 `json:"promo"`
	Confidence       float64              `json:"confidence"` // in [0,1]
	Source           ForecastSource       `json:"source"`
	PriorOrderUnits  *int                 `json:"prior_order_units,omitempty"`
	FloorReason      string               `json:"floor_reason,omitempty"` // e.g. "low_qty_expiry"
	WholeCase        *WholeCaseAdjustment `json:"whole_case_adjustment,omitempty"`
	Extras           map[string]any       `json:"extras,omitempty"`
}

// ForecastPayload is the full forecast for one (route, delivery_date, schedule).
// At most one non-expired payload exists per key.
type ForecastPayload struct {
	ForecastID   string         `json:"forecast_id"`
	RouteNumber  string         `json:"route_number"`
	DeliveryDate time.Time      `json:"delivery_date"`
	ScheduleKey  string         `json:"schedule_key"`
	Mode         ForecastMode   `json:"mode"`
	GeneratedAt  time.Time      `json:"generated_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Items        []ForecastItem `json:"items"`
}

// ForecastEnvelope is what cache consumers see. A stale payload is still
// returned, flagged, never silently served as fresh.
type ForecastEnvelope struct {
	ForecastAvailable bool             `json:"forecast_available"`
	Forecast          *ForecastPayload `json:"forecast,omitempty"`
	IsStale           bool             `json:"is_stale,omitempty"`
	StaleReason       string           `json:"stale_reason,omitempty"`
	Reason            string           `json:"reason,omitempty"`
}

// BandCalibration holds the per (route, schedule, interval) uncertainty
// band correction learned from backtest coverage.
type BandCalibration struct {
	RouteNumber       string    `json:"route_number"`
	ScheduleKey       string    `json:"schedule_key"`
	Interval          string    `json:"interval"` // e.g. "p10_p90"
	BandScale         float64   `json:"band_scale"`
	CenterOffsetUnits float64   `json:"center_offset_units"`
	ObservedCoverage  float64   `json:"observed_coverage"`
	TargetCoverage    float64   `json:"target_coverage"`
	UnderRate         float64   `json:"under_rate"`
	OverRate          float64   `json:"over_rate"`
	SampleLines       int       `json:"sample_lines"`
	FoldCount         int       `json:"fold_count"`
	LastBacktestAt    time.Time `json:"last_backtest_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SourceCalibration refines the band per forecast source tag.
type SourceCalibration struct {
	RouteNumber       string         `json:"route_number"`
	ScheduleKey       string         `json:"schedule_key"`
	Interval          string         `json:"interval"`
	Source            ForecastSource `json:"source"`
	BandScaleMult     float64        `json:"band_scale_mult"`
	CenterOffsetUnits float64        `json:"center_offset_units"`
	ObservedCoverage  float64        `json:"observed_coverage"`
	LineCount         int            `json:"line_count"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// RefreshState tracks the weekly backtest snapshot cadence per route.
type RefreshState struct {
	RouteNumber     string    `json:"route_number"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	LastStatus      string    `json:"last_status"`
	LastFoldCount   int       `json:"last_fold_count"`
	LastError       string    `json:"last_error,omitempty"`
}

// PurgeCheckpointStatus marks a purge checkpoint state. Pending is
// written before deletion starts; completed and failed are terminal.
type PurgeCheckpointStatus string

const (
	PurgePending   PurgeCheckpointStatus = "pending"
	PurgeCompleted PurgeCheckpointStatus = "completed"
	PurgeFailed    PurgeCheckpointStatus = "failed"
)

// PurgeCheckpoint enables idempotent purge resumption per (route, delivery).
// A completed checkpoint is never re-processed.
type PurgeCheckpoint struct {
	RouteNumber  string                `json:"route_number"`
	DeliveryDate time.Time             `json:"delivery_date"`
	Status       PurgeCheckpointStatus `json:"status"`
	EventID      string                `json:"event_id"`
	Details      string                `json:"details,omitempty"`
	RecordedAt   time.Time             `json:"recorded_at"`
}

// PoolingPolicy controls whether a route group participates in
// cross-route transfer pooling.
type PoolingPolicy string

const (
	PoolingEligibleList   PoolingPolicy = "eligible_list"
	PoolingAutoSlowMovers PoolingPolicy = "auto_slow_movers"
	PoolingDisabled       PoolingPolicy = "disabled"
)

// RouteGroup pools routes under one operator for transfer planning.
type RouteGroup struct {
	ID            string        `json:"group_id"`
	MasterRoute   string        `json:"master_route"`
	Routes        []string      `json:"routes"`
	PoolingPolicy PoolingPolicy `json:"pooling_policy"`
}

// TransferPattern records a (from, to, sap) transfer the operator has
// actually made. The planner never suggests a pair without a precedent.
type TransferPattern struct {
	FromRoute string    `json:"from_route"`
	ToRoute   string    `json:"to_route"`
	SAP       string    `json:"sap"`
	CreatedAt time.Time `json:"created_at"`
}

// TransferSuggestion proposes moving one route's small demand onto a
// purchase route's order for the same cycle.
type TransferSuggestion struct {
	Key          string    `json:"key"` // forecast:{date}:{schedule}:{from}:{to}:{sap}
	DeliveryDate time.Time `json:"delivery_date"`
	ScheduleKey  string    `json:"schedule_key"`
	FromRoute    string    `json:"from_route"` // purchase route
	ToRoute      string    `json:"to_route"`
	SAP          string    `json:"sap"`
	Units        int       `json:"units"`
	Status       string    `json:"status"` // suggested, reserved, canceled
	CreatedAt    time.Time `json:"created_at"`
}

// RouteStatus is the public per-route status document the orchestrator
// publishes on every tick.
type RouteStatus struct {
	RouteNumber       string    `json:"route_number"`
	OrderCount        int       `json:"order_count"`
	MinOrdersRequired int       `json:"min_orders_required"`
	HasTrainedModel   bool      `json:"has_trained_model"`
	LastUpdated       time.Time `json:"last_updated"`
}
