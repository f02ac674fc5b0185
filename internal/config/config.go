// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir     string // Base directory for all databases and archives (always absolute)
	Port        int
	LogLevel    string
	LogPretty   bool
	DevMode     bool
	CORSOrigins []string

	HolidayDates []string // fixed-date holidays as "MM-DD"

	Forecast    ForecastConfig
	Calibration CalibrationConfig
	Backtest    BacktestConfig
	Export      ExportConfig
	Purge       PurgeConfig
	Transfer    TransferConfig
	Retrain     RetrainConfig
	Storage     StorageConfig
}

// ForecastConfig gates branch selection and forecast output.
type ForecastConfig struct {
	MinScheduleOrdersForML        int     // cold-start threshold on same-schedule orders
	MinCorrectedOrdersForML       int     // cold-start threshold on corrected orders
	StrictScheduleValidation      bool    // invalid cycles force the schedule-aware branch
	AllowStoreContextOnAmbiguous  bool    // ambiguous schedules may still use store context
	StoreContextMinTotalOrders    int
	StoreContextMinPerSchedule    int
	StoreContextMinSchedules      int
	LookbackDays                  int
	TTLHours                      int     // forecast payload time-to-live
	WholeCaseRoundUpThreshold     float64 // fraction of a case pack below which rounding goes up
}

// CalibrationConfig controls the band calibration loop.
type CalibrationConfig struct {
	Enabled            bool
	IntervalName       string
	TargetCoverage     float64
	MinLines           int
	Damping            float64
	CenterDamping      float64
	MaxStepUnits       float64
	ScaleMin           float64
	ScaleMax           float64
	CenterOffsetMaxAbs float64
	MinDaysBetweenRuns int
}

// BacktestConfig controls walk-forward fold generation.
type BacktestConfig struct {
	MinTrainOrders int
	MaxFolds       int
	Parallelism    int
	LegacyCorrections bool // disable the temporal corrections cutoff
}

// ExportConfig controls the export job queue and worker.
type ExportConfig struct {
	WorkerConcurrency    int
	PollSeconds          int
	HeartbeatSeconds     int
	WorkerTimeoutSeconds int
	MaxAttempts          int
	ArtifactTTLDays      int
	DailyLimit           int
	RouteQueueDepthLimit int
	RangeMaxDays         int
}

// PurgeConfig controls the archive purge worker.
type PurgeConfig struct {
	Enabled              bool
	RetentionDaysDefault int
	RouteBatchLimit      int
	PollSeconds          int
}

// TransferConfig controls cross-route transfer suggestions.
type TransferConfig struct {
	SuggestionsEnabled bool
}

// RetrainConfig controls the retrain orchestrator cadence.
type RetrainConfig struct {
	IntervalHours        int
	MinOrdersForTraining int
	CycleWindowDays      int
}

// StorageConfig holds S3-compatible blob storage credentials.
type StorageConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Configured reports whether blob storage is usable.
func (s StorageConfig) Configured() bool {
	return s.Bucket != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

// WorkerTimeout returns the export worker timeout as a duration.
func (e ExportConfig) WorkerTimeout() time.Duration {
	return time.Duration(e.WorkerTimeoutSeconds) * time.Second
}

// Heartbeat returns the export heartbeat interval as a duration.
func (e ExportConfig) Heartbeat() time.Duration {
	return time.Duration(e.HeartbeatSeconds) * time.Second
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory, resolve to absolute, ensure it exists
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		Port:         getEnvAsInt("PORT", 8090),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogPretty:    getEnvAsBool("LOG_PRETTY", false),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		CORSOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		HolidayDates: getEnvAsList("HOLIDAY_DATES", nil),
		Forecast: ForecastConfig{
			MinScheduleOrdersForML:       getEnvAsInt("MIN_SCHEDULE_ORDERS_FOR_ML", 7),
			MinCorrectedOrdersForML:      getEnvAsInt("MIN_CORRECTED_ORDERS_FOR_ML", 3),
			StrictScheduleValidation:     getEnvAsBool("STRICT_SCHEDULE_VALIDATION", true),
			AllowStoreContextOnAmbiguous: getEnvAsBool("ALLOW_STORE_CONTEXT_ON_AMBIGUOUS_SCHEDULE", true),
			StoreContextMinTotalOrders:   getEnvAsInt("STORE_CONTEXT_MIN_TOTAL_ORDERS", 24),
			StoreContextMinPerSchedule:   getEnvAsInt("STORE_CONTEXT_MIN_PER_SCHEDULE", 6),
			StoreContextMinSchedules:     getEnvAsInt("STORE_CONTEXT_MIN_SCHEDULES", 2),
			LookbackDays:                 getEnvAsInt("LOOKBACK_DAYS", 365),
			TTLHours:                     getEnvAsInt("FORECAST_TTL_HOURS", 72),
			WholeCaseRoundUpThreshold:    getEnvAsFloat("WHOLE_CASE_ROUND_UP_THRESHOLD", 0.75),
		},
		Calibration: CalibrationConfig{
			Enabled:            getEnvAsBool("BAND_CALIBRATION_ENABLED", true),
			IntervalName:       getEnv("BAND_INTERVAL_NAME", "p10_p90"),
			TargetCoverage:     getEnvAsFloat("CALIBRATION_TARGET_COVERAGE", 0.80),
			MinLines:           getEnvAsInt("CALIBRATION_MIN_LINES", 200),
			Damping:            getEnvAsFloat("CALIBRATION_DAMPING", 1.0),
			CenterDamping:      getEnvAsFloat("CALIBRATION_CENTER_DAMPING", 0.5),
			MaxStepUnits:       getEnvAsFloat("CALIBRATION_MAX_STEP_UNITS", 2.0),
			ScaleMin:           getEnvAsFloat("BAND_SCALE_MIN", 0.25),
			ScaleMax:           getEnvAsFloat("BAND_SCALE_MAX", 8.0),
			CenterOffsetMaxAbs: getEnvAsFloat("BAND_CENTER_OFFSET_MAX_ABS", 5.0),
			MinDaysBetweenRuns: getEnvAsInt("CALIBRATION_MIN_DAYS_BETWEEN_RUNS", 7),
		},
		Backtest: BacktestConfig{
			MinTrainOrders:    getEnvAsInt("MIN_TRAIN_ORDERS", 8),
			MaxFolds:          getEnvAsInt("MAX_FOLDS", 60),
			Parallelism:       getEnvAsInt("BACKTEST_PARALLELISM", 4),
			LegacyCorrections: getEnvAsBool("BACKTEST_LEGACY_CORRECTIONS", false),
		},
		Export: ExportConfig{
			WorkerConcurrency:    getEnvAsInt("EXPORT_WORKER_CONCURRENCY", 3),
			PollSeconds:          getEnvAsInt("EXPORT_POLL_SECONDS", 15),
			HeartbeatSeconds:     getEnvAsInt("EXPORT_HEARTBEAT_SECONDS", 30),
			WorkerTimeoutSeconds: getEnvAsInt("EXPORT_WORKER_TIMEOUT_SECONDS", 2700),
			MaxAttempts:          getEnvAsInt("EXPORT_MAX_ATTEMPTS", 3),
			ArtifactTTLDays:      getEnvAsInt("ARTIFACT_TTL_DAYS", 14),
			DailyLimit:           getEnvAsInt("EXPORT_DAILY_LIMIT", 3),
			RouteQueueDepthLimit: getEnvAsInt("ROUTE_QUEUE_DEPTH_LIMIT", 3),
			RangeMaxDays:         getEnvAsInt("EXPORT_RANGE_MAX_DAYS", 31),
		},
		Purge: PurgeConfig{
			Enabled:              getEnvAsBool("PURGE_ENABLED", false),
			RetentionDaysDefault: getEnvAsInt("PURGE_RETENTION_DAYS_DEFAULT", 90),
			RouteBatchLimit:      getEnvAsInt("ROUTE_BATCH_LIMIT", 50),
			PollSeconds:          getEnvAsInt("PURGE_POLL_SECONDS", 300),
		},
		Transfer: TransferConfig{
			SuggestionsEnabled: getEnvAsBool("TRANSFER_SUGGESTIONS_ENABLED", false),
		},
		Retrain: RetrainConfig{
			IntervalHours:        getEnvAsInt("RETRAIN_INTERVAL_HOURS", 24),
			MinOrdersForTraining: getEnvAsInt("MIN_ORDERS_FOR_TRAINING", 7),
			CycleWindowDays:      getEnvAsInt("RETRAIN_CYCLE_WINDOW_DAYS", 7),
		},
		Storage: StorageConfig{
			Bucket:          getEnv("S3_BUCKET", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "auto"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Export.RangeMaxDays <= 0 {
		return fmt.Errorf("EXPORT_RANGE_MAX_DAYS must be positive")
	}
	if c.Calibration.ScaleMin <= 0 || c.Calibration.ScaleMax < c.Calibration.ScaleMin {
		return fmt.Errorf("band scale bounds are invalid: min=%f max=%f", c.Calibration.ScaleMin, c.Calibration.ScaleMax)
	}
	if c.Forecast.WholeCaseRoundUpThreshold < 0 || c.Forecast.WholeCaseRoundUpThreshold > 1 {
		return fmt.Errorf("WHOLE_CASE_ROUND_UP_THRESHOLD must be in [0,1]")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
