// Package events provides event management functionality.
package events

// EventType represents different event types
type EventType string

const (
	// Order lifecycle events
	OrderFinalized EventType = "ORDER_FINALIZED"

	// Forecast lifecycle events
	ForecastGenerated EventType = "FORECAST_GENERATED"
	RetrainCompleted  EventType = "RETRAIN_COMPLETED"
	CalibrationUpdated EventType = "CALIBRATION_UPDATED"

	// Export queue events
	ExportReady  EventType = "EXPORT_READY"
	ExportFailed EventType = "EXPORT_FAILED"
	JobProgress  EventType = "JOB_PROGRESS"

	// Maintenance events
	PurgeCompleted             EventType = "PURGE_COMPLETED"
	TransferSuggestionsUpdated EventType = "TRANSFER_SUGGESTIONS_UPDATED"

	// System events
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)
