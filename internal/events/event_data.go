package events

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// OrderFinalizedData contains data for OrderFinalized events
type OrderFinalizedData struct {
	RouteNumber  string `json:"route_number"`
	OrderID      string `json:"order_id"`
	ScheduleKey  string `json:"schedule_key"`
	DeliveryDate string `json:"delivery_date"`
	TotalUnits   int    `json:"total_units"`
	LineCount    int    `json:"line_count"`
}

// EventType returns the event type for OrderFinalizedData
func (d *OrderFinalizedData) EventType() EventType {
	return OrderFinalized
}

// ForecastGeneratedData contains data for ForecastGenerated events
type ForecastGeneratedData struct {
	RouteNumber  string  `json:"route_number"`
	ScheduleKey  string  `json:"schedule_key"`
	DeliveryDate string  `json:"delivery_date"`
	ForecastID   string  `json:"forecast_id"`
	ItemCount    int     `json:"item_count"`
	Mode         string  `json:"mode"`
	Confidence   float64 `json:"confidence"`
}

// EventType returns the event type for ForecastGeneratedData
func (d *ForecastGeneratedData) EventType() EventType {
	return ForecastGenerated
}

// RetrainCompletedData contains data for RetrainCompleted events
type RetrainCompletedData struct {
	RouteNumber      string `json:"route_number"`
	SchedulesTrained int    `json:"schedules_trained"`
	ForecastWritten  bool   `json:"forecast_written"`
	DurationMS       int64  `json:"duration_ms"`
}

// EventType returns the event type for RetrainCompletedData
func (d *RetrainCompletedData) EventType() EventType {
	return RetrainCompleted
}

// CalibrationUpdatedData contains data for CalibrationUpdated events
type CalibrationUpdatedData struct {
	RouteNumber      string  `json:"route_number"`
	ScheduleKey      string  `json:"schedule_key"`
	Interval         string  `json:"interval"`
	ObservedCoverage float64 `json:"observed_coverage"`
	ScaleFactor      float64 `json:"scale_factor"`
	CenterOffset     float64 `json:"center_offset"`
	LineCount        int     `json:"line_count"`
}

// EventType returns the event type for CalibrationUpdatedData
func (d *CalibrationUpdatedData) EventType() EventType {
	return CalibrationUpdated
}

// ExportReadyData contains data for ExportReady events
type ExportReadyData struct {
	JobID       string `json:"job_id"`
	RouteNumber string `json:"route_number"`
	FromDate    string `json:"from_date"`
	ToDate      string `json:"to_date"`
	Format      string `json:"format"`
	SizeBytes   int64  `json:"size_bytes"`
	Partial     bool   `json:"partial"`
}

// EventType returns the event type for ExportReadyData
func (d *ExportReadyData) EventType() EventType {
	return ExportReady
}

// ExportFailedData contains data for ExportFailed events
type ExportFailedData struct {
	JobID       string `json:"job_id"`
	RouteNumber string `json:"route_number"`
	ErrorCode   string `json:"error_code"`
	Error       string `json:"error"`
	WillRetry   bool   `json:"will_retry"`
}

// EventType returns the event type for ExportFailedData
func (d *ExportFailedData) EventType() EventType {
	return ExportFailed
}

// JobStatusData contains data for JobProgress events
type JobStatusData struct {
	JobID    string  `json:"job_id"`
	Kind     string  `json:"kind"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// EventType returns the event type for JobStatusData
func (d *JobStatusData) EventType() EventType {
	return JobProgress
}

// PurgeCompletedData contains data for PurgeCompleted events
type PurgeCompletedData struct {
	RouteNumber   string `json:"route_number"`
	DeliveryDates int    `json:"delivery_dates"`
	OrdersDeleted int    `json:"orders_deleted"`
}

// EventType returns the event type for PurgeCompletedData
func (d *PurgeCompletedData) EventType() EventType {
	return PurgeCompleted
}

// TransferSuggestionsUpdatedData contains data for TransferSuggestionsUpdated events
type TransferSuggestionsUpdatedData struct {
	DeliveryDate string `json:"delivery_date"`
	Created      int    `json:"created"`
	Updated      int    `json:"updated"`
	Removed      int    `json:"removed"`
}

// EventType returns the event type for TransferSuggestionsUpdatedData
func (d *TransferSuggestionsUpdatedData) EventType() EventType {
	return TransferSuggestionsUpdated
}

// SystemStatusChangedData contains data for SystemStatusChanged events
type SystemStatusChangedData struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// EventType returns the event type for SystemStatusChangedData
func (d *SystemStatusChangedData) EventType() EventType {
	return SystemStatusChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
