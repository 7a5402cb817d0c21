package model

// Metric names written by the plugin tracker.
const (
	MetricPluginExecutions     = "plugin_executions_total"
	MetricPluginProcessingTime = "plugin_processing_time_ms"
	MetricPluginThroughput     = "plugin_throughput_bytes"
	MetricPluginErrors         = "plugin_errors_total"
)

// EventsMeasurement is the series name processing events are stored under.
const EventsMeasurement = "prettification_events"

// Alert metric names.
const (
	AlertMetricProcessingTime = "processing_time"
	AlertMetricSuccessRate    = "success_rate"
	AlertMetricThroughput     = "throughput"
)
