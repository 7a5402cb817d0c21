package model

import (
	"encoding/json"
	"time"
)

// AlertSeverity orders alert urgency.
type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RealTimeAlert is raised when a plugin breaches a configured threshold.
type RealTimeAlert struct {
	Severity       AlertSeverity `json:"severity"`
	PluginName     string        `json:"plugin_name"`
	MetricName     string        `json:"metric_name"`
	Message        string        `json:"message"`
	CurrentValue   float64       `json:"current_value"`
	ThresholdValue float64       `json:"threshold_value"`
	Timestamp      time.Time     `json:"timestamp"`
}

func (a RealTimeAlert) MarshalJSON() ([]byte, error) {
	type alias RealTimeAlert
	return json.Marshal(struct {
		alias
		SeverityName string `json:"severity_name"`
		Timestamp    int64  `json:"timestamp"`
	}{alias(a), a.Severity.String(), EpochMillis(a.Timestamp)})
}

// PerformanceSnapshot summarizes one plugin over a time window.
type PerformanceSnapshot struct {
	PluginName string    `json:"plugin_name"`
	Timestamp  time.Time `json:"timestamp"`

	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	P95ProcessingTimeMs float64 `json:"p95_processing_time_ms"`
	P99ProcessingTimeMs float64 `json:"p99_processing_time_ms"`
	MinProcessingTimeMs float64 `json:"min_processing_time_ms"`
	MaxProcessingTimeMs float64 `json:"max_processing_time_ms"`

	RequestsPerSecond       float64 `json:"requests_per_second"`
	BytesProcessedPerSecond float64 `json:"bytes_processed_per_second"`
	TotalRequests           int     `json:"total_requests"`

	SuccessRate    float64            `json:"success_rate"`
	ErrorRate      float64            `json:"error_rate"`
	ErrorTypeRates map[string]float64 `json:"error_type_rates"`

	AvgInputSizeBytes  float64 `json:"avg_input_size_bytes"`
	AvgOutputSizeBytes float64 `json:"avg_output_size_bytes"`
	CompressionRatio   float64 `json:"compression_ratio"`

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

func (s PerformanceSnapshot) MarshalJSON() ([]byte, error) {
	type alias PerformanceSnapshot
	return json.Marshal(struct {
		alias
		ErrorTypeRates map[string]float64 `json:"error_type_rates"`
		Timestamp      int64              `json:"timestamp"`
		WindowStart    int64              `json:"window_start"`
		WindowEnd      int64              `json:"window_end"`
	}{
		alias:          alias(s),
		ErrorTypeRates: nonNilFields(s.ErrorTypeRates),
		Timestamp:      EpochMillis(s.Timestamp),
		WindowStart:    EpochMillis(s.WindowStart),
		WindowEnd:      EpochMillis(s.WindowEnd),
	})
}

// PerformanceComparison contrasts a reference plugin with candidates.
// Positive deltas mean the best candidate beats the reference.
type PerformanceComparison struct {
	ReferencePlugin   string    `json:"reference_plugin"`
	ComparisonPlugins []string  `json:"comparison_plugins"`
	ComparisonStart   time.Time `json:"comparison_start"`
	ComparisonEnd     time.Time `json:"comparison_end"`

	SpeedImprovementPercent float64 `json:"speed_improvement_percent"`
	Faster                  bool    `json:"faster"`
	StatisticalSignificance float64 `json:"statistical_significance"`

	SuccessRateImprovementPercent float64 `json:"success_rate_improvement_percent"`
	MoreReliable                  bool    `json:"more_reliable"`

	ResourceEfficiencyPercent float64 `json:"resource_efficiency_percent"`
	MoreEfficient             bool    `json:"more_efficient"`
}

func (c PerformanceComparison) MarshalJSON() ([]byte, error) {
	type alias PerformanceComparison
	return json.Marshal(struct {
		alias
		ComparisonPlugins []string `json:"comparison_plugins"`
		ComparisonStart   int64    `json:"comparison_start"`
		ComparisonEnd     int64    `json:"comparison_end"`
	}{
		alias:             alias(c),
		ComparisonPlugins: nonNilStrings(c.ComparisonPlugins),
		ComparisonStart:   EpochMillis(c.ComparisonStart),
		ComparisonEnd:     EpochMillis(c.ComparisonEnd),
	})
}

// SuggestionType classifies an optimization suggestion.
type SuggestionType int

const (
	SuggestionPerformance SuggestionType = iota
	SuggestionReliability
	SuggestionEfficiency
)

func (t SuggestionType) String() string {
	switch t {
	case SuggestionPerformance:
		return "performance"
	case SuggestionReliability:
		return "reliability"
	case SuggestionEfficiency:
		return "efficiency"
	default:
		return "unknown"
	}
}

// MarshalJSON writes the suggestion type by name.
func (t SuggestionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// OptimizationSuggestion is advisory output. Priority is in [0, 10].
type OptimizationSuggestion struct {
	Type                        SuggestionType `json:"type"`
	PluginName                  string         `json:"plugin_name"`
	Description                 string         `json:"description"`
	PotentialImprovementPercent float64        `json:"potential_improvement_percent"`
	Recommendation              string         `json:"recommendation"`
	Priority                    int            `json:"priority"`
}

// CapacityMetrics is the result of one capacity analysis.
type CapacityMetrics struct {
	Timestamp time.Time `json:"timestamp"`

	CurrentLoadPercent float64 `json:"current_load_percent"`
	PeakLoadPercent    float64 `json:"peak_load_percent"`
	AvgLoadPercent     float64 `json:"avg_load_percent"`

	LoadGrowthRatePercent       float64   `json:"load_growth_rate_percent"`
	PredictedPeakLoadPercent    float64   `json:"predicted_peak_load_percent"`
	PredictedCapacityExhaustion time.Time `json:"predicted_capacity_exhaustion"`

	ResourceUtilization map[string]float64 `json:"resource_utilization"`

	ScalingRecommended    bool   `json:"scaling_recommended"`
	ScalingRecommendation string `json:"scaling_recommendation"`
	ScalingTimelineDays   int    `json:"scaling_timeline_days"`
}

func (c CapacityMetrics) MarshalJSON() ([]byte, error) {
	type alias CapacityMetrics
	return json.Marshal(struct {
		alias
		Timestamp                   int64              `json:"timestamp"`
		PredictedCapacityExhaustion int64              `json:"predicted_capacity_exhaustion"`
		ResourceUtilization         map[string]float64 `json:"resource_utilization"`
	}{
		alias:                       alias(c),
		Timestamp:                   EpochMillis(c.Timestamp),
		PredictedCapacityExhaustion: EpochMillis(c.PredictedCapacityExhaustion),
		ResourceUtilization:         nonNilFields(c.ResourceUtilization),
	})
}

// SystemOverview is a point-in-time view of the whole system.
type SystemOverview struct {
	Timestamp time.Time `json:"timestamp"`

	TotalRequestsPerSecond      float64 `json:"total_requests_per_second"`
	SuccessfulRequestsPerSecond float64 `json:"successful_requests_per_second"`
	FailedRequestsPerSecond     float64 `json:"failed_requests_per_second"`

	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	P95ResponseTimeMs float64 `json:"p95_response_time_ms"`
	P99ResponseTimeMs float64 `json:"p99_response_time_ms"`

	ActivePluginCount int                   `json:"active_plugin_count"`
	PluginSnapshots   []PerformanceSnapshot `json:"plugin_snapshots"`

	CPUUsagePercent       float64 `json:"cpu_usage_percent"`
	MemoryUsageMB         float64 `json:"memory_usage_mb"`
	DiskIORateMBPerSec    float64 `json:"disk_io_rate_mb_per_sec"`
	NetworkIORateMBPerSec float64 `json:"network_io_rate_mb_per_sec"`

	OverallSuccessRate float64         `json:"overall_success_rate"`
	ActiveAlerts       []RealTimeAlert `json:"active_alerts"`
}

func (o SystemOverview) MarshalJSON() ([]byte, error) {
	type alias SystemOverview
	snapshots := o.PluginSnapshots
	if snapshots == nil {
		snapshots = []PerformanceSnapshot{}
	}
	alerts := o.ActiveAlerts
	if alerts == nil {
		alerts = []RealTimeAlert{}
	}
	return json.Marshal(struct {
		alias
		Timestamp       int64                 `json:"timestamp"`
		PluginSnapshots []PerformanceSnapshot `json:"plugin_snapshots"`
		ActiveAlerts    []RealTimeAlert       `json:"active_alerts"`
	}{alias(o), EpochMillis(o.Timestamp), snapshots, alerts})
}

// PrioritizedAction is one entry of a report's action list.
type PrioritizedAction struct {
	Priority int    `json:"priority"`
	Action   string `json:"action"`
}

// OptimizationReport aggregates suggestions and capacity insights.
// PrioritizedActions is ordered by descending priority.
type OptimizationReport struct {
	GeneratedAt             time.Time                `json:"generated_at"`
	Suggestions             []OptimizationSuggestion `json:"suggestions"`
	CapacityInsights        CapacityMetrics          `json:"capacity_insights"`
	OverallPerformanceScore float64                  `json:"overall_performance_score"`
	PrioritizedActions      []PrioritizedAction      `json:"prioritized_actions"`
}

func (r OptimizationReport) MarshalJSON() ([]byte, error) {
	type alias OptimizationReport
	suggestions := r.Suggestions
	if suggestions == nil {
		suggestions = []OptimizationSuggestion{}
	}
	actions := r.PrioritizedActions
	if actions == nil {
		actions = []PrioritizedAction{}
	}
	return json.Marshal(struct {
		alias
		GeneratedAt        int64                    `json:"generated_at"`
		Suggestions        []OptimizationSuggestion `json:"suggestions"`
		PrioritizedActions []PrioritizedAction      `json:"prioritized_actions"`
	}{alias(r), EpochMillis(r.GeneratedAt), suggestions, actions})
}
