package model

import (
	"encoding/json"
	"time"
)

// MetricType identifies how a metric value should be interpreted.
// The integer values are part of the JSON wire format.
type MetricType int

const (
	Counter MetricType = iota
	Gauge
	Histogram
	Timer
	RawEvent
)

func (t MetricType) String() string {
	switch t {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Histogram:
		return "histogram"
	case Timer:
		return "timer"
	case RawEvent:
		return "raw_event"
	default:
		return "unknown"
	}
}

// MetricPoint is a single time-series sample. It is treated as immutable
// once recorded.
type MetricPoint struct {
	Name      string
	Type      MetricType
	Value     float64
	Timestamp time.Time
	Tags      map[string]string
	Fields    map[string]float64
}

type metricPointJSON struct {
	Name      string             `json:"name"`
	Type      MetricType         `json:"type"`
	Value     float64            `json:"value"`
	Timestamp int64              `json:"timestamp"`
	Tags      map[string]string  `json:"tags"`
	Fields    map[string]float64 `json:"fields"`
}

// MarshalJSON encodes the point with an epoch-millisecond timestamp.
func (p MetricPoint) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricPointJSON{
		Name:      p.Name,
		Type:      p.Type,
		Value:     p.Value,
		Timestamp: EpochMillis(p.Timestamp),
		Tags:      nonNilTags(p.Tags),
		Fields:    nonNilFields(p.Fields),
	})
}

// UnmarshalJSON decodes a point. Missing tags and fields become empty maps.
func (p *MetricPoint) UnmarshalJSON(data []byte) error {
	var raw metricPointJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = MetricPoint{
		Name:      raw.Name,
		Type:      raw.Type,
		Value:     raw.Value,
		Timestamp: FromEpochMillis(raw.Timestamp),
		Tags:      nonNilTags(raw.Tags),
		Fields:    nonNilFields(raw.Fields),
	}
	return nil
}

// MetricStatistics is a read-only aggregate over a series of values.
type MetricStatistics struct {
	Name   string     `json:"name"`
	Type   MetricType `json:"type"`
	Count  float64    `json:"count"`
	Sum    float64    `json:"sum"`
	Min    float64    `json:"min"`
	Max    float64    `json:"max"`
	Mean   float64    `json:"mean"`
	Median float64    `json:"median"`
	P95    float64    `json:"p95"`
	P99    float64    `json:"p99"`
	StdDev float64    `json:"std_dev"`
}

// ProcessingEvent is one unit of work reported by a monitored plugin.
type ProcessingEvent struct {
	PluginName       string
	Provider         string
	Model            string
	InputFormat      string
	OutputFormat     string
	ProcessingTimeMs float64
	InputSizeBytes   int64
	OutputSizeBytes  int64
	Success          bool
	ErrorType        string
	TokensProcessed  int64
	CapabilitiesUsed []string
	Timestamp        time.Time
	Metadata         map[string]string
}

type processingEventJSON struct {
	PluginName       string            `json:"plugin_name"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	InputFormat      string            `json:"input_format"`
	OutputFormat     string            `json:"output_format"`
	ProcessingTimeMs float64           `json:"processing_time_ms"`
	InputSizeBytes   int64             `json:"input_size_bytes"`
	OutputSizeBytes  int64             `json:"output_size_bytes"`
	Success          bool              `json:"success"`
	ErrorType        string            `json:"error_type"`
	TokensProcessed  int64             `json:"tokens_processed"`
	CapabilitiesUsed []string          `json:"capabilities_used"`
	Timestamp        int64             `json:"timestamp"`
	Metadata         map[string]string `json:"metadata"`
}

// MarshalJSON encodes the event with an epoch-millisecond timestamp.
func (e ProcessingEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(processingEventJSON{
		PluginName:       e.PluginName,
		Provider:         e.Provider,
		Model:            e.Model,
		InputFormat:      e.InputFormat,
		OutputFormat:     e.OutputFormat,
		ProcessingTimeMs: e.ProcessingTimeMs,
		InputSizeBytes:   e.InputSizeBytes,
		OutputSizeBytes:  e.OutputSizeBytes,
		Success:          e.Success,
		ErrorType:        e.ErrorType,
		TokensProcessed:  e.TokensProcessed,
		CapabilitiesUsed: nonNilStrings(e.CapabilitiesUsed),
		Timestamp:        EpochMillis(e.Timestamp),
		Metadata:         nonNilTags(e.Metadata),
	})
}

// UnmarshalJSON decodes an event. Absent optional collections decode to
// empty values instead of failing the record.
func (e *ProcessingEvent) UnmarshalJSON(data []byte) error {
	var raw processingEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = ProcessingEvent{
		PluginName:       raw.PluginName,
		Provider:         raw.Provider,
		Model:            raw.Model,
		InputFormat:      raw.InputFormat,
		OutputFormat:     raw.OutputFormat,
		ProcessingTimeMs: raw.ProcessingTimeMs,
		InputSizeBytes:   raw.InputSizeBytes,
		OutputSizeBytes:  raw.OutputSizeBytes,
		Success:          raw.Success,
		ErrorType:        raw.ErrorType,
		TokensProcessed:  raw.TokensProcessed,
		CapabilitiesUsed: nonNilStrings(raw.CapabilitiesUsed),
		Timestamp:        FromEpochMillis(raw.Timestamp),
		Metadata:         nonNilTags(raw.Metadata),
	}
	return nil
}

// Tags returns the dimensions used when an event is stored as a series.
func (e ProcessingEvent) Tags() map[string]string {
	return map[string]string{
		"plugin":        e.PluginName,
		"provider":      e.Provider,
		"model":         e.Model,
		"input_format":  e.InputFormat,
		"output_format": e.OutputFormat,
	}
}

// EpochMillis converts t to milliseconds since the Unix epoch. The zero
// time encodes as 0.
func EpochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromEpochMillis is the inverse of EpochMillis.
func FromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nonNilTags(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilFields(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
