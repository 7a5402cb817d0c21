// Package tracker turns plugin executions into derived metrics and reads
// them back as per-plugin performance snapshots, comparisons, optimization
// suggestions and threshold alerts.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/model"
)

var log = logrus.WithField("component", "tracker")

// Source records metrics and reads them back. *collector.Collector
// implements it.
type Source interface {
	model.MetricRecorder
	QueryMetrics(ctx context.Context, name string, start, end time.Time, tags map[string]string) ([]model.MetricPoint, error)
}

// AlertConfig is the threshold set shared by alerting and optimization
// analysis.
type AlertConfig struct {
	MaxProcessingTimeMs float64       `mapstructure:"max_processing_time_ms"`
	MinSuccessRate      float64       `mapstructure:"min_success_rate"`
	MaxErrorRate        float64       `mapstructure:"max_error_rate"`
	MinThroughputRPS    float64       `mapstructure:"min_throughput_rps"`
	AlertWindow         time.Duration `mapstructure:"alert_window"`
	AlertCooldown       time.Duration `mapstructure:"alert_cooldown"`
	HistorySize         int           `mapstructure:"history_size"`
}

// DefaultAlertConfig returns the stock thresholds.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		MaxProcessingTimeMs: 1000,
		MinSuccessRate:      0.95,
		MaxErrorRate:        0.05,
		MinThroughputRPS:    10,
		AlertWindow:         5 * time.Minute,
		AlertCooldown:       60 * time.Second,
		HistorySize:         100,
	}
}

// Tracker is safe for concurrent use.
type Tracker struct {
	src Source
	now func() time.Time

	cfgMu sync.RWMutex
	cfg   AlertConfig

	sessMu   sync.Mutex
	sessions map[string]time.Time

	plugMu  sync.RWMutex
	plugins map[string]struct{}

	alertMu   sync.Mutex
	recent    []model.RealTimeAlert
	lastAlert map[string]time.Time
}

// New returns a tracker recording into and querying from src.
func New(src Source) *Tracker {
	return &Tracker{
		src:       src,
		now:       time.Now,
		cfg:       DefaultAlertConfig(),
		sessions:  map[string]time.Time{},
		plugins:   map[string]struct{}{},
		lastAlert: map[string]time.Time{},
	}
}

// SetAlertConfig replaces the shared thresholds.
func (t *Tracker) SetAlertConfig(cfg AlertConfig) {
	t.cfgMu.Lock()
	t.cfg = cfg
	t.cfgMu.Unlock()
}

// AlertConfig returns the shared thresholds.
func (t *Tracker) AlertConfig() AlertConfig {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.cfg
}

// TrackingConfig is the JSON view of AlertConfig.
type TrackingConfig struct {
	MaxProcessingTimeMs  float64 `json:"max_processing_time_ms"`
	MinSuccessRate       float64 `json:"min_success_rate"`
	MaxErrorRate         float64 `json:"max_error_rate"`
	MinThroughputRPS     float64 `json:"min_throughput_rps"`
	AlertWindowSeconds   float64 `json:"alert_window_seconds"`
	AlertCooldownSeconds float64 `json:"alert_cooldown_seconds"`
	AlertHistorySize     int     `json:"alert_history_size"`
}

func (t *Tracker) TrackingConfig() TrackingConfig {
	c := t.AlertConfig()
	return TrackingConfig{
		MaxProcessingTimeMs:  c.MaxProcessingTimeMs,
		MinSuccessRate:       c.MinSuccessRate,
		MaxErrorRate:         c.MaxErrorRate,
		MinThroughputRPS:     c.MinThroughputRPS,
		AlertWindowSeconds:   c.AlertWindow.Seconds(),
		AlertCooldownSeconds: c.AlertCooldown.Seconds(),
		AlertHistorySize:     c.HistorySize,
	}
}

// UpdateTrackingConfig merges a JSON object into the current thresholds.
// Keys not present keep their values.
func (t *Tracker) UpdateTrackingConfig(data []byte) error {
	view := t.TrackingConfig()
	if err := json.Unmarshal(data, &view); err != nil {
		return fmt.Errorf("tracking config: %w", err)
	}
	if view.MinSuccessRate < 0 || view.MinSuccessRate > 1 || view.MaxErrorRate < 0 || view.MaxErrorRate > 1 {
		return fmt.Errorf("tracking config: rates must be within [0, 1]")
	}
	t.SetAlertConfig(AlertConfig{
		MaxProcessingTimeMs: view.MaxProcessingTimeMs,
		MinSuccessRate:      view.MinSuccessRate,
		MaxErrorRate:        view.MaxErrorRate,
		MinThroughputRPS:    view.MinThroughputRPS,
		AlertWindow:         time.Duration(view.AlertWindowSeconds * float64(time.Second)),
		AlertCooldown:       time.Duration(view.AlertCooldownSeconds * float64(time.Second)),
		HistorySize:         view.AlertHistorySize,
	})
	return nil
}

func sessionKey(plugin, provider, inputFormat string) string {
	return plugin + "_" + provider + "_" + inputFormat
}

func (t *Tracker) remember(plugin string) {
	t.plugMu.Lock()
	t.plugins[plugin] = struct{}{}
	t.plugMu.Unlock()
}

// Plugins lists every plugin seen so far, sorted.
func (t *Tracker) Plugins() []string {
	t.plugMu.RLock()
	defer t.plugMu.RUnlock()
	return slices.Sorted(maps.Keys(t.plugins))
}

// RecordPluginStart opens a session for plugin on provider and input format.
func (t *Tracker) RecordPluginStart(plugin, provider, inputFormat string) {
	t.remember(plugin)
	t.sessMu.Lock()
	t.sessions[sessionKey(plugin, provider, inputFormat)] = t.now()
	t.sessMu.Unlock()
}

// ActiveSessions counts started but not completed sessions.
func (t *Tracker) ActiveSessions() int {
	t.sessMu.Lock()
	defer t.sessMu.Unlock()
	return len(t.sessions)
}

// RecordPluginCompletion emits the execution counter, processing-time
// histogram, throughput counters and, for failures with a type, the error
// counter. Open sessions of plugin are closed.
func (t *Tracker) RecordPluginCompletion(plugin string, success bool, processingMs float64, inputSize, outputSize int64, errorType string) {
	t.remember(plugin)

	t.sessMu.Lock()
	prefix := plugin + "_"
	for k := range t.sessions {
		if strings.HasPrefix(k, prefix) {
			delete(t.sessions, k)
		}
	}
	t.sessMu.Unlock()

	t.src.RecordCounter(model.MetricPluginExecutions, 1, map[string]string{
		"plugin":  plugin,
		"success": fmt.Sprint(success),
	})
	t.src.RecordHistogram(model.MetricPluginProcessingTime, processingMs, map[string]string{"plugin": plugin})
	t.src.RecordCounter(model.MetricPluginThroughput, float64(inputSize), map[string]string{"plugin": plugin, "direction": "input"})
	t.src.RecordCounter(model.MetricPluginThroughput, float64(outputSize), map[string]string{"plugin": plugin, "direction": "output"})
	if !success && errorType != "" {
		t.src.RecordCounter(model.MetricPluginErrors, 1, map[string]string{
			"plugin":     plugin,
			"error_type": errorType,
		})
	}
}

// RecordPluginExecution records a whole execution from one event and
// forwards the raw event to the source.
func (t *Tracker) RecordPluginExecution(e model.ProcessingEvent) {
	t.RecordPluginStart(e.PluginName, e.Provider, e.InputFormat)
	t.RecordPluginCompletion(e.PluginName, e.Success, e.ProcessingTimeMs, e.InputSizeBytes, e.OutputSizeBytes, e.ErrorType)
	t.src.RecordProcessingEvent(e)
}
