package tracker

import (
	"context"
	"slices"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/stats"
)

// analysisWindow is how far back AnalyzeForOptimizations looks.
const analysisWindow = 24 * time.Hour

// AnalyzeForOptimizations checks the last 24 hours of plugin against the
// shared thresholds and returns one suggestion per breach. A plugin with no
// recorded requests yields none.
func (t *Tracker) AnalyzeForOptimizations(ctx context.Context, plugin string) []model.OptimizationSuggestion {
	end := t.now()
	s := t.Snapshot(ctx, plugin, end.Add(-analysisWindow), end)
	if s.TotalRequests == 0 {
		return nil
	}
	cfg := t.AlertConfig()

	var out []model.OptimizationSuggestion
	if s.AvgProcessingTimeMs > cfg.MaxProcessingTimeMs {
		out = append(out, model.OptimizationSuggestion{
			Type:                        model.SuggestionPerformance,
			PluginName:                  plugin,
			Description:                 "Average processing time exceeds threshold",
			PotentialImprovementPercent: (s.AvgProcessingTimeMs - cfg.MaxProcessingTimeMs) / s.AvgProcessingTimeMs * 100,
			Recommendation:              "Consider optimizing algorithm or reducing complexity",
			Priority:                    priority(s.AvgProcessingTimeMs / cfg.MaxProcessingTimeMs * 5),
		})
	}
	if s.SuccessRate < cfg.MinSuccessRate {
		out = append(out, model.OptimizationSuggestion{
			Type:                        model.SuggestionReliability,
			PluginName:                  plugin,
			Description:                 "Success rate below threshold",
			PotentialImprovementPercent: (cfg.MinSuccessRate - s.SuccessRate) * 100,
			Recommendation:              "Improve error handling and input validation",
			Priority:                    priority((1 - s.SuccessRate) * 10),
		})
	}
	if s.RequestsPerSecond < cfg.MinThroughputRPS {
		out = append(out, model.OptimizationSuggestion{
			Type:                        model.SuggestionEfficiency,
			PluginName:                  plugin,
			Description:                 "Throughput below threshold",
			PotentialImprovementPercent: (cfg.MinThroughputRPS - s.RequestsPerSecond) / cfg.MinThroughputRPS * 100,
			Recommendation:              "Optimize caching and reduce I/O operations",
			Priority:                    priority((1 - s.RequestsPerSecond/cfg.MinThroughputRPS) * 8),
		})
	}
	return out
}

func priority(v float64) int {
	return int(stats.Clamp(v, 0, 10))
}

// CheckPerformanceAlerts applies the thresholds to a snapshot. Values
// exactly at a threshold do not alert.
func (t *Tracker) CheckPerformanceAlerts(plugin string, s model.PerformanceSnapshot) []model.RealTimeAlert {
	cfg := t.AlertConfig()
	now := t.now()

	var out []model.RealTimeAlert
	if s.AvgProcessingTimeMs > cfg.MaxProcessingTimeMs {
		out = append(out, model.RealTimeAlert{
			Severity:       model.SeverityWarning,
			PluginName:     plugin,
			MetricName:     model.AlertMetricProcessingTime,
			Message:        "Processing time exceeds threshold",
			CurrentValue:   s.AvgProcessingTimeMs,
			ThresholdValue: cfg.MaxProcessingTimeMs,
			Timestamp:      now,
		})
	}
	if s.SuccessRate < cfg.MinSuccessRate {
		out = append(out, model.RealTimeAlert{
			Severity:       model.SeverityError,
			PluginName:     plugin,
			MetricName:     model.AlertMetricSuccessRate,
			Message:        "Success rate below threshold",
			CurrentValue:   s.SuccessRate,
			ThresholdValue: cfg.MinSuccessRate,
			Timestamp:      now,
		})
	}
	if s.RequestsPerSecond < cfg.MinThroughputRPS {
		out = append(out, model.RealTimeAlert{
			Severity:       model.SeverityWarning,
			PluginName:     plugin,
			MetricName:     model.AlertMetricThroughput,
			Message:        "Throughput below threshold",
			CurrentValue:   s.RequestsPerSecond,
			ThresholdValue: cfg.MinThroughputRPS,
			Timestamp:      now,
		})
	}
	return out
}

// CheckForAlerts evaluates every known plugin over the trailing alert
// window. An alert for the same plugin and metric is suppressed until the
// cooldown has passed. New alerts are added to the recent history and
// returned.
func (t *Tracker) CheckForAlerts(ctx context.Context) []model.RealTimeAlert {
	cfg := t.AlertConfig()
	end := t.now()
	start := end.Add(-cfg.AlertWindow)

	var fresh []model.RealTimeAlert
	for _, plugin := range t.Plugins() {
		s := t.Snapshot(ctx, plugin, start, end)
		if s.TotalRequests == 0 {
			continue
		}
		fresh = append(fresh, t.CheckPerformanceAlerts(plugin, s)...)
	}

	t.alertMu.Lock()
	defer t.alertMu.Unlock()
	out := fresh[:0]
	for _, a := range fresh {
		key := a.PluginName + "/" + a.MetricName
		if last, ok := t.lastAlert[key]; ok && a.Timestamp.Sub(last) < cfg.AlertCooldown {
			continue
		}
		t.lastAlert[key] = a.Timestamp
		out = append(out, a)
	}

	t.recent = append(t.recent, out...)
	if limit := cfg.HistorySize; limit > 0 && len(t.recent) > limit {
		t.recent = slices.Clone(t.recent[len(t.recent)-limit:])
	}
	if len(out) > 0 {
		log.Infof("tracker: %d new alerts", len(out))
	}
	return slices.Clone(out)
}

// RecentAlerts returns the alert history, oldest first.
func (t *Tracker) RecentAlerts() []model.RealTimeAlert {
	t.alertMu.Lock()
	defer t.alertMu.Unlock()
	return slices.Clone(t.recent)
}

// ClearAlerts empties the history and resets cooldowns.
func (t *Tracker) ClearAlerts() {
	t.alertMu.Lock()
	t.recent = nil
	clear(t.lastAlert)
	t.alertMu.Unlock()
}
