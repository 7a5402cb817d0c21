package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/stats"
)

// Scaling thresholds, in percent.
const (
	immediateLoadPercent   = 90
	plannedPeakPercent     = 85
	monitorGrowthPercent   = 20
	defaultTimelineDays    = 30
	maxExtrapolationWindow = 365 * 24 * time.Hour
)

// CapacityMetrics is the latest loop analysis, or a fresh one when the
// loop has not produced any yet.
func (m *Monitor) CapacityMetrics(ctx context.Context) model.CapacityMetrics {
	if c, ok := m.LastCapacity(); ok {
		return c
	}
	return m.AnalyzeCapacity(ctx)
}

// AnalyzeCapacity derives load figures from the overview history. Load is
// the total request rate relative to Config.CapacityRPS. Growth compares
// the mean load of the newer half of the history with the older half.
func (m *Monitor) AnalyzeCapacity(ctx context.Context) model.CapacityMetrics {
	cfg := m.Config()
	now := m.now()
	history := m.History()
	if len(history) == 0 {
		history = []model.SystemOverview{m.Overview(ctx)}
	}

	loads := make([]float64, len(history))
	for i, o := range history {
		loads[i] = o.TotalRequestsPerSecond / cfg.CapacityRPS * 100
	}
	latest := history[len(history)-1]

	c := model.CapacityMetrics{
		Timestamp:           now,
		CurrentLoadPercent:  loads[len(loads)-1],
		AvgLoadPercent:      stats.Mean(loads),
		ScalingTimelineDays: defaultTimelineDays,
	}
	c.ResourceUtilization = map[string]float64{
		"load_percent":       c.CurrentLoadPercent,
		"cpu_percent":        latest.CPUUsagePercent,
		"memory_mb":          latest.MemoryUsageMB,
		"disk_mb_per_sec":    latest.DiskIORateMBPerSec,
		"network_mb_per_sec": latest.NetworkIORateMBPerSec,
	}
	for _, l := range loads {
		c.PeakLoadPercent = math.Max(c.PeakLoadPercent, l)
	}

	if len(loads) >= 2 {
		half := len(loads) / 2
		older, newer := stats.Mean(loads[:half]), stats.Mean(loads[half:])
		if older > 0 {
			c.LoadGrowthRatePercent = (newer - older) / older * 100
		}
	}
	c.PredictedPeakLoadPercent = c.PeakLoadPercent * (1 + c.LoadGrowthRatePercent/100)

	if exhaustion, ok := extrapolate(c.CurrentLoadPercent, c.LoadGrowthRatePercent, history); ok {
		c.PredictedCapacityExhaustion = exhaustion
		days := int(math.Ceil(exhaustion.Sub(now).Hours() / 24))
		c.ScalingTimelineDays = max(days, 1)
	}

	c.ScalingRecommendation = ScalingRecommendation(c)
	c.ScalingRecommended = c.CurrentLoadPercent > immediateLoadPercent || c.PredictedPeakLoadPercent > plannedPeakPercent
	return c
}

// extrapolate projects linear growth forward to 100% load. Growth is
// measured per half of the history span.
func extrapolate(current, growthPercent float64, history []model.SystemOverview) (time.Time, bool) {
	last := history[len(history)-1].Timestamp
	if current >= 100 {
		return last, true
	}
	if current <= 0 || growthPercent <= 0 || len(history) < 2 {
		return time.Time{}, false
	}
	halfSpan := last.Sub(history[0].Timestamp) / 2
	if halfSpan <= 0 {
		return time.Time{}, false
	}
	perHalf := current * growthPercent / 100
	ahead := time.Duration((100 - current) / perHalf * float64(halfSpan))
	if ahead > maxExtrapolationWindow {
		return time.Time{}, false
	}
	return last.Add(ahead), true
}

// ScalingRecommendation classifies a capacity analysis.
func ScalingRecommendation(c model.CapacityMetrics) string {
	switch {
	case c.CurrentLoadPercent > immediateLoadPercent:
		return "Immediate scaling required - system at capacity limit"
	case c.PredictedPeakLoadPercent > plannedPeakPercent:
		return fmt.Sprintf("Plan scaling within %d days", c.ScalingTimelineDays)
	case c.LoadGrowthRatePercent > monitorGrowthPercent:
		return "Monitor growth rate - scaling may be needed soon"
	default:
		return "Current capacity adequate"
	}
}
