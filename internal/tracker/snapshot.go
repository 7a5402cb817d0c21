package tracker

import (
	"context"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/stats"
)

// Snapshot summarizes plugin over [start, end]. Query failures are logged
// and leave the affected fields at zero.
func (t *Tracker) Snapshot(ctx context.Context, plugin string, start, end time.Time) model.PerformanceSnapshot {
	s, _ := t.snapshot(ctx, plugin, start, end)
	return s
}

// snapshot also returns the raw latency samples.
func (t *Tracker) snapshot(ctx context.Context, plugin string, start, end time.Time) (model.PerformanceSnapshot, []float64) {
	s := model.PerformanceSnapshot{
		PluginName:     plugin,
		Timestamp:      t.now(),
		ErrorTypeRates: map[string]float64{},
		WindowStart:    start,
		WindowEnd:      end,
	}
	byPlugin := map[string]string{"plugin": plugin}

	query := func(name string) []model.MetricPoint {
		points, err := t.src.QueryMetrics(ctx, name, start, end, byPlugin)
		if err != nil {
			log.WithError(err).Warnf("tracker: querying %s for %s", name, plugin)
		}
		return points
	}

	var latencies []float64
	for _, p := range query(model.MetricPluginProcessingTime) {
		latencies = append(latencies, p.Value)
	}
	if len(latencies) > 0 {
		st := stats.Summarize(model.MetricPluginProcessingTime, model.Histogram, latencies)
		s.AvgProcessingTimeMs = st.Mean
		s.P95ProcessingTimeMs = st.P95
		s.P99ProcessingTimeMs = st.P99
		s.MinProcessingTimeMs = st.Min
		s.MaxProcessingTimeMs = st.Max
	}

	var total, successful float64
	for _, p := range query(model.MetricPluginExecutions) {
		total += p.Value
		if p.Tags["success"] == "true" {
			successful += p.Value
		}
	}
	s.TotalRequests = int(total)
	if total > 0 {
		s.SuccessRate = successful / total
		s.ErrorRate = 1 - s.SuccessRate

		errs := map[string]float64{}
		for _, p := range query(model.MetricPluginErrors) {
			errs[p.Tags["error_type"]] += p.Value
		}
		for typ, n := range errs {
			s.ErrorTypeRates[typ] = n / total
		}
	}

	var in, out float64
	for _, p := range query(model.MetricPluginThroughput) {
		switch p.Tags["direction"] {
		case "input":
			in += p.Value
		case "output":
			out += p.Value
		}
	}
	if total > 0 {
		s.AvgInputSizeBytes = in / total
		s.AvgOutputSizeBytes = out / total
	}
	if in > 0 {
		s.CompressionRatio = out / in
	}

	if secs := end.Sub(start).Seconds(); secs > 0 {
		s.RequestsPerSecond = total / secs
		s.BytesProcessedPerSecond = (in + out) / secs
	}
	return s, latencies
}

// AllSnapshots returns a snapshot for every plugin the tracker has seen.
func (t *Tracker) AllSnapshots(ctx context.Context, start, end time.Time) []model.PerformanceSnapshot {
	plugins := t.Plugins()
	out := make([]model.PerformanceSnapshot, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, t.Snapshot(ctx, p, start, end))
	}
	return out
}

// ComparePlugins contrasts reference with each candidate and keeps the
// best delta per dimension. Deltas are percentages where positive favors
// the candidate. Significance is the pooled |t| between the reference's
// latency samples and those of all candidates combined.
func (t *Tracker) ComparePlugins(ctx context.Context, reference string, candidates []string, start, end time.Time) model.PerformanceComparison {
	cmp := model.PerformanceComparison{
		ReferencePlugin:   reference,
		ComparisonPlugins: candidates,
		ComparisonStart:   start,
		ComparisonEnd:     end,
	}
	ref, refLatencies := t.snapshot(ctx, reference, start, end)

	var pooled []float64
	var haveSpeed, haveReliability, haveEfficiency bool
	for _, name := range candidates {
		c, latencies := t.snapshot(ctx, name, start, end)
		pooled = append(pooled, latencies...)

		if ref.AvgProcessingTimeMs > 0 && c.AvgProcessingTimeMs > 0 {
			d := (ref.AvgProcessingTimeMs - c.AvgProcessingTimeMs) / ref.AvgProcessingTimeMs * 100
			if !haveSpeed || d > cmp.SpeedImprovementPercent {
				cmp.SpeedImprovementPercent = d
				haveSpeed = true
			}
		}

		if d := (c.SuccessRate - ref.SuccessRate) * 100; !haveReliability || d > cmp.SuccessRateImprovementPercent {
			cmp.SuccessRateImprovementPercent = d
			haveReliability = true
		}

		if refEff, ok := efficiency(ref); ok {
			if cEff, ok := efficiency(c); ok {
				d := (cEff - refEff) / refEff * 100
				if !haveEfficiency || d > cmp.ResourceEfficiencyPercent {
					cmp.ResourceEfficiencyPercent = d
					haveEfficiency = true
				}
			}
		}
	}

	cmp.Faster = cmp.SpeedImprovementPercent > 0
	cmp.MoreReliable = cmp.SuccessRateImprovementPercent > 0
	cmp.MoreEfficient = cmp.ResourceEfficiencyPercent > 0
	cmp.StatisticalSignificance = stats.PooledTStatistic(refLatencies, pooled)
	return cmp
}

// efficiency is requests per second per KiB of average input.
func efficiency(s model.PerformanceSnapshot) (float64, bool) {
	if s.AvgInputSizeBytes <= 0 || s.RequestsPerSecond <= 0 {
		return 0, false
	}
	return s.RequestsPerSecond / (s.AvgInputSizeBytes / 1024), true
}
