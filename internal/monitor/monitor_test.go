package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/pulse/internal/model"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeRT struct{ mean, p95, p99 float64 }

func (f fakeRT) RealTimeStats(names ...string) []model.MetricStatistics {
	return []model.MetricStatistics{{Name: model.MetricPluginProcessingTime, Mean: f.mean, P95: f.p95, P99: f.p99}}
}

type fakeTracker struct {
	mu          sync.Mutex
	snapshots   []model.PerformanceSnapshot
	suggestions map[string][]model.OptimizationSuggestion
	pending     []model.RealTimeAlert
	recent      []model.RealTimeAlert
	panics      bool
}

func (f *fakeTracker) Plugins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.snapshots {
		out = append(out, s.PluginName)
	}
	return out
}

func (f *fakeTracker) AllSnapshots(context.Context, time.Time, time.Time) []model.PerformanceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.PerformanceSnapshot(nil), f.snapshots...)
}

func (f *fakeTracker) AnalyzeForOptimizations(_ context.Context, plugin string) []model.OptimizationSuggestion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suggestions[plugin]
}

func (f *fakeTracker) CheckForAlerts(context.Context) []model.RealTimeAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("tracker exploded")
	}
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakeTracker) RecentAlerts() []model.RealTimeAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent
}

type fakeSampler struct {
	sample model.ResourceSample
	err    error
}

func (f fakeSampler) Sample(context.Context) (model.ResourceSample, error) { return f.sample, f.err }

func newTestMonitor(rt RealTimeSource, tr PluginTracker, sampler model.ResourceSampler, cfg Config) *Monitor {
	m := New(rt, tr, sampler, cfg)
	m.now = func() time.Time { return epoch }
	return m
}

func TestOverviewCombinesSources(t *testing.T) {
	tr := &fakeTracker{
		snapshots: []model.PerformanceSnapshot{
			{PluginName: "gzip", TotalRequests: 100, RequestsPerSecond: 2, SuccessRate: 0.9},
			{PluginName: "idle"},
		},
		recent: []model.RealTimeAlert{
			{PluginName: "gzip", Timestamp: epoch.Add(-time.Minute)},
			{PluginName: "gzip", Timestamp: epoch.Add(-2 * time.Hour)},
		},
	}
	sampler := fakeSampler{sample: model.ResourceSample{CPUPercent: 40, MemoryMB: 512, DiskMBPerSec: 1.5, NetworkMBPerSec: 0.5}}
	m := newTestMonitor(fakeRT{mean: 120, p95: 300, p99: 450}, tr, sampler, DefaultConfig())

	o := m.Overview(t.Context())
	assert.Equal(t, epoch, o.Timestamp)
	assert.Equal(t, 120.0, o.AvgResponseTimeMs)
	assert.Equal(t, 300.0, o.P95ResponseTimeMs)
	assert.Equal(t, 450.0, o.P99ResponseTimeMs)
	assert.Equal(t, 1, o.ActivePluginCount)
	assert.Len(t, o.PluginSnapshots, 2)
	assert.InDelta(t, 2.0, o.TotalRequestsPerSecond, 1e-9)
	assert.InDelta(t, 1.8, o.SuccessfulRequestsPerSecond, 1e-9)
	assert.InDelta(t, 0.2, o.FailedRequestsPerSecond, 1e-9)
	assert.InDelta(t, 0.9, o.OverallSuccessRate, 1e-9)
	assert.Len(t, o.ActiveAlerts, 1)
	assert.Equal(t, 40.0, o.CPUUsagePercent)
	assert.Equal(t, 512.0, o.MemoryUsageMB)
	assert.Equal(t, 1.5, o.DiskIORateMBPerSec)
	assert.Equal(t, 0.5, o.NetworkIORateMBPerSec)
}

func TestOverviewWithoutSources(t *testing.T) {
	m := newTestMonitor(nil, nil, nil, DefaultConfig())
	o := m.Overview(t.Context())
	assert.Equal(t, 1.0, o.OverallSuccessRate)
	assert.Zero(t, o.ActivePluginCount)
	assert.Zero(t, o.TotalRequestsPerSecond)
}

func TestOverviewSkipsResourcesWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableSystemMonitoring = false
	m := newTestMonitor(nil, nil, fakeSampler{sample: model.ResourceSample{CPUPercent: 99}}, cfg)
	assert.Zero(t, m.Overview(t.Context()).CPUUsagePercent)
}

func TestOverviewToleratesSamplerError(t *testing.T) {
	m := newTestMonitor(nil, nil, fakeSampler{err: errors.New("no procfs")}, DefaultConfig())
	o := m.Overview(t.Context())
	assert.Zero(t, o.CPUUsagePercent)
	assert.Equal(t, 1.0, o.OverallSuccessRate)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistoricalDataPoints = 3
	m := newTestMonitor(nil, nil, nil, cfg)
	for i := range 5 {
		m.appendHistory(model.SystemOverview{Timestamp: epoch.Add(time.Duration(i) * time.Second)})
	}
	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, epoch.Add(2*time.Second), h[0].Timestamp)
	assert.Equal(t, epoch.Add(4*time.Second), h[2].Timestamp)

	cfg.MaxHistoricalDataPoints = 1
	m.UpdateConfig(cfg)
	h = m.History()
	require.Len(t, h, 1)
	assert.Equal(t, epoch.Add(4*time.Second), h[0].Timestamp)
}

func TestHistoricalOverviewSamplesByInterval(t *testing.T) {
	m := newTestMonitor(nil, nil, nil, DefaultConfig())
	for i := range 10 {
		m.appendHistory(model.SystemOverview{Timestamp: epoch.Add(time.Duration(i) * 10 * time.Second)})
	}

	got := m.HistoricalOverview(epoch, epoch.Add(90*time.Second), 25*time.Second)
	require.Len(t, got, 4)
	for i, o := range got {
		assert.Equal(t, epoch.Add(time.Duration(i)*30*time.Second), o.Timestamp)
	}

	all := m.HistoricalOverview(epoch.Add(15*time.Second), epoch.Add(45*time.Second), 0)
	require.Len(t, all, 3)
	assert.Equal(t, epoch.Add(20*time.Second), all[0].Timestamp)

	assert.Empty(t, m.HistoricalOverview(epoch.Add(time.Hour), epoch.Add(2*time.Hour), 0))
}

func TestAnalyzeCapacityFromHistory(t *testing.T) {
	m := newTestMonitor(nil, nil, nil, DefaultConfig())
	for i, rps := range []float64{10, 10, 20, 20} {
		m.appendHistory(model.SystemOverview{
			Timestamp:              epoch.Add(time.Duration(i) * time.Hour),
			TotalRequestsPerSecond: rps,
			CPUUsagePercent:        30,
		})
	}
	m.now = func() time.Time { return epoch.Add(3 * time.Hour) }

	c := m.AnalyzeCapacity(t.Context())
	assert.InDelta(t, 20, c.CurrentLoadPercent, 1e-9)
	assert.InDelta(t, 15, c.AvgLoadPercent, 1e-9)
	assert.InDelta(t, 20, c.PeakLoadPercent, 1e-9)
	assert.InDelta(t, 100, c.LoadGrowthRatePercent, 1e-9)
	assert.InDelta(t, 40, c.PredictedPeakLoadPercent, 1e-9)
	assert.False(t, c.ScalingRecommended)
	assert.Equal(t, "Monitor growth rate - scaling may be needed soon", c.ScalingRecommendation)
	assert.Equal(t, epoch.Add(9*time.Hour), c.PredictedCapacityExhaustion)
	assert.Equal(t, 1, c.ScalingTimelineDays)
	assert.Equal(t, 30.0, c.ResourceUtilization["cpu_percent"])
	assert.InDelta(t, 20, c.ResourceUtilization["load_percent"], 1e-9)
}

func TestAnalyzeCapacityFallsBackToOverview(t *testing.T) {
	tr := &fakeTracker{snapshots: []model.PerformanceSnapshot{
		{PluginName: "gzip", TotalRequests: 10, RequestsPerSecond: 95, SuccessRate: 1},
	}}
	m := newTestMonitor(nil, tr, nil, DefaultConfig())

	c := m.AnalyzeCapacity(t.Context())
	assert.InDelta(t, 95, c.CurrentLoadPercent, 1e-9)
	assert.Zero(t, c.LoadGrowthRatePercent)
	assert.True(t, c.ScalingRecommended)
	assert.Equal(t, "Immediate scaling required - system at capacity limit", c.ScalingRecommendation)
	assert.Equal(t, defaultTimelineDays, c.ScalingTimelineDays)
	assert.True(t, c.PredictedCapacityExhaustion.IsZero())
}

func TestAnalyzeCapacityRecommendsOnPredictedPeak(t *testing.T) {
	m := newTestMonitor(nil, nil, nil, DefaultConfig())
	for i, rps := range []float64{40, 40, 60, 60} {
		m.appendHistory(model.SystemOverview{Timestamp: epoch.Add(time.Duration(i) * time.Hour), TotalRequestsPerSecond: rps})
	}
	c := m.AnalyzeCapacity(t.Context())
	assert.InDelta(t, 90, c.PredictedPeakLoadPercent, 1e-9)
	assert.True(t, c.ScalingRecommended)
	assert.Contains(t, c.ScalingRecommendation, "Plan scaling within")
}

func TestScalingRecommendation(t *testing.T) {
	tests := []struct {
		name string
		c    model.CapacityMetrics
		want string
	}{
		{"at limit", model.CapacityMetrics{CurrentLoadPercent: 91}, "Immediate scaling required - system at capacity limit"},
		{"predicted peak", model.CapacityMetrics{CurrentLoadPercent: 50, PredictedPeakLoadPercent: 86, ScalingTimelineDays: 12}, "Plan scaling within 12 days"},
		{"growing", model.CapacityMetrics{CurrentLoadPercent: 50, PredictedPeakLoadPercent: 60, LoadGrowthRatePercent: 21}, "Monitor growth rate - scaling may be needed soon"},
		{"boundaries", model.CapacityMetrics{CurrentLoadPercent: 90, PredictedPeakLoadPercent: 85, LoadGrowthRatePercent: 20}, "Current capacity adequate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScalingRecommendation(tt.c))
		})
	}
}

func TestPerformanceScore(t *testing.T) {
	healthy := model.SystemOverview{AvgResponseTimeMs: 50, OverallSuccessRate: 1, CPUUsagePercent: 10, MemoryUsageMB: 100}
	assert.Equal(t, 100.0, PerformanceScore(healthy))

	degraded := model.SystemOverview{AvgResponseTimeMs: 300, OverallSuccessRate: 0.85, CPUUsagePercent: 100, MemoryUsageMB: 3000}
	assert.InDelta(t, 30, PerformanceScore(degraded), 1e-9)

	broken := model.SystemOverview{AvgResponseTimeMs: 100, OverallSuccessRate: 0}
	assert.Equal(t, 0.0, PerformanceScore(broken))
}

func TestActionQueueOrdering(t *testing.T) {
	q := &actionQueue{}
	q.add(6, "perf")
	q.add(9, "reliability")
	q.add(8, "capacity")
	q.add(9, "second nine")

	want := []model.PrioritizedAction{
		{Priority: 9, Action: "reliability"},
		{Priority: 9, Action: "second nine"},
		{Priority: 8, Action: "capacity"},
		{Priority: 6, Action: "perf"},
	}
	assert.Equal(t, want, q.sorted())
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, want, q.sorted())
}

func TestGenerateOptimizationReport(t *testing.T) {
	tr := &fakeTracker{
		snapshots: []model.PerformanceSnapshot{
			{PluginName: "gzip", TotalRequests: 10, RequestsPerSecond: 95, SuccessRate: 0.5},
		},
		suggestions: map[string][]model.OptimizationSuggestion{
			"gzip": {
				{Type: model.SuggestionPerformance, PluginName: "gzip", Recommendation: "Consider optimizing algorithm or reducing complexity", Priority: 10},
				{Type: model.SuggestionEfficiency, PluginName: "gzip", Recommendation: "Optimize caching and reduce I/O operations", Priority: 3},
			},
		},
	}
	m := newTestMonitor(fakeRT{mean: 500}, tr, nil, DefaultConfig())

	r := m.GenerateOptimizationReport(t.Context())
	assert.Equal(t, epoch, r.GeneratedAt)
	assert.Len(t, r.Suggestions, 2)
	assert.True(t, r.CapacityInsights.ScalingRecommended)
	assert.Equal(t, 0.0, r.OverallPerformanceScore)

	require.Len(t, r.PrioritizedActions, 4)
	assert.Equal(t, model.PrioritizedAction{Priority: 10, Action: "gzip: Consider optimizing algorithm or reducing complexity"}, r.PrioritizedActions[0])
	assert.Equal(t, model.PrioritizedAction{Priority: 9, Action: "Address reliability issues causing failures"}, r.PrioritizedActions[1])
	assert.Equal(t, model.PrioritizedAction{Priority: 8, Action: "Immediate scaling required - system at capacity limit"}, r.PrioritizedActions[2])
	assert.Equal(t, model.PrioritizedAction{Priority: 6, Action: "Investigate performance bottlenecks in slow plugins"}, r.PrioritizedActions[3])
}

func TestGenerateOptimizationReportHealthy(t *testing.T) {
	tr := &fakeTracker{snapshots: []model.PerformanceSnapshot{
		{PluginName: "gzip", TotalRequests: 10, RequestsPerSecond: 5, SuccessRate: 1},
	}}
	m := newTestMonitor(fakeRT{mean: 40}, tr, nil, DefaultConfig())

	r := m.GenerateOptimizationReport(t.Context())
	assert.Equal(t, 100.0, r.OverallPerformanceScore)
	assert.Empty(t, r.Suggestions)
	assert.Empty(t, r.PrioritizedActions)
}

func TestTickForwardsAlertsAndCaches(t *testing.T) {
	alert := model.RealTimeAlert{Severity: model.SeverityWarning, PluginName: "gzip", MetricName: model.AlertMetricThroughput, Timestamp: epoch}
	tr := &fakeTracker{pending: []model.RealTimeAlert{alert}}
	m := newTestMonitor(nil, tr, nil, DefaultConfig())

	var got []model.RealTimeAlert
	m.RegisterAlertCallback(func(a model.RealTimeAlert) { got = append(got, a) })

	m.tick(t.Context())
	assert.Equal(t, []model.RealTimeAlert{alert}, got)
	assert.Len(t, m.History(), 1)

	c, ok := m.LastCapacity()
	require.True(t, ok)
	assert.Equal(t, epoch, c.Timestamp)
	_, ok = m.LastReport()
	assert.True(t, ok)

	m.UnregisterAlertCallback()
	tr.pending = []model.RealTimeAlert{alert}
	m.tick(t.Context())
	assert.Len(t, got, 1)
}

func TestTickRespectsIntervals(t *testing.T) {
	m := newTestMonitor(nil, nil, nil, DefaultConfig())
	m.tick(t.Context())
	first, ok := m.LastCapacity()
	require.True(t, ok)

	m.now = func() time.Time { return epoch.Add(time.Minute) }
	m.tick(t.Context())
	again, _ := m.LastCapacity()
	assert.Equal(t, first.Timestamp, again.Timestamp)

	m.now = func() time.Time { return epoch.Add(61 * time.Minute) }
	m.tick(t.Context())
	later, _ := m.LastCapacity()
	assert.Equal(t, epoch.Add(61*time.Minute), later.Timestamp)
}

func TestTickSkipsDisabledAnalyses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCapacityPlanning = false
	cfg.EnableOptimizationAnalysis = false
	m := newTestMonitor(nil, nil, nil, cfg)
	m.tick(t.Context())

	_, ok := m.LastCapacity()
	assert.False(t, ok)
	_, ok = m.LastReport()
	assert.False(t, ok)
}

func TestCapacityMetricsUsesCache(t *testing.T) {
	m := newTestMonitor(nil, nil, nil, DefaultConfig())
	fresh := m.CapacityMetrics(t.Context())
	assert.Equal(t, epoch, fresh.Timestamp)

	m.tick(t.Context())
	m.now = func() time.Time { return epoch.Add(time.Minute) }
	assert.Equal(t, epoch, m.CapacityMetrics(t.Context()).Timestamp)
}

func TestLoopSurvivesPanics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsCollectionInterval = 10 * time.Millisecond
	tr := &fakeTracker{panics: true}
	m := New(nil, tr, nil, cfg)

	m.Start()
	m.Start()
	assert.True(t, m.IsRunning())
	require.Eventually(t, func() bool { return len(m.History()) >= 3 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.IsRunning())
	n := len(m.History())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(m.History()))
	m.Stop()
}

func TestConfigDefaults(t *testing.T) {
	m := New(nil, nil, nil, Config{})
	cfg := m.Config()
	assert.Equal(t, 30*time.Second, cfg.MetricsCollectionInterval)
	assert.Equal(t, time.Hour, cfg.CapacityAnalysisInterval)
	assert.Equal(t, 24*time.Hour, cfg.OptimizationReportInterval)
	assert.Equal(t, 10000, cfg.MaxHistoricalDataPoints)
	assert.Equal(t, 100.0, cfg.CapacityRPS)
	assert.False(t, cfg.EnableCapacityPlanning)
}
