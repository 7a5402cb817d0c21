// Package monitor runs the system-level polling loop: it builds overviews
// from real-time statistics and plugin snapshots, keeps a bounded history,
// forwards tracker alerts and periodically produces capacity analyses and
// optimization reports.
package monitor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/model"
)

var log = logrus.WithField("component", "monitor")

// RealTimeSource provides rolling-window statistics by metric name.
type RealTimeSource interface {
	RealTimeStats(names ...string) []model.MetricStatistics
}

// PluginTracker is the part of *tracker.Tracker the monitor uses.
type PluginTracker interface {
	Plugins() []string
	AllSnapshots(ctx context.Context, start, end time.Time) []model.PerformanceSnapshot
	AnalyzeForOptimizations(ctx context.Context, plugin string) []model.OptimizationSuggestion
	CheckForAlerts(ctx context.Context) []model.RealTimeAlert
	RecentAlerts() []model.RealTimeAlert
}

// AlertCallback receives alerts raised during a monitoring tick.
type AlertCallback func(model.RealTimeAlert)

// Config holds the monitor's switches and intervals.
type Config struct {
	EnableSystemMonitoring     bool          `mapstructure:"enable_system_monitoring"`
	EnableCapacityPlanning     bool          `mapstructure:"enable_capacity_planning"`
	EnableOptimizationAnalysis bool          `mapstructure:"enable_optimization_analysis"`
	MetricsCollectionInterval  time.Duration `mapstructure:"metrics_collection_interval"`
	CapacityAnalysisInterval   time.Duration `mapstructure:"capacity_analysis_interval"`
	OptimizationReportInterval time.Duration `mapstructure:"optimization_report_interval"`
	MaxHistoricalDataPoints    int           `mapstructure:"max_historical_data_points"`
	// CapacityRPS is the request rate that counts as 100% load.
	CapacityRPS    float64       `mapstructure:"capacity_rps"`
	SnapshotWindow time.Duration `mapstructure:"snapshot_window"`
}

func DefaultConfig() Config {
	return Config{
		EnableSystemMonitoring:     true,
		EnableCapacityPlanning:     true,
		EnableOptimizationAnalysis: true,
		MetricsCollectionInterval:  30 * time.Second,
		CapacityAnalysisInterval:   60 * time.Minute,
		OptimizationReportInterval: 24 * time.Hour,
		MaxHistoricalDataPoints:    10000,
		CapacityRPS:                100,
		SnapshotWindow:             30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MetricsCollectionInterval <= 0 {
		c.MetricsCollectionInterval = d.MetricsCollectionInterval
	}
	if c.CapacityAnalysisInterval <= 0 {
		c.CapacityAnalysisInterval = d.CapacityAnalysisInterval
	}
	if c.OptimizationReportInterval <= 0 {
		c.OptimizationReportInterval = d.OptimizationReportInterval
	}
	if c.MaxHistoricalDataPoints <= 0 {
		c.MaxHistoricalDataPoints = d.MaxHistoricalDataPoints
	}
	if c.CapacityRPS <= 0 {
		c.CapacityRPS = d.CapacityRPS
	}
	if c.SnapshotWindow <= 0 {
		c.SnapshotWindow = d.SnapshotWindow
	}
	return c
}

// Monitor is safe for concurrent use.
type Monitor struct {
	rt      RealTimeSource
	tracker PluginTracker
	sampler model.ResourceSampler
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	cbMu     sync.RWMutex
	callback AlertCallback

	histMu  sync.RWMutex
	history []model.SystemOverview

	cacheMu      sync.RWMutex
	lastCapacity *model.CapacityMetrics
	lastReport   *model.OptimizationReport
	capacityAt   time.Time
	reportAt     time.Time

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor. tracker and sampler may be nil; the matching
// overview fields then stay zero.
func New(rt RealTimeSource, tracker PluginTracker, sampler model.ResourceSampler, cfg Config) *Monitor {
	return &Monitor{
		rt:      rt,
		tracker: tracker,
		sampler: sampler,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
}

func (m *Monitor) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// UpdateConfig takes effect from the next tick. A smaller history cap
// trims the oldest overviews immediately.
func (m *Monitor) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	m.histMu.Lock()
	if n := len(m.history) - cfg.MaxHistoricalDataPoints; n > 0 {
		m.history = slices.Clone(m.history[n:])
	}
	m.histMu.Unlock()
}

func (m *Monitor) RegisterAlertCallback(fn AlertCallback) {
	m.cbMu.Lock()
	m.callback = fn
	m.cbMu.Unlock()
}

func (m *Monitor) UnregisterAlertCallback() { m.RegisterAlertCallback(nil) }

// Overview reports the current state of the system.
func (m *Monitor) Overview(ctx context.Context) model.SystemOverview {
	cfg := m.Config()
	now := m.now()
	o := model.SystemOverview{Timestamp: now, OverallSuccessRate: 1}

	if m.rt != nil {
		for _, st := range m.rt.RealTimeStats(model.MetricPluginProcessingTime) {
			o.AvgResponseTimeMs = st.Mean
			o.P95ResponseTimeMs = st.P95
			o.P99ResponseTimeMs = st.P99
		}
	}

	if m.tracker != nil {
		o.PluginSnapshots = m.tracker.AllSnapshots(ctx, now.Add(-cfg.SnapshotWindow), now)
		var requests, successes float64
		for _, s := range o.PluginSnapshots {
			if s.TotalRequests == 0 {
				continue
			}
			o.ActivePluginCount++
			o.TotalRequestsPerSecond += s.RequestsPerSecond
			o.SuccessfulRequestsPerSecond += s.RequestsPerSecond * s.SuccessRate
			requests += float64(s.TotalRequests)
			successes += float64(s.TotalRequests) * s.SuccessRate
		}
		o.FailedRequestsPerSecond = o.TotalRequestsPerSecond - o.SuccessfulRequestsPerSecond
		if requests > 0 {
			o.OverallSuccessRate = successes / requests
		}

		cutoff := now.Add(-cfg.SnapshotWindow)
		for _, a := range m.tracker.RecentAlerts() {
			if !a.Timestamp.Before(cutoff) {
				o.ActiveAlerts = append(o.ActiveAlerts, a)
			}
		}
	}

	if m.sampler != nil && cfg.EnableSystemMonitoring {
		r, err := m.sampler.Sample(ctx)
		if err != nil {
			log.WithError(err).Debug("monitor: sampling resources")
		}
		o.CPUUsagePercent = r.CPUPercent
		o.MemoryUsageMB = r.MemoryMB
		o.DiskIORateMBPerSec = r.DiskMBPerSec
		o.NetworkIORateMBPerSec = r.NetworkMBPerSec
	}
	return o
}

func (m *Monitor) appendHistory(o model.SystemOverview) {
	limit := m.Config().MaxHistoricalDataPoints
	m.histMu.Lock()
	defer m.histMu.Unlock()
	m.history = append(m.history, o)
	if n := len(m.history) - limit; n > 0 {
		m.history = slices.Delete(m.history, 0, n)
	}
}

// History returns every retained overview, oldest first.
func (m *Monitor) History() []model.SystemOverview {
	m.histMu.RLock()
	defer m.histMu.RUnlock()
	return slices.Clone(m.history)
}

// HistoricalOverview samples retained overviews within [start, end],
// keeping at most one per interval. A non-positive interval keeps all.
func (m *Monitor) HistoricalOverview(start, end time.Time, interval time.Duration) []model.SystemOverview {
	m.histMu.RLock()
	defer m.histMu.RUnlock()
	var out []model.SystemOverview
	var last time.Time
	for _, o := range m.history {
		if o.Timestamp.Before(start) || o.Timestamp.After(end) {
			continue
		}
		if len(out) > 0 && interval > 0 && o.Timestamp.Sub(last) < interval {
			continue
		}
		out = append(out, o)
		last = o.Timestamp
	}
	return out
}

// LastCapacity returns the most recent capacity analysis made by the loop.
func (m *Monitor) LastCapacity() (model.CapacityMetrics, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	if m.lastCapacity == nil {
		return model.CapacityMetrics{}, false
	}
	return *m.lastCapacity, true
}

// LastReport returns the most recent report made by the loop.
func (m *Monitor) LastReport() (model.OptimizationReport, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	if m.lastReport == nil {
		return model.OptimizationReport{}, false
	}
	return *m.lastReport, true
}

// IsRunning reports whether the loop is active.
func (m *Monitor) IsRunning() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	return m.cancel != nil
}

// Start launches the monitoring loop. The first tick runs immediately.
func (m *Monitor) Start() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	log.Infof("monitor: started (interval %s)", m.Config().MetricsCollectionInterval)
}

// Stop ends the loop and waits for the current tick to finish.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	log.Info("monitor: stopped")
}

func (m *Monitor) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	interval := m.Config().MetricsCollectionInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.safeTick(ctx)
		if next := m.Config().MetricsCollectionInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// safeTick runs one tick, logging instead of propagating a panic.
func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.WithError(fmt.Errorf("%v", r)).Error("monitor: tick panicked")
		}
	}()
	m.tick(ctx)
}

func (m *Monitor) tick(ctx context.Context) {
	cfg := m.Config()
	m.appendHistory(m.Overview(ctx))

	if m.tracker != nil {
		m.cbMu.RLock()
		cb := m.callback
		m.cbMu.RUnlock()
		for _, a := range m.tracker.CheckForAlerts(ctx) {
			if cb != nil {
				cb(a)
			}
		}
	}

	now := m.now()
	if cfg.EnableCapacityPlanning && m.due(&m.capacityAt, now, cfg.CapacityAnalysisInterval) {
		c := m.AnalyzeCapacity(ctx)
		m.cacheMu.Lock()
		m.lastCapacity = &c
		m.cacheMu.Unlock()
	}
	if cfg.EnableOptimizationAnalysis && m.due(&m.reportAt, now, cfg.OptimizationReportInterval) {
		r := m.GenerateOptimizationReport(ctx)
		m.cacheMu.Lock()
		m.lastReport = &r
		m.cacheMu.Unlock()
		log.Infof("monitor: optimization report generated (score %.1f, %d actions)", r.OverallPerformanceScore, len(r.PrioritizedActions))
	}
}

// due reports whether interval has passed since *at and, if so, moves *at
// to now.
func (m *Monitor) due(at *time.Time, now time.Time, interval time.Duration) bool {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if !at.IsZero() && now.Sub(*at) < interval {
		return false
	}
	*at = now
	return true
}
