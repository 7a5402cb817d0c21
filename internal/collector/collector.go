// Package collector buffers metric points and processing events in bounded
// drop-oldest queues, keeps per-name rolling windows for real-time
// statistics, and drains both queues to a sink from one background worker.
package collector

import (
	"context"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/stats"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

var log = logrus.WithField("component", "collector")

// Config holds the collector's tunables.
type Config struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	SamplingRate    float64       `mapstructure:"sampling_rate"`
	EnableRealTime  bool          `mapstructure:"enable_real_time"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	WindowSize      int           `mapstructure:"window_size"`
}

// DefaultConfig returns the stock configuration. EnableRealTime starts
// collection at construction.
func DefaultConfig() Config {
	return Config{
		BufferSize:      10000,
		FlushInterval:   100 * time.Millisecond,
		SamplingRate:    1.0,
		EnableRealTime:  true,
		RetentionPeriod: 7 * 24 * time.Hour,
		WindowSize:      1000,
	}
}

// withDefaults fills zero values. A sampling rate outside (0, 1] means
// no sampling.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.SamplingRate <= 0 || c.SamplingRate > 1 {
		c.SamplingRate = d.SamplingRate
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	return c
}

// Status is the observable state of the collector.
type Status struct {
	Collecting           bool    `json:"collecting"`
	BufferSize           int     `json:"buffer_size"`
	FlushIntervalMs      int64   `json:"flush_interval_ms"`
	SamplingRate         float64 `json:"sampling_rate"`
	MetricsBufferSize    int     `json:"metrics_buffer_size"`
	EventsBufferSize     int     `json:"events_buffer_size"`
	RealTimeMetricsCount int     `json:"real_time_metrics_count"`
	DroppedMetrics       uint64  `json:"dropped_metrics"`
	DroppedEvents        uint64  `json:"dropped_events"`
}

type series struct {
	window  *stats.RollingWindow
	typ     model.MetricType
	updated time.Time
}

// Collector is safe for concurrent use. Records are accepted only while
// collecting; anything recorded while stopped is dropped and counted.
type Collector struct {
	sink model.MetricSink
	now  func() time.Time
	draw func() float64

	cfgMu sync.RWMutex
	cfg   Config

	// mu guards both queues.
	mu      sync.Mutex
	metrics *fifo[model.MetricPoint]
	events  *fifo[model.ProcessingEvent]

	// flushMu serializes handoff to the sink so batches stay FIFO.
	flushMu sync.Mutex

	aggMu  sync.RWMutex
	series map[string]*series

	cbMu     sync.RWMutex
	onMetric func(model.MetricPoint)
	onEvent  func(model.ProcessingEvent)

	lifeMu     sync.Mutex
	collecting atomic.Bool
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}

	droppedMetrics atomic.Uint64
	droppedEvents  atomic.Uint64

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// New creates a collector draining into sink. A nil sink discards drained
// data. Collection starts immediately when cfg.EnableRealTime is set.
func New(sink model.MetricSink, cfg Config) *Collector {
	cfg = cfg.withDefaults()
	c := &Collector{
		sink:    sink,
		now:     time.Now,
		draw:    rand.Float64,
		cfg:     cfg,
		metrics: newFIFO[model.MetricPoint](cfg.BufferSize),
		events:  newFIFO[model.ProcessingEvent](cfg.BufferSize),
		series:  map[string]*series{},
		wake:    make(chan struct{}, 1),
	}
	if cfg.EnableRealTime {
		c.Start()
	}
	return c
}

func (c *Collector) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Config returns the active configuration.
func (c *Collector) Config() Config { return c.config() }

// Sink returns the configured sink.
func (c *Collector) Sink() model.MetricSink { return c.sink }

// UpdateConfig applies new buffer, sampling, interval and window settings.
// Shrinking the buffers evicts the oldest entries.
func (c *Collector) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()

	c.mu.Lock()
	droppedM := c.metrics.resize(cfg.BufferSize)
	droppedE := c.events.resize(cfg.BufferSize)
	c.mu.Unlock()
	c.droppedMetrics.Add(uint64(droppedM))
	c.droppedEvents.Add(uint64(droppedE))

	c.aggMu.Lock()
	for _, s := range c.series {
		s.window.Resize(cfg.WindowSize)
	}
	c.aggMu.Unlock()
	log.Debugf("collector: config updated (buffer=%d interval=%s sampling=%.3f)", cfg.BufferSize, cfg.FlushInterval, cfg.SamplingRate)
}

func (c *Collector) point(name string, typ model.MetricType, value float64, tags map[string]string) model.MetricPoint {
	return model.MetricPoint{
		Name:      name,
		Type:      typ,
		Value:     value,
		Timestamp: c.now().Truncate(time.Millisecond),
		Tags:      maps.Clone(tags),
	}
}

// RecordCounter records a counter increment, subject to sampling.
func (c *Collector) RecordCounter(name string, value float64, tags map[string]string) {
	if rate := c.config().SamplingRate; rate < 1 && c.draw() > rate {
		return
	}
	c.RecordEvent(c.point(name, model.Counter, value, tags))
}

func (c *Collector) RecordGauge(name string, value float64, tags map[string]string) {
	c.RecordEvent(c.point(name, model.Gauge, value, tags))
}

func (c *Collector) RecordHistogram(name string, value float64, tags map[string]string) {
	c.RecordEvent(c.point(name, model.Histogram, value, tags))
}

// RecordTimer records d in milliseconds.
func (c *Collector) RecordTimer(name string, d time.Duration, tags map[string]string) {
	ms := float64(d) / float64(time.Millisecond)
	c.RecordEvent(c.point(name, model.Timer, ms, tags))
}

// RecordEvent enqueues an already built point without sampling.
func (c *Collector) RecordEvent(p model.MetricPoint) {
	if !c.collecting.Load() {
		c.droppedMetrics.Add(1)
		return
	}

	c.mu.Lock()
	evicted := c.metrics.push(p)
	c.mu.Unlock()
	if evicted {
		c.droppedMetrics.Add(1)
		c.logBackpressure()
	}
	c.signal()

	c.aggregate(p)

	c.cbMu.RLock()
	cb := c.onMetric
	c.cbMu.RUnlock()
	if cb != nil {
		cb(p)
	}
}

// RecordProcessingEvent enqueues a plugin processing event.
func (c *Collector) RecordProcessingEvent(e model.ProcessingEvent) {
	if !c.collecting.Load() {
		c.droppedEvents.Add(1)
		return
	}

	c.mu.Lock()
	evicted := c.events.push(e)
	c.mu.Unlock()
	if evicted {
		c.droppedEvents.Add(1)
		c.logBackpressure()
	}
	c.signal()

	c.cbMu.RLock()
	cb := c.onEvent
	c.cbMu.RUnlock()
	if cb != nil {
		cb(e)
	}
}

func (c *Collector) RecordBatch(points []model.MetricPoint) {
	for _, p := range points {
		c.RecordEvent(p)
	}
}

func (c *Collector) RecordProcessingBatch(events []model.ProcessingEvent) {
	for _, e := range events {
		c.RecordProcessingEvent(e)
	}
}

// SetMetricCallback registers fn to observe every accepted point. nil
// clears it.
func (c *Collector) SetMetricCallback(fn func(model.MetricPoint)) {
	c.cbMu.Lock()
	c.onMetric = fn
	c.cbMu.Unlock()
}

// SetEventCallback registers fn to observe every accepted event.
func (c *Collector) SetEventCallback(fn func(model.ProcessingEvent)) {
	c.cbMu.Lock()
	c.onEvent = fn
	c.cbMu.Unlock()
}

func (c *Collector) aggregate(p model.MetricPoint) {
	size := c.config().WindowSize
	c.aggMu.Lock()
	defer c.aggMu.Unlock()
	s, ok := c.series[p.Name]
	if !ok {
		s = &series{window: stats.NewRollingWindow(size)}
		c.series[p.Name] = s
	}
	s.window.Add(p.Value)
	s.typ = p.Type
	s.updated = p.Timestamp
}

// RealTimeStats summarizes the rolling window of each named metric. Names
// with no recorded values are omitted.
func (c *Collector) RealTimeStats(names ...string) []model.MetricStatistics {
	c.aggMu.RLock()
	defer c.aggMu.RUnlock()
	var out []model.MetricStatistics
	for _, name := range names {
		s, ok := c.series[name]
		if !ok || s.window.Len() == 0 {
			continue
		}
		out = append(out, stats.Summarize(name, s.typ, s.window.Values()))
	}
	return out
}

// MetricNames lists every name with a real-time window, sorted.
func (c *Collector) MetricNames() []string {
	c.aggMu.RLock()
	defer c.aggMu.RUnlock()
	return slices.Sorted(maps.Keys(c.series))
}

// LastUpdate returns the timestamp of the most recent value for name.
func (c *Collector) LastUpdate(name string) (time.Time, bool) {
	c.aggMu.RLock()
	defer c.aggMu.RUnlock()
	s, ok := c.series[name]
	if !ok {
		return time.Time{}, false
	}
	return s.updated, true
}

// IsCollecting reports whether records are being accepted.
func (c *Collector) IsCollecting() bool { return c.collecting.Load() }

// Start launches the flush worker. It is a no-op while already collecting.
func (c *Collector) Start() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.collecting.Load() {
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.collecting.Store(true)
	go c.run(c.stop, c.done)
	log.Debug("collector: started")
}

// Stop stops accepting records, waits for the worker to drain what is
// buffered and exit. It is safe to call more than once.
func (c *Collector) Stop() {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if !c.collecting.Load() {
		return
	}
	c.collecting.Store(false)
	close(c.stop)
	<-c.done
	log.Debug("collector: stopped")
}

func (c *Collector) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run waits up to one flush interval, or until woken by a record or a stop
// request, then hands one batch per queue to the sink.
func (c *Collector) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(c.config().FlushInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			c.Flush()
			return
		case <-c.wake:
		case <-timer.C:
		}
		c.drainOnce()
		timer.Reset(c.config().FlushInterval)
	}
}

// drainOnce moves up to BufferSize entries from each queue to the sink and
// reports whether anything was drained.
func (c *Collector) drainOnce() bool {
	limit := c.config().BufferSize

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	points := c.metrics.take(limit)
	events := c.events.take(limit)
	c.mu.Unlock()

	if len(points) == 0 && len(events) == 0 {
		return false
	}
	c.store(points, events)
	return true
}

// Flush synchronously drains everything buffered into the sink.
func (c *Collector) Flush() {
	for c.drainOnce() {
	}
}

func (c *Collector) store(points []model.MetricPoint, events []model.ProcessingEvent) {
	if c.sink == nil {
		return
	}
	ctx := context.Background()
	if len(points) > 0 {
		if err := c.sink.StoreMetrics(ctx, points); err != nil {
			log.WithError(err).Warnf("collector: storing %d metrics", len(points))
		}
	}
	if len(events) > 0 {
		if err := c.sink.StoreEvents(ctx, events); err != nil {
			log.WithError(err).Warnf("collector: storing %d events", len(events))
		}
	}
}

// logBackpressure emits a throttled warning (at most once per 10 seconds)
// when buffered entries are being evicted.
func (c *Collector) logBackpressure() {
	count := c.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := c.lastBPLog.Load()
	if now-last >= 10 && c.lastBPLog.CompareAndSwap(last, now) {
		log.Warnf("collector: buffer full, %d entries evicted (sink falling behind)", count)
	}
}

// Status reports configuration and buffer occupancy.
func (c *Collector) Status() Status {
	cfg := c.config()
	c.mu.Lock()
	metrics, events := c.metrics.len(), c.events.len()
	c.mu.Unlock()
	c.aggMu.RLock()
	tracked := len(c.series)
	c.aggMu.RUnlock()

	return Status{
		Collecting:           c.collecting.Load(),
		BufferSize:           cfg.BufferSize,
		FlushIntervalMs:      cfg.FlushInterval.Milliseconds(),
		SamplingRate:         cfg.SamplingRate,
		MetricsBufferSize:    metrics,
		EventsBufferSize:     events,
		RealTimeMetricsCount: tracked,
		DroppedMetrics:       c.droppedMetrics.Load(),
		DroppedEvents:        c.droppedEvents.Load(),
	}
}

// QueryMetrics reads stored points from the sink when it supports
// queries, flushing buffered data first so every accepted record is
// visible. A sink without queries yields no results.
func (c *Collector) QueryMetrics(ctx context.Context, name string, start, end time.Time, tags map[string]string) ([]model.MetricPoint, error) {
	q, ok := c.sink.(tsdb.Querier)
	if !ok {
		return nil, nil
	}
	c.Flush()
	return q.QueryMetrics(ctx, tsdb.NewQuery(name).TimeRange(start, end).Tags(tags))
}

// QueryEvents reads stored processing events, flushing first.
func (c *Collector) QueryEvents(ctx context.Context, start, end time.Time, tags map[string]string) ([]model.ProcessingEvent, error) {
	q, ok := c.sink.(tsdb.Querier)
	if !ok {
		return nil, nil
	}
	c.Flush()
	return q.QueryEvents(ctx, tsdb.NewQuery(model.EventsMeasurement).TimeRange(start, end).Tags(tags))
}

// Statistics summarizes stored values of name over a window.
func (c *Collector) Statistics(ctx context.Context, name string, start, end time.Time, tags map[string]string) (model.MetricStatistics, error) {
	points, err := c.QueryMetrics(ctx, name, start, end, tags)
	if err != nil {
		return model.MetricStatistics{Name: name}, err
	}
	values := make([]float64, len(points))
	typ := model.Gauge
	for i, p := range points {
		values[i] = p.Value
		typ = p.Type
	}
	return stats.Summarize(name, typ, values), nil
}

// ClearOldData prunes stored data older than the retention period when the
// sink supports it.
func (c *Collector) ClearOldData(ctx context.Context) (int64, error) {
	p, ok := c.sink.(model.Pruner)
	if !ok {
		return 0, nil
	}
	cutoff := c.now().Add(-c.config().RetentionPeriod)
	n, err := p.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("collector: pruned %d records older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

var _ model.MetricRecorder = (*Collector)(nil)
