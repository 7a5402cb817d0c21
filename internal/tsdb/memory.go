package tsdb

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
)

// MemoryDB is the in-memory backend registered as "mock". It keeps every
// write in unbounded slices and evaluates queries by reading the builder's
// accessors directly.
type MemoryDB struct {
	cfg       Config
	connected atomic.Bool
	async     *AsyncWriter

	mu        sync.RWMutex
	metrics   []model.MetricPoint
	events    []model.ProcessingEvent
	databases []string
	policies  map[string]time.Duration
	cqs       map[string]string
	closed    bool
}

// NewMemoryDB returns an empty in-memory backend.
func NewMemoryDB(cfg Config) *MemoryDB {
	m := &MemoryDB{
		cfg:      cfg.withDefaults(),
		policies: map[string]time.Duration{},
		cqs:      map[string]string{},
	}
	m.async = NewAsyncWriter(m, m.cfg)
	return m
}

func (m *MemoryDB) Connect(context.Context) error {
	m.connected.Store(true)
	return nil
}

func (m *MemoryDB) Disconnect() error {
	m.connected.Store(false)
	return nil
}

func (m *MemoryDB) IsConnected() bool { return m.connected.Load() }

func (m *MemoryDB) Ping(context.Context) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

func (m *MemoryDB) CreateDatabase(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.databases, name) {
		m.databases = append(m.databases, name)
	}
	return nil
}

func (m *MemoryDB) DropDatabase(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.databases = slices.DeleteFunc(m.databases, func(d string) bool { return d == name })
	return nil
}

func (m *MemoryDB) ListDatabases(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.databases), nil
}

func (m *MemoryDB) WriteMetrics(_ context.Context, points []model.MetricPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.metrics = append(m.metrics, points...)
	return nil
}

func (m *MemoryDB) WriteEvents(_ context.Context, events []model.ProcessingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *MemoryDB) StoreMetrics(ctx context.Context, points []model.MetricPoint) error {
	return m.WriteMetrics(ctx, points)
}

func (m *MemoryDB) StoreEvents(ctx context.Context, events []model.ProcessingEvent) error {
	return m.WriteEvents(ctx, events)
}

func (m *MemoryDB) WriteMetricsAsync(points []model.MetricPoint, cb WriteCallback) {
	m.async.SubmitMetrics(points, cb)
}

func (m *MemoryDB) WriteEventsAsync(events []model.ProcessingEvent, cb WriteCallback) {
	m.async.SubmitEvents(events, cb)
}

// QueryMetrics filters by measurement name, time range and exact tag match.
// Results keep insertion order unless the builder sets an ordering.
func (m *MemoryDB) QueryMetrics(_ context.Context, q *QueryBuilder) ([]model.MetricPoint, error) {
	m.mu.RLock()
	var out []model.MetricPoint
	for _, p := range m.metrics {
		if p.Name == q.Measurement() && q.Matches(p.Timestamp, p.Tags) {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()

	if _, dir := q.Order(); dir != "" {
		sortByTime(out, func(p model.MetricPoint) time.Time { return p.Timestamp }, dir)
	}
	return applyLimit(q, out), nil
}

// QueryEvents filters by time range and by the event's plugin, provider,
// model and format tags.
func (m *MemoryDB) QueryEvents(_ context.Context, q *QueryBuilder) ([]model.ProcessingEvent, error) {
	m.mu.RLock()
	var out []model.ProcessingEvent
	for _, e := range m.events {
		if q.Matches(e.Timestamp, e.Tags()) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	if _, dir := q.Order(); dir != "" {
		sortByTime(out, func(e model.ProcessingEvent) time.Time { return e.Timestamp }, dir)
	}
	return applyLimit(q, out), nil
}

// QueryAggregations summarizes matching metric values, one result per
// distinct combination of group-by tag values.
func (m *MemoryDB) QueryAggregations(ctx context.Context, q *QueryBuilder, _ ...string) ([]model.MetricStatistics, error) {
	points, err := m.QueryMetrics(ctx, q)
	if err != nil {
		return nil, err
	}
	return Summarize(q, points), nil
}

func (m *MemoryDB) CreateRetentionPolicy(_ context.Context, name string, d time.Duration, _ int, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[name] = d
	return nil
}

func (m *MemoryDB) DropRetentionPolicy(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.policies, name)
	return nil
}

func (m *MemoryDB) ListRetentionPolicies(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.policies)), nil
}

func (m *MemoryDB) CreateContinuousQuery(_ context.Context, name, query string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cqs[name] = query
	return nil
}

func (m *MemoryDB) DropContinuousQuery(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cqs, name)
	return nil
}

func (m *MemoryDB) ListContinuousQueries(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.cqs)), nil
}

// DeleteBefore removes metrics and events older than cutoff.
func (m *MemoryDB) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.metrics) + len(m.events)
	m.metrics = slices.DeleteFunc(m.metrics, func(p model.MetricPoint) bool { return p.Timestamp.Before(cutoff) })
	m.events = slices.DeleteFunc(m.events, func(e model.ProcessingEvent) bool { return e.Timestamp.Before(cutoff) })
	return int64(before - len(m.metrics) - len(m.events)), nil
}

func (m *MemoryDB) Config() Config { return m.cfg }

func (m *MemoryDB) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Backend:         BackendMock,
		Connected:       m.connected.Load(),
		LastQueryTimeMs: m.QueryPerformanceMs(),
		PendingAsync:    m.async.Pending(),
		Details: map[string]any{
			"metrics_count": len(m.metrics),
			"events_count":  len(m.events),
			"databases":     slices.Clone(m.databases),
		},
	}
}

// QueryPerformanceMs reports a fixed nominal latency.
func (m *MemoryDB) QueryPerformanceMs() float64 { return 0.1 }

// Metrics returns a copy of every stored point.
func (m *MemoryDB) Metrics() []model.MetricPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.metrics)
}

// Events returns a copy of every stored event.
func (m *MemoryDB) Events() []model.ProcessingEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.events)
}

// Clear drops all stored metrics and events.
func (m *MemoryDB) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = nil
	m.events = nil
}

func (m *MemoryDB) Close() error {
	m.async.Close()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.connected.Store(false)
	return nil
}

func sortByTime[T any](items []T, ts func(T) time.Time, dir string) {
	sort.SliceStable(items, func(i, j int) bool {
		if dir == "asc" {
			return ts(items[i]).Before(ts(items[j]))
		}
		return ts(items[i]).After(ts(items[j]))
	})
}

func applyLimit[T any](q *QueryBuilder, items []T) []T {
	if n, ok := q.LimitCount(); ok && n >= 0 && len(items) > n {
		return items[:n]
	}
	return items
}
