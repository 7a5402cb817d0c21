package duckdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

// BackendName is the factory name of this backend.
const BackendName = "duckdb"

func init() {
	tsdb.Register(BackendName, func(cfg tsdb.Config) (tsdb.TimeSeriesDB, error) {
		return NewBackend(cfg), nil
	})
}

// Backend adapts a Store to tsdb.TimeSeriesDB. The store is opened on
// Connect; writes connect on demand. cfg.Path selects the database file,
// empty meaning in-memory.
type Backend struct {
	cfg   tsdb.Config
	async *tsdb.AsyncWriter

	mu      sync.RWMutex
	store   *Store
	cleaner *RetentionCleaner

	perfMu          sync.Mutex
	lastQueryTimeMs float64
}

// NewBackend returns an unconnected backend.
func NewBackend(cfg tsdb.Config) *Backend {
	b := &Backend{cfg: cfg}
	b.async = tsdb.NewAsyncWriter(b, cfg)
	return b
}

func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store != nil {
		return nil
	}

	store, err := NewStore(b.cfg.Path, b.cfg.QueryTimeout)
	if err != nil {
		return fmt.Errorf("duckdb connect: %w", err)
	}
	b.store = store

	if p, ok, err := store.DefaultRetentionPolicy(ctx); err != nil {
		log.WithError(err).Warn("duckdb: reading default retention policy")
	} else if ok {
		b.cleaner = NewRetentionCleaner(store, RetentionConfig{Retention: p.Duration})
	}

	where := b.cfg.Path
	if where == "" {
		where = "memory"
	}
	log.Infof("duckdb: opened %s", where)
	return nil
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cleaner != nil {
		b.cleaner.Stop()
		b.cleaner = nil
	}
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	return err
}

func (b *Backend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store != nil
}

func (b *Backend) Ping(ctx context.Context) error {
	s, err := b.connected()
	if err != nil {
		return err
	}
	return s.DB().PingContext(ctx)
}

// connected returns the open store or ErrNotConnected.
func (b *Backend) connected() (*Store, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.store == nil {
		return nil, tsdb.ErrNotConnected
	}
	return b.store, nil
}

// open returns the store, connecting first when needed.
func (b *Backend) open(ctx context.Context) (*Store, error) {
	if s, err := b.connected(); err == nil {
		return s, nil
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b.connected()
}

// Store returns the underlying store, or nil before Connect.
func (b *Backend) Store() *Store {
	s, _ := b.connected()
	return s
}

func (b *Backend) CreateDatabase(ctx context.Context, name string) error {
	s, err := b.open(ctx)
	if err != nil {
		return err
	}
	return s.CreateDatabase(ctx, name)
}

func (b *Backend) DropDatabase(ctx context.Context, name string) error {
	s, err := b.open(ctx)
	if err != nil {
		return err
	}
	return s.DropDatabase(ctx, name)
}

func (b *Backend) ListDatabases(ctx context.Context) ([]string, error) {
	s, err := b.connected()
	if err != nil {
		return nil, err
	}
	return s.ListDatabases(ctx)
}

func (b *Backend) WriteMetrics(ctx context.Context, points []model.MetricPoint) error {
	s, err := b.open(ctx)
	if err != nil {
		return err
	}
	return s.InsertMetrics(ctx, points)
}

func (b *Backend) WriteEvents(ctx context.Context, events []model.ProcessingEvent) error {
	s, err := b.open(ctx)
	if err != nil {
		return err
	}
	return s.InsertEvents(ctx, events)
}

func (b *Backend) StoreMetrics(ctx context.Context, points []model.MetricPoint) error {
	return b.WriteMetrics(ctx, points)
}

func (b *Backend) StoreEvents(ctx context.Context, events []model.ProcessingEvent) error {
	return b.WriteEvents(ctx, events)
}

func (b *Backend) WriteMetricsAsync(points []model.MetricPoint, cb tsdb.WriteCallback) {
	b.async.SubmitMetrics(points, cb)
}

func (b *Backend) WriteEventsAsync(events []model.ProcessingEvent, cb tsdb.WriteCallback) {
	b.async.SubmitEvents(events, cb)
}

func (b *Backend) timed(start time.Time) {
	ms := float64(time.Since(start).Microseconds()) / 1000
	b.perfMu.Lock()
	b.lastQueryTimeMs = ms
	b.perfMu.Unlock()
}

func (b *Backend) QueryMetrics(ctx context.Context, q *tsdb.QueryBuilder) ([]model.MetricPoint, error) {
	s, err := b.connected()
	if err != nil {
		return nil, err
	}
	defer b.timed(time.Now())
	return s.QueryMetrics(ctx, q)
}

func (b *Backend) QueryEvents(ctx context.Context, q *tsdb.QueryBuilder) ([]model.ProcessingEvent, error) {
	s, err := b.connected()
	if err != nil {
		return nil, err
	}
	defer b.timed(time.Now())
	return s.QueryEvents(ctx, q)
}

// QueryAggregations summarizes matching points per group-by combination.
// Every statistic is computed regardless of the names requested.
func (b *Backend) QueryAggregations(ctx context.Context, q *tsdb.QueryBuilder, _ ...string) ([]model.MetricStatistics, error) {
	points, err := b.QueryMetrics(ctx, q)
	if err != nil {
		return nil, err
	}
	return tsdb.Summarize(q, points), nil
}

// CreateRetentionPolicy stores the policy. A default policy (re)starts the
// background cleaner with the new duration.
func (b *Backend) CreateRetentionPolicy(ctx context.Context, name string, d time.Duration, replication int, isDefault bool) error {
	s, err := b.open(ctx)
	if err != nil {
		return err
	}
	if err := s.PutRetentionPolicy(ctx, RetentionPolicy{Name: name, Duration: d, Replication: replication, IsDefault: isDefault}); err != nil {
		return err
	}
	if isDefault {
		b.mu.Lock()
		if b.cleaner != nil {
			b.cleaner.Stop()
		}
		b.cleaner = NewRetentionCleaner(s, RetentionConfig{Retention: d})
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) DropRetentionPolicy(ctx context.Context, name string) error {
	s, err := b.connected()
	if err != nil {
		return err
	}
	return s.DropRetentionPolicy(ctx, name)
}

func (b *Backend) ListRetentionPolicies(ctx context.Context) ([]string, error) {
	s, err := b.connected()
	if err != nil {
		return nil, err
	}
	return s.ListRetentionPolicies(ctx)
}

// CreateContinuousQuery records the query. DuckDB has no server-side
// scheduler, so the definition is stored for listing only.
func (b *Backend) CreateContinuousQuery(ctx context.Context, name, query string) error {
	s, err := b.open(ctx)
	if err != nil {
		return err
	}
	return s.PutContinuousQuery(ctx, name, query)
}

func (b *Backend) DropContinuousQuery(ctx context.Context, name string) error {
	s, err := b.connected()
	if err != nil {
		return err
	}
	return s.DropContinuousQuery(ctx, name)
}

func (b *Backend) ListContinuousQueries(ctx context.Context) ([]string, error) {
	s, err := b.connected()
	if err != nil {
		return nil, err
	}
	return s.ListContinuousQueries(ctx)
}

// DeleteBefore prunes old rows.
func (b *Backend) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s, err := b.connected()
	if err != nil {
		return 0, err
	}
	return s.DeleteBefore(ctx, cutoff)
}

func (b *Backend) Config() tsdb.Config { return b.cfg }

func (b *Backend) Status() tsdb.Status {
	st := tsdb.Status{
		Backend:         BackendName,
		LastQueryTimeMs: b.QueryPerformanceMs(),
		PendingAsync:    b.async.Pending(),
		Details:         map[string]any{"path": b.cfg.Path},
	}
	if s, err := b.connected(); err == nil {
		st.Connected = true
		if m, e, err := s.Counts(context.Background()); err == nil {
			st.Details["metrics_count"] = m
			st.Details["events_count"] = e
		}
		if schema, err := s.Schema(context.Background()); err == nil {
			st.Details["schema_version"] = schema.Applied
		}
	}
	b.mu.RLock()
	if b.cleaner != nil {
		st.Details["retention"] = b.cleaner.Retention().String()
	}
	b.mu.RUnlock()
	return st
}

func (b *Backend) QueryPerformanceMs() float64 {
	b.perfMu.Lock()
	defer b.perfMu.Unlock()
	return b.lastQueryTimeMs
}

func (b *Backend) Close() error {
	b.async.Close()
	return b.Disconnect()
}

var _ tsdb.TimeSeriesDB = (*Backend)(nil)
