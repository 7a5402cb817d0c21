// Package tsdb defines the time-series storage abstraction used by the
// metrics pipeline, the backend-neutral query builder, the async write
// path shared by every backend and the backend registry.
package tsdb

import (
	"context"
	"errors"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
)

var (
	// ErrUnknownBackend is returned by New for an unregistered backend name.
	ErrUnknownBackend = errors.New("tsdb: unknown backend")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("tsdb: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("tsdb: closed")
)

// DefaultAggregations is used when QueryAggregations gets no names.
var DefaultAggregations = []string{"mean", "count"}

// WriteCallback receives the outcome of an async write.
type WriteCallback func(ok bool)

// Status is the observable state of a backend.
type Status struct {
	Backend         string         `json:"backend"`
	Connected       bool           `json:"connected"`
	LastQueryTimeMs float64        `json:"last_query_time_ms"`
	PendingAsync    int            `json:"pending_async_writes"`
	Details         map[string]any `json:"details,omitempty"`
}

// Writer is the write half of a backend.
type Writer interface {
	WriteMetrics(ctx context.Context, points []model.MetricPoint) error
	WriteEvents(ctx context.Context, events []model.ProcessingEvent) error
}

// Querier is the read half of a backend.
type Querier interface {
	QueryMetrics(ctx context.Context, q *QueryBuilder) ([]model.MetricPoint, error)
	QueryEvents(ctx context.Context, q *QueryBuilder) ([]model.ProcessingEvent, error)
	QueryAggregations(ctx context.Context, q *QueryBuilder, aggregations ...string) ([]model.MetricStatistics, error)
}

// TimeSeriesDB is the storage contract every backend implements. Backends
// that lack databases, retention policies or continuous queries implement
// those calls as bookkeeping or no-ops.
type TimeSeriesDB interface {
	Writer
	Querier
	model.MetricSink

	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Ping(ctx context.Context) error

	CreateDatabase(ctx context.Context, name string) error
	DropDatabase(ctx context.Context, name string) error
	ListDatabases(ctx context.Context) ([]string, error)

	// Async writes enqueue and return immediately. cb may be nil.
	WriteMetricsAsync(points []model.MetricPoint, cb WriteCallback)
	WriteEventsAsync(events []model.ProcessingEvent, cb WriteCallback)

	CreateRetentionPolicy(ctx context.Context, name string, duration time.Duration, replication int, isDefault bool) error
	DropRetentionPolicy(ctx context.Context, name string) error
	ListRetentionPolicies(ctx context.Context) ([]string, error)

	CreateContinuousQuery(ctx context.Context, name, query string) error
	DropContinuousQuery(ctx context.Context, name string) error
	ListContinuousQueries(ctx context.Context) ([]string, error)

	Config() Config
	Status() Status
	QueryPerformanceMs() float64

	// Close drains pending async writes and releases resources.
	Close() error
}
