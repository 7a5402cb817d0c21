// Package redisdb is a tsdb backend on Redis sorted sets. Each measurement
// is one sorted set scored by epoch milliseconds; members are JSON
// envelopes carrying a unique id so identical points do not collapse.
// Retention is enforced with key expiry plus score-range pruning.
package redisdb

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

var log = logrus.WithField("component", "redisdb")

// BackendName is the factory name of this backend.
const BackendName = "redis"

// DefaultPort is used when the config leaves the port unset.
const DefaultPort = 6379

func init() {
	tsdb.Register(BackendName, func(cfg tsdb.Config) (tsdb.TimeSeriesDB, error) {
		return NewBackend(cfg), nil
	})
}

// Backend implements tsdb.TimeSeriesDB on a go-redis client.
type Backend struct {
	cfg   tsdb.Config
	keys  keyspace
	async *tsdb.AsyncWriter

	mu        sync.RWMutex
	client    *redis.Client
	retention time.Duration

	perfMu          sync.Mutex
	lastQueryTimeMs float64
}

// NewBackend returns an unconnected backend. cfg.Database is the key
// prefix.
func NewBackend(cfg tsdb.Config) *Backend {
	prefix := cfg.Database
	if prefix == "" {
		prefix = "pulse"
	}
	b := &Backend{cfg: cfg, keys: keyspace{prefix: prefix}}
	b.async = tsdb.NewAsyncWriter(b, cfg)
	return b
}

// Addr is the host:port the client dials.
func (b *Backend) Addr() string {
	host := b.cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := b.cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (b *Backend) options() *redis.Options {
	opts := &redis.Options{
		Addr:         b.Addr(),
		Username:     b.cfg.Username,
		Password:     b.cfg.Password,
		DialTimeout:  b.cfg.ConnectionTimeout,
		ReadTimeout:  b.cfg.QueryTimeout,
		WriteTimeout: b.cfg.QueryTimeout,
		MaxRetries:   b.cfg.MaxRetries,
	}
	if b.cfg.EnableSSL {
		opts.TLSConfig = &tls.Config{ServerName: b.cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Connect dials Redis, verifies it with PING and loads the default
// retention policy.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	client := redis.NewClient(b.options())
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis connect %s: %w", b.Addr(), err)
	}

	retention, err := loadDefaultRetention(ctx, client, b.keys)
	if err != nil {
		log.WithError(err).Warn("redis: reading default retention policy")
	}
	b.client = client
	b.retention = retention
	log.Infof("redis: connected to %s (prefix %s)", b.Addr(), b.keys.prefix)
	return nil
}

func (b *Backend) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Backend) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client != nil
}

func (b *Backend) Ping(ctx context.Context) error {
	c, err := b.connected()
	if err != nil {
		return err
	}
	return c.Ping(ctx).Err()
}

func (b *Backend) connected() (*redis.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, tsdb.ErrNotConnected
	}
	return b.client, nil
}

func (b *Backend) open(ctx context.Context) (*redis.Client, error) {
	if c, err := b.connected(); err == nil {
		return c, nil
	}
	if err := b.Connect(ctx); err != nil {
		return nil, err
	}
	return b.connected()
}

func (b *Backend) currentRetention() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retention
}

func (b *Backend) CreateDatabase(ctx context.Context, name string) error {
	c, err := b.open(ctx)
	if err != nil {
		return err
	}
	return c.SAdd(ctx, b.keys.databases(), name).Err()
}

func (b *Backend) DropDatabase(ctx context.Context, name string) error {
	c, err := b.open(ctx)
	if err != nil {
		return err
	}
	return c.SRem(ctx, b.keys.databases(), name).Err()
}

func (b *Backend) ListDatabases(ctx context.Context) ([]string, error) {
	c, err := b.connected()
	if err != nil {
		return nil, err
	}
	return sortedMembers(c.SMembers(ctx, b.keys.databases()))
}

// WriteMetrics adds every point to its measurement's sorted set in one
// pipeline and refreshes key expiry when a default retention is set.
func (b *Backend) WriteMetrics(ctx context.Context, points []model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	c, err := b.open(ctx)
	if err != nil {
		return err
	}

	byKey := map[string][]redis.Z{}
	var names []string
	for _, p := range points {
		z, err := metricMember(p)
		if err != nil {
			return err
		}
		key := b.keys.metrics(p.Name)
		if _, ok := byKey[key]; !ok {
			names = append(names, p.Name)
		}
		byKey[key] = append(byKey[key], z)
	}

	retention := b.currentRetention()
	_, err = c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, members := range byKey {
			pipe.ZAdd(ctx, key, members...)
			if retention > 0 {
				pipe.Expire(ctx, key, retention)
			}
		}
		pipe.SAdd(ctx, b.keys.measurements(), toAny(names)...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write metrics: %w", err)
	}
	return nil
}

func (b *Backend) WriteEvents(ctx context.Context, events []model.ProcessingEvent) error {
	if len(events) == 0 {
		return nil
	}
	c, err := b.open(ctx)
	if err != nil {
		return err
	}

	members := make([]redis.Z, 0, len(events))
	for _, e := range events {
		z, err := eventMember(e)
		if err != nil {
			return err
		}
		members = append(members, z)
	}

	retention := b.currentRetention()
	_, err = c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, b.keys.events(), members...)
		if retention > 0 {
			pipe.Expire(ctx, b.keys.events(), retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis write events: %w", err)
	}
	return nil
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

// QueryMetrics reads the measurement's score range and applies tag and
// exact time filters client-side. Results are oldest first unless the
// builder orders them.
func (b *Backend) QueryMetrics(ctx context.Context, q *tsdb.QueryBuilder) ([]model.MetricPoint, error) {
	c, err := b.connected()
	if err != nil {
		return nil, err
	}
	defer b.timed(time.Now())

	raw, err := c.ZRangeByScore(ctx, b.keys.metrics(q.Measurement()), scoreRange(q)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query metrics: %w", err)
	}
	var out []model.MetricPoint
	for _, m := range raw {
		p, err := decodeMetric(m)
		if err != nil {
			log.WithError(err).Debug("redis: skipping undecodable metric member")
			continue
		}
		if q.Matches(p.Timestamp, p.Tags) {
			out = append(out, p)
		}
	}
	return shape(q, out, metricTime), nil
}

func (b *Backend) QueryEvents(ctx context.Context, q *tsdb.QueryBuilder) ([]model.ProcessingEvent, error) {
	c, err := b.connected()
	if err != nil {
		return nil, err
	}
	defer b.timed(time.Now())

	raw, err := c.ZRangeByScore(ctx, b.keys.events(), scoreRange(q)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis query events: %w", err)
	}
	var out []model.ProcessingEvent
	for _, m := range raw {
		e, err := decodeEvent(m)
		if err != nil {
			log.WithError(err).Debug("redis: skipping undecodable event member")
			continue
		}
		if q.Matches(e.Timestamp, e.Tags()) {
			out = append(out, e)
		}
	}
	return shape(q, out, eventTime), nil
}

func (b *Backend) QueryAggregations(ctx context.Context, q *tsdb.QueryBuilder, _ ...string) ([]model.MetricStatistics, error) {
	points, err := b.QueryMetrics(ctx, q)
	if err != nil {
		return nil, err
	}
	return tsdb.Summarize(q, points), nil
}

// CreateRetentionPolicy stores the policy in a hash. A default policy
// becomes the expiry applied on every write.
func (b *Backend) CreateRetentionPolicy(ctx context.Context, name string, d time.Duration, _ int, isDefault bool) error {
	c, err := b.open(ctx)
	if err != nil {
		return err
	}
	secs := strconv.FormatInt(int64(d/time.Second), 10)
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, b.keys.retentionPolicies(), name, secs)
		if isDefault {
			pipe.Set(ctx, b.keys.defaultRetention(), name, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create retention policy: %w", err)
	}
	if isDefault {
		b.mu.Lock()
		b.retention = d
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) DropRetentionPolicy(ctx context.Context, name string) error {
	c, err := b.connected()
	if err != nil {
		return err
	}
	if err := c.HDel(ctx, b.keys.retentionPolicies(), name).Err(); err != nil {
		return err
	}
	def, err := c.Get(ctx, b.keys.defaultRetention()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if def == name {
		if err := c.Del(ctx, b.keys.defaultRetention()).Err(); err != nil {
			return err
		}
		b.mu.Lock()
		b.retention = 0
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) ListRetentionPolicies(ctx context.Context) ([]string, error) {
	c, err := b.connected()
	if err != nil {
		return nil, err
	}
	return sortedMembers(c.HKeys(ctx, b.keys.retentionPolicies()))
}

// CreateContinuousQuery records the definition; Redis has no scheduler to
// run it.
func (b *Backend) CreateContinuousQuery(ctx context.Context, name, query string) error {
	c, err := b.open(ctx)
	if err != nil {
		return err
	}
	return c.HSet(ctx, b.keys.continuousQueries(), name, query).Err()
}

func (b *Backend) DropContinuousQuery(ctx context.Context, name string) error {
	c, err := b.connected()
	if err != nil {
		return err
	}
	return c.HDel(ctx, b.keys.continuousQueries(), name).Err()
}

func (b *Backend) ListContinuousQueries(ctx context.Context) ([]string, error) {
	c, err := b.connected()
	if err != nil {
		return nil, err
	}
	return sortedMembers(c.HKeys(ctx, b.keys.continuousQueries()))
}

// DeleteBefore removes members scored before cutoff from every known
// measurement and from the event set.
func (b *Backend) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	c, err := b.connected()
	if err != nil {
		return 0, err
	}
	names, err := c.SMembers(ctx, b.keys.measurements()).Result()
	if err != nil {
		return 0, err
	}
	keys := []string{b.keys.events()}
	for _, n := range names {
		keys = append(keys, b.keys.metrics(n))
	}

	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	cmds := make([]*redis.IntCmd, 0, len(keys))
	_, err = c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			cmds = append(cmds, pipe.ZRemRangeByScore(ctx, k, "-inf", upper))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete before: %w", err)
	}
	var n int64
	for _, cmd := range cmds {
		n += cmd.Val()
	}
	return n, nil
}

func (b *Backend) Config() tsdb.Config { return b.cfg }

func (b *Backend) Status() tsdb.Status {
	st := tsdb.Status{
		Backend:         BackendName,
		Connected:       b.IsConnected(),
		LastQueryTimeMs: b.QueryPerformanceMs(),
		PendingAsync:    b.async.Pending(),
		Details: map[string]any{
			"addr":   b.Addr(),
			"prefix": b.keys.prefix,
		},
	}
	if r := b.currentRetention(); r > 0 {
		st.Details["retention"] = r.String()
	}
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

func loadDefaultRetention(ctx context.Context, c *redis.Client, keys keyspace) (time.Duration, error) {
	name, err := c.Get(ctx, keys.defaultRetention()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	secs, err := c.HGet(ctx, keys.retentionPolicies(), name).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

func sortedMembers(cmd *redis.StringSliceCmd) ([]string, error) {
	out, err := cmd.Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var _ tsdb.TimeSeriesDB = (*Backend)(nil)
