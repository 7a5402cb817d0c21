package redisdb

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

type keyspace struct {
	prefix string
}

func (k keyspace) metrics(name string) string { return k.prefix + ":metrics:" + name }
func (k keyspace) events() string { return k.prefix + ":events" }
func (k keyspace) measurements() string { return k.prefix + ":measurements" }
func (k keyspace) databases() string { return k.prefix + ":databases" }
func (k keyspace) retentionPolicies() string { return k.prefix + ":retention_policies" }
func (k keyspace) defaultRetention() string { return k.prefix + ":retention_default" }
func (k keyspace) continuousQueries() string { return k.prefix + ":continuous_queries" }

type metricEnvelope struct {
	ID    string            `json:"id"`
	Point model.MetricPoint `json:"point"`
}

type eventEnvelope struct {
	ID    string                `json:"id"`
	Event model.ProcessingEvent `json:"event"`
}

func metricMember(p model.MetricPoint) (redis.Z, error) {
	data, err := json.Marshal(metricEnvelope{ID: uuid.NewString(), Point: p})
	if err != nil {
		return redis.Z{}, fmt.Errorf("encode metric %s: %w", p.Name, err)
	}
	return redis.Z{Score: float64(p.Timestamp.UnixMilli()), Member: string(data)}, nil
}

func eventMember(e model.ProcessingEvent) (redis.Z, error) {
	data, err := json.Marshal(eventEnvelope{ID: uuid.NewString(), Event: e})
	if err != nil {
		return redis.Z{}, fmt.Errorf("encode event %s: %w", e.PluginName, err)
	}
	return redis.Z{Score: float64(e.Timestamp.UnixMilli()), Member: string(data)}, nil
}

func decodeMetric(member string) (model.MetricPoint, error) {
	var env metricEnvelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		return model.MetricPoint{}, err
	}
	return env.Point, nil
}

func decodeEvent(member string) (model.ProcessingEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		return model.ProcessingEvent{}, err
	}
	return env.Event, nil
}

// scoreRange maps the builder's time range to an inclusive millisecond
// score range. Sub-millisecond bounds are settled by QueryBuilder.Matches.
func scoreRange(q *tsdb.QueryBuilder) *redis.ZRangeBy {
	tr, ok := q.Range()
	if !ok {
		return &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	}
	return &redis.ZRangeBy{
		Min: strconv.FormatInt(tr.Start.UnixMilli(), 10),
		Max: strconv.FormatInt(tr.End.UnixMilli(), 10),
	}
}

// shape applies ordering and limit without touching items. Sorted sets
// already return ascending scores, so only a descending order needs work.
func shape[T any](q *tsdb.QueryBuilder, items []T, ts func(T) time.Time) []T {
	if _, dir := q.Order(); dir == "desc" {
		items = slices.Clone(items)
		slices.SortStableFunc(items, func(a, b T) int { return ts(b).Compare(ts(a)) })
	}
	if n, ok := q.LimitCount(); ok && n >= 0 && len(items) > n {
		items = items[:n]
	}
	return items
}

func metricTime(p model.MetricPoint) time.Time { return p.Timestamp }
func eventTime(e model.ProcessingEvent) time.Time { return e.Timestamp }
