package redisdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

func TestKeyspace(t *testing.T) {
	k := keyspace{prefix: "pulse"}
	assert.Equal(t, "pulse:metrics:latency", k.metrics("latency"))
	assert.Equal(t, "pulse:events", k.events())
	assert.Equal(t, "pulse:retention_policies", k.retentionPolicies())
}

func TestMetricMemberRoundTrip(t *testing.T) {
	p := model.MetricPoint{
		Name:      "latency",
		Type:      model.Histogram,
		Value:     12.5,
		Timestamp: time.UnixMilli(1_700_000_000_123),
		Tags:      map[string]string{"plugin": "md"},
		Fields:    map[string]float64{"bytes": 10},
	}
	z, err := metricMember(p)
	require.NoError(t, err)
	assert.Equal(t, float64(1_700_000_000_123), z.Score)

	got, err := decodeMetric(z.Member.(string))
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.Type, got.Type)
	assert.True(t, p.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, p.Tags, got.Tags)
	assert.Equal(t, p.Fields, got.Fields)
}

func TestIdenticalPointsGetDistinctMembers(t *testing.T) {
	p := model.MetricPoint{Name: "n", Value: 1, Timestamp: time.UnixMilli(5)}
	a, err := metricMember(p)
	require.NoError(t, err)
	b, err := metricMember(p)
	require.NoError(t, err)
	assert.NotEqual(t, a.Member, b.Member)
	assert.Equal(t, a.Score, b.Score)
}

func TestEventMemberRoundTrip(t *testing.T) {
	e := model.ProcessingEvent{
		PluginName:       "md",
		Provider:         "openai",
		ProcessingTimeMs: 4,
		Success:          true,
		Timestamp:        time.UnixMilli(42),
	}
	z, err := eventMember(e)
	require.NoError(t, err)
	got, err := decodeEvent(z.Member.(string))
	require.NoError(t, err)
	assert.Equal(t, "md", got.PluginName)
	assert.Equal(t, "openai", got.Provider)
	assert.True(t, got.Success)
	assert.Empty(t, got.CapabilitiesUsed)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeMetric("not json")
	assert.Error(t, err)
}

func TestScoreRange(t *testing.T) {
	open := scoreRange(tsdb.NewQuery("m"))
	assert.Equal(t, "-inf", open.Min)
	assert.Equal(t, "+inf", open.Max)

	r := scoreRange(tsdb.NewQuery("m").TimeRange(time.UnixMilli(1000), time.UnixMilli(2000)))
	assert.Equal(t, "1000", r.Min)
	assert.Equal(t, "2000", r.Max)
}

func TestShapeOrdersAndLimits(t *testing.T) {
	points := []model.MetricPoint{
		{Name: "m", Timestamp: time.UnixMilli(1)},
		{Name: "m", Timestamp: time.UnixMilli(2)},
		{Name: "m", Timestamp: time.UnixMilli(3)},
	}
	got := shape(tsdb.NewQuery("m").OrderBy("time", "desc").Limit(2), points, metricTime)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Timestamp.UnixMilli())
	assert.Equal(t, int64(2), got[1].Timestamp.UnixMilli())
	for i, p := range points {
		assert.Equal(t, int64(i+1), p.Timestamp.UnixMilli(), "input reordered")
	}

	asc := shape(tsdb.NewQuery("m"), []model.MetricPoint{points[0], points[1]}, metricTime)
	assert.Equal(t, int64(1), asc[0].Timestamp.UnixMilli())
}

func TestAddrDefaults(t *testing.T) {
	b := NewBackend(tsdb.Config{})
	assert.Equal(t, "localhost:6379", b.Addr())
	assert.Equal(t, "pulse", b.keys.prefix)

	b = NewBackend(tsdb.Config{Host: "cache", Port: 6380, Database: "tel"})
	assert.Equal(t, "cache:6380", b.Addr())
	assert.Equal(t, "tel", b.keys.prefix)
}

func TestRegisteredWithFactory(t *testing.T) {
	assert.Contains(t, tsdb.Backends(), BackendName)
}

func TestQueryBeforeConnect(t *testing.T) {
	b := NewBackend(tsdb.Config{})
	defer b.Close()
	_, err := b.QueryMetrics(t.Context(), tsdb.NewQuery("m"))
	assert.ErrorIs(t, err, tsdb.ErrNotConnected)
}
