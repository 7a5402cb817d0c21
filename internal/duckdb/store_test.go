package duckdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testPoints(base time.Time) []model.MetricPoint {
	return []model.MetricPoint{
		{Name: "lat", Type: model.Histogram, Value: 10, Timestamp: base, Tags: map[string]string{"plugin": "a"}},
		{Name: "lat", Type: model.Histogram, Value: 20, Timestamp: base.Add(time.Second), Tags: map[string]string{"plugin": "b"}},
		{Name: "lat", Type: model.Histogram, Value: 30, Timestamp: base.Add(2 * time.Second), Tags: map[string]string{"plugin": "a"}, Fields: map[string]float64{"bytes": 5}},
		{Name: "other", Type: model.Counter, Value: 1, Timestamp: base},
	}
}

func TestInsertAndQueryMetrics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	if err := store.InsertMetrics(ctx, testPoints(base)); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}

	got, err := store.QueryMetrics(ctx, tsdb.NewQuery("lat"))
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Value != 10 || got[2].Value != 30 {
		t.Errorf("insertion order not preserved: %v", got)
	}
	if got[2].Fields["bytes"] != 5 {
		t.Errorf("fields = %v, want bytes=5", got[2].Fields)
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", got[0].Timestamp, base)
	}
	if got[0].Type != model.Histogram {
		t.Errorf("type = %v, want histogram", got[0].Type)
	}

	got, err = store.QueryMetrics(ctx, tsdb.NewQuery("lat").Tag("plugin", "a").OrderBy("time", "desc").Limit(1))
	if err != nil {
		t.Fatalf("QueryMetrics filtered: %v", err)
	}
	if len(got) != 1 || got[0].Value != 30 {
		t.Errorf("filtered = %v, want single value 30", got)
	}

	got, err = store.QueryMetrics(ctx, tsdb.NewQuery("lat").TimeRange(base.Add(time.Second), base.Add(time.Second)))
	if err != nil {
		t.Fatalf("QueryMetrics ranged: %v", err)
	}
	if len(got) != 1 || got[0].Value != 20 {
		t.Errorf("ranged = %v, want single value 20", got)
	}
}

func TestInsertAndQueryEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	events := []model.ProcessingEvent{
		{PluginName: "a", Provider: "x", Success: true, Timestamp: now.Add(-2 * time.Hour)},
		{PluginName: "b", Provider: "x", Success: false, ErrorType: "timeout", Timestamp: now.Add(-30 * time.Minute),
			CapabilitiesUsed: []string{"stream"}, Metadata: map[string]string{"k": "v"}},
		{PluginName: "c", Provider: "y", Success: true, Timestamp: now},
	}
	if err := store.InsertEvents(ctx, events); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	got, err := store.QueryEvents(ctx, tsdb.NewQuery(model.EventsMeasurement).TimeRange(now.Add(-time.Hour), now))
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].PluginName != "b" || got[0].ErrorType != "timeout" {
		t.Errorf("first event = %+v", got[0])
	}
	if len(got[0].CapabilitiesUsed) != 1 || got[0].Metadata["k"] != "v" {
		t.Errorf("collections not restored: %+v", got[0])
	}

	got, err = store.QueryEvents(ctx, tsdb.NewQuery(model.EventsMeasurement).Tag("provider", "x"))
	if err != nil {
		t.Fatalf("QueryEvents by tag: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("provider=x len = %d, want 2", len(got))
	}

	got, err = store.QueryEvents(ctx, tsdb.NewQuery(model.EventsMeasurement).Tag("unknown", "x"))
	if err != nil {
		t.Fatalf("QueryEvents unknown tag: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("unknown tag len = %d, want 0", len(got))
	}
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	if err := store.InsertMetrics(ctx, testPoints(base)); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}
	n, err := store.DeleteBefore(ctx, base.Add(time.Second))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	metrics, events, err := store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if metrics != 2 || events != 0 {
		t.Errorf("counts = %d/%d, want 2/0", metrics, events)
	}
}

func TestCatalog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a", "a"} {
		if err := store.CreateDatabase(ctx, name); err != nil {
			t.Fatalf("CreateDatabase(%s): %v", name, err)
		}
	}
	dbs, err := store.ListDatabases(ctx)
	if err != nil {
		t.Fatalf("ListDatabases: %v", err)
	}
	if len(dbs) != 2 || dbs[0] != "a" || dbs[1] != "b" {
		t.Errorf("databases = %v, want [a b]", dbs)
	}

	if err := store.PutRetentionPolicy(ctx, RetentionPolicy{Name: "week", Duration: 7 * 24 * time.Hour, Replication: 1, IsDefault: true}); err != nil {
		t.Fatalf("PutRetentionPolicy: %v", err)
	}
	if err := store.PutRetentionPolicy(ctx, RetentionPolicy{Name: "day", Duration: 24 * time.Hour, Replication: 1, IsDefault: true}); err != nil {
		t.Fatalf("PutRetentionPolicy: %v", err)
	}
	p, ok, err := store.DefaultRetentionPolicy(ctx)
	if err != nil || !ok {
		t.Fatalf("DefaultRetentionPolicy: ok=%v err=%v", ok, err)
	}
	if p.Name != "day" || p.Duration != 24*time.Hour {
		t.Errorf("default policy = %+v, want day/24h", p)
	}

	if err := store.PutContinuousQuery(ctx, "cq", "SELECT 1"); err != nil {
		t.Fatalf("PutContinuousQuery: %v", err)
	}
	cqs, _ := store.ListContinuousQueries(ctx)
	if len(cqs) != 1 || cqs[0] != "cq" {
		t.Errorf("continuous queries = %v", cqs)
	}
}

func TestSnapshotTo(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.InsertMetrics(ctx, testPoints(time.UnixMilli(1))); err != nil {
		t.Fatalf("InsertMetrics: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "snap", "pulse.duckdb")
	if err := store.SnapshotTo(ctx, dst); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}

	restored, err := NewStore(dst)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer restored.Close()
	metrics, _, err := restored.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if metrics != 4 {
		t.Errorf("snapshot metrics = %d, want 4", metrics)
	}
}

func TestStoreSchemaIsCurrent(t *testing.T) {
	store := newTestStore(t)
	st, err := store.Schema(context.Background())
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if !st.Current() || st.Applied != st.Latest {
		t.Errorf("schema = %+v, want current", st)
	}
}

func TestNewStoreCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "pulse.duckdb")
	store, err := NewStore(path, time.Second)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	if store.QueryTimeout != time.Second {
		t.Errorf("QueryTimeout = %v, want 1s", store.QueryTimeout)
	}
	if store.DBPath() != path {
		t.Errorf("DBPath = %q, want %q", store.DBPath(), path)
	}
}
