package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/pulse/internal/collector"
	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/monitor"
	"github.com/tinytelemetry/pulse/internal/tracker"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv     *Server
	handler http.Handler
	col     *collector.Collector
	tr      *tracker.Tracker
	db      *tsdb.MemoryDB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := tsdb.NewMemoryDB(tsdb.DefaultConfig())
	require.NoError(t, db.Connect(context.Background()))
	col := collector.New(db, collector.Config{EnableRealTime: true, FlushInterval: time.Hour})
	tr := tracker.New(col)
	mon := monitor.New(col, tr, nil, monitor.DefaultConfig())
	t.Cleanup(func() {
		col.Stop()
		db.Close()
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGauge(prometheus.GaugeOpts{Name: "pulse_test_gauge", Help: "test"}))

	srv := NewServer("", Sources{
		Collector: col,
		Tracker:   tr,
		Monitor:   mon,
		Backend:   db,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	srv.startTime = time.Now()
	return &fixture{srv: srv, handler: srv.Handler(), col: col, tr: tr, db: db}
}

func (f *fixture) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (f *fixture) recordRun(plugin string, n, failures int, latencyMs float64) {
	for i := range n {
		e := model.ProcessingEvent{
			PluginName:       plugin,
			Provider:         "openai",
			InputFormat:      "markdown",
			ProcessingTimeMs: latencyMs,
			InputSizeBytes:   200,
			OutputSizeBytes:  100,
			Success:          i >= failures,
			Timestamp:        time.Now(),
		}
		if !e.Success {
			e.ErrorType = "timeout"
		}
		f.tr.RecordPluginExecution(e)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, tsdb.BackendMock, body["backend"])
	assert.Equal(t, true, body["backend_connected"])

	require.NoError(t, f.db.Disconnect())
	body = decode[map[string]any](t, f.do(t, http.MethodGet, "/api/health", ""))
	assert.Equal(t, "degraded", body["status"])
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/health", "")
	// gin answers 404 unless HandleMethodNotAllowed is set
	assert.Contains(t, []int{http.StatusMethodNotAllowed, http.StatusNotFound}, w.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.col.RecordGauge("queue_depth", 3, nil)

	body := decode[struct {
		Collector collector.Status `json:"collector"`
		Backend   tsdb.Status      `json:"backend"`
	}](t, f.do(t, http.MethodGet, "/api/status", ""))
	assert.True(t, body.Collector.Collecting)
	assert.Equal(t, 10000, body.Collector.BufferSize)
	assert.Equal(t, 1, body.Collector.RealTimeMetricsCount)
	assert.Equal(t, tsdb.BackendMock, body.Backend.Backend)
}

func TestStatsEndpoint(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		f.col.RecordHistogram("latency", float64(i), nil)
	}
	f.col.RecordGauge("other", 1, nil)

	stats := decode[[]model.MetricStatistics](t, f.do(t, http.MethodGet, "/api/stats?name=latency", ""))
	require.Len(t, stats, 1)
	assert.Equal(t, "latency", stats[0].Name)
	assert.Equal(t, 4.0, stats[0].Count)
	assert.Equal(t, 2.5, stats[0].Mean)

	all := decode[[]model.MetricStatistics](t, f.do(t, http.MethodGet, "/api/stats", ""))
	require.Len(t, all, 2)
	assert.Equal(t, "latency", all[0].Name)
	assert.Equal(t, "other", all[1].Name)

	two := decode[[]model.MetricStatistics](t, f.do(t, http.MethodGet, "/api/stats?name=other&name=latency", ""))
	require.Len(t, two, 2)
	assert.Equal(t, "other", two[0].Name)

	none := f.do(t, http.MethodGet, "/api/stats?name=missing", "")
	assert.JSONEq(t, `[]`, none.Body.String())
}

func TestMetricPointsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.col.RecordGauge("cpu", 10, map[string]string{"host": "a"})
	f.col.RecordGauge("cpu", 20, map[string]string{"host": "b"})

	body := decode[struct {
		Points []model.MetricPoint `json:"points"`
		Count  int                 `json:"count"`
	}](t, f.do(t, http.MethodGet, "/api/metrics/cpu?window=1h&tag=host:b", ""))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, 20.0, body.Points[0].Value)

	st := decode[model.MetricStatistics](t, f.do(t, http.MethodGet, "/api/metrics/cpu/stats?window=1h", ""))
	assert.Equal(t, 2.0, st.Count)
	assert.Equal(t, 15.0, st.Mean)
}

func TestTimeRangeValidation(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{
		"/api/metrics/cpu?window=soon",
		"/api/metrics/cpu?window=-1h",
		"/api/metrics/cpu?start=yesterday",
		"/api/metrics/cpu?start=2000&end=1000",
		"/api/metrics/cpu?tag=novalue",
		"/api/overview/history?interval=often",
	} {
		w := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}

	w := f.do(t, http.MethodGet, "/api/metrics/cpu?start=1000&end=2000", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPluginEndpoints(t *testing.T) {
	f := newFixture(t)
	f.recordRun("formatter", 20, 2, 5)

	plugins := decode[map[string][]string](t, f.do(t, http.MethodGet, "/api/plugins", ""))
	assert.Equal(t, []string{"formatter"}, plugins["plugins"])

	snap := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/plugins/formatter/snapshot?window=1h", ""))
	assert.Equal(t, "formatter", snap["plugin_name"])
	assert.EqualValues(t, 20, snap["total_requests"])
	assert.InDelta(t, 0.9, snap["success_rate"], 1e-9)

	sugg := decode[[]map[string]any](t, f.do(t, http.MethodGet, "/api/plugins/formatter/suggestions", ""))
	require.NotEmpty(t, sugg)
	for _, s := range sugg {
		assert.Equal(t, "formatter", s["plugin_name"])
	}

	empty := f.do(t, http.MethodGet, "/api/plugins/unknown/suggestions", "")
	assert.JSONEq(t, `[]`, empty.Body.String())
}

func TestCompareEndpoint(t *testing.T) {
	f := newFixture(t)
	f.recordRun("slow", 10, 0, 100)
	f.recordRun("fast", 10, 0, 50)

	w := f.do(t, http.MethodPost, "/api/compare", `{"reference":"slow","candidates":["fast"],"window":"1h"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, "slow", body["reference_plugin"])
	assert.InDelta(t, 50, body["speed_improvement_percent"], 1e-9)
	assert.Equal(t, true, body["faster"])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/compare", `{"reference":"slow"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/compare", `{"reference":"slow","candidates":["fast"],"window":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/compare", `not json`).Code)
}

func TestAlertsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.recordRun("flaky", 10, 5, 5)
	f.recordRun("steady", 10, 0, 5)
	require.NotEmpty(t, f.tr.CheckForAlerts(context.Background()))

	all := decode[[]map[string]any](t, f.do(t, http.MethodGet, "/api/alerts", ""))
	assert.NotEmpty(t, all)

	flaky := decode[[]map[string]any](t, f.do(t, http.MethodGet, "/api/alerts?plugin=flaky", ""))
	require.NotEmpty(t, flaky)
	for _, a := range flaky {
		assert.Equal(t, "flaky", a["plugin_name"])
	}

	none := f.do(t, http.MethodGet, "/api/alerts?plugin=nobody", "")
	assert.JSONEq(t, `[]`, none.Body.String())
}

func TestTrackingConfigEndpoints(t *testing.T) {
	f := newFixture(t)

	cfg := decode[tracker.TrackingConfig](t, f.do(t, http.MethodGet, "/api/tracking-config", ""))
	assert.Equal(t, 1000.0, cfg.MaxProcessingTimeMs)

	w := f.do(t, http.MethodPut, "/api/tracking-config", `{"max_processing_time_ms": 250}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cfg = decode[tracker.TrackingConfig](t, w)
	assert.Equal(t, 250.0, cfg.MaxProcessingTimeMs)
	assert.Equal(t, 0.95, cfg.MinSuccessRate)
	assert.Equal(t, 250.0, f.tr.AlertConfig().MaxProcessingTimeMs)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/tracking-config", `{"min_success_rate": 2}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/tracking-config", `{`).Code)
}

func TestOverviewCapacityAndReport(t *testing.T) {
	f := newFixture(t)
	f.recordRun("formatter", 10, 0, 5)

	overview := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/overview", ""))
	assert.EqualValues(t, 1, overview["active_plugin_count"])
	assert.EqualValues(t, 1, overview["overall_success_rate"])

	capacity := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/capacity", ""))
	assert.Contains(t, capacity, "scaling_recommendation")

	report := decode[map[string]any](t, f.do(t, http.MethodGet, "/api/report", ""))
	assert.Contains(t, report, "overall_performance_score")
	assert.Contains(t, report, "prioritized_actions")

	fresh := f.do(t, http.MethodGet, "/api/report?fresh=true", "")
	assert.Equal(t, http.StatusOK, fresh.Code)

	history := f.do(t, http.MethodGet, "/api/overview/history", "")
	assert.JSONEq(t, `[]`, history.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pulse_test_gauge")
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.srv.addr = "127.0.0.1:0"
	require.NoError(t, f.srv.Start())
	require.NoError(t, f.srv.Stop())

	idle := NewServer("", Sources{})
	assert.NoError(t, idle.Stop())
}
