package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/collector"
	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tracker"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

var log = logrus.WithField("component", "httpserver")

const defaultWindow = 30 * time.Minute

// Collector is the collector surface exposed over HTTP.
type Collector interface {
	Status() collector.Status
	RealTimeStats(names ...string) []model.MetricStatistics
	MetricNames() []string
	QueryMetrics(ctx context.Context, name string, start, end time.Time, tags map[string]string) ([]model.MetricPoint, error)
	Statistics(ctx context.Context, name string, start, end time.Time, tags map[string]string) (model.MetricStatistics, error)
}

// Tracker is the plugin tracker surface exposed over HTTP.
type Tracker interface {
	Plugins() []string
	Snapshot(ctx context.Context, plugin string, start, end time.Time) model.PerformanceSnapshot
	AnalyzeForOptimizations(ctx context.Context, plugin string) []model.OptimizationSuggestion
	ComparePlugins(ctx context.Context, reference string, candidates []string, start, end time.Time) model.PerformanceComparison
	RecentAlerts() []model.RealTimeAlert
	TrackingConfig() tracker.TrackingConfig
	UpdateTrackingConfig(data []byte) error
}

// Monitor is the system monitor surface exposed over HTTP.
type Monitor interface {
	Overview(ctx context.Context) model.SystemOverview
	HistoricalOverview(start, end time.Time, interval time.Duration) []model.SystemOverview
	CapacityMetrics(ctx context.Context) model.CapacityMetrics
	LastReport() (model.OptimizationReport, bool)
	GenerateOptimizationReport(ctx context.Context) model.OptimizationReport
}

// Backend reports storage health.
type Backend interface {
	Status() tsdb.Status
}

// Sources are the components the API reads from. Every field except
// Metrics is required.
type Sources struct {
	Collector Collector
	Tracker   Tracker
	Monitor   Monitor
	Backend   Backend
	// Metrics, when set, is served at GET /metrics.
	Metrics http.Handler
}

// Server provides an HTTP API over the telemetry pipeline.
type Server struct {
	addr      string
	src       Sources
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	now       func() time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, src Sources) *Server {
	if addr == "" {
		addr = "0.0.0.0:3000"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		src:    src,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/status", s.handleStatus)
	api.GET("/overview", s.handleOverview)
	api.GET("/overview/history", s.handleHistory)
	api.GET("/capacity", s.handleCapacity)
	api.GET("/report", s.handleReport)
	api.GET("/stats", s.handleStats)
	api.GET("/metrics/:name", s.handleMetricPoints)
	api.GET("/metrics/:name/stats", s.handleMetricStatistics)
	api.GET("/plugins", s.handlePlugins)
	api.GET("/plugins/:name/snapshot", s.handleSnapshot)
	api.GET("/plugins/:name/suggestions", s.handleSuggestions)
	api.GET("/alerts", s.handleAlerts)
	api.POST("/compare", s.handleCompare)
	api.GET("/tracking-config", s.handleGetTrackingConfig)
	api.PUT("/tracking-config", s.handlePutTrackingConfig)

	if s.src.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.src.Metrics))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	log.Infof("http: listening on %s", listener.Addr())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http: serve")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.src.Backend.Status()
	status := "ok"
	if !st.Connected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            status,
		"uptime":            time.Since(s.startTime).String(),
		"backend":           st.Backend,
		"backend_connected": st.Connected,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"collector": s.src.Collector.Status(),
		"backend":   s.src.Backend.Status(),
	})
}

func (s *Server) handleOverview(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Monitor.Overview(c.Request.Context()))
}

func (s *Server) handleHistory(c *gin.Context) {
	start, end, ok := s.timeRange(c, 24*time.Hour)
	if !ok {
		return
	}
	var interval time.Duration
	if v := c.Query("interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			badRequest(c, "invalid interval")
			return
		}
		interval = d
	}
	history := s.src.Monitor.HistoricalOverview(start, end, interval)
	if history == nil {
		history = []model.SystemOverview{}
	}
	c.JSON(http.StatusOK, history)
}

func (s *Server) handleCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Monitor.CapacityMetrics(c.Request.Context()))
}

// handleReport serves the last loop report. fresh=true, or the absence of
// a report, generates one on demand.
func (s *Server) handleReport(c *gin.Context) {
	if c.Query("fresh") != "true" {
		if r, ok := s.src.Monitor.LastReport(); ok {
			c.JSON(http.StatusOK, r)
			return
		}
	}
	c.JSON(http.StatusOK, s.src.Monitor.GenerateOptimizationReport(c.Request.Context()))
}

// handleStats returns real-time stats for the requested names, or for every
// tracked metric when none are given.
func (s *Server) handleStats(c *gin.Context) {
	names := c.QueryArray("name")
	if len(names) == 0 {
		names = s.src.Collector.MetricNames()
	}
	st := s.src.Collector.RealTimeStats(names...)
	if st == nil {
		st = []model.MetricStatistics{}
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleMetricPoints(c *gin.Context) {
	start, end, ok := s.timeRange(c, defaultWindow)
	if !ok {
		return
	}
	tags, ok := tagFilters(c)
	if !ok {
		return
	}
	points, err := s.src.Collector.QueryMetrics(c.Request.Context(), c.Param("name"), start, end, tags)
	if err != nil {
		log.WithError(err).Warn("http: query metrics")
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend query failed"})
		return
	}
	if points == nil {
		points = []model.MetricPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"points": points, "count": len(points)})
}

func (s *Server) handleMetricStatistics(c *gin.Context) {
	start, end, ok := s.timeRange(c, defaultWindow)
	if !ok {
		return
	}
	tags, ok := tagFilters(c)
	if !ok {
		return
	}
	st, err := s.src.Collector.Statistics(c.Request.Context(), c.Param("name"), start, end, tags)
	if err != nil {
		log.WithError(err).Warn("http: query statistics")
		c.JSON(http.StatusBadGateway, gin.H{"error": "backend query failed"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handlePlugins(c *gin.Context) {
	plugins := s.src.Tracker.Plugins()
	if plugins == nil {
		plugins = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	start, end, ok := s.timeRange(c, defaultWindow)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.src.Tracker.Snapshot(c.Request.Context(), c.Param("name"), start, end))
}

func (s *Server) handleSuggestions(c *gin.Context) {
	out := s.src.Tracker.AnalyzeForOptimizations(c.Request.Context(), c.Param("name"))
	if out == nil {
		out = []model.OptimizationSuggestion{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAlerts(c *gin.Context) {
	alerts := s.src.Tracker.RecentAlerts()
	if plugin := c.Query("plugin"); plugin != "" {
		kept := alerts[:0]
		for _, a := range alerts {
			if a.PluginName == plugin {
				kept = append(kept, a)
			}
		}
		alerts = kept
	}
	if alerts == nil {
		alerts = []model.RealTimeAlert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) handleCompare(c *gin.Context) {
	var req struct {
		Reference  string   `json:"reference" binding:"required"`
		Candidates []string `json:"candidates" binding:"required,min=1"`
		Window     string   `json:"window"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body or missing reference/candidates")
		return
	}
	window := defaultWindow
	if req.Window != "" {
		d, err := time.ParseDuration(req.Window)
		if err != nil || d <= 0 {
			badRequest(c, "invalid window")
			return
		}
		window = d
	}
	end := s.now()
	c.JSON(http.StatusOK, s.src.Tracker.ComparePlugins(c.Request.Context(), req.Reference, req.Candidates, end.Add(-window), end))
}

func (s *Server) handleGetTrackingConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Tracker.TrackingConfig())
}

func (s *Server) handlePutTrackingConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	if err := s.src.Tracker.UpdateTrackingConfig(body); err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.src.Tracker.TrackingConfig())
}

// timeRange reads start and end (epoch milliseconds) or window (a Go
// duration ending now). It writes a 400 and returns false on bad input.
func (s *Server) timeRange(c *gin.Context, fallback time.Duration) (time.Time, time.Time, bool) {
	end := s.now()
	if v := c.Query("end"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "invalid end")
			return time.Time{}, time.Time{}, false
		}
		end = model.FromEpochMillis(ms)
	}

	window := fallback
	if v := c.Query("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			badRequest(c, "invalid window")
			return time.Time{}, time.Time{}, false
		}
		window = d
	}
	start := end.Add(-window)
	if v := c.Query("start"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			badRequest(c, "invalid start")
			return time.Time{}, time.Time{}, false
		}
		start = model.FromEpochMillis(ms)
	}
	if start.After(end) {
		badRequest(c, "start is after end")
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// tagFilters parses repeated tag=key:value parameters.
func tagFilters(c *gin.Context) (map[string]string, bool) {
	raw := c.QueryArray("tag")
	if len(raw) == 0 {
		return nil, true
	}
	tags := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, ":")
		if !ok || k == "" {
			badRequest(c, "tag must be key:value")
			return nil, false
		}
		tags[k] = v
	}
	return tags, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
