package tsdb

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
)

// SessionTTL is how long an authenticated session is trusted before the
// next call refreshes it.
const SessionTTL = time.Hour

// InfluxDB is the reference backend. It speaks InfluxDB 2.x HTTP: line
// protocol writes, InfluxQL over the v1-compat /query endpoint, buckets as
// databases and retention policies, tasks as continuous queries.
type InfluxDB struct {
	cfg       Config
	transport Transport
	async     *AsyncWriter
	connected atomic.Bool

	authMu  sync.Mutex
	session string
	expiry  time.Time

	perfMu          sync.Mutex
	lastQueryTimeMs float64

	now func() time.Time
}

// NewInfluxDB returns a client that sends requests through t. A nil t uses
// the influxdb-client-go HTTP service.
func NewInfluxDB(cfg Config, t Transport) (*InfluxDB, error) {
	cfg = cfg.withDefaults()
	if t == nil {
		t = newClientTransport(cfg)
	}
	db := &InfluxDB{cfg: cfg, transport: t, now: time.Now}
	db.async = NewAsyncWriter(db, cfg)
	return db, nil
}

// WriteURL is the path used for line-protocol writes.
func (db *InfluxDB) WriteURL() string {
	v := url.Values{}
	v.Set("org", db.cfg.Organization)
	v.Set("bucket", db.cfg.Bucket)
	v.Set("precision", db.cfg.Precision)
	return "/api/v2/write?" + encodeOrdered(v, "org", "bucket", "precision")
}

// QueryURL is the v1-compat InfluxQL path for statement. The bucket is
// addressed as the database and times come back as integers in the
// configured precision.
func (db *InfluxDB) QueryURL(statement string) string {
	v := url.Values{}
	v.Set("db", db.cfg.Bucket)
	v.Set("epoch", db.cfg.Precision)
	v.Set("q", statement)
	return "/query?" + encodeOrdered(v, "db", "epoch", "q")
}

func encodeOrdered(v url.Values, keys ...string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v.Get(k)))
	}
	return strings.Join(parts, "&")
}

// Connect runs the authentication handshake and marks the client live.
func (db *InfluxDB) Connect(ctx context.Context) error {
	if db.connected.Load() {
		return nil
	}
	if err := db.authenticate(ctx); err != nil {
		return fmt.Errorf("influxdb connect: %w", err)
	}
	db.connected.Store(true)
	log.Infof("influxdb: connected to %s org=%s bucket=%s", db.cfg.BaseURL(), db.cfg.Organization, db.cfg.Bucket)
	return nil
}

func (db *InfluxDB) credential() string {
	switch {
	case db.cfg.Token != "":
		return "Token " + db.cfg.Token
	case db.cfg.Username != "":
		raw := db.cfg.Username + ":" + db.cfg.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	default:
		return ""
	}
}

// authenticate installs the credential and, when one is configured,
// verifies it with a cheap authorized read.
func (db *InfluxDB) authenticate(ctx context.Context) error {
	cred := db.credential()

	db.authMu.Lock()
	defer db.authMu.Unlock()

	db.transport.SetAuthorization(cred)
	if cred != "" {
		if _, err := db.transport.Do(ctx, "GET", "/api/v2/buckets?limit=1", nil); err != nil {
			db.transport.SetAuthorization("")
			return fmt.Errorf("authenticate: %w", err)
		}
	}
	db.session = cred
	db.expiry = db.now().Add(SessionTTL)
	return nil
}

// RefreshToken renews the session. It is called automatically when the
// session has expired.
func (db *InfluxDB) RefreshToken(ctx context.Context) error {
	return db.authenticate(ctx)
}

// SessionToken returns the active authorization value.
func (db *InfluxDB) SessionToken() string {
	db.authMu.Lock()
	defer db.authMu.Unlock()
	return db.session
}

func (db *InfluxDB) ensureSession(ctx context.Context) error {
	if !db.connected.Load() {
		return db.Connect(ctx)
	}
	db.authMu.Lock()
	expired := db.now().After(db.expiry)
	db.authMu.Unlock()
	if expired {
		if err := db.RefreshToken(ctx); err != nil {
			return fmt.Errorf("refresh session: %w", err)
		}
	}
	return nil
}

func (db *InfluxDB) Disconnect() error {
	db.connected.Store(false)
	db.authMu.Lock()
	db.session = ""
	db.expiry = time.Time{}
	db.authMu.Unlock()
	db.transport.SetAuthorization("")
	return nil
}

func (db *InfluxDB) IsConnected() bool { return db.connected.Load() }

func (db *InfluxDB) Ping(ctx context.Context) error {
	if hc, ok := db.transport.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	raw, err := db.transport.Do(ctx, "GET", "/health", nil)
	if err != nil {
		return err
	}
	var h struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &h); err != nil {
			return fmt.Errorf("decode health: %w", err)
		}
		if h.Status != "" && h.Status != "pass" {
			return fmt.Errorf("influxdb unhealthy: %s %s", h.Status, h.Message)
		}
	}
	return nil
}

func (db *InfluxDB) WriteMetrics(ctx context.Context, points []model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	body, err := EncodeMetrics(points, db.cfg.Precision)
	if err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return db.writeLines(ctx, body)
}

func (db *InfluxDB) WriteEvents(ctx context.Context, events []model.ProcessingEvent) error {
	if len(events) == 0 {
		return nil
	}
	body, err := EncodeEvents(events, db.cfg.Precision)
	if err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return db.writeLines(ctx, body)
}

func (db *InfluxDB) writeLines(ctx context.Context, body string) error {
	if err := db.ensureSession(ctx); err != nil {
		return err
	}
	if _, err := db.transport.Do(ctx, "POST", db.WriteURL(), []byte(body)); err != nil {
		return fmt.Errorf("influxdb write: %w", err)
	}
	return nil
}

func (db *InfluxDB) StoreMetrics(ctx context.Context, points []model.MetricPoint) error {
	return db.WriteMetrics(ctx, points)
}

func (db *InfluxDB) StoreEvents(ctx context.Context, events []model.ProcessingEvent) error {
	return db.WriteEvents(ctx, events)
}

func (db *InfluxDB) WriteMetricsAsync(points []model.MetricPoint, cb WriteCallback) {
	db.async.SubmitMetrics(points, cb)
}

func (db *InfluxDB) WriteEventsAsync(events []model.ProcessingEvent, cb WriteCallback) {
	db.async.SubmitEvents(events, cb)
}

type influxSeries struct {
	Name    string            `json:"name"`
	Tags    map[string]string `json:"tags"`
	Columns []string          `json:"columns"`
	Values  [][]any           `json:"values"`
}

type influxResults struct {
	Results []struct {
		Series []influxSeries `json:"series"`
		Error  string         `json:"error"`
	} `json:"results"`
}

// query runs an InfluxQL statement against the v1-compat endpoint and
// returns every series in the answer.
func (db *InfluxDB) query(ctx context.Context, statement string) ([]influxSeries, error) {
	if !db.connected.Load() {
		return nil, ErrNotConnected
	}
	if err := db.ensureSession(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := db.transport.Do(ctx, "GET", db.QueryURL(statement), nil)
	elapsed := float64(time.Since(start).Microseconds()) / 1000
	db.perfMu.Lock()
	db.lastQueryTimeMs = elapsed
	db.perfMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("influxdb query: %w", err)
	}

	var res influxResults
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&res); err != nil {
			return nil, fmt.Errorf("decode query response: %w", err)
		}
	}
	var out []influxSeries
	for _, r := range res.Results {
		if r.Error != "" {
			return nil, fmt.Errorf("influxdb query: %s", r.Error)
		}
		out = append(out, r.Series...)
	}
	return out, nil
}

func (db *InfluxDB) QueryMetrics(ctx context.Context, q *QueryBuilder) ([]model.MetricPoint, error) {
	series, err := db.query(ctx, q.Build())
	if err != nil {
		return nil, err
	}
	var out []model.MetricPoint
	for _, s := range series {
		for _, row := range s.Values {
			out = append(out, db.parsePoint(s, row))
		}
	}
	return out, nil
}

func (db *InfluxDB) QueryEvents(ctx context.Context, q *QueryBuilder) ([]model.ProcessingEvent, error) {
	eq := *q
	eq.measurement = model.EventsMeasurement
	series, err := db.query(ctx, eq.Build())
	if err != nil {
		return nil, err
	}
	var out []model.ProcessingEvent
	for _, s := range series {
		for _, row := range s.Values {
			out = append(out, db.parseEvent(s, row))
		}
	}
	return out, nil
}

var influxAggregates = map[string]string{
	"count":  "count(value)",
	"sum":    "sum(value)",
	"min":    "min(value)",
	"max":    "max(value)",
	"mean":   "mean(value)",
	"median": "median(value)",
	"p95":    "percentile(value, 95)",
	"p99":    "percentile(value, 99)",
	"stddev": "stddev(value)",
}

// QueryAggregations computes the named aggregates server-side. Unknown
// names are ignored.
func (db *InfluxDB) QueryAggregations(ctx context.Context, q *QueryBuilder, aggregations ...string) ([]model.MetricStatistics, error) {
	if len(aggregations) == 0 {
		aggregations = DefaultAggregations
	}
	aq := *q
	aq.fields = nil
	for _, name := range aggregations {
		if expr, ok := influxAggregates[name]; ok {
			aq.fields = append(aq.fields, expr+" AS "+name)
		}
	}
	if len(aq.fields) == 0 {
		return nil, fmt.Errorf("influxdb aggregations: none of %v supported", aggregations)
	}
	aq.orderDir = ""

	series, err := db.query(ctx, aq.Build())
	if err != nil {
		return nil, err
	}
	var out []model.MetricStatistics
	for _, s := range series {
		for _, row := range s.Values {
			st := model.MetricStatistics{Name: groupKey(s.Name, q.GroupByTags(), s.Tags), Type: model.Gauge}
			for i, col := range s.Columns {
				if i >= len(row) {
					break
				}
				v, ok := toFloat(row[i])
				if !ok {
					continue
				}
				switch col {
				case "count":
					st.Count = v
				case "sum":
					st.Sum = v
				case "min":
					st.Min = v
				case "max":
					st.Max = v
				case "mean":
					st.Mean = v
				case "median":
					st.Median = v
				case "p95":
					st.P95 = v
				case "p99":
					st.P99 = v
				case "stddev":
					st.StdDev = v
				}
			}
			out = append(out, st)
		}
	}
	return out, nil
}

// parsePoint maps one result row onto a point. Numeric columns other than
// value become fields, string columns become tags.
func (db *InfluxDB) parsePoint(s influxSeries, row []any) model.MetricPoint {
	p := model.MetricPoint{
		Name:   s.Name,
		Type:   model.Gauge,
		Tags:   map[string]string{},
		Fields: map[string]float64{},
	}
	for k, v := range s.Tags {
		p.Tags[k] = v
	}
	for i, col := range s.Columns {
		if i >= len(row) || row[i] == nil {
			continue
		}
		switch col {
		case "time":
			p.Timestamp = db.parseTime(row[i])
		case "value":
			p.Value, _ = toFloat(row[i])
		default:
			switch v := row[i].(type) {
			case string:
				p.Tags[col] = v
			case bool:
				if v {
					p.Fields[col] = 1
				} else {
					p.Fields[col] = 0
				}
			default:
				if f, ok := toFloat(v); ok {
					p.Fields[col] = f
				}
			}
		}
	}
	return p
}

func (db *InfluxDB) parseEvent(s influxSeries, row []any) model.ProcessingEvent {
	e := model.ProcessingEvent{
		CapabilitiesUsed: []string{},
		Metadata:         map[string]string{},
	}
	set := func(col string, v any) {
		switch col {
		case "time":
			e.Timestamp = db.parseTime(v)
		case "plugin":
			e.PluginName, _ = v.(string)
		case "provider":
			e.Provider, _ = v.(string)
		case "model":
			e.Model, _ = v.(string)
		case "input_format":
			e.InputFormat, _ = v.(string)
		case "output_format":
			e.OutputFormat, _ = v.(string)
		case "error_type":
			e.ErrorType, _ = v.(string)
		case "success":
			e.Success, _ = v.(bool)
		case "processing_time_ms":
			e.ProcessingTimeMs, _ = toFloat(v)
		case "input_size_bytes":
			f, _ := toFloat(v)
			e.InputSizeBytes = int64(f)
		case "output_size_bytes":
			f, _ := toFloat(v)
			e.OutputSizeBytes = int64(f)
		case "tokens_processed":
			f, _ := toFloat(v)
			e.TokensProcessed = int64(f)
		default:
			if str, ok := v.(string); ok {
				e.Metadata[col] = str
			}
		}
	}
	for k, v := range s.Tags {
		set(k, v)
	}
	for i, col := range s.Columns {
		if i < len(row) && row[i] != nil {
			set(col, row[i])
		}
	}
	return e
}

func (db *InfluxDB) parseTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	case float64:
		return timeFrom(int64(t), db.cfg.Precision)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return timeFrom(n, db.cfg.Precision)
		}
	}
	return time.Time{}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

type bucketList struct {
	Buckets []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		RetentionRules []struct {
			EverySeconds int64 `json:"everySeconds"`
		} `json:"retentionRules"`
	} `json:"buckets"`
}

func (db *InfluxDB) listBuckets(ctx context.Context) (bucketList, error) {
	var bl bucketList
	raw, err := db.transport.Do(ctx, "GET", "/api/v2/buckets?org="+url.QueryEscape(db.cfg.Organization), nil)
	if err != nil {
		return bl, fmt.Errorf("list buckets: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &bl); err != nil {
			return bl, fmt.Errorf("decode buckets: %w", err)
		}
	}
	return bl, nil
}

// CreateBucket creates a bucket whose data expires after retention. A zero
// retention keeps data forever.
func (db *InfluxDB) CreateBucket(ctx context.Context, name string, retention time.Duration) error {
	rules := []map[string]any{}
	if retention > 0 {
		rules = append(rules, map[string]any{"type": "expire", "everySeconds": int64(retention.Seconds())})
	}
	body, err := json.Marshal(map[string]any{
		"name":           name,
		"orgID":          db.cfg.Organization,
		"retentionRules": rules,
	})
	if err != nil {
		return err
	}
	if _, err := db.transport.Do(ctx, "POST", "/api/v2/buckets", body); err != nil {
		return fmt.Errorf("create bucket %s: %w", name, err)
	}
	return nil
}

// DeleteBucket looks up a bucket by name and deletes it.
func (db *InfluxDB) DeleteBucket(ctx context.Context, name string) error {
	bl, err := db.listBuckets(ctx)
	if err != nil {
		return err
	}
	for _, b := range bl.Buckets {
		if b.Name == name {
			if _, err := db.transport.Do(ctx, "DELETE", "/api/v2/buckets/"+url.PathEscape(b.ID), nil); err != nil {
				return fmt.Errorf("delete bucket %s: %w", name, err)
			}
			return nil
		}
	}
	return fmt.Errorf("delete bucket %s: not found", name)
}

// ListBuckets returns bucket names.
func (db *InfluxDB) ListBuckets(ctx context.Context) ([]string, error) {
	bl, err := db.listBuckets(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(bl.Buckets))
	for _, b := range bl.Buckets {
		names = append(names, b.Name)
	}
	return names, nil
}

// DefaultBucketRetention applies to buckets created through CreateDatabase.
const DefaultBucketRetention = 30 * 24 * time.Hour

func (db *InfluxDB) CreateDatabase(ctx context.Context, name string) error {
	return db.CreateBucket(ctx, name, DefaultBucketRetention)
}

func (db *InfluxDB) DropDatabase(ctx context.Context, name string) error {
	return db.DeleteBucket(ctx, name)
}

func (db *InfluxDB) ListDatabases(ctx context.Context) ([]string, error) {
	return db.ListBuckets(ctx)
}

// CreateRetentionPolicy maps to a bucket with an expiry rule.
func (db *InfluxDB) CreateRetentionPolicy(ctx context.Context, name string, d time.Duration, _ int, _ bool) error {
	return db.CreateBucket(ctx, name, d)
}

func (db *InfluxDB) DropRetentionPolicy(ctx context.Context, name string) error {
	return db.DeleteBucket(ctx, name)
}

func (db *InfluxDB) ListRetentionPolicies(ctx context.Context) ([]string, error) {
	return db.ListBuckets(ctx)
}

type taskList struct {
	Tasks []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"tasks"`
}

// CreateContinuousQuery registers query as a task running every minute. A
// query that already declares its task options is sent unchanged.
func (db *InfluxDB) CreateContinuousQuery(ctx context.Context, name, query string) error {
	flux := query
	if !strings.Contains(query, "option task") {
		flux = fmt.Sprintf("option task = {name: %q, every: 1m}\n\n%s", name, query)
	}
	body, err := json.Marshal(map[string]any{
		"org":         db.cfg.Organization,
		"flux":        flux,
		"status":      "active",
		"description": name,
	})
	if err != nil {
		return err
	}
	if _, err := db.transport.Do(ctx, "POST", "/api/v2/tasks", body); err != nil {
		return fmt.Errorf("create task %s: %w", name, err)
	}
	return nil
}

func (db *InfluxDB) listTasks(ctx context.Context) (taskList, error) {
	var tl taskList
	raw, err := db.transport.Do(ctx, "GET", "/api/v2/tasks?org="+url.QueryEscape(db.cfg.Organization), nil)
	if err != nil {
		return tl, fmt.Errorf("list tasks: %w", err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &tl); err != nil {
			return tl, fmt.Errorf("decode tasks: %w", err)
		}
	}
	return tl, nil
}

func (db *InfluxDB) DropContinuousQuery(ctx context.Context, name string) error {
	tl, err := db.listTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tl.Tasks {
		if t.Name == name {
			if _, err := db.transport.Do(ctx, "DELETE", "/api/v2/tasks/"+url.PathEscape(t.ID), nil); err != nil {
				return fmt.Errorf("delete task %s: %w", name, err)
			}
			return nil
		}
	}
	return fmt.Errorf("delete task %s: not found", name)
}

func (db *InfluxDB) ListContinuousQueries(ctx context.Context) ([]string, error) {
	tl, err := db.listTasks(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(tl.Tasks))
	for _, t := range tl.Tasks {
		names = append(names, t.Name)
	}
	return names, nil
}

func (db *InfluxDB) Config() Config { return db.cfg }

func (db *InfluxDB) Status() Status {
	return Status{
		Backend:         BackendInflux,
		Connected:       db.connected.Load(),
		LastQueryTimeMs: db.QueryPerformanceMs(),
		PendingAsync:    db.async.Pending(),
		Details: map[string]any{
			"host":         db.cfg.Host,
			"port":         db.cfg.Port,
			"database":     db.cfg.Database,
			"bucket":       db.cfg.Bucket,
			"organization": db.cfg.Organization,
		},
	}
}

// QueryPerformanceMs is the latency of the most recent query.
func (db *InfluxDB) QueryPerformanceMs() float64 {
	db.perfMu.Lock()
	defer db.perfMu.Unlock()
	return db.lastQueryTimeMs
}

func (db *InfluxDB) Close() error {
	db.async.Close()
	err := db.Disconnect()
	if c, ok := db.transport.(interface{ Close() }); ok {
		c.Close()
	}
	return err
}

var _ TimeSeriesDB = (*InfluxDB)(nil)
var _ TimeSeriesDB = (*MemoryDB)(nil)
