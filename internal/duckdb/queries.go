package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/tsdb"
)

// eventTagColumns maps event tag keys onto their columns.
var eventTagColumns = map[string]string{
	"plugin":        "plugin",
	"provider":      "provider",
	"model":         "model",
	"input_format":  "input_format",
	"output_format": "output_format",
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// queryCtx returns a context bounded by the store's query timeout.
func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}

func timeClause(q *tsdb.QueryBuilder, where []string, args []any) ([]string, []any) {
	if r, ok := q.Range(); ok {
		where = append(where, "ts_ns >= ?", "ts_ns <= ?")
		args = append(args, nanos(r.Start), nanos(r.End))
	}
	return where, args
}

func orderClause(q *tsdb.QueryBuilder) string {
	_, dir := q.Order()
	switch dir {
	case "asc":
		return " ORDER BY ts_ns ASC, rowid ASC"
	case "desc":
		return " ORDER BY ts_ns DESC, rowid DESC"
	default:
		return " ORDER BY rowid"
	}
}

// QueryMetrics selects points of the builder's measurement. Name, time
// range and ordering are evaluated in SQL; tag filters are matched on the
// decoded tags before the limit is applied.
func (s *Store) QueryMetrics(ctx context.Context, q *tsdb.QueryBuilder) ([]model.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	where, args := timeClause(q, []string{"name = ?"}, []any{q.Measurement()})
	query := "SELECT name, type, value, ts_ns, tags, fields FROM metrics WHERE " +
		strings.Join(where, " AND ") + orderClause(q)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	filters := q.TagFilters()
	limit, hasLimit := q.LimitCount()
	var out []model.MetricPoint
	for rows.Next() {
		var (
			p            model.MetricPoint
			typ          int
			ts           int64
			tags, fields string
		)
		if err := rows.Scan(&p.Name, &typ, &p.Value, &ts, &tags, &fields); err != nil {
			return nil, err
		}
		p.Type = model.MetricType(typ)
		p.Timestamp = fromNanos(ts)
		p.Tags = map[string]string{}
		p.Fields = map[string]float64{}
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			log.WithError(err).Warn("duckdb: bad tags json")
		}
		if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
			log.WithError(err).Warn("duckdb: bad fields json")
		}
		if !tagsMatch(filters, p.Tags) {
			continue
		}
		out = append(out, p)
		if hasLimit && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func tagsMatch(filters, tags map[string]string) bool {
	for k, v := range filters {
		if got, ok := tags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// QueryEvents selects processing events. Tag filters on plugin, provider,
// model and formats compile to column predicates; any other tag key
// matches nothing.
func (s *Store) QueryEvents(ctx context.Context, q *tsdb.QueryBuilder) ([]model.ProcessingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	where, args := timeClause(q, nil, nil)
	for k, v := range q.TagFilters() {
		col, ok := eventTagColumns[k]
		if !ok {
			return nil, nil
		}
		where = append(where, col+" = ?")
		args = append(args, v)
	}

	query := `SELECT plugin, provider, model, input_format, output_format, processing_time_ms,
		input_size_bytes, output_size_bytes, success, error_type, tokens_processed,
		capabilities, metadata, ts_ns FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += orderClause(q)
	if n, ok := q.LimitCount(); ok {
		query += fmt.Sprintf(" LIMIT %d", max(n, 0))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessingEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (model.ProcessingEvent, error) {
	var (
		e          model.ProcessingEvent
		caps, meta string
		ts         int64
	)
	err := rows.Scan(&e.PluginName, &e.Provider, &e.Model, &e.InputFormat, &e.OutputFormat,
		&e.ProcessingTimeMs, &e.InputSizeBytes, &e.OutputSizeBytes, &e.Success, &e.ErrorType,
		&e.TokensProcessed, &caps, &meta, &ts)
	if err != nil {
		return e, err
	}
	e.Timestamp = fromNanos(ts)
	e.CapabilitiesUsed = []string{}
	e.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(caps), &e.CapabilitiesUsed); err != nil {
		log.WithError(err).Warn("duckdb: bad capabilities json")
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		log.WithError(err).Warn("duckdb: bad metadata json")
	}
	return e, nil
}

// DeleteBefore removes metrics and events older than cutoff and returns the
// number of rows deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var total int64
	for _, table := range []string{"metrics", "events"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts_ns < ?", cutoff.UnixNano())
		if err != nil {
			return total, fmt.Errorf("delete from %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Counts returns the number of stored metrics and events.
func (s *Store) Counts(ctx context.Context) (metrics, events int64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM metrics").Scan(&metrics); err != nil {
		return 0, 0, err
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&events); err != nil {
		return 0, 0, err
	}
	return metrics, events, nil
}
