package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tinytelemetry/pulse/internal/model"
)

// InsertMetrics appends points in a single transaction. If the batch fails
// it is retried point by point so one bad row does not lose the rest.
func (s *Store) InsertMetrics(ctx context.Context, points []model.MetricPoint) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.inTx(ctx, func(tx *sql.Tx) error { return insertMetricsTx(ctx, tx, points) }); err == nil {
		return nil
	}

	var failed int
	for i := range points {
		one := points[i : i+1]
		if err := s.inTx(ctx, func(tx *sql.Tx) error { return insertMetricsTx(ctx, tx, one) }); err != nil {
			failed++
			log.WithError(err).Warnf("duckdb: dropping metric %s", points[i].Name)
		}
	}
	if failed == len(points) {
		return fmt.Errorf("duckdb: all %d metrics failed to insert", failed)
	}
	if failed > 0 {
		log.Warnf("duckdb: metric batch partially failed, %d/%d dropped", failed, len(points))
	}
	return nil
}

// InsertEvents appends processing events with the same salvage behavior as
// InsertMetrics.
func (s *Store) InsertEvents(ctx context.Context, events []model.ProcessingEvent) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.inTx(ctx, func(tx *sql.Tx) error { return insertEventsTx(ctx, tx, events) }); err == nil {
		return nil
	}

	var failed int
	for i := range events {
		one := events[i : i+1]
		if err := s.inTx(ctx, func(tx *sql.Tx) error { return insertEventsTx(ctx, tx, one) }); err != nil {
			failed++
			log.WithError(err).Warnf("duckdb: dropping event from plugin %s", events[i].PluginName)
		}
	}
	if failed == len(events) {
		return fmt.Errorf("duckdb: all %d events failed to insert", failed)
	}
	if failed > 0 {
		log.Warnf("duckdb: event batch partially failed, %d/%d dropped", failed, len(events))
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func insertMetricsTx(ctx context.Context, tx *sql.Tx, points []model.MetricPoint) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO metrics (name, type, value, ts_ns, tags, fields) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		tags, err := marshalOr(p.Tags, "{}")
		if err != nil {
			return err
		}
		fields, err := marshalOr(p.Fields, "{}")
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, p.Name, int(p.Type), p.Value, nanos(p.Timestamp), tags, fields); err != nil {
			return fmt.Errorf("metric insert: %w", err)
		}
	}
	return nil
}

func insertEventsTx(ctx context.Context, tx *sql.Tx, events []model.ProcessingEvent) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (plugin, provider, model, input_format, output_format,
		processing_time_ms, input_size_bytes, output_size_bytes, success, error_type, tokens_processed,
		capabilities, metadata, ts_ns) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range events {
		caps, err := marshalOr(e.CapabilitiesUsed, "[]")
		if err != nil {
			return err
		}
		meta, err := marshalOr(e.Metadata, "{}")
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			e.PluginName, e.Provider, e.Model, e.InputFormat, e.OutputFormat,
			e.ProcessingTimeMs, e.InputSizeBytes, e.OutputSizeBytes, e.Success, e.ErrorType,
			e.TokensProcessed, caps, meta, nanos(e.Timestamp),
		); err != nil {
			return fmt.Errorf("event insert: %w", err)
		}
	}
	return nil
}

// marshalOr encodes v as JSON and returns empty when v is an empty
// collection.
func marshalOr[T any](v T, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if s := string(data); s != "null" && s != "{}" && s != "[]" {
		return s, nil
	}
	return empty, nil
}
