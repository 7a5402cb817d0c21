package tsdb

import (
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	lp "github.com/influxdata/line-protocol"

	"github.com/tinytelemetry/pulse/internal/model"
)

// MetricToPoint maps a metric onto a client point. The metric value is the
// "value" field and extra fields sit beside it.
func MetricToPoint(p model.MetricPoint) *write.Point {
	fields := make(map[string]any, len(p.Fields)+1)
	for k, v := range p.Fields {
		fields[k] = v
	}
	fields["value"] = p.Value
	return influxdb2.NewPoint(p.Name, p.Tags, fields, p.Timestamp)
}

// EventToPoint maps a processing event into the events measurement.
// error_type is only written when set.
func EventToPoint(e model.ProcessingEvent) *write.Point {
	fields := map[string]any{
		"processing_time_ms": e.ProcessingTimeMs,
		"input_size_bytes":   e.InputSizeBytes,
		"output_size_bytes":  e.OutputSizeBytes,
		"success":            e.Success,
		"tokens_processed":   e.TokensProcessed,
	}
	if e.ErrorType != "" {
		fields["error_type"] = e.ErrorType
	}
	return influxdb2.NewPoint(model.EventsMeasurement, e.Tags(), fields, e.Timestamp)
}

// EncodeMetrics renders points as line protocol, one line per point. Tags
// and fields are in sorted key order; empty tag values are left out.
func EncodeMetrics(points []model.MetricPoint, precision string) (string, error) {
	wp := make([]*write.Point, 0, len(points))
	for _, p := range points {
		wp = append(wp, MetricToPoint(p))
	}
	return encodePoints(wp, precision)
}

// EncodeEvents renders processing events as line protocol.
func EncodeEvents(events []model.ProcessingEvent, precision string) (string, error) {
	wp := make([]*write.Point, 0, len(events))
	for _, e := range events {
		wp = append(wp, EventToPoint(e))
	}
	return encodePoints(wp, precision)
}

func encodePoints(points []*write.Point, precision string) (string, error) {
	var b strings.Builder
	enc := lp.NewEncoder(&b)
	enc.SetFieldTypeSupport(lp.UintSupport)
	enc.FailOnFieldErr(true)
	enc.SetPrecision(precisionUnit(precision))
	for _, p := range points {
		if _, err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("encode %s: %w", p.Name(), err)
		}
	}
	return b.String(), nil
}

func precisionUnit(precision string) time.Duration {
	switch precision {
	case "s":
		return time.Second
	case "ms":
		return time.Millisecond
	case "us":
		return time.Microsecond
	default:
		return time.Nanosecond
	}
}

func timeFrom(v int64, precision string) time.Time {
	switch precision {
	case "s":
		return time.Unix(v, 0)
	case "ms":
		return time.UnixMilli(v)
	case "us":
		return time.UnixMicro(v)
	default:
		return time.Unix(0, v)
	}
}
