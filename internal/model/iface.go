package model

import (
	"context"
	"time"
)

// MetricSink receives batches drained from the collector buffers.
type MetricSink interface {
	StoreMetrics(ctx context.Context, points []MetricPoint) error
	StoreEvents(ctx context.Context, events []ProcessingEvent) error
}

// Pruner deletes stored data older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MetricRecorder is the recording surface shared by producers.
type MetricRecorder interface {
	RecordCounter(name string, value float64, tags map[string]string)
	RecordGauge(name string, value float64, tags map[string]string)
	RecordHistogram(name string, value float64, tags map[string]string)
	RecordTimer(name string, d time.Duration, tags map[string]string)
	RecordEvent(point MetricPoint)
	RecordProcessingEvent(event ProcessingEvent)
}

// ResourceSample is one reading of host resource usage.
type ResourceSample struct {
	CPUPercent      float64
	MemoryMB        float64
	DiskMBPerSec    float64
	NetworkMBPerSec float64
}

// ResourceSampler reads host resource usage.
type ResourceSampler interface {
	Sample(ctx context.Context) (ResourceSample, error)
}
