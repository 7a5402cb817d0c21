package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
)

// EventSink receives plugin processing events.
type EventSink interface {
	RecordPluginExecution(e model.ProcessingEvent)
}

// PointSink receives metric points.
type PointSink interface {
	RecordEvent(p model.MetricPoint)
}

// Kind says how a document was routed.
type Kind int

const (
	KindMalformed Kind = iota
	KindEvent
	KindMetric
)

var errUnroutable = errors.New("document has neither plugin_name nor name")

// Result holds the outcome of processing one document.
type Result struct {
	Kind  Kind
	Event model.ProcessingEvent
	Point model.MetricPoint
	Err   error
}

// Counts are running totals per outcome.
type Counts struct {
	Events    uint64 `json:"events"`
	Metrics   uint64 `json:"metrics"`
	Malformed uint64 `json:"malformed"`
}

// Processor decodes documents and routes them: objects carrying
// plugin_name are processing events, objects carrying name are metric
// points. It is safe for concurrent use.
type Processor struct {
	events EventSink
	points PointSink
	now    func() time.Time

	nEvents    atomic.Uint64
	nMetrics   atomic.Uint64
	nMalformed atomic.Uint64
}

// NewProcessor creates a processor. Either sink may be nil, in which case
// matching documents are decoded and counted but not recorded.
func NewProcessor(events EventSink, points PointSink) *Processor {
	return &Processor{events: events, points: points, now: time.Now}
}

// Run processes documents until the channel closes or ctx is done.
func (p *Processor) Run(ctx context.Context, docs <-chan Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-docs:
			if !ok {
				return
			}
			p.Process(env)
		}
	}
}

// Process decodes and routes one document. A document without a
// timestamp is stamped with the current time.
func (p *Processor) Process(env Envelope) Result {
	r := p.decode(env.Payload)
	switch r.Kind {
	case KindEvent:
		p.nEvents.Add(1)
		if p.events != nil {
			p.events.RecordPluginExecution(r.Event)
		}
	case KindMetric:
		p.nMetrics.Add(1)
		if p.points != nil {
			p.points.RecordEvent(r.Point)
		}
	default:
		p.nMalformed.Add(1)
		log.WithError(r.Err).Debugf("ingest: malformed document from %s", env.Source)
	}
	return r
}

func (p *Processor) decode(doc string) Result {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &keys); err != nil {
		return Result{Err: err}
	}
	_, stamped := keys["timestamp"]

	if _, ok := keys["plugin_name"]; ok {
		var e model.ProcessingEvent
		if err := json.Unmarshal([]byte(doc), &e); err != nil {
			return Result{Err: err}
		}
		if e.PluginName == "" {
			return Result{Err: errors.New("empty plugin_name")}
		}
		if !stamped || e.Timestamp.IsZero() {
			e.Timestamp = p.now()
		}
		return Result{Kind: KindEvent, Event: e}
	}

	if _, ok := keys["name"]; ok {
		data := []byte(doc)
		if raw, ok := keys["type"]; ok && len(raw) > 0 && raw[0] == '"' {
			typ, err := parseMetricType(raw)
			if err != nil {
				return Result{Err: err}
			}
			keys["type"] = json.RawMessage(strconv.Itoa(int(typ)))
			if data, err = json.Marshal(keys); err != nil {
				return Result{Err: err}
			}
		}
		var pt model.MetricPoint
		if err := json.Unmarshal(data, &pt); err != nil {
			return Result{Err: err}
		}
		if pt.Name == "" {
			return Result{Err: errors.New("empty name")}
		}
		if !stamped || pt.Timestamp.IsZero() {
			pt.Timestamp = p.now()
		}
		return Result{Kind: KindMetric, Point: pt}
	}

	return Result{Err: errUnroutable}
}

// parseMetricType accepts a metric type by name, e.g. "gauge".
func parseMetricType(raw json.RawMessage) (model.MetricType, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return 0, err
	}
	for t := model.Counter; t <= model.RawEvent; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown metric type %q", name)
}

// Counts returns the running totals.
func (p *Processor) Counts() Counts {
	return Counts{
		Events:    p.nEvents.Load(),
		Metrics:   p.nMetrics.Load(),
		Malformed: p.nMalformed.Load(),
	}
}
