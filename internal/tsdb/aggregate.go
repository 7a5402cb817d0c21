package tsdb

import (
	"strings"

	"github.com/tinytelemetry/pulse/internal/model"
	"github.com/tinytelemetry/pulse/internal/stats"
)

// Summarize groups points by the builder's group-by tags and summarizes
// each group's values. Groups appear in first-seen order and are named by
// their series key. Backends without server-side aggregation use it.
func Summarize(q *QueryBuilder, points []model.MetricPoint) []model.MetricStatistics {
	if len(points) == 0 {
		return nil
	}

	groupBy := q.GroupByTags()
	type group struct {
		typ    model.MetricType
		values []float64
	}
	groups := map[string]*group{}
	var order []string
	for _, p := range points {
		key := groupKey(q.Measurement(), groupBy, p.Tags)
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.typ = p.Type
		g.values = append(g.values, p.Value)
	}

	out := make([]model.MetricStatistics, 0, len(order))
	for _, key := range order {
		g := groups[key]
		out = append(out, stats.Summarize(key, g.typ, g.values))
	}
	return out
}

// groupKey renders a series key in line-protocol style, e.g.
// "latency,plugin=markdown".
func groupKey(measurement string, groupBy []string, tags map[string]string) string {
	if len(groupBy) == 0 {
		return measurement
	}
	var b strings.Builder
	b.WriteString(measurement)
	for _, t := range groupBy {
		b.WriteString(",")
		b.WriteString(t)
		b.WriteString("=")
		b.WriteString(tags[t])
	}
	return b.String()
}
