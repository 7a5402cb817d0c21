package tsdb

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TimeRange is an inclusive [Start, End] interval.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside the range, bounds included.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// QueryBuilder is a backend-neutral description of a query. Backends either
// render it with Build or read the accessors directly.
type QueryBuilder struct {
	measurement string
	timeRange   *TimeRange
	tags        map[string]string
	fields      []string
	groupBy     []string
	fill        string
	limit       int
	hasLimit    bool
	orderField  string
	orderDir    string
}

// NewQuery starts a query against measurement.
func NewQuery(measurement string) *QueryBuilder {
	return &QueryBuilder{measurement: measurement, tags: map[string]string{}}
}

func (q *QueryBuilder) TimeRange(start, end time.Time) *QueryBuilder {
	q.timeRange = &TimeRange{Start: start, End: end}
	return q
}

// Tag adds an equality filter. A repeated key overwrites the earlier value.
func (q *QueryBuilder) Tag(key, value string) *QueryBuilder {
	q.tags[key] = value
	return q
}

func (q *QueryBuilder) Tags(tags map[string]string) *QueryBuilder {
	maps.Copy(q.tags, tags)
	return q
}

func (q *QueryBuilder) Field(name string) *QueryBuilder {
	q.fields = append(q.fields, name)
	return q
}

func (q *QueryBuilder) Fields(names ...string) *QueryBuilder {
	q.fields = append(q.fields, names...)
	return q
}

// GroupBy replaces the group-by tag list.
func (q *QueryBuilder) GroupBy(tags ...string) *QueryBuilder {
	q.groupBy = slices.Clone(tags)
	return q
}

func (q *QueryBuilder) Fill(policy string) *QueryBuilder {
	q.fill = policy
	return q
}

func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	q.hasLimit = true
	return q
}

// OrderBy sets the ordering. An empty direction means "desc".
func (q *QueryBuilder) OrderBy(field, direction string) *QueryBuilder {
	if direction == "" {
		direction = "desc"
	}
	q.orderField = field
	q.orderDir = strings.ToLower(direction)
	return q
}

func (q *QueryBuilder) Measurement() string { return q.measurement }

// Range returns the time range and whether one was set.
func (q *QueryBuilder) Range() (TimeRange, bool) {
	if q.timeRange == nil {
		return TimeRange{}, false
	}
	return *q.timeRange, true
}

// TagFilters returns a copy of the tag equality filters.
func (q *QueryBuilder) TagFilters() map[string]string { return maps.Clone(q.tags) }

func (q *QueryBuilder) FieldNames() []string { return slices.Clone(q.fields) }

func (q *QueryBuilder) GroupByTags() []string { return slices.Clone(q.groupBy) }

func (q *QueryBuilder) FillPolicy() string { return q.fill }

// LimitCount returns the limit and whether one was set.
func (q *QueryBuilder) LimitCount() (int, bool) { return q.limit, q.hasLimit }

// Order returns the order-by field and direction; both are empty when unset.
func (q *QueryBuilder) Order() (field, direction string) { return q.orderField, q.orderDir }

// Matches reports whether a record with timestamp ts and the given tags
// passes the builder's time range and tag filters.
func (q *QueryBuilder) Matches(ts time.Time, tags map[string]string) bool {
	if q.timeRange != nil && !q.timeRange.Contains(ts) {
		return false
	}
	for k, v := range q.tags {
		got, ok := tags[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// Build renders the query as an InfluxQL-style string. Tag filters are
// emitted in sorted key order so the output is deterministic.
func (q *QueryBuilder) Build() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.fields) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(q.fields, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(q.measurement)

	var conds []string
	if q.timeRange != nil {
		conds = append(conds,
			fmt.Sprintf("time >= %d", q.timeRange.Start.UnixNano()),
			fmt.Sprintf("time <= %d", q.timeRange.End.UnixNano()))
	}
	for _, k := range slices.Sorted(maps.Keys(q.tags)) {
		conds = append(conds, fmt.Sprintf(`"%s" = '%s'`, k, escapeQuote(q.tags[k])))
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if len(q.groupBy) > 0 {
		quoted := make([]string, len(q.groupBy))
		for i, t := range q.groupBy {
			quoted[i] = `"` + t + `"`
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(quoted, ", "))
	}
	if q.fill != "" {
		fmt.Fprintf(&b, " fill(%s)", q.fill)
	}
	if q.orderDir != "" {
		fmt.Fprintf(&b, " ORDER BY time %s", q.orderDir)
	}
	if q.hasLimit {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	return b.String()
}

func escapeQuote(s string) string {
	return strings.ReplaceAll(s, `'`, `\'`)
}
