package tsdb

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildFullQuery(t *testing.T) {
	start := time.Unix(0, 1000)
	end := time.Unix(0, 2000)

	got := NewQuery("m").
		TimeRange(start, end).
		Tag("k", "v").
		GroupBy("t").
		Fill("x").
		OrderBy("time", "").
		Limit(10).
		Build()

	want := `SELECT * FROM m WHERE time >= 1000 AND time <= 2000 AND "k" = 'v' GROUP BY "t" fill(x) ORDER BY time desc LIMIT 10`
	assert.Equal(t, want, got)
}

func TestBuildMinimal(t *testing.T) {
	assert.Equal(t, "SELECT * FROM cpu", NewQuery("cpu").Build())
}

func TestBuildTagsWithoutRange(t *testing.T) {
	got := NewQuery("m").Tags(map[string]string{"b": "2", "a": "1"}).Build()
	assert.Equal(t, `SELECT * FROM m WHERE "a" = '1' AND "b" = '2'`, got)
}

func TestBuildFieldsAndGroups(t *testing.T) {
	got := NewQuery("m").Field("value").Fields("count", "sum").GroupBy("plugin", "provider").OrderBy("time", "ASC").Build()
	assert.Equal(t, `SELECT value, count, sum FROM m GROUP BY "plugin", "provider" ORDER BY time asc`, got)
}

func TestTagOverwrite(t *testing.T) {
	q := NewQuery("m").Tag("k", "a").Tag("k", "b")
	assert.Equal(t, map[string]string{"k": "b"}, q.TagFilters())
	assert.True(t, strings.HasSuffix(q.Build(), `"k" = 'b'`))
}

func TestAccessors(t *testing.T) {
	start, end := time.UnixMilli(1), time.UnixMilli(2)
	q := NewQuery("m").TimeRange(start, end).Limit(0).GroupBy("g")

	r, ok := q.Range()
	assert.True(t, ok)
	assert.Equal(t, start, r.Start)
	assert.Equal(t, end, r.End)

	n, ok := q.LimitCount()
	assert.True(t, ok)
	assert.Equal(t, 0, n)

	_, dir := q.Order()
	assert.Empty(t, dir)
	assert.Equal(t, []string{"g"}, q.GroupByTags())

	_, ok = NewQuery("m").Range()
	assert.False(t, ok)
}

func TestMatchesBoundsInclusive(t *testing.T) {
	start, end := time.UnixMilli(100), time.UnixMilli(200)
	q := NewQuery("m").TimeRange(start, end).Tag("plugin", "p")

	tags := map[string]string{"plugin": "p", "other": "x"}
	assert.True(t, q.Matches(start, tags))
	assert.True(t, q.Matches(end, tags))
	assert.False(t, q.Matches(time.UnixMilli(201), tags))
	assert.False(t, q.Matches(time.UnixMilli(150), map[string]string{"plugin": "q"}))
	assert.False(t, q.Matches(time.UnixMilli(150), nil))
}
