package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/pulse/internal/model"
)

type timerCall struct {
	name string
	d    time.Duration
	tags map[string]string
}

type recorderStub struct {
	timers []timerCall
}

func (r *recorderStub) RecordCounter(string, float64, map[string]string) {}
func (r *recorderStub) RecordGauge(string, float64, map[string]string) {}
func (r *recorderStub) RecordHistogram(string, float64, map[string]string) {}
func (r *recorderStub) RecordEvent(model.MetricPoint) {}
func (r *recorderStub) RecordProcessingEvent(model.ProcessingEvent) {}
func (r *recorderStub) RecordTimer(name string, d time.Duration, tags map[string]string) {
	r.timers = append(r.timers, timerCall{name, d, tags})
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeTimer(rec model.MetricRecorder) (*Timer, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	tm := &Timer{rec: rec, name: "op", now: clk.now, tags: map[string]string{}}
	tm.Start()
	return tm, clk
}

func TestTimerExcludesPausedTime(t *testing.T) {
	tm, clk := newFakeTimer(nil)
	clk.advance(10 * time.Millisecond)
	tm.Pause()
	clk.advance(time.Second)
	assert.Equal(t, 10*time.Millisecond, tm.Elapsed())
	tm.Resume()
	clk.advance(5 * time.Millisecond)
	assert.Equal(t, 15*time.Millisecond, tm.Elapsed())

	tm.Stop()
	clk.advance(time.Hour)
	assert.Equal(t, 15*time.Millisecond, tm.Elapsed())
	assert.InDelta(t, 15.0, tm.ElapsedMs(), 1e-9)
}

func TestTimerStopWhilePaused(t *testing.T) {
	tm, clk := newFakeTimer(nil)
	clk.advance(3 * time.Millisecond)
	tm.Pause()
	clk.advance(7 * time.Millisecond)
	tm.Stop()
	assert.Equal(t, 3*time.Millisecond, tm.Elapsed())
}

func TestTimerRecord(t *testing.T) {
	rec := &recorderStub{}
	tm, clk := newFakeTimer(rec)
	tm.AddTag("plugin", "md")
	tm.AddTags(map[string]string{"provider": "x"})
	clk.advance(20 * time.Millisecond)
	tm.Done()
	tm.Record("custom")

	require.Len(t, rec.timers, 2)
	assert.Equal(t, "op", rec.timers[0].name)
	assert.Equal(t, 20*time.Millisecond, rec.timers[0].d)
	assert.Equal(t, map[string]string{"plugin": "md", "provider": "x"}, rec.timers[0].tags)
	assert.Equal(t, "custom", rec.timers[1].name)
}

func TestNewTimerIsRunning(t *testing.T) {
	rec := &recorderStub{}
	tm := NewTimer(rec, "op", nil)
	time.Sleep(time.Millisecond)
	assert.Greater(t, tm.Elapsed(), time.Duration(0))
}
