package tracker

import (
	"maps"
	"sync"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
)

// Timer measures wall time excluding paused intervals and records it as a
// timer metric. It starts running when created.
type Timer struct {
	rec  model.MetricRecorder
	name string
	now  func() time.Time

	mu         sync.Mutex
	tags       map[string]string
	start      time.Time
	end        time.Time
	pauseStart time.Time
	pausedFor  time.Duration
	running    bool
	paused     bool
}

// NewTimer returns a running timer that records under name into rec.
func NewTimer(rec model.MetricRecorder, name string, tags map[string]string) *Timer {
	t := &Timer{rec: rec, name: name, now: time.Now, tags: maps.Clone(tags)}
	if t.tags == nil {
		t.tags = map[string]string{}
	}
	t.Start()
	return t
}

// Start restarts a stopped timer from zero. It is a no-op while running.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.start = t.now()
	t.running = true
	t.paused = false
	t.pausedFor = 0
}

// Stop freezes the elapsed time.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.resumeLocked()
	t.end = t.now()
	t.running = false
}

func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running && !t.paused {
		t.pauseStart = t.now()
		t.paused = true
	}
}

func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeLocked()
}

func (t *Timer) resumeLocked() {
	if t.running && t.paused {
		t.pausedFor += t.now().Sub(t.pauseStart)
		t.paused = false
	}
}

// Elapsed is the running time so far, or the final time once stopped.
// Time spent paused is excluded.
func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return t.end.Sub(t.start) - t.pausedFor
	}
	paused := t.pausedFor
	if t.paused {
		paused += t.now().Sub(t.pauseStart)
	}
	return t.now().Sub(t.start) - paused
}

func (t *Timer) ElapsedMs() float64 {
	return float64(t.Elapsed()) / float64(time.Millisecond)
}

// AddTag sets one tag on the recorded metric.
func (t *Timer) AddTag(key, value string) {
	t.mu.Lock()
	t.tags[key] = value
	t.mu.Unlock()
}

func (t *Timer) AddTags(tags map[string]string) {
	t.mu.Lock()
	maps.Copy(t.tags, tags)
	t.mu.Unlock()
}

// Record writes the elapsed time as a timer metric. An empty name uses the
// timer's own.
func (t *Timer) Record(name string) {
	if t.rec == nil {
		return
	}
	if name == "" {
		name = t.name
	}
	elapsed := t.Elapsed()
	t.mu.Lock()
	tags := maps.Clone(t.tags)
	t.mu.Unlock()
	t.rec.RecordTimer(name, elapsed, tags)
}

// Done stops the timer and records it, for use with defer.
func (t *Timer) Done() {
	t.Stop()
	t.Record("")
}
