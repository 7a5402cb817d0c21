package stats

// RollingWindow keeps the most recent values up to a fixed capacity.
// Insertion order is preserved; the oldest value is evicted first.
// It is not safe for concurrent use.
type RollingWindow struct {
	buf   []float64
	start int
	size  int
}

// NewRollingWindow returns a window holding at most capacity values.
// A non-positive capacity is treated as 1.
func NewRollingWindow(capacity int) *RollingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingWindow{buf: make([]float64, capacity)}
}

// Add appends v, evicting the oldest value when full.
func (w *RollingWindow) Add(v float64) {
	c := len(w.buf)
	if w.size < c {
		w.buf[(w.start+w.size)%c] = v
		w.size++
		return
	}
	w.buf[w.start] = v
	w.start = (w.start + 1) % c
}

// Len returns the number of stored values.
func (w *RollingWindow) Len() int { return w.size }

// Cap returns the window capacity.
func (w *RollingWindow) Cap() int { return len(w.buf) }

// Values returns a copy of the stored values, oldest first.
func (w *RollingWindow) Values() []float64 {
	out := make([]float64, w.size)
	c := len(w.buf)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.start+i)%c]
	}
	return out
}

// Resize changes the capacity, keeping the newest values that fit.
func (w *RollingWindow) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(w.buf) {
		return
	}
	vals := w.Values()
	if len(vals) > capacity {
		vals = vals[len(vals)-capacity:]
	}
	w.buf = make([]float64, capacity)
	w.start = 0
	w.size = copy(w.buf, vals)
}
