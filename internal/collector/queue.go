package collector

// fifo is a bounded ring buffer that evicts its oldest entry on overflow.
// Callers hold the collector's buffer lock.
type fifo[T any] struct {
	buf  []T
	head int
	size int
}

func newFIFO[T any](capacity int) *fifo[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &fifo[T]{buf: make([]T, capacity)}
}

func (q *fifo[T]) len() int { return q.size }

func (q *fifo[T]) cap() int { return len(q.buf) }

// push appends v and reports whether the oldest entry was evicted.
func (q *fifo[T]) push(v T) bool {
	c := len(q.buf)
	if q.size < c {
		q.buf[(q.head+q.size)%c] = v
		q.size++
		return false
	}
	q.buf[q.head] = v
	q.head = (q.head + 1) % c
	return true
}

// take removes and returns up to n entries, oldest first.
func (q *fifo[T]) take(n int) []T {
	if n > q.size {
		n = q.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, n)
	c := len(q.buf)
	var zero T
	for i := range n {
		idx := (q.head + i) % c
		out[i] = q.buf[idx]
		q.buf[idx] = zero
	}
	q.head = (q.head + n) % c
	q.size -= n
	return out
}

// resize changes the capacity, keeping the newest entries, and returns
// how many were evicted.
func (q *fifo[T]) resize(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(q.buf) {
		return 0
	}
	evicted := 0
	if q.size > capacity {
		evicted = q.size - capacity
		q.take(evicted)
	}
	items := q.take(q.size)
	q.buf = make([]T, capacity)
	q.head = 0
	q.size = copy(q.buf, items)
	return evicted
}
