package tsdb

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/model"
)

var log = logrus.WithField("component", "tsdb")

type asyncRequest struct {
	isEvents bool
	metrics  []model.MetricPoint
	events   []model.ProcessingEvent
	cb       WriteCallback
}

// AsyncWriter runs one background worker that performs queued writes
// against a Writer. The queue is guarded by a mutex and condition variable;
// the worker drains every pending request before re-checking for shutdown,
// so Close never drops accepted work.
type AsyncWriter struct {
	w          Writer
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []asyncRequest
	inflight int
	stopped  bool

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAsyncWriter starts the worker. Failed writes are retried up to
// cfg.MaxRetries times, cfg.RetryDelay apart.
func NewAsyncWriter(w Writer, cfg Config) *AsyncWriter {
	a := &AsyncWriter{
		w:          w,
		timeout:    cfg.QueryTimeout,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		done:       make(chan struct{}),
	}
	if a.timeout <= 0 {
		a.timeout = DefaultConfig().QueryTimeout
	}
	a.cond = sync.NewCond(&a.mu)

	a.wg.Add(1)
	go a.run()
	return a
}

// SubmitMetrics enqueues a metric write. After Close the callback is
// invoked with false immediately.
func (a *AsyncWriter) SubmitMetrics(points []model.MetricPoint, cb WriteCallback) {
	a.submit(asyncRequest{metrics: points, cb: cb})
}

// SubmitEvents enqueues an event write.
func (a *AsyncWriter) SubmitEvents(events []model.ProcessingEvent, cb WriteCallback) {
	a.submit(asyncRequest{isEvents: true, events: events, cb: cb})
}

func (a *AsyncWriter) submit(req asyncRequest) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		if req.cb != nil {
			req.cb(false)
		}
		return
	}
	a.queue = append(a.queue, req)
	a.mu.Unlock()
	a.cond.Signal()
}

// Pending returns the number of queued or in-flight requests.
func (a *AsyncWriter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue) + a.inflight
}

func (a *AsyncWriter) run() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.stopped {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			a.mu.Unlock()
			return
		}
		batch := a.queue
		a.queue = nil
		a.inflight = len(batch)
		a.mu.Unlock()

		for _, req := range batch {
			ok := a.process(req)
			if req.cb != nil {
				req.cb(ok)
			}
			a.mu.Lock()
			a.inflight--
			a.mu.Unlock()
		}
	}
}

func (a *AsyncWriter) process(req asyncRequest) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("async write panic: %v", r)
			ok = false
		}
	}()

	for attempt := 0; ; attempt++ {
		err := a.write(req)
		if err == nil {
			return true
		}
		if attempt >= a.maxRetries {
			log.WithError(err).Warnf("async write failed after %d attempts", attempt+1)
			return false
		}
		select {
		case <-a.done:
			log.WithError(err).Warn("async write abandoned during shutdown")
			return false
		case <-time.After(a.retryDelay):
		}
	}
}

func (a *AsyncWriter) write(req asyncRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if req.isEvents {
		return a.w.WriteEvents(ctx, req.events)
	}
	return a.w.WriteMetrics(ctx, req.metrics)
}

// Close stops accepting requests, waits for the queue to drain and stops
// the worker. It is safe to call more than once.
func (a *AsyncWriter) Close() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
		a.cond.Broadcast()
		close(a.done)
		a.wg.Wait()
	})
}
