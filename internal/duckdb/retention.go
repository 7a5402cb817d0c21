package duckdb

import (
	"context"
	"sync"
	"time"

	"github.com/tinytelemetry/pulse/internal/model"
)

// RetentionConfig holds configuration for the retention cleaner.
type RetentionConfig struct {
	Retention time.Duration
	Interval  time.Duration
}

// RetentionCleaner periodically deletes data older than the retention
// period from a Pruner.
type RetentionCleaner struct {
	pruner    model.Pruner
	retention time.Duration
	interval  time.Duration
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewRetentionCleaner starts a cleaner. It returns nil when retention is
// not positive (disabled). The interval defaults to one hour.
func NewRetentionCleaner(pruner model.Pruner, conf RetentionConfig) *RetentionCleaner {
	if conf.Retention <= 0 {
		return nil
	}
	if conf.Interval <= 0 {
		conf.Interval = time.Hour
	}

	rc := &RetentionCleaner{
		pruner:    pruner,
		retention: conf.Retention,
		interval:  conf.Interval,
		done:      make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()

	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := time.Now().Add(-rc.retention)

	rows, err := rc.pruner.DeleteBefore(context.Background(), cutoff)
	if err != nil {
		log.WithError(err).Warn("duckdb: retention cleanup failed")
		return
	}
	if rows > 0 {
		log.Infof("duckdb: retention cleanup deleted %d rows older than %s", rows, rc.retention)
	}
}

// Retention returns the configured retention period.
func (rc *RetentionCleaner) Retention() time.Duration { return rc.retention }

// Stop signals the cleaner to stop and waits for it to finish.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
