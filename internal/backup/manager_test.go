package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeSnapshotter struct {
	data []byte
	err  error
}

func (f *fakeSnapshotter) SnapshotTo(_ context.Context, dstPath string) error {
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(dstPath, f.data, 0644)
}

func TestNewManager_Disabled(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeSnapshotter{data: []byte("x")}, Config{})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if m != nil {
		t.Fatal("expected nil manager when disabled")
	}
}

func TestNewManager_EnabledRequiresLocalDir(t *testing.T) {
	t.Parallel()

	_, err := NewManager(&fakeSnapshotter{data: []byte("x")}, Config{Enabled: true})
	if err == nil {
		t.Fatal("expected error for empty local dir")
	}
	if _, err := NewManager(nil, Config{Enabled: true, LocalDir: t.TempDir()}); err == nil {
		t.Fatal("expected error for nil snapshotter")
	}
}

func TestNewManager_TakesStartupSnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := NewManager(&fakeSnapshotter{data: []byte("x")}, Config{Enabled: true, LocalDir: dir, Interval: time.Hour})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Stop()

	files, _ := filepath.Glob(filepath.Join(dir, "pulse-*.duckdb"))
	if len(files) != 1 {
		t.Fatalf("startup snapshots = %d, want 1", len(files))
	}
}

func TestRunOnce_CreatesAndPrunesLocalBackups(t *testing.T) {
	t.Parallel()

	localDir := t.TempDir()
	m := newManager(&fakeSnapshotter{data: []byte("snapshot")}, Config{
		Enabled:  true,
		LocalDir: localDir,
		KeepLast: 2,
	})
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var n int
	m.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}

	for i := range 3 {
		if err := m.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce #%d: %v", i+1, err)
		}
	}

	files, err := filepath.Glob(filepath.Join(localDir, "pulse-*.duckdb"))
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("backup files = %d, want 2", len(files))
	}
	oldest := filepath.Join(localDir, "pulse-20260102-030406.000.duckdb")
	if _, err := os.Stat(oldest); !os.IsNotExist(err) {
		t.Fatalf("oldest snapshot should be pruned, stat err = %v", err)
	}
}

func TestRunOnce_SnapshotError(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	m := newManager(&fakeSnapshotter{err: boom}, Config{LocalDir: t.TempDir(), KeepLast: 1})
	if err := m.RunOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("RunOnce err = %v, want %v", err, boom)
	}
}

type blockingSnapshotter struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingSnapshotter) SnapshotTo(ctx context.Context, _ string) error {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStop_CancelsInFlightSnapshot(t *testing.T) {
	t.Parallel()

	snap := &blockingSnapshotter{started: make(chan struct{})}
	m := newManager(snap, Config{
		Enabled:  true,
		Interval: 5 * time.Millisecond,
		LocalDir: t.TempDir(),
		KeepLast: 2,
	})

	m.wg.Add(1)
	go m.loop()

	select {
	case <-snap.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot to start")
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; snapshot likely not canceled")
	}
}
