package duckdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo copies the whole database, in-memory or on disk, into a new
// DuckDB file at dstPath. The copy is built under a temporary name and
// renamed into place, so dstPath never holds a partial snapshot.
func (s *Store) SnapshotTo(ctx context.Context, dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := dstPath + ".tmp"
	_ = os.Remove(tmp)

	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var current string
	if err := conn.QueryRowContext(ctx, "SELECT current_database()").Scan(&current); err != nil {
		return fmt.Errorf("resolve database name: %w", err)
	}

	attach := fmt.Sprintf("ATTACH '%s' AS pulse_snapshot", strings.ReplaceAll(tmp, "'", "''"))
	if _, err := conn.ExecContext(ctx, attach); err != nil {
		return fmt.Errorf("attach snapshot: %w", err)
	}
	_, copyErr := conn.ExecContext(ctx, fmt.Sprintf(`COPY FROM DATABASE "%s" TO pulse_snapshot`, current))
	if _, err := conn.ExecContext(ctx, "DETACH pulse_snapshot"); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copy database: %w", copyErr)
	}

	if err := os.Rename(tmp, dstPath); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	log.Infof("duckdb: snapshot written to %s", dstPath)
	return nil
}
