package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// RetentionPolicy is a stored retention rule.
type RetentionPolicy struct {
	Name        string
	Duration    time.Duration
	Replication int
	IsDefault   bool
}

func (s *Store) listNames(ctx context.Context, query string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) CreateDatabase(ctx context.Context, name string) error {
	return s.exec(ctx, "INSERT INTO databases (name) VALUES (?) ON CONFLICT DO NOTHING", name)
}

func (s *Store) DropDatabase(ctx context.Context, name string) error {
	return s.exec(ctx, "DELETE FROM databases WHERE name = ?", name)
}

func (s *Store) ListDatabases(ctx context.Context) ([]string, error) {
	return s.listNames(ctx, "SELECT name FROM databases ORDER BY name")
}

// PutRetentionPolicy upserts a policy. Marking a policy default clears the
// flag on every other policy.
func (s *Store) PutRetentionPolicy(ctx context.Context, p RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if p.IsDefault {
			if _, err := tx.ExecContext(ctx, "UPDATE retention_policies SET is_default = false WHERE name <> ?", p.Name); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO retention_policies (name, duration_seconds, replication, is_default)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (name) DO UPDATE SET duration_seconds = excluded.duration_seconds,
				replication = excluded.replication, is_default = excluded.is_default`,
			p.Name, int64(p.Duration.Seconds()), p.Replication, p.IsDefault)
		return err
	})
}

func (s *Store) DropRetentionPolicy(ctx context.Context, name string) error {
	return s.exec(ctx, "DELETE FROM retention_policies WHERE name = ?", name)
}

func (s *Store) ListRetentionPolicies(ctx context.Context) ([]string, error) {
	return s.listNames(ctx, "SELECT name FROM retention_policies ORDER BY name")
}

// DefaultRetentionPolicy returns the policy flagged default, if any.
func (s *Store) DefaultRetentionPolicy(ctx context.Context) (RetentionPolicy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var (
		p    RetentionPolicy
		secs int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT name, duration_seconds, replication, is_default FROM retention_policies WHERE is_default LIMIT 1",
	).Scan(&p.Name, &secs, &p.Replication, &p.IsDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	p.Duration = time.Duration(secs) * time.Second
	return p, true, nil
}

func (s *Store) PutContinuousQuery(ctx context.Context, name, query string) error {
	return s.exec(ctx, `INSERT INTO continuous_queries (name, query) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET query = excluded.query`, name, query)
}

func (s *Store) DropContinuousQuery(ctx context.Context, name string) error {
	return s.exec(ctx, "DELETE FROM continuous_queries WHERE name = ?", name)
}

func (s *Store) ListContinuousQueries(ctx context.Context) ([]string, error) {
	return s.listNames(ctx, "SELECT name FROM continuous_queries ORDER BY name")
}
