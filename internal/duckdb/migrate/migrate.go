// Package migrate applies the embedded schema for the DuckDB metrics store.
package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var files embed.FS

var log = logrus.WithField("component", "migrate")

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       VARCHAR NOT NULL,
	applied_at TIMESTAMP DEFAULT current_timestamp
)`

// step is one NNN_description.sql file.
type step struct {
	version int
	name    string
	body    string
}

// State describes the schema of one database.
type State struct {
	Applied int      `json:"applied"`
	Latest  int      `json:"latest"`
	Pending []string `json:"pending,omitempty"`
}

// Current reports whether every embedded step has been applied.
func (s State) Current() bool { return len(s.Pending) == 0 }

// Runner applies the embedded steps in version order, each in its own
// transaction, recording them in schema_migrations.
type Runner struct {
	db    *sql.DB
	steps []step
}

// NewRunner loads the embedded steps for db.
func NewRunner(db *sql.DB) (*Runner, error) {
	steps, err := loadSteps(files, "migrations")
	if err != nil {
		return nil, err
	}
	return &Runner{db: db, steps: steps}, nil
}

func loadSteps(fsys fs.FS, dir string) ([]step, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var steps []step
	seen := map[int]string{}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version prefix: %w", e.Name(), err)
		}
		if prev, dup := seen[ver]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", e.Name(), ver, prev)
		}
		seen[ver] = e.Name()
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		steps = append(steps, step{version: ver, name: e.Name(), body: string(body)})
	}

	slices.SortFunc(steps, func(a, b step) int { return cmp.Compare(a.version, b.version) })
	return steps, nil
}

func (r *Runner) applied(ctx context.Context) (int, error) {
	if _, err := r.db.ExecContext(ctx, ledgerDDL); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// State reports the applied and latest versions and the pending steps.
func (r *Runner) State(ctx context.Context) (State, error) {
	cur, err := r.applied(ctx)
	if err != nil {
		return State{}, err
	}
	st := State{Applied: cur}
	for _, s := range r.steps {
		st.Latest = max(st.Latest, s.version)
		if s.version > cur {
			st.Pending = append(st.Pending, s.name)
		}
	}
	return st, nil
}

// Run applies every pending step and returns the names applied.
func (r *Runner) Run(ctx context.Context) ([]string, error) {
	cur, err := r.applied(ctx)
	if err != nil {
		return nil, err
	}

	var done []string
	for _, s := range r.steps {
		if s.version <= cur {
			continue
		}
		if err := r.apply(ctx, s); err != nil {
			return done, err
		}
		done = append(done, s.name)
	}
	if len(done) > 0 {
		log.Debugf("migrate: applied %s", strings.Join(done, ", "))
	}
	return done, nil
}

func (r *Runner) apply(ctx context.Context, s step) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %s: begin: %w", s.name, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.body); err != nil {
		return fmt.Errorf("migration %s: %w", s.name, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)", s.version, s.name); err != nil {
		return fmt.Errorf("migration %s: record: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %s: commit: %w", s.name, err)
	}
	return nil
}
