// Package duckdb is an embedded time-series backend built on DuckDB. It
// registers itself with the tsdb factory as "duckdb".
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/pulse/internal/duckdb/migrate"
)

var log = logrus.WithField("component", "duckdb")

const defaultQueryTimeout = 30 * time.Second

// Store holds the metrics and events tables of one DuckDB database. It is
// safe for concurrent use; queries run under QueryTimeout.
type Store struct {
	db     *sql.DB
	schema *migrate.Runner

	mu           sync.RWMutex
	dbPath       string
	QueryTimeout time.Duration
}

// NewStore opens the database at dbPath, creating parent directories, and
// brings its schema up to date. An empty dbPath opens an in-memory
// database. The optional queryTimeout defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dbPath: dbPath, QueryTimeout: defaultQueryTimeout}
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		s.QueryTimeout = queryTimeout[0]
	}

	if s.schema, err = migrate.NewRunner(db); err != nil {
		db.Close()
		return nil, err
	}
	applied, err := s.schema.Run(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", s.describe(), err)
	}
	if len(applied) > 0 {
		log.Infof("duckdb: %s schema upgraded (%d steps)", s.describe(), len(applied))
	}
	return s, nil
}

func (s *Store) describe() string {
	if s.dbPath == "" {
		return "in-memory database"
	}
	return s.dbPath
}

// Schema reports the applied schema version.
func (s *Store) Schema(ctx context.Context) (migrate.State, error) {
	return s.schema.State(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}
