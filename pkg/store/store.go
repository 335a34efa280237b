// Package store is the concrete sqlite-backed implementation of the
// Persistence collaborator (C4): policies, price history, utilization
// rows, and numerical-library outputs. Modeled directly on the
// teacher's pkg/db connection/schema/migration layering.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB handle open against a single sqlite file.
type Store struct {
	DB *sql.DB
}

// New opens (creating if necessary) the sqlite database at path. A
// single open connection is used, matching the teacher's
// SetMaxOpenConns(1) for sqlite's single-writer model.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{DB: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}
