// ABOUTME: SQLite implementation of StateStore using modernc.org/sqlite.
// ABOUTME: WAL mode, automatic schema creation, ETag checks inside one tx.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/2389/loom-runtime/internal/wire"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements StateStore on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. Parent directories
// are created if needed; ":memory:" is accepted for ephemeral stores.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite state store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_state (
			agent_type TEXT NOT NULL,
			agent_key  TEXT NOT NULL,
			state      BLOB NOT NULL,
			etag       TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (agent_type, agent_key)
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Read returns the stored state for agentID, or an empty State if none
// exists yet.
func (s *SQLiteStore) Read(ctx context.Context, agentID wire.AgentID) (State, error) {
	var st State
	err := s.db.QueryRowContext(ctx,
		`SELECT state, etag FROM agent_state WHERE agent_type = ? AND agent_key = ?`,
		agentID.Type, agentID.Key,
	).Scan(&st.Data, &st.ETag)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading state for %s: %w", agentID, err)
	}
	return st, nil
}

// Write stores data for agentID, enforcing the ETag rules documented on
// StateStore. Transient SQLite contention errors are retried with bounded
// backoff before surfacing.
func (s *SQLiteStore) Write(ctx context.Context, agentID wire.AgentID, data []byte, etag string) (string, error) {
	newETag := uuid.New().String()
	err := retryTransient(func() error {
		return s.writeOnce(ctx, agentID, data, etag, newETag)
	})
	if err != nil {
		return "", err
	}
	return newETag, nil
}

func (s *SQLiteStore) writeOnce(ctx context.Context, agentID wire.AgentID, data []byte, etag, newETag string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning write tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT etag FROM agent_state WHERE agent_type = ? AND agent_key = ?`,
		agentID.Type, agentID.Key,
	).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading stored etag for %s: %w", agentID, err)
	}

	if stored != "" && etag != "" && etag != stored {
		return ErrETagMismatch
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_state (agent_type, agent_key, state, etag, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(agent_type, agent_key) DO UPDATE SET
			state = excluded.state,
			etag = excluded.etag,
			updated_at = excluded.updated_at`,
		agentID.Type, agentID.Key, data, newETag,
	)
	if err != nil {
		return fmt.Errorf("writing state for %s: %w", agentID, err)
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
