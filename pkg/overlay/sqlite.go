package overlay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("overlay store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS materialized_tickets (
			provider_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			agent_id    TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			PRIMARY KEY (provider_id, external_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("overlay store: migrate: %w", err)
	}
	return nil
}

// FindMaterialized returns the materialized record for the external ticket,
// or (nil, nil) when the ticket has never been materialized.
func (s *SQLiteStore) FindMaterialized(ctx context.Context, providerID, externalID string) (*Materialized, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, workflow_id FROM materialized_tickets
		WHERE provider_id = ? AND external_id = ?
	`, providerID, externalID)

	var m Materialized
	if err := row.Scan(&m.AgentID, &m.WorkflowID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("overlay store: find: %w", err)
	}
	return &m, nil
}

// Materialize creates or updates the local record for an external ticket.
// This is the write path used when a ticket receives a local assignment; the
// aggregation path never calls it.
func (s *SQLiteStore) Materialize(ctx context.Context, providerID, externalID string, m Materialized) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materialized_tickets (provider_id, external_id, agent_id, workflow_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id, external_id) DO UPDATE SET
			agent_id=excluded.agent_id, workflow_id=excluded.workflow_id
	`, providerID, externalID, m.AgentID, m.WorkflowID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("overlay store: materialize: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
