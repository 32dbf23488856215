// Package store persists agent sessions, their query ledger and the
// ingested document catalog in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/carecloud/agentd/pkg/retrieval"
)

var (
	// ErrConflict is returned when a session already exists with a
	// different agent type.
	ErrConflict = errors.New("session conflict")

	// ErrDBWriteFailure is returned when a write transaction cannot be
	// committed.
	ErrDBWriteFailure = errors.New("database write failure")
)

// Session is one conversation bound to an agent variant.
type Session struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	AgentType string    `json:"agent_type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueryRecord is one completed query/response pair within a session.
type QueryRecord struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"session_id"`
	QueryText      string    `json:"query_text"`
	ResponseText   string    `json:"response_text"`
	ProcessingTime float64   `json:"processing_time"`
	CreatedAt      time.Time `json:"created_at"`
}

// Config holds store configuration
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Store wraps the SQLite database holding sessions, queries and documents.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New opens the database, enables WAL mode and creates the schema.
func New(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	// Foreign keys are per-connection, so they go in the DSN to cover
	// every pooled connection.
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers unblocked during write transactions.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Store opened")

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL UNIQUE,
			agent_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS agent_queries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES agent_sessions(session_id),
			query_text TEXT NOT NULL,
			response_text TEXT NOT NULL,
			processing_time REAL NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_queries_session ON agent_queries(session_id, id);

		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			title TEXT,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession registers a session for an agent type. Creating the same
// session with the same agent type again is a no-op; with a different
// agent type it fails with ErrConflict.
func (s *Store) CreateSession(ctx context.Context, sessionID, agentType string) (*Session, error) {
	existing, err := s.GetSession(ctx, sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if existing != nil {
		if existing.AgentType != agentType {
			return nil, fmt.Errorf("%w: session %s is bound to agent %s", ErrConflict, sessionID, existing.AgentType)
		}
		return existing, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO agent_sessions (session_id, agent_type, created_at, updated_at) VALUES (?, ?, ?, ?)",
		sessionID, agentType, now, now,
	)
	if err != nil {
		// A concurrent insert may have won the race.
		if existing, getErr := s.GetSession(ctx, sessionID); getErr == nil && existing != nil {
			if existing.AgentType != agentType {
				return nil, fmt.Errorf("%w: session %s is bound to agent %s", ErrConflict, sessionID, existing.AgentType)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}

	s.logger.Debug().
		Str("session", sessionID).
		Str("agent", agentType).
		Msg("Session created")

	return s.GetSession(ctx, sessionID)
}

// GetSession returns a session by its external id, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, session_id, agent_type, created_at, updated_at FROM agent_sessions WHERE session_id = ?",
		sessionID,
	)

	var session Session
	if err := row.Scan(&session.ID, &session.SessionID, &session.AgentType, &session.CreatedAt, &session.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// RecordQuery appends a query/response pair to the session ledger and
// bumps the session's updated_at, in one transaction. A failure leaves
// both tables untouched and returns ErrDBWriteFailure.
func (s *Store) RecordQuery(ctx context.Context, record QueryRecord) (int64, error) {
	if record.ProcessingTime < 0 {
		record.ProcessingTime = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO agent_queries (session_id, query_text, response_text, processing_time, created_at) VALUES (?, ?, ?, ?, ?)",
		record.SessionID, record.QueryText, record.ResponseText, record.ProcessingTime, now,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE agent_sessions SET updated_at = ? WHERE session_id = ?",
		now, record.SessionID,
	); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}

	id, _ := res.LastInsertId()
	return id, nil
}

// FetchHistory returns the most recent query records for a session,
// newest first.
func (s *Store) FetchHistory(ctx context.Context, sessionID string, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, query_text, response_text, processing_time, created_at
		 FROM agent_queries WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	records := []QueryRecord{}
	for rows.Next() {
		var r QueryRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.QueryText, &r.ResponseText, &r.ProcessingTime, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountSessions returns the number of sessions, optionally filtered by
// agent type ("" counts all).
func (s *Store) CountSessions(ctx context.Context, agentType string) (int, error) {
	var n int
	var err error
	if agentType == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_sessions").Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_sessions WHERE agent_type = ?", agentType).Scan(&n)
	}
	return n, err
}

// InsertDocument upserts a document row. Implements retrieval.DocumentRecorder.
func (s *Store) InsertDocument(ctx context.Context, doc retrieval.Document) error {
	var metadata any
	if len(doc.Metadata) > 0 {
		encoded, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = string(encoded)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, title, content, metadata) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, content = excluded.content, metadata = excluded.metadata`,
		doc.ID, doc.Title, doc.Content, metadata,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDBWriteFailure, err)
	}
	return nil
}

// CountDocuments returns the number of catalogued documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n)
	return n, err
}
