package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writers to avoid SQLITE_BUSY
	logger  *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets readers proceed while a turn is being saved.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_transcripts (
		session_id TEXT PRIMARY KEY,
		messages_json TEXT NOT NULL,
		ledger_json TEXT,
		plan_json TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_transcripts_updated ON session_transcripts(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveTranscript creates or replaces the transcript of a session.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, t Transcript) error {
	messages := t.Messages
	if messages == nil {
		messages = []domain.Message{}
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	var ledgerJSON, planJSON any
	if len(t.DebugLedger) > 0 {
		raw, err := json.Marshal(t.DebugLedger)
		if err != nil {
			return fmt.Errorf("encode ledger: %w", err)
		}
		ledgerJSON = string(raw)
	}
	if t.Plan != nil {
		raw, err := json.Marshal(t.Plan)
		if err != nil {
			return fmt.Errorf("encode plan: %w", err)
		}
		planJSON = string(raw)
	}

	updatedAt := t.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := `
		INSERT INTO session_transcripts (
			session_id, messages_json, ledger_json, plan_json, message_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			ledger_json = excluded.ledger_json,
			plan_json = excluded.plan_json,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`

	return s.withRetry(ctx, "save transcript", t.SessionID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			t.SessionID, string(messagesJSON), ledgerJSON, planJSON, len(messages),
			updatedAt.Unix(), updatedAt.Unix(),
		)
		return err
	})
}

// History returns the persisted history of a session.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) (*domain.History, error) {
	query := `
		SELECT messages_json, ledger_json, plan_json
		FROM session_transcripts WHERE session_id = ?`

	var messagesJSON string
	var ledgerJSON, planJSON sql.NullString
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&messagesJSON, &ledgerJSON, &planJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}

	var hist domain.History
	if err := json.Unmarshal([]byte(messagesJSON), &hist.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", sessionID, err)
	}
	if ledgerJSON.Valid {
		if err := json.Unmarshal([]byte(ledgerJSON.String), &hist.DebugLedger); err != nil {
			return nil, fmt.Errorf("decode ledger for %s: %w", sessionID, err)
		}
	}
	if planJSON.Valid {
		hist.Plan = &domain.Plan{}
		if err := json.Unmarshal([]byte(planJSON.String), hist.Plan); err != nil {
			return nil, fmt.Errorf("decode plan for %s: %w", sessionID, err)
		}
	}
	return &hist, nil
}

// DeleteSession removes the transcript of a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "delete transcript", sessionID, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_transcripts WHERE session_id = ?`, sessionID)
		return err
	})
}

// ListSessions returns saved session ids, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM session_transcripts ORDER BY updated_at DESC, session_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return ids, nil
}

// CleanupExpiredSessions removes transcripts not updated within ttl and
// returns their session ids.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).Unix()
	var ids []string
	err := s.withRetry(ctx, "cleanup transcripts", "", func() error {
		ids = ids[:0]
		rows, err := s.db.QueryContext(ctx,
			`DELETE FROM session_transcripts WHERE updated_at < ? RETURNING session_id`, threshold)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// withRetry runs a write under the write lock, retrying SQLITE_BUSY with
// exponential backoff: 100ms, 200ms, 400ms.
func (s *SQLiteStore) withRetry(ctx context.Context, op, sessionID string, fn func() error) error {
	var err error
	for i := range maxRetries {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}
		if !isBusyError(err) || i == maxRetries-1 {
			break
		}

		delay := baseRetryDelay * time.Duration(1<<i)
		s.logger.Debug("sqlite write busy, retrying",
			"op", op,
			"session_id", sessionID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
