// Package store provides transcript persistence for sessions.
package store

import (
	"context"
	"time"

	"github.com/ashureev/turnstream/internal/domain"
)

// Transcript is the persisted form of a session after a finalized turn.
type Transcript struct {
	SessionID   string
	Messages    []domain.Message
	DebugLedger domain.Ledger
	Plan        *domain.Plan
	UpdatedAt   time.Time
}

// Repository defines the interface for persisting session transcripts.
type Repository interface {
	// SaveTranscript creates or replaces the transcript of a session.
	SaveTranscript(ctx context.Context, t Transcript) error

	// History returns the persisted history of a session, or nil when the
	// session was never saved.
	History(ctx context.Context, sessionID string) (*domain.History, error)

	// DeleteSession removes the transcript of a session.
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns saved session ids, most recently updated first.
	ListSessions(ctx context.Context, limit int) ([]string, error)

	// CleanupExpiredSessions removes transcripts not updated within ttl and
	// returns the ids it removed.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
