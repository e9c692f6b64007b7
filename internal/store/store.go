// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jpoore/twotruths/internal/domain"
)

// Repository defines the interface for persisting session state.
//
// Implementations must serialize concurrent mutators for the same session
// (no lost updates to score counters) while letting different sessions
// proceed independently.
type Repository interface {
	// GetSession retrieves a session by id. Returns nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// EnsureSession retrieves a session, creating it with zeroed counters
	// if absent. Creation is explicit and idempotent.
	EnsureSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateSession applies an atomic read-modify-write to the session
	// record. The mutator's error, if any, is returned unwrapped and
	// aborts the write.
	UpdateSession(ctx context.Context, sessionID string, mutate func(*domain.Session) error) (*domain.Session, error)

	// AppendHistory records a completed round in the session's bounded
	// round history, trimming the oldest entries past the cap.
	AppendHistory(ctx context.Context, sessionID string, round *domain.Round) error

	// GetHistory returns up to limit most recent rounds, newest first.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*domain.Round, error)

	// AppendPromptLog records one generation exchange for inspection.
	AppendPromptLog(ctx context.Context, sessionID string, entry *domain.PromptLog) error

	// GetPromptLogs returns up to limit most recent prompt logs, newest first.
	GetPromptLogs(ctx context.Context, sessionID string, limit int) ([]*domain.PromptLog, error)

	// ResetSession zeroes counters and clears topic and round history
	// while preserving the session id.
	ResetSession(ctx context.Context, sessionID string) error

	// CleanupExpiredSessions removes sessions idle longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close closes the backing store.
	Close() error

	// Durable reports whether state survives a process restart.
	Durable() bool
}

// StoreError marks a failure of the backing store itself, as opposed to a
// domain error surfaced by a session mutator. The failover wrapper degrades
// to in-memory state when it sees one; mutator errors pass through untouched.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
