package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jpoore/twotruths/internal/domain"
)

// NewWithFallback opens the durable SQLite repository, degrading to the
// in-process store when it cannot be opened. A durable-store outage must not
// make the game unplayable, only non-persistent.
func NewWithFallback(dbPath string, historyCap int) Repository {
	primary, err := NewSQLite(dbPath, historyCap)
	if err != nil {
		slog.Warn("durable store unavailable, falling back to in-memory sessions",
			"db_path", dbPath, "error", err)
		return NewMemory(historyCap)
	}
	return NewFailover(primary, NewMemory(historyCap))
}

// Failover wraps a durable repository and degrades permanently to the
// in-process store when the backing store fails at runtime. Only StoreError
// failures trigger degradation; mutator errors pass through untouched.
type Failover struct {
	primary  Repository
	memory   *MemoryStore
	degraded atomic.Bool
}

// NewFailover wraps primary with in-memory degradation.
func NewFailover(primary Repository, memory *MemoryStore) *Failover {
	return &Failover{primary: primary, memory: memory}
}

func (f *Failover) degrade(err error) {
	if f.degraded.CompareAndSwap(false, true) {
		slog.Error("durable store failed, degrading to in-memory sessions", "error", err)
	}
}

func isStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// GetSession retrieves a session by id.
func (f *Failover) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if f.degraded.Load() {
		return f.memory.GetSession(ctx, sessionID)
	}
	sess, err := f.primary.GetSession(ctx, sessionID)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.GetSession(ctx, sessionID)
	}
	return sess, err
}

// EnsureSession retrieves or creates a session.
func (f *Failover) EnsureSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if f.degraded.Load() {
		return f.memory.EnsureSession(ctx, sessionID)
	}
	sess, err := f.primary.EnsureSession(ctx, sessionID)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.EnsureSession(ctx, sessionID)
	}
	return sess, err
}

// UpdateSession applies an atomic read-modify-write to the session record.
func (f *Failover) UpdateSession(ctx context.Context, sessionID string, mutate func(*domain.Session) error) (*domain.Session, error) {
	if f.degraded.Load() {
		return f.memory.UpdateSession(ctx, sessionID, mutate)
	}
	sess, err := f.primary.UpdateSession(ctx, sessionID, mutate)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.UpdateSession(ctx, sessionID, mutate)
	}
	return sess, err
}

// AppendHistory records a completed round.
func (f *Failover) AppendHistory(ctx context.Context, sessionID string, round *domain.Round) error {
	if f.degraded.Load() {
		return f.memory.AppendHistory(ctx, sessionID, round)
	}
	err := f.primary.AppendHistory(ctx, sessionID, round)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.AppendHistory(ctx, sessionID, round)
	}
	return err
}

// GetHistory returns the most recent rounds, newest first.
func (f *Failover) GetHistory(ctx context.Context, sessionID string, limit int) ([]*domain.Round, error) {
	if f.degraded.Load() {
		return f.memory.GetHistory(ctx, sessionID, limit)
	}
	rounds, err := f.primary.GetHistory(ctx, sessionID, limit)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.GetHistory(ctx, sessionID, limit)
	}
	return rounds, err
}

// AppendPromptLog records one generation exchange.
func (f *Failover) AppendPromptLog(ctx context.Context, sessionID string, entry *domain.PromptLog) error {
	if f.degraded.Load() {
		return f.memory.AppendPromptLog(ctx, sessionID, entry)
	}
	err := f.primary.AppendPromptLog(ctx, sessionID, entry)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.AppendPromptLog(ctx, sessionID, entry)
	}
	return err
}

// GetPromptLogs returns the most recent prompt logs, newest first.
func (f *Failover) GetPromptLogs(ctx context.Context, sessionID string, limit int) ([]*domain.PromptLog, error) {
	if f.degraded.Load() {
		return f.memory.GetPromptLogs(ctx, sessionID, limit)
	}
	logs, err := f.primary.GetPromptLogs(ctx, sessionID, limit)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.GetPromptLogs(ctx, sessionID, limit)
	}
	return logs, err
}

// ResetSession zeroes counters and clears history.
func (f *Failover) ResetSession(ctx context.Context, sessionID string) error {
	if f.degraded.Load() {
		return f.memory.ResetSession(ctx, sessionID)
	}
	err := f.primary.ResetSession(ctx, sessionID)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.ResetSession(ctx, sessionID)
	}
	return err
}

// CleanupExpiredSessions removes sessions idle longer than ttl.
func (f *Failover) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	if f.degraded.Load() {
		return f.memory.CleanupExpiredSessions(ctx, ttl)
	}
	deleted, err := f.primary.CleanupExpiredSessions(ctx, ttl)
	if isStoreError(err) {
		f.degrade(err)
		return f.memory.CleanupExpiredSessions(ctx, ttl)
	}
	return deleted, err
}

// Ping verifies the active backing store is reachable.
func (f *Failover) Ping(ctx context.Context) error {
	if f.degraded.Load() {
		return f.memory.Ping(ctx)
	}
	return f.primary.Ping(ctx)
}

// Close closes both backing stores.
func (f *Failover) Close() error {
	memErr := f.memory.Close()
	if err := f.primary.Close(); err != nil {
		return err
	}
	return memErr
}

// Durable reports whether state currently survives a process restart.
func (f *Failover) Durable() bool {
	return !f.degraded.Load() && f.primary.Durable()
}
