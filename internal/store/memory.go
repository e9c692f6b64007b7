package store

import (
	"context"
	"sync"
	"time"

	"github.com/jpoore/twotruths/internal/domain"
)

// MemoryStore implements Repository with an in-process map. It is the
// fallback when the durable store is unreachable: same atomicity guarantees,
// but only within a single process.
type MemoryStore struct {
	mu         sync.Mutex // guards the sessions map only
	sessions   map[string]*memorySession
	historyCap int
}

// memorySession serializes all access to one session's state, so sessions
// proceed independently while mutators for the same session never interleave.
type memorySession struct {
	mu      sync.Mutex
	sess    *domain.Session
	history []*domain.Round
	logs    []*domain.PromptLog
}

// NewMemory creates an in-process repository.
func NewMemory(historyCap int) *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]*memorySession),
		historyCap: historyCap,
	}
}

func (m *MemoryStore) entry(sessionID string, create bool) *memorySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok && create {
		now := time.Now()
		e = &memorySession{
			sess: &domain.Session{
				ID:        sessionID,
				Status:    domain.StatusIdle,
				CreatedAt: now,
				UpdatedAt: now,
			},
		}
		m.sessions[sessionID] = e
	}
	return e
}

// GetSession retrieves a session by id. Returns nil when absent.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	e := m.entry(sessionID, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), nil
}

// EnsureSession retrieves a session, creating it with zeroed counters if absent.
func (m *MemoryStore) EnsureSession(_ context.Context, sessionID string) (*domain.Session, error) {
	e := m.entry(sessionID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.Clone(), nil
}

// UpdateSession applies an atomic read-modify-write to the session record.
func (m *MemoryStore) UpdateSession(_ context.Context, sessionID string, mutate func(*domain.Session) error) (*domain.Session, error) {
	e := m.entry(sessionID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.sess.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	e.sess = next
	return next.Clone(), nil
}

// AppendHistory records a completed round, trimming past the history cap.
func (m *MemoryStore) AppendHistory(_ context.Context, sessionID string, round *domain.Round) error {
	e := m.entry(sessionID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, round)
	if len(e.history) > m.historyCap {
		e.history = e.history[len(e.history)-m.historyCap:]
	}
	return nil
}

// GetHistory returns up to limit most recent rounds, newest first.
func (m *MemoryStore) GetHistory(_ context.Context, sessionID string, limit int) ([]*domain.Round, error) {
	e := m.entry(sessionID, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	out := make([]*domain.Round, 0, limit)
	for i := len(e.history) - 1; i >= len(e.history)-limit; i-- {
		out = append(out, e.history[i])
	}
	return out, nil
}

// AppendPromptLog records one generation exchange.
func (m *MemoryStore) AppendPromptLog(_ context.Context, sessionID string, entry *domain.PromptLog) error {
	e := m.entry(sessionID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logs = append(e.logs, entry)
	if len(e.logs) > m.historyCap {
		e.logs = e.logs[len(e.logs)-m.historyCap:]
	}
	return nil
}

// GetPromptLogs returns up to limit most recent prompt logs, newest first.
func (m *MemoryStore) GetPromptLogs(_ context.Context, sessionID string, limit int) ([]*domain.PromptLog, error) {
	e := m.entry(sessionID, false)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 || limit > len(e.logs) {
		limit = len(e.logs)
	}
	out := make([]*domain.PromptLog, 0, limit)
	for i := len(e.logs) - 1; i >= len(e.logs)-limit; i-- {
		out = append(out, e.logs[i])
	}
	return out, nil
}

// ResetSession zeroes counters and clears history while preserving the id.
func (m *MemoryStore) ResetSession(_ context.Context, sessionID string) error {
	e := m.entry(sessionID, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	created := e.sess.CreatedAt
	e.sess = &domain.Session{
		ID:        sessionID,
		Status:    domain.StatusIdle,
		CreatedAt: created,
		UpdatedAt: time.Now(),
	}
	e.history = nil
	e.logs = nil
	return nil
}

// CleanupExpiredSessions removes sessions idle longer than ttl.
func (m *MemoryStore) CleanupExpiredSessions(_ context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl)
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, e := range m.sessions {
		e.mu.Lock()
		expired := e.sess.UpdatedAt.Before(threshold)
		e.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds for the in-process store.
func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-process store.
func (m *MemoryStore) Close() error {
	return nil
}

// Durable reports that in-process state does not survive restarts.
func (m *MemoryStore) Durable() bool {
	return false
}
