package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jpoore/twotruths/internal/domain"
	"github.com/jpoore/twotruths/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	historyCap int
	sessionMu  sync.Mutex // Serializes session read-modify-write to prevent lost updates and SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository. historyCap bounds the
// per-session round history and prompt log length.
func NewSQLite(dbPath string, historyCap int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, historyCap: historyCap}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		correct_score INTEGER NOT NULL DEFAULT 0,
		incorrect_score INTEGER NOT NULL DEFAULT 0,
		rounds_played INTEGER NOT NULL DEFAULT 0,
		rounds_generated INTEGER NOT NULL DEFAULT 0,
		answered INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'idle',
		topic_history_json TEXT NOT NULL DEFAULT '[]',
		pending_round_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS round_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		round_json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_round_history_session ON round_history(session_id, id);

	CREATE TABLE IF NOT EXISTS prompt_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		round_number INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		response TEXT,
		easter_egg INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_prompt_logs_session ON prompt_logs(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Durable reports that SQLite state survives restarts.
func (s *SQLiteStore) Durable() bool {
	return true
}

// GetSession retrieves a session by id. Returns nil when absent.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, correct_score, incorrect_score, rounds_played,
		       rounds_generated, answered, status, topic_history_json,
		       pending_round_json, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return sess, nil
}

// EnsureSession retrieves a session, creating it with zeroed counters if absent.
func (s *SQLiteStore) EnsureSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}

	now := time.Now()
	query := `
		INSERT INTO sessions (session_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, sessionID, string(domain.StatusIdle), now.Unix(), now.Unix()); err != nil {
		return nil, storeErr("create session", err)
	}
	return s.GetSession(ctx, sessionID)
}

// UpdateSession applies an atomic read-modify-write to the session record.
// Concurrent mutators for the same session serialize on sessionMu, the same
// approach used for busy-prone write paths elsewhere in this store.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, mutate func(*domain.Session) error) (*domain.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sess, err := s.EnsureSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := mutate(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now()

	topicJSON, err := json.Marshal(sess.TopicHistory)
	if err != nil {
		return nil, storeErr("encode topic history", err)
	}
	var pendingJSON interface{}
	if sess.PendingRound != nil {
		raw, err := json.Marshal(sess.PendingRound)
		if err != nil {
			return nil, storeErr("encode pending round", err)
		}
		pendingJSON = string(raw)
	}

	query := `
		UPDATE sessions SET
			correct_score = ?, incorrect_score = ?, rounds_played = ?,
			rounds_generated = ?, answered = ?, status = ?,
			topic_history_json = ?, pending_round_json = ?, updated_at = ?
		WHERE session_id = ?`

	err = s.execWithRetry(ctx, query,
		sess.CorrectScore, sess.IncorrectScore, sess.RoundsPlayed,
		sess.RoundsGenerated, boolToInt(sess.Answered), string(sess.Status),
		string(topicJSON), pendingJSON, sess.UpdatedAt.Unix(),
		sessionID,
	)
	if err != nil {
		return nil, storeErr("update session", err)
	}
	return sess, nil
}

// AppendHistory records a completed round, trimming past the history cap.
func (s *SQLiteStore) AppendHistory(ctx context.Context, sessionID string, round *domain.Round) error {
	raw, err := json.Marshal(round)
	if err != nil {
		return storeErr("encode round", err)
	}

	if err := s.execWithRetry(ctx,
		`INSERT INTO round_history (session_id, round_json, created_at) VALUES (?, ?, ?)`,
		sessionID, string(raw), time.Now().Unix(),
	); err != nil {
		return storeErr("append history", err)
	}

	trim := `
		DELETE FROM round_history WHERE session_id = ? AND id NOT IN (
			SELECT id FROM round_history WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		)`
	if err := s.execWithRetry(ctx, trim, sessionID, sessionID, s.historyCap); err != nil {
		return storeErr("trim history", err)
	}
	return nil
}

// GetHistory returns up to limit most recent rounds, newest first.
func (s *SQLiteStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*domain.Round, error) {
	if limit <= 0 || limit > s.historyCap {
		limit = s.historyCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT round_json FROM round_history WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, storeErr("query history", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close history rows", "error", closeErr)
		}
	}()

	var rounds []*domain.Round
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("scan history row", err)
		}
		var round domain.Round
		if err := json.Unmarshal([]byte(raw), &round); err != nil {
			slog.Error("failed to decode stored round", "session_id", sessionID, "error", err)
			continue
		}
		rounds = append(rounds, &round)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate history", err)
	}
	return rounds, nil
}

// AppendPromptLog records one generation exchange, trimming past the cap.
func (s *SQLiteStore) AppendPromptLog(ctx context.Context, sessionID string, entry *domain.PromptLog) error {
	if err := s.execWithRetry(ctx,
		`INSERT INTO prompt_logs (session_id, round_number, prompt, response, easter_egg, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, entry.RoundNumber, entry.Prompt, entry.Response,
		boolToInt(entry.EasterEgg), entry.CreatedAt.Unix(),
	); err != nil {
		return storeErr("append prompt log", err)
	}

	trim := `
		DELETE FROM prompt_logs WHERE session_id = ? AND id NOT IN (
			SELECT id FROM prompt_logs WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		)`
	if err := s.execWithRetry(ctx, trim, sessionID, sessionID, s.historyCap); err != nil {
		return storeErr("trim prompt logs", err)
	}
	return nil
}

// GetPromptLogs returns up to limit most recent prompt logs, newest first.
func (s *SQLiteStore) GetPromptLogs(ctx context.Context, sessionID string, limit int) ([]*domain.PromptLog, error) {
	if limit <= 0 || limit > s.historyCap {
		limit = s.historyCap
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT round_number, prompt, response, easter_egg, created_at
		 FROM prompt_logs WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, storeErr("query prompt logs", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close prompt log rows", "error", closeErr)
		}
	}()

	var logs []*domain.PromptLog
	for rows.Next() {
		var entry domain.PromptLog
		var response sql.NullString
		var easterEgg int
		var createdAt int64
		if err := rows.Scan(&entry.RoundNumber, &entry.Prompt, &response, &easterEgg, &createdAt); err != nil {
			return nil, storeErr("scan prompt log row", err)
		}
		entry.Response = response.String
		entry.EasterEgg = easterEgg != 0
		entry.CreatedAt = time.Unix(createdAt, 0)
		logs = append(logs, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate prompt logs", err)
	}
	return logs, nil
}

// ResetSession zeroes counters and clears history while preserving the id.
func (s *SQLiteStore) ResetSession(ctx context.Context, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	query := `
		UPDATE sessions SET
			correct_score = 0, incorrect_score = 0, rounds_played = 0,
			rounds_generated = 0, answered = 0, status = 'idle',
			topic_history_json = '[]', pending_round_json = NULL, updated_at = ?
		WHERE session_id = ?`
	if err := s.execWithRetry(ctx, query, time.Now().Unix(), sessionID); err != nil {
		return storeErr("reset session", err)
	}
	if err := s.execWithRetry(ctx, `DELETE FROM round_history WHERE session_id = ?`, sessionID); err != nil {
		return storeErr("clear round history", err)
	}
	if err := s.execWithRetry(ctx, `DELETE FROM prompt_logs WHERE session_id = ?`, sessionID); err != nil {
		return storeErr("clear prompt logs", err)
	}
	return nil
}

// CleanupExpiredSessions removes sessions idle longer than ttl, along with
// their round history and prompt logs.
func (s *SQLiteStore) CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()

	orphans := `
		DELETE FROM round_history WHERE session_id IN (
			SELECT session_id FROM sessions WHERE updated_at < ?
		)`
	if err := s.execWithRetry(ctx, orphans, threshold); err != nil {
		return 0, storeErr("cleanup round history", err)
	}
	logOrphans := `
		DELETE FROM prompt_logs WHERE session_id IN (
			SELECT session_id FROM sessions WHERE updated_at < ?
		)`
	if err := s.execWithRetry(ctx, logOrphans, threshold); err != nil {
		return 0, storeErr("cleanup prompt logs", err)
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, threshold)
	if err != nil {
		return 0, storeErr("cleanup sessions", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, storeErr("cleanup rows affected", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execWithRetry runs a write statement, retrying with exponential backoff
// on SQLITE_BUSY/locked errors.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...interface{}) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		_, err = s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
			slog.Debug("database locked, retrying write", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
			continue
		}
		return err
	}
	return err
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	var sess domain.Session
	var answered int
	var status string
	var topicJSON string
	var pendingJSON sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&sess.ID, &sess.CorrectScore, &sess.IncorrectScore, &sess.RoundsPlayed,
		&sess.RoundsGenerated, &answered, &status, &topicJSON,
		&pendingJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Answered = answered != 0
	sess.Status = domain.Status(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)

	if err := json.Unmarshal([]byte(topicJSON), &sess.TopicHistory); err != nil {
		return nil, fmt.Errorf("decode topic history: %w", err)
	}
	if pendingJSON.Valid {
		var round domain.Round
		if err := json.Unmarshal([]byte(pendingJSON.String), &round); err != nil {
			return nil, fmt.Errorf("decode pending round: %w", err)
		}
		sess.PendingRound = &round
	}
	return &sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
