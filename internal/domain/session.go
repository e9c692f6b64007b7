package domain

import (
	"time"
)

// Status tracks where a session sits in the round lifecycle.
type Status string

const (
	// StatusIdle means no round is pending and no generation is in flight.
	StatusIdle Status = "idle"
	// StatusGenerating means a generation call is in flight for the session.
	StatusGenerating Status = "generating"
	// StatusReady means a generated round is stored and awaiting the player.
	StatusReady Status = "ready"
)

// Session holds one player's continuous play state, scoped by an opaque id.
type Session struct {
	ID              string
	CorrectScore    int
	IncorrectScore  int
	RoundsPlayed    int
	RoundsGenerated int
	TopicHistory    []string
	PendingRound    *Round
	Answered        bool
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	out := *s
	out.TopicHistory = append([]string(nil), s.TopicHistory...)
	if s.PendingRound != nil {
		round := *s.PendingRound
		round.Statements = append([]Statement(nil), s.PendingRound.Statements...)
		out.PendingRound = &round
	}
	return &out
}

// PromptLog records one generation exchange for session inspection.
type PromptLog struct {
	RoundNumber int       `json:"round_number"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response,omitempty"`
	EasterEgg   bool      `json:"is_easter_egg_set"`
	CreatedAt   time.Time `json:"timestamp"`
}
