// Package broadcast owns the per-session round state machine and the
// server-push channel fan-out.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jpoore/twotruths/internal/config"
	"github.com/jpoore/twotruths/internal/domain"
	"github.com/jpoore/twotruths/internal/generator"
	"github.com/jpoore/twotruths/internal/store"
)

// Event types pushed over the per-session channel.
const (
	EventConnected = "connected"
	EventNewRound  = "new_round"
	EventError     = "error"
)

// Event is the JSON message delivered to connected clients.
type Event struct {
	Type    string        `json:"type"`
	Payload *domain.Round `json:"payload,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Generator produces validated rounds. Satisfied by generator.Client.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Result, error)
}

// Broadcaster runs the idle → generating → ready cycle per session and
// delivers results to subscribers. It guarantees at most one generation in
// flight per session: a trigger while one is running is a silent no-op.
type Broadcaster struct {
	repo store.Repository
	gen  Generator
	cfg  *config.Config

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is owned exclusively by the broadcaster. The generating flag
// is the authoritative in-flight guard; the persisted session status is
// informational.
type sessionState struct {
	generating bool
	subs       map[chan Event]struct{}
}

// New creates a broadcaster.
func New(repo store.Repository, gen Generator, cfg *config.Config) *Broadcaster {
	return &Broadcaster{
		repo:     repo,
		gen:      gen,
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
	}
}

func (b *Broadcaster) state(sessionID string) *sessionState {
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionState{subs: make(map[chan Event]struct{})}
		b.sessions[sessionID] = st
	}
	return st
}

// Subscribe opens the push channel for a session. On connect, a stored
// round is replayed if one exists; generation starts only when the session
// has no round and none is in flight. The returned cancel func must be
// called when the client disconnects; it does not cancel in-flight work.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error) {
	sess, err := b.repo.EnsureSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, b.cfg.SSE.SubscriberBuffer)

	b.mu.Lock()
	st := b.state(sessionID)
	st.subs[ch] = struct{}{}

	start := false
	switch {
	case st.generating:
		// The in-flight call will deliver to this subscriber on completion.
	case sess.PendingRound != nil:
		ch <- Event{Type: EventNewRound, Payload: sess.PendingRound}
	default:
		st.generating = true
		start = true
	}
	b.mu.Unlock()

	if start {
		go b.run(sessionID)
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		st, ok := b.sessions[sessionID]
		if !ok {
			return
		}
		delete(st.subs, ch)
		// Keep the state while a generation is in flight so the
		// at-most-one guard survives disconnects.
		if len(st.subs) == 0 && !st.generating {
			delete(b.sessions, sessionID)
		}
	}
	return ch, cancel, nil
}

// Trigger transitions the session out of idle. Returns false when a
// generation is already in flight (the request folds into it).
func (b *Broadcaster) Trigger(sessionID string) bool {
	b.mu.Lock()
	st := b.state(sessionID)
	if st.generating {
		b.mu.Unlock()
		return false
	}
	st.generating = true
	b.mu.Unlock()

	go b.run(sessionID)
	return true
}

// run executes one generation cycle. It deliberately uses a detached
// context: closing the push channel does not cancel in-flight work, so a
// result produced after a disconnect is stored and replayed on reconnect.
func (b *Broadcaster) run(sessionID string) {
	ctx := context.Background()

	sess, err := b.repo.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		s.Status = domain.StatusGenerating
		return nil
	})
	if err != nil {
		b.fail(ctx, sessionID, "session unavailable, please retry")
		slog.Error("failed to mark session generating", "session_id", sessionID, "error", err)
		return
	}

	mem := domain.TopicMemory{History: sess.TopicHistory, Capacity: b.cfg.Game.TopicHistorySize}
	roundNumber := sess.RoundsGenerated + 1
	req := generator.Request{
		SessionID:      sessionID,
		RoundNumber:    roundNumber,
		Timestamp:      time.Now(),
		SuggestedTopic: mem.Suggest(b.cfg.Game.Topics),
		ExcludeTopics:  sess.TopicHistory,
		EasterEgg:      b.cfg.Game.EasterEggInterval > 0 && roundNumber%b.cfg.Game.EasterEggInterval == 0,
	}

	result, err := b.gen.Generate(ctx, req)
	if err != nil {
		slog.Error("round generation failed",
			"session_id", sessionID,
			"round", roundNumber,
			"error", err,
		)
		b.fail(ctx, sessionID, userMessage(err))
		return
	}

	round := result.Round
	if _, err := b.repo.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		s.PendingRound = round
		s.Answered = false
		s.RoundsGenerated++
		topics := domain.TopicMemory{History: s.TopicHistory, Capacity: b.cfg.Game.TopicHistorySize}
		topics.Record(round.TopicLabel())
		s.TopicHistory = topics.History
		s.Status = domain.StatusReady
		return nil
	}); err != nil {
		slog.Error("failed to persist generated round", "session_id", sessionID, "error", err)
		b.fail(ctx, sessionID, "failed to store the new round, please retry")
		return
	}

	if err := b.repo.AppendHistory(ctx, sessionID, round); err != nil {
		slog.Warn("failed to append round history", "session_id", sessionID, "error", err)
	}
	if err := b.repo.AppendPromptLog(ctx, sessionID, &domain.PromptLog{
		RoundNumber: roundNumber,
		Prompt:      result.Prompt,
		Response:    result.RawResponse,
		EasterEgg:   req.EasterEgg,
		CreatedAt:   time.Now(),
	}); err != nil {
		slog.Warn("failed to append prompt log", "session_id", sessionID, "error", err)
	}

	b.settle(sessionID, Event{Type: EventNewRound, Payload: round})
}

// fail transitions the session back to idle and pushes an error event.
// There is no automatic retry; the client must trigger again explicitly.
func (b *Broadcaster) fail(ctx context.Context, sessionID, message string) {
	if _, err := b.repo.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		s.Status = domain.StatusIdle
		return nil
	}); err != nil {
		slog.Warn("failed to mark session idle", "session_id", sessionID, "error", err)
	}
	b.settle(sessionID, Event{Type: EventError, Message: message})
}

// settle clears the in-flight guard and delivers the outcome to all
// current subscribers in one critical section, keeping per-session event
// order strict.
func (b *Broadcaster) settle(sessionID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	st.generating = false

	if len(st.subs) == 0 {
		// Disconnected mid-generation: the result is stored, nothing to push.
		delete(b.sessions, sessionID)
		slog.Info("no subscribers for settled round", "session_id", sessionID, "event", ev.Type)
		return
	}
	for ch := range st.subs {
		select {
		case ch <- ev:
		default:
			// Drop rather than block on a slow subscriber.
			slog.Warn("subscriber buffer full, dropping event", "session_id", sessionID, "event", ev.Type)
		}
	}
}

// userMessage maps generator errors onto the message pushed to the client.
func userMessage(err error) string {
	switch {
	case errors.Is(err, generator.ErrTimeout):
		return "The round generator took too long to respond. Please request a new round."
	case errors.Is(err, generator.ErrSchema):
		return "The round generator returned an unusable round. Please request a new round."
	default:
		return "Failed to generate a new round. Please try again."
	}
}
