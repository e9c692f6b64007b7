package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jpoore/twotruths/internal/domain"
	"github.com/jpoore/twotruths/internal/identity"
)

var (
	errNoRound         = errors.New("no round to answer")
	errAlreadyAnswered = errors.New("round already answered")
)

// HandleSessionGet handles GET /api/session: session statistics, optionally
// with round history and the stored generation exchanges.
func (h *Handler) HandleSessionGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)

	sess, err := h.repo.EnsureSession(ctx, sessionID)
	if err != nil {
		slog.Error("failed to load session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	detail := r.URL.Query().Get("detail") == "true"
	includePrompts := r.URL.Query().Get("prompts") == "true"
	includeResponses := r.URL.Query().Get("responses") == "true"
	easterEggsOnly := r.URL.Query().Get("easter_eggs") == "true"

	history, err := h.repo.GetHistory(ctx, sessionID, 0)
	if err != nil {
		slog.Warn("failed to load round history", "session_id", sessionID, "error", err)
	}

	resp := map[string]interface{}{
		"session_id":          sess.ID,
		"correct_score":       sess.CorrectScore,
		"incorrect_score":     sess.IncorrectScore,
		"rounds_played":       sess.RoundsPlayed,
		"rounds_generated":    sess.RoundsGenerated,
		"rounds_in_history":   len(history),
		"using_durable_store": h.repo.Durable(),
	}

	var logs []*domain.PromptLog
	if detail || includePrompts || includeResponses || easterEggsOnly {
		logs, err = h.repo.GetPromptLogs(ctx, sessionID, 0)
		if err != nil {
			slog.Warn("failed to load prompt logs", "session_id", sessionID, "error", err)
		}
	}

	if detail {
		resp["rounds"] = filterRounds(history, logs, sess.RoundsGenerated, easterEggsOnly)
	}
	if includePrompts {
		resp["prompts"] = filterLogs(logs, easterEggsOnly, false)
	}
	if includeResponses {
		resp["responses"] = filterLogs(logs, easterEggsOnly, true)
	}

	JSON(w, http.StatusOK, resp)
}

// filterRounds optionally narrows the round history (newest first) to
// easter-egg rounds, matched through the prompt log round numbers.
func filterRounds(history []*domain.Round, logs []*domain.PromptLog, generated int, easterEggsOnly bool) []*domain.Round {
	if !easterEggsOnly {
		return history
	}

	eggRounds := make(map[int]bool)
	for _, entry := range logs {
		if entry.EasterEgg {
			eggRounds[entry.RoundNumber] = true
		}
	}

	var filtered []*domain.Round
	for i, round := range history {
		if eggRounds[generated-i] {
			filtered = append(filtered, round)
		}
	}
	return filtered
}

type promptEntry struct {
	RoundNumber int    `json:"round_number"`
	Prompt      string `json:"prompt,omitempty"`
	Response    string `json:"response,omitempty"`
	EasterEgg   bool   `json:"is_easter_egg_set"`
	Timestamp   string `json:"timestamp"`
}

func filterLogs(logs []*domain.PromptLog, easterEggsOnly, responses bool) []promptEntry {
	out := make([]promptEntry, 0, len(logs))
	for _, entry := range logs {
		if easterEggsOnly && !entry.EasterEgg {
			continue
		}
		e := promptEntry{
			RoundNumber: entry.RoundNumber,
			EasterEgg:   entry.EasterEgg,
			Timestamp:   entry.CreatedAt.Format(time.RFC3339),
		}
		if responses {
			e.Response = entry.Response
		} else {
			e.Prompt = entry.Prompt
		}
		out = append(out, e)
	}
	return out
}

type sessionAction struct {
	Action string `json:"action"`
}

// HandleSessionPost handles POST /api/session: "reset" clears counters and
// history in place; "new" issues a fresh session id.
func (h *Handler) HandleSessionPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)

	var req sessionAction
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Action {
	case "reset":
		if err := h.repo.ResetSession(ctx, sessionID); err != nil {
			slog.Error("failed to reset session", "session_id", sessionID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to reset session")
			return
		}
		slog.Info("session reset", "session_id", sessionID)
		JSON(w, http.StatusOK, map[string]string{"message": "Session reset"})

	case "new":
		newID := identity.NewSessionID()
		if _, err := h.repo.EnsureSession(ctx, newID); err != nil {
			slog.Error("failed to create session", "session_id", newID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to create session")
			return
		}
		identity.SetCookie(w, newID, h.cfg.IsDevelopment())
		slog.Info("new session created", "session_id", newID)
		JSON(w, http.StatusOK, map[string]string{
			"message":    "New session created",
			"session_id": newID,
		})

	default:
		Error(w, http.StatusBadRequest, "invalid action, use 'reset' or 'new'")
	}
}

type answerRequest struct {
	StatementIndex int `json:"statementIndex"`
}

// HandleAnswer handles POST /api/round/answer: score the player's selection
// against the stored round. Counters update atomically and exactly once per
// round; a second answer for the same round is rejected.
func (h *Handler) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := identity.SessionIDFromContext(ctx)

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.StatementIndex < 0 || req.StatementIndex >= domain.StatementCount {
		Error(w, http.StatusBadRequest, "statementIndex must be 0, 1 or 2")
		return
	}

	var correct bool
	var lieIndex int
	sess, err := h.repo.UpdateSession(ctx, sessionID, func(s *domain.Session) error {
		if s.PendingRound == nil {
			return errNoRound
		}
		if s.Answered {
			return errAlreadyAnswered
		}
		lieIndex = s.PendingRound.LieIndex()
		correct = req.StatementIndex == lieIndex
		if correct {
			s.CorrectScore++
		} else {
			s.IncorrectScore++
		}
		s.RoundsPlayed++
		s.Answered = true
		return nil
	})
	switch {
	case errors.Is(err, errNoRound):
		Error(w, http.StatusNotFound, "no active round for this session")
		return
	case errors.Is(err, errAlreadyAnswered):
		Error(w, http.StatusConflict, "round already answered")
		return
	case err != nil:
		slog.Error("failed to record answer", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to record answer")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"correct":         correct,
		"lie_index":       lieIndex,
		"correct_score":   sess.CorrectScore,
		"incorrect_score": sess.IncorrectScore,
		"rounds_played":   sess.RoundsPlayed,
	})
}
