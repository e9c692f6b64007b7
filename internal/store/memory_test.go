package store

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jpoore/twotruths/internal/domain"
)

func testRound(topic string) *domain.Round {
	return &domain.Round{
		Topic: topic,
		Statements: []domain.Statement{
			{Text: "one", IsLie: false, Explanation: "true"},
			{Text: "two", IsLie: true, Explanation: "false"},
			{Text: "three", IsLie: false, Explanation: "true"},
		},
	}
}

func TestMemoryEnsureSession(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	sess, err := m.EnsureSession(ctx, "sess_a")
	if err != nil {
		t.Fatalf("Failed to ensure session: %v", err)
	}
	if sess.ID != "sess_a" || sess.CorrectScore != 0 || sess.Status != domain.StatusIdle {
		t.Errorf("Expected fresh idle session, got %+v", sess)
	}

	// Idempotent: a second call returns the same record.
	again, err := m.EnsureSession(ctx, "sess_a")
	if err != nil {
		t.Fatalf("Failed to re-ensure session: %v", err)
	}
	if !again.CreatedAt.Equal(sess.CreatedAt) {
		t.Error("Expected EnsureSession to be idempotent")
	}
}

func TestMemoryGetSession_Absent(t *testing.T) {
	m := NewMemory(10)

	sess, err := m.GetSession(context.Background(), "sess_missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sess != nil {
		t.Errorf("Expected nil for absent session, got %+v", sess)
	}
}

func TestMemoryUpdateSession_NoLostUpdates(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpdateSession(ctx, "sess_a", func(s *domain.Session) error {
				s.CorrectScore++
				return nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	sess, err := m.GetSession(ctx, "sess_a")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if sess.CorrectScore != workers {
		t.Errorf("Expected %d after concurrent increments, got %d", workers, sess.CorrectScore)
	}
}

func TestMemoryUpdateSession_MutatorErrorAbortsWrite(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	wantErr := context.Canceled // any sentinel will do
	_, err := m.UpdateSession(ctx, "sess_a", func(s *domain.Session) error {
		s.CorrectScore = 99
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Expected mutator error unwrapped, got %v", err)
	}

	sess, _ := m.GetSession(ctx, "sess_a")
	if sess.CorrectScore != 0 {
		t.Errorf("Expected aborted mutation to leave state untouched, got score %d", sess.CorrectScore)
	}
}

func TestMemoryHistory_TrimAndOrder(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := m.AppendHistory(ctx, "sess_a", testRound("topic"+strconv.Itoa(i))); err != nil {
			t.Fatalf("Failed to append round %d: %v", i, err)
		}
	}

	rounds, err := m.GetHistory(ctx, "sess_a", 0)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(rounds) != 3 {
		t.Fatalf("Expected history trimmed to 3, got %d", len(rounds))
	}
	// Newest first.
	for i, want := range []string{"topic5", "topic4", "topic3"} {
		if rounds[i].Topic != want {
			t.Errorf("Expected rounds[%d]=%s, got %s", i, want, rounds[i].Topic)
		}
	}

	limited, err := m.GetHistory(ctx, "sess_a", 1)
	if err != nil {
		t.Fatalf("Failed to get limited history: %v", err)
	}
	if len(limited) != 1 || limited[0].Topic != "topic5" {
		t.Errorf("Expected only the newest round, got %+v", limited)
	}
}

func TestMemoryPromptLogs(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := m.AppendPromptLog(ctx, "sess_a", &domain.PromptLog{
			RoundNumber: i,
			Prompt:      "prompt " + strconv.Itoa(i),
			EasterEgg:   i == 3,
			CreatedAt:   time.Now(),
		})
		if err != nil {
			t.Fatalf("Failed to append prompt log %d: %v", i, err)
		}
	}

	logs, err := m.GetPromptLogs(ctx, "sess_a", 0)
	if err != nil {
		t.Fatalf("Failed to get prompt logs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("Expected 3 prompt logs, got %d", len(logs))
	}
	if logs[0].RoundNumber != 3 || !logs[0].EasterEgg {
		t.Errorf("Expected newest easter-egg log first, got %+v", logs[0])
	}
}

func TestMemoryResetSession(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	_, err := m.UpdateSession(ctx, "sess_a", func(s *domain.Session) error {
		s.CorrectScore = 4
		s.IncorrectScore = 2
		s.RoundsPlayed = 6
		s.TopicHistory = []string{"space"}
		s.PendingRound = testRound("space")
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}
	if err := m.AppendHistory(ctx, "sess_a", testRound("space")); err != nil {
		t.Fatalf("Failed to append history: %v", err)
	}

	if err := m.ResetSession(ctx, "sess_a"); err != nil {
		t.Fatalf("Failed to reset session: %v", err)
	}

	sess, _ := m.GetSession(ctx, "sess_a")
	if sess.CorrectScore != 0 || sess.RoundsPlayed != 0 || sess.PendingRound != nil || len(sess.TopicHistory) != 0 {
		t.Errorf("Expected cleared session, got %+v", sess)
	}
	if sess.ID != "sess_a" {
		t.Errorf("Expected id preserved across reset, got %q", sess.ID)
	}

	rounds, _ := m.GetHistory(ctx, "sess_a", 0)
	if len(rounds) != 0 {
		t.Errorf("Expected cleared history, got %d rounds", len(rounds))
	}
}

func TestMemoryCleanupExpiredSessions(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	if _, err := m.EnsureSession(ctx, "sess_old"); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	// Backdate the session past the ttl.
	m.sessions["sess_old"].sess.UpdatedAt = time.Now().Add(-2 * time.Hour)

	if _, err := m.EnsureSession(ctx, "sess_fresh"); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	deleted, err := m.CleanupExpiredSessions(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted session, got %d", deleted)
	}

	if sess, _ := m.GetSession(ctx, "sess_old"); sess != nil {
		t.Error("Expected expired session to be removed")
	}
	if sess, _ := m.GetSession(ctx, "sess_fresh"); sess == nil {
		t.Error("Expected fresh session to survive cleanup")
	}
}

func TestMemoryClone_IsolatesCallers(t *testing.T) {
	m := NewMemory(10)
	ctx := context.Background()

	_, err := m.UpdateSession(ctx, "sess_a", func(s *domain.Session) error {
		s.PendingRound = testRound("space")
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}

	sess, _ := m.GetSession(ctx, "sess_a")
	sess.PendingRound.Statements[0].Text = "mutated"
	sess.CorrectScore = 42

	fresh, _ := m.GetSession(ctx, "sess_a")
	if fresh.PendingRound.Statements[0].Text == "mutated" || fresh.CorrectScore == 42 {
		t.Error("Expected stored state to be isolated from returned copies")
	}
}
