// Package domain contains core domain types for the Two Truths & AI game.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// StatementCount is the fixed number of statements in a round.
const StatementCount = 3

var (
	// ErrStatementCount indicates a round without exactly three statements.
	ErrStatementCount = errors.New("round must contain exactly three statements")
	// ErrLieCount indicates a round without exactly one lie.
	ErrLieCount = errors.New("round must contain exactly one lie")
	// ErrEmptyField indicates a statement with a missing text or explanation.
	ErrEmptyField = errors.New("statement text and explanation must be non-empty")
)

// Statement is a single claim presented to the player. Immutable once generated.
type Statement struct {
	Text        string `json:"text"`
	IsLie       bool   `json:"isLie"`
	Explanation string `json:"explanation"`
}

// Round is one unit of gameplay: three statements, exactly one false.
// The topic label is reported by the content generator and feeds topic rotation.
type Round struct {
	Topic      string      `json:"topic,omitempty"`
	Statements []Statement `json:"statements"`
}

// Validate checks the fixed round schema: exactly three statements,
// exactly one marked as the lie, all fields present and non-empty.
func (r *Round) Validate() error {
	if len(r.Statements) != StatementCount {
		return fmt.Errorf("%w: got %d", ErrStatementCount, len(r.Statements))
	}

	lies := 0
	for i, stmt := range r.Statements {
		if strings.TrimSpace(stmt.Text) == "" || strings.TrimSpace(stmt.Explanation) == "" {
			return fmt.Errorf("%w: statement %d", ErrEmptyField, i)
		}
		if stmt.IsLie {
			lies++
		}
	}
	if lies != 1 {
		return fmt.Errorf("%w: got %d", ErrLieCount, lies)
	}
	return nil
}

// LieIndex returns the index of the false statement, or -1 if none is marked.
func (r *Round) LieIndex() int {
	for i, stmt := range r.Statements {
		if stmt.IsLie {
			return i
		}
	}
	return -1
}

// TopicLabel returns the round's topic, falling back to a label derived
// from the first statement when the generator omitted one.
func (r *Round) TopicLabel() string {
	if r.Topic != "" {
		return r.Topic
	}
	if len(r.Statements) == 0 {
		return ""
	}
	words := strings.Fields(r.Statements[0].Text)
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}
