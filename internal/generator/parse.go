package generator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jpoore/twotruths/internal/domain"
)

// The model sometimes wraps the JSON in prose or a fenced code block;
// extraction mirrors that recovery order: last code block first, then
// outermost brace boundaries.
var codeBlockPattern = regexp.MustCompile("(?s)```(?:json)?(.*?)```")

func extractJSON(text string) string {
	if blocks := codeBlockPattern.FindAllStringSubmatch(text, -1); len(blocks) > 0 {
		return strings.TrimSpace(blocks[len(blocks)-1][1])
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// ParseRound extracts and decodes a round from the raw model response and
// validates it against the fixed schema. Any failure is an ErrSchema.
func ParseRound(text string) (*domain.Round, error) {
	raw := extractJSON(text)

	var round domain.Round
	if err := json.Unmarshal([]byte(raw), &round); err != nil {
		// The model occasionally escapes quotes it shouldn't.
		cleaned := strings.ReplaceAll(strings.TrimSpace(raw), `\"`, `"`)
		if retryErr := json.Unmarshal([]byte(cleaned), &round); retryErr != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrSchema, err)
		}
	}

	if err := round.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return &round, nil
}
