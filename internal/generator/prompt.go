package generator

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// Request describes one round generation. Ephemeral: it is not persisted
// beyond the in-flight call.
type Request struct {
	SessionID      string
	RoundNumber    int
	Timestamp      time.Time
	SuggestedTopic string
	ExcludeTopics  []string
	EasterEgg      bool
}

// promptData is the set of fields the configured prompt template may reference.
type promptData struct {
	Timestamp      string
	RoundNumber    int
	SuggestedTopic string
}

// renderPrompt executes the prompt template and appends the topic exclusion
// context and, on easter-egg rounds, the extra instruction.
func renderPrompt(tmpl *template.Template, easterEggPrompt string, req Request) (string, error) {
	var b strings.Builder
	err := tmpl.Execute(&b, promptData{
		Timestamp:      req.Timestamp.Format(time.RFC1123),
		RoundNumber:    req.RoundNumber,
		SuggestedTopic: req.SuggestedTopic,
	})
	if err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}

	if len(req.ExcludeTopics) > 0 {
		b.WriteString("\n\nTopics already used in this session:\n")
		for _, topic := range req.ExcludeTopics {
			fmt.Fprintf(&b, "- %s\n", topic)
		}
		fmt.Fprintf(&b, "\nIMPORTANT: do not repeat any of the topics above. This is round %d, so ensure complete variety.", req.RoundNumber)
	}

	if req.EasterEgg && easterEggPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(easterEggPrompt)
	}

	return b.String(), nil
}
