package domain

import (
	"math/rand"
)

// TopicMemory is a bounded record of recently used knowledge domains,
// consulted when building a generation request so consecutive rounds
// are not repetitive. It operates on a session's topic history slice;
// the broadcaster owns it exclusively for each session.
type TopicMemory struct {
	History  []string
	Capacity int
}

// Record appends a topic label, dropping the oldest entry once the
// configured capacity is exceeded. Empty labels are ignored.
func (m *TopicMemory) Record(topic string) {
	if topic == "" {
		return
	}
	m.History = append(m.History, topic)
	if m.Capacity > 0 && len(m.History) > m.Capacity {
		m.History = m.History[len(m.History)-m.Capacity:]
	}
}

// Contains reports whether the topic is present in the current history.
func (m *TopicMemory) Contains(topic string) bool {
	for _, t := range m.History {
		if t == topic {
			return true
		}
	}
	return false
}

// Suggest returns a topic from the pool that is not present in the current
// history, or "" when no preference should be forced (empty pool, or every
// pool topic was used recently). When several candidates remain, one is
// picked at random to vary the suggestion order across sessions.
func (m *TopicMemory) Suggest(pool []string) string {
	var candidates []string
	for _, topic := range pool {
		if topic != "" && !m.Contains(topic) {
			candidates = append(candidates, topic)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}
