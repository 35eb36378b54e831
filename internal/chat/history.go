package chat

import (
	"fmt"
	"strings"
)

// Turn is one completed exchange.
type Turn struct {
	Query    string
	Response string
}

// History is the ordered conversation so far. It lives only in memory.
type History struct {
	turns []Turn
}

// Append records a turn.
func (h *History) Append(query, response string) {
	h.turns = append(h.turns, Turn{Query: query, Response: response})
}

// Turns returns a copy of the recorded turns.
func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	return len(h.turns)
}

// Clear drops every turn.
func (h *History) Clear() {
	h.turns = nil
}

// BuildPrompt renders history and the new query in the ChatGLM round format. With no history the
// query is sent as is.
func BuildPrompt(history []Turn, query string) string {
	if len(history) == 0 {
		return query
	}

	var sb strings.Builder
	for i, turn := range history {
		fmt.Fprintf(&sb, "[Round %d]\n问：%s\n答：%s\n", i, turn.Query, turn.Response)
	}
	fmt.Fprintf(&sb, "[Round %d]\n问：%s\n答：", len(history), query)

	return sb.String()
}
