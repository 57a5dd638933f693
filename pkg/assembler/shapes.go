package assembler

import "strings"

// A shape is a key path to a string field inside an inbound message.
type shape []string

// Known shapes, tried in order. The first match wins. New wire layouts are
// added here, not in the dispatch code.
var (
	audioShapes = []shape{
		{"audio"}, {"delta"}, {"data"}, {"b64"}, {"chunk"},
		{"delta", "audio"}, {"delta", "b64"}, {"delta", "data"}, {"delta", "chunk"},
	}

	textShapes = []shape{
		{"text"}, {"transcript"}, {"content"}, {"delta"},
		{"delta", "text"}, {"delta", "transcript"}, {"delta", "content"},
	}

	responseIDShapes = []shape{
		{"response", "id"}, {"response_id"}, {"id"},
	}

	userItemShapes = []shape{
		{"item_id"}, {"item", "id"},
	}

	statusShapes = []shape{
		{"response", "status"}, {"status"},
	}
)

// DefaultResponseID groups deltas that carry no response identifier.
const DefaultResponseID = "default"

// lookup follows s through nested objects and returns the string at the end.
func (s shape) lookup(msg map[string]any) (string, bool) {
	var cur any = msg
	for _, key := range s {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[key]
		if !ok {
			return "", false
		}
	}
	str, ok := cur.(string)
	return str, ok
}

// String returns the dotted path.
func (s shape) String() string {
	return strings.Join(s, ".")
}

// firstString returns the first non-empty string found by shapes.
func firstString(msg map[string]any, shapes []shape) (string, bool) {
	for _, s := range shapes {
		if v, ok := s.lookup(msg); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// responseID resolves the response a message belongs to.
func responseID(msg map[string]any) string {
	if id, ok := firstString(msg, responseIDShapes); ok {
		return id
	}
	return DefaultResponseID
}
