package assistant

import "strings"

// DefaultEndingPhrases end a conversation when a user says them.
var DefaultEndingPhrases = []string{
	"goodbye",
	"bye",
	"that's all",
	"stop listening",
	"thank you, that's all",
}

// ContainsEndingPhrase reports whether text contains any of phrases,
// ignoring case. It is a substring match, so "bye" also matches "maybe
// byeline"; good enough for spoken sign-offs.
func ContainsEndingPhrase(text string, phrases []string) bool {
	text = strings.ToLower(text)
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}
