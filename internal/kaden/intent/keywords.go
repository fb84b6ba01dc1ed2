package intent

import (
	"strings"
	"unicode"
)

// Keywords recognised without a model, English and Hebrew.
var (
	createKeywords = []string{
		"create", "make", "generate", "automation", "automate", "build", "new",
		"turn on", "turn off", "when ", "every ",
		"יצור", "צור", "עשה", "בנה", "תייצר", "חדש", "אוטומציה",
	}
	listKeywords = []string{
		"entities", "list", "devices",
		"רשימה", "מכשירים", "רשימת",
	}
	helpPhrases = []string{
		"help", "?", "what can you do", "how does this work",
		"עזרה", "מה אתה יכול לעשות",
	}
	cancelPhrases = []string{
		"cancel", "never mind", "nevermind", "stop", "abort", "forget it",
		"בטל", "ביטול", "עזוב",
	}
)

// Shortcut classifies utterances whose intent is obvious from keywords.
// inProgress reports whether a clarification is under way; cancelling only
// means something then. ok is false when the model must decide.
func Shortcut(u Utterance, inProgress bool) (kind Kind, ok bool) {
	text := normalize(u.Text)
	if text == "" {
		return Help, true
	}
	if inProgress && matchesPhrase(text, cancelPhrases) {
		return Cancel, true
	}
	if matchesPhrase(text, helpPhrases) {
		return Help, true
	}
	if !inProgress && containsAny(text, listKeywords) && !containsAny(text, createKeywords) {
		return ListEntities, true
	}
	return "", false
}

// normalize lower-cases text and trims surrounding punctuation and space.
func normalize(s string) string {
	return strings.TrimFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '?')
	})
}

func matchesPhrase(text string, phrases []string) bool {
	bare := strings.TrimRight(text, "!.? ")
	for _, p := range phrases {
		if text == p || bare == p {
			return true
		}
	}
	return false
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
