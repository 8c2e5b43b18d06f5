// Package moderation scores message text for the room content filter. It
// is a deterministic wordlist classifier standing in for an external
// moderation model; the rest of the system only depends on its
// (flagged, probability) contract.
package moderation

import (
	"regexp"
	"strings"
)

var (
	urlRegex  = regexp.MustCompile(`https?://\S+`)
	wordRegex = regexp.MustCompile(`[a-z']+`)
)

// defaultWordlist flags hostile language. Matching is per cleaned token.
var defaultWordlist = []string{
	"idiot", "idiots", "moron", "stupid", "dumb", "loser", "losers",
	"trash", "garbage", "pathetic", "worthless", "shut",
	"hate", "kill", "die", "ugly", "disgusting", "freak",
}

// Classifier scores cleaned text against its wordlist.
type Classifier struct {
	words map[string]struct{}
}

// NewClassifier builds a classifier from the default wordlist plus any
// extra words.
func NewClassifier(extra ...string) *Classifier {
	words := make(map[string]struct{}, len(defaultWordlist)+len(extra))
	for _, w := range defaultWordlist {
		words[w] = struct{}{}
	}
	for _, w := range extra {
		words[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return &Classifier{words: words}
}

// Clean normalizes raw message text for scoring: lowercased, URLs
// stripped, punctuation reduced to token boundaries.
func (c *Classifier) Clean(text string) string {
	text = strings.ToLower(text)
	text = urlRegex.ReplaceAllString(text, " ")
	return strings.Join(wordRegex.FindAllString(text, -1), " ")
}

// Score reports whether the cleaned text is flagged and the fraction of
// its tokens that hit the wordlist. Empty input is never flagged.
func (c *Classifier) Score(cleaned string) (bool, float64) {
	tokens := strings.Fields(cleaned)
	if len(tokens) == 0 {
		return false, 0
	}

	hits := 0
	for _, tok := range tokens {
		if _, ok := c.words[tok]; ok {
			hits++
		}
	}
	if hits == 0 {
		return false, 0
	}
	return true, float64(hits) / float64(len(tokens))
}
