package classifier

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// Scores are the model's probabilities for the two classes. They need not
// sum to one.
type Scores struct {
	Command         float64
	NaturalLanguage float64
}

// Model scores a short line of text. Implementations may be slow; Predict is
// always called off the keystroke path.
type Model interface {
	Predict(ctx context.Context, text string) (Scores, error)
}

var questionWords = map[string]bool{
	"how": true, "what": true, "why": true, "where": true, "when": true,
	"who": true, "which": true, "can": true, "could": true, "would": true,
	"should": true, "is": true, "are": true, "does": true, "do": true,
	"explain": true, "tell": true, "show": true, "help": true, "please": true,
	"summarize": true, "describe": true, "write": true, "create": true,
	"fix": true, "i": true, "i'm": true, "whats": true, "what's": true,
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "to": true, "of": true, "in": true,
	"on": true, "my": true, "me": true, "i": true, "you": true, "this": true,
	"that": true, "for": true, "with": true, "is": true, "are": true,
	"it": true, "and": true, "or": true, "all": true, "do": true, "does": true,
	"be": true, "there": true, "from": true, "about": true, "why": true,
	"how": true, "what": true,
}

// HeuristicModel is a small logistic scorer over surface features of the
// line. It is the default when no local inference model is configured.
type HeuristicModel struct {
	known map[string]bool
}

// NewHeuristicModel returns a model that treats the given executables as
// strong command evidence.
func NewHeuristicModel(known []string) *HeuristicModel {
	m := &HeuristicModel{known: make(map[string]bool, len(known))}
	for _, k := range known {
		m.known[k] = true
	}
	return m
}

func (m *HeuristicModel) Predict(_ context.Context, text string) (Scores, error) {
	z := m.logit(text)
	nl := 1 / (1 + math.Exp(-z))
	return Scores{Command: 1 - nl, NaturalLanguage: nl}, nil
}

func (m *HeuristicModel) logit(text string) float64 {
	t := strings.TrimSpace(text)
	words := strings.Fields(strings.ToLower(t))
	if len(words) == 0 {
		return -5
	}

	z := -1.0
	first := strings.Trim(words[0], ",.!?:;")

	if questionWords[first] {
		z += 2.0
	}
	if strings.HasSuffix(t, "?") {
		z += 1.5
	}
	if m.known[words[0]] {
		z -= 2.5
	}
	switch n := len(words); {
	case n == 1:
		z -= 1.5
	case n >= 4:
		z += 0.8
	}

	stops := 0
	for _, w := range words {
		if stopWords[strings.Trim(w, ",.!?:;")] {
			stops++
		}
	}
	z += 1.5 * float64(stops) / float64(len(words))

	z -= 1.2 * float64(shellSyntax(t))

	letters, others := 0, 0
	for _, r := range t {
		switch {
		case unicode.IsLetter(r) || unicode.IsSpace(r):
			letters++
		default:
			others++
		}
	}
	if letters+others > 0 && float64(others)/float64(letters+others) > 0.25 {
		z -= 1.0
	}
	return z
}

// shellSyntax counts distinct shell constructs in t.
func shellSyntax(t string) int {
	n := 0
	for _, tok := range []string{"|", ">", "<", "&&", "||", ";", "$", "`", "=", "~/", "./", "*"} {
		if strings.Contains(t, tok) {
			n++
		}
	}
	for _, w := range strings.Fields(t) {
		if strings.HasPrefix(w, "-") && len(w) > 1 {
			n++
			break
		}
	}
	for _, w := range strings.Fields(t) {
		if strings.Count(w, "/") >= 1 && !strings.HasSuffix(w, "/") && len(w) > 1 {
			n++
			break
		}
	}
	return n
}
