package classifier

import (
	"sort"
	"strings"
)

// Suggestion is an inline completion. GhostText is the part the user has not
// typed yet.
type Suggestion struct {
	Suggestion string `json:"suggestion"`
	GhostText  string `json:"ghostText"`
}

// Autocomplete suggests a subcommand for a buffer of the form
// "<program> <partial>". It offers nothing for any other shape.
func Autocomplete(buffer string) (Suggestion, bool) {
	if buffer == "" || strings.HasSuffix(buffer, " ") || strings.HasPrefix(buffer, " ") {
		return Suggestion{}, false
	}
	words := strings.Fields(buffer)
	if len(words) != 2 {
		return Suggestion{}, false
	}
	subs := subcommands[words[0]]
	if len(subs) == 0 {
		return Suggestion{}, false
	}

	partial := words[1]
	var matches []string
	for _, s := range subs {
		if len(s) > len(partial) && strings.HasPrefix(s, partial) {
			matches = append(matches, s)
		}
	}
	if len(matches) == 0 {
		return Suggestion{}, false
	}
	sort.Strings(matches)
	best := matches[0]
	return Suggestion{
		Suggestion: words[0] + " " + best,
		GhostText:  best[len(partial):],
	}, true
}
