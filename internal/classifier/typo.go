package classifier

import (
	"sort"
	"strings"
)

// Typo is an advisory correction for the first or second word of a line.
type Typo struct {
	Type           string `json:"type"` // "command" | "subcommand"
	Original       string `json:"original"`
	Suggested      string `json:"suggested"`
	FullSuggestion string `json:"fullSuggestion"`
}

// DetectTypo looks for a likely misspelling in line. A known first word is
// checked against its subcommand table; an unknown first word against the
// known-command table.
func (c *Classifier) DetectTypo(line string) (Typo, bool) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return Typo{}, false
	}
	first := words[0]

	if c.known[first] {
		subs := subcommands[first]
		if len(subs) == 0 || len(words) < 2 {
			return Typo{}, false
		}
		second := words[1]
		if strings.HasPrefix(second, "-") || contains(subs, second) {
			return Typo{}, false
		}
		best, ok := nearest(second, subs)
		if !ok {
			return Typo{}, false
		}
		full := append([]string{first, best}, words[2:]...)
		return Typo{Type: "subcommand", Original: second, Suggested: best, FullSuggestion: strings.Join(full, " ")}, true
	}

	if len(first) < 2 || strings.ContainsAny(first, "/.=$") {
		return Typo{}, false
	}
	best, ok := nearest(first, knownCommands)
	if !ok {
		return Typo{}, false
	}
	full := append([]string{best}, words[1:]...)
	return Typo{Type: "command", Original: first, Suggested: best, FullSuggestion: strings.Join(full, " ")}, true
}

type candidate struct {
	word      string
	dist      int
	transpose bool
	sameFirst bool
}

func nearest(word string, dict []string) (string, bool) {
	limit := 1
	if len(word) > 4 {
		limit = 2
	}

	var cands []candidate
	for _, d := range dict {
		if d == word {
			return "", false
		}
		dist := osaDistance(word, d)
		if dist == 0 || dist > limit {
			continue
		}
		sameFirst := d[0] == word[0]
		if len(d) < len(word) && !sameFirst {
			continue
		}
		cands = append(cands, candidate{
			word:      d,
			dist:      dist,
			transpose: levenshtein(word, d) > dist,
			sameFirst: sameFirst,
		})
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		if a.transpose != b.transpose {
			return a.transpose
		}
		if a.sameFirst != b.sameFirst {
			return a.sameFirst
		}
		return a.word < b.word
	})
	return cands[0].word, true
}

// osaDistance is the optimal string alignment distance: Levenshtein plus
// transposition of adjacent characters.
func osaDistance(a, b string) int {
	return editDistance(a, b, true)
}

func levenshtein(a, b string) int {
	return editDistance(a, b, false)
}

func editDistance(a, b string, transpositions bool) int {
	ra, rb := []rune(a), []rune(b)
	n, m := len(ra), len(rb)
	d := make([][]int, n+1)
	for i := range d {
		d[i] = make([]int, m+1)
		d[i][0] = i
	}
	for j := 0; j <= m; j++ {
		d[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			d[i][j] = min(d[i-1][j]+1, d[i][j-1]+1, d[i-1][j-1]+cost)
			if transpositions && i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				d[i][j] = min(d[i][j], d[i-2][j-2]+1)
			}
		}
	}
	return d[n][m]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
