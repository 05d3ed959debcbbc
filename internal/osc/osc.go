// Package osc extracts out-of-band signals from terminal output: window
// titles, desktop notifications, shell-integration marks (OSC 133) and
// working-directory reports (OSC 7).
//
// Every function is stateless. Output arrives in arbitrary chunks, so a
// sequence split across two chunks simply does not match in either; callers
// must not rely on seeing every sequence.
package osc

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

const (
	ESC = "\x1b"
	BEL = "\x07"
	ST  = ESC + "\\"
	OSC = ESC + "]"
)

var (
	titleRe       = regexp.MustCompile(`\x1b\]([012]);([^\x07\x1b]*)(?:\x07|\x1b\\)`)
	notify9Re     = regexp.MustCompile(`\x1b\]9;([^\x07\x1b]*)(?:\x07|\x1b\\)`)
	notify777Re   = regexp.MustCompile(`\x1b\]777;notify;([^;\x07\x1b]*);([^\x07\x1b]*)(?:\x07|\x1b\\)`)
	markRe        = regexp.MustCompile(`\x1b\]133;([ABCD])((?:;[^\x07\x1b]*)?)(?:\x07|\x1b\\)`)
	cwdRe         = regexp.MustCompile(`\x1b\]7;file://([^/\x07\x1b]*)(/[^\x07\x1b]*)(?:\x07|\x1b\\)`)
	promptTitleRe = regexp.MustCompile(`^[\w.-]+@[\w.-]+:`)
	pathTitleRe   = regexp.MustCompile(`^(~|/)`)
	themeTitleRe  = regexp.MustCompile(`^\S+\s+[—–-]\s+(?:-?)(bash|zsh|fish|sh|dash|ksh|tcsh|nu|pwsh)$`)
	hasLetterRe   = regexp.MustCompile(`\p{L}`)
)

// TitleUpdate is the outcome of scanning a chunk for OSC 0/2 titles.
type TitleUpdate struct {
	Title string
	// Clear is set when the last title looked like a shell prompt; the UI
	// should fall back to the process name.
	Clear bool
}

// ExtractTitle returns the last OSC 0 or OSC 2 title in data. OSC 1 only
// sets the icon name and is ignored.
func ExtractTitle(data string) (TitleUpdate, bool) {
	matches := titleRe.FindAllStringSubmatch(data, -1)
	var last string
	found := false
	for _, m := range matches {
		if m[1] == "1" {
			continue
		}
		last = m[2]
		found = true
	}
	if !found {
		return TitleUpdate{}, false
	}
	if !IsUsefulTitle(last) {
		return TitleUpdate{Clear: true}, true
	}
	return TitleUpdate{Title: last}, true
}

// IsUsefulTitle reports whether a title carries information beyond what a
// shell prompt puts there by default.
func IsUsefulTitle(title string) bool {
	t := strings.TrimSpace(title)
	if t == "" {
		return false
	}
	switch {
	case promptTitleRe.MatchString(t):
		return false
	case pathTitleRe.MatchString(t):
		return false
	case themeTitleRe.MatchString(t):
		return false
	}
	return true
}

// Notification is a desktop notification requested by a program.
type Notification struct {
	Title string
	Body  string
}

// ExtractNotifications returns OSC 9 and OSC 777 notifications in encounter
// order. Bodies without any letter are dropped: OSC 9 is also used by some
// terminals for progress reporting (9;4;...) and those fragments are noise.
func ExtractNotifications(data string) []Notification {
	type hit struct {
		at int
		n  Notification
	}
	var hits []hit
	for _, idx := range notify777Re.FindAllStringSubmatchIndex(data, -1) {
		hits = append(hits, hit{at: idx[0], n: Notification{
			Title: data[idx[2]:idx[3]],
			Body:  data[idx[4]:idx[5]],
		}})
	}
	for _, idx := range notify9Re.FindAllStringSubmatchIndex(data, -1) {
		body := data[idx[2]:idx[3]]
		hits = append(hits, hit{at: idx[0], n: Notification{Body: body}})
	}
	out := make([]Notification, 0, len(hits))
	for len(hits) > 0 {
		first := 0
		for i := range hits {
			if hits[i].at < hits[first].at {
				first = i
			}
		}
		n := hits[first].n
		hits = append(hits[:first], hits[first+1:]...)
		if !hasLetterRe.MatchString(n.Body) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// MarkKind is an OSC 133 shell-integration mark.
type MarkKind byte

const (
	PromptStart  MarkKind = 'A'
	CommandStart MarkKind = 'B'
	OutputStart  MarkKind = 'C'
	CommandEnd   MarkKind = 'D'
)

func (k MarkKind) String() string {
	switch k {
	case PromptStart:
		return "prompt-start"
	case CommandStart:
		return "command-start"
	case OutputStart:
		return "output-start"
	case CommandEnd:
		return "command-end"
	default:
		return "unknown"
	}
}

// Mark is one OSC 133 mark. ExitCode is only meaningful for CommandEnd with
// HasExitCode set.
type Mark struct {
	Kind        MarkKind
	ExitCode    int
	HasExitCode bool
}

// ExtractMarks returns all OSC 133 marks in data in encounter order.
func ExtractMarks(data string) []Mark {
	matches := markRe.FindAllStringSubmatch(data, -1)
	if len(matches) == 0 {
		return nil
	}
	marks := make([]Mark, 0, len(matches))
	for _, m := range matches {
		mk := Mark{Kind: MarkKind(m[1][0])}
		if mk.Kind == CommandEnd && m[2] != "" {
			params := strings.Split(strings.TrimPrefix(m[2], ";"), ";")
			if code, err := strconv.Atoi(params[0]); err == nil {
				mk.ExitCode = code
				mk.HasExitCode = true
			}
		}
		marks = append(marks, mk)
	}
	return marks
}

// ExtractDirectory returns the path from the last OSC 7 report in data,
// URL-decoded. The result is not normalized; see NormalizeDir.
func ExtractDirectory(data string) (string, bool) {
	matches := cwdRe.FindAllStringSubmatch(data, -1)
	if len(matches) == 0 {
		return "", false
	}
	raw := matches[len(matches)-1][2]
	p, err := url.PathUnescape(raw)
	if err != nil {
		return raw, true
	}
	return p, true
}

// FormatMark renders an OSC 133 mark. Used by shell integration scripts and
// tests.
func FormatMark(kind MarkKind, params ...string) string {
	s := OSC + "133;" + string(kind)
	if len(params) > 0 {
		s += ";" + strings.Join(params, ";")
	}
	return s + BEL
}
