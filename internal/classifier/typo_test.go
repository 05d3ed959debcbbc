package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectTypo_Subcommand(t *testing.T) {
	c := New()
	got, ok := c.DetectTypo("git stauts")
	require.True(t, ok)
	assert.Equal(t, "subcommand", got.Type)
	assert.Equal(t, "status", got.Suggested)
	assert.Equal(t, "git status", got.FullSuggestion)
}

func TestDetectTypo_KeepsTrailingArgs(t *testing.T) {
	c := New()
	got, ok := c.DetectTypo("git comit -m wip")
	require.True(t, ok)
	assert.Equal(t, "commit", got.Suggested)
	assert.Equal(t, "git commit -m wip", got.FullSuggestion)
}

func TestDetectTypo_Command(t *testing.T) {
	c := New()
	got, ok := c.DetectTypo("gerp foo")
	require.True(t, ok)
	assert.Equal(t, "command", got.Type)
	assert.Equal(t, "grep", got.Suggested)
	assert.Equal(t, "grep foo", got.FullSuggestion)
}

func TestDetectTypo_NoSuggestion(t *testing.T) {
	c := New()
	for _, line := range []string{"", "git status", "git --version", "ls -la", "fooobar", "./run.sh"} {
		_, ok := c.DetectTypo(line)
		assert.False(t, ok, line)
	}
}

func TestDetectTypo_RejectsShorterDifferentFirstLetter(t *testing.T) {
	// "xcd" is one deletion from "cd", but the suggestion is shorter and starts
	// with a different letter.
	c := New()
	_, ok := c.DetectTypo("xcd")
	assert.False(t, ok)
}

func TestEditDistance(t *testing.T) {
	assert.Equal(t, 1, osaDistance("stauts", "status"))
	assert.Equal(t, 2, levenshtein("stauts", "status"))
	assert.Equal(t, 0, osaDistance("git", "git"))
	assert.Equal(t, 3, osaDistance("", "abc"))
}

func TestAutocomplete(t *testing.T) {
	tests := []struct {
		buffer string
		want   Suggestion
		ok     bool
	}{
		{"git sta", Suggestion{Suggestion: "git stash", GhostText: "sh"}, true},
		{"git stat", Suggestion{Suggestion: "git status", GhostText: "us"}, true},
		{"docker r", Suggestion{Suggestion: "docker restart", GhostText: "estart"}, true},
		{"git status", Suggestion{}, false},
		{"git", Suggestion{}, false},
		{"git ", Suggestion{}, false},
		{"git sta foo", Suggestion{}, false},
		{"ls sta", Suggestion{}, false},
		{"git zzz", Suggestion{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.buffer, func(t *testing.T) {
			got, ok := Autocomplete(tt.buffer)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
