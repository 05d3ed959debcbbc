package osc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTitle_LastWins(t *testing.T) {
	data := "\x1b]2;first\x07junk\x1b]0;vim main.go\x07"
	got, ok := ExtractTitle(data)
	require.True(t, ok)
	assert.Equal(t, "vim main.go", got.Title)
	assert.False(t, got.Clear)
}

func TestExtractTitle_IgnoresIconName(t *testing.T) {
	_, ok := ExtractTitle("\x1b]1;icon\x07")
	assert.False(t, ok)

	got, ok := ExtractTitle("\x1b]2;htop\x07\x1b]1;icon\x1b\\")
	require.True(t, ok)
	assert.Equal(t, "htop", got.Title)
}

func TestExtractTitle_PromptTitlesClear(t *testing.T) {
	cases := []string{
		"alice@laptop:~/src",
		"~/projects",
		"/usr/local",
		"brosh — zsh",
		"src - bash",
	}
	for _, title := range cases {
		t.Run(title, func(t *testing.T) {
			got, ok := ExtractTitle("\x1b]0;" + title + "\x07")
			require.True(t, ok)
			assert.True(t, got.Clear)
			assert.Empty(t, got.Title)
		})
	}
}

func TestExtractTitle_PartialSequence(t *testing.T) {
	_, ok := ExtractTitle("\x1b]2;unterminated")
	assert.False(t, ok)
}

func TestExtractNotifications(t *testing.T) {
	data := "\x1b]9;Build finished\x07" +
		"\x1b]777;notify;Tests;42 passed\x1b\\" +
		"\x1b]9;4;1;50\x07"
	got := ExtractNotifications(data)
	require.Len(t, got, 2)
	assert.Equal(t, Notification{Body: "Build finished"}, got[0])
	assert.Equal(t, Notification{Title: "Tests", Body: "42 passed"}, got[1])
}

func TestExtractNotifications_NumericNoiseDropped(t *testing.T) {
	assert.Empty(t, ExtractNotifications("\x1b]9;4;3;0\x07"))
}

func TestExtractMarks_Order(t *testing.T) {
	data := FormatMark(PromptStart) + "$ " + FormatMark(CommandStart) +
		"ls\r\n" + FormatMark(OutputStart) + "a b c\r\n" + FormatMark(CommandEnd, "2")
	marks := ExtractMarks(data)
	require.Len(t, marks, 4)
	assert.Equal(t, PromptStart, marks[0].Kind)
	assert.Equal(t, CommandStart, marks[1].Kind)
	assert.Equal(t, OutputStart, marks[2].Kind)
	assert.Equal(t, CommandEnd, marks[3].Kind)
	assert.True(t, marks[3].HasExitCode)
	assert.Equal(t, 2, marks[3].ExitCode)
}

func TestExtractMarks_CommandEndWithoutCode(t *testing.T) {
	marks := ExtractMarks("\x1b]133;D\x1b\\")
	require.Len(t, marks, 1)
	assert.False(t, marks[0].HasExitCode)
}

func TestExtractDirectory(t *testing.T) {
	dir, ok := ExtractDirectory("\x1b]7;file://host/tmp/a\x07\x1b]7;file://host/home/me/My%20Docs\x07")
	require.True(t, ok)
	assert.Equal(t, "/home/me/My Docs", dir)

	_, ok = ExtractDirectory("plain output")
	assert.False(t, ok)
}

func TestNormalizeDir(t *testing.T) {
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(real, link))

	want, err := filepath.EvalSymlinks(real)
	require.NoError(t, err)
	assert.Equal(t, want, NormalizeDir(link+"/"))
	assert.Equal(t, "/does/not/exist", NormalizeDir("/does/not/exist/"))
	assert.Equal(t, "", NormalizeDir(""))
}
