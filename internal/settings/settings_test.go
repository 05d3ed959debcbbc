package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brosh/internal/watcher"
)

func TestOpen_MissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), s.Get())
}

func TestOpen_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ai:\n  denylist: [kubectl]\n  confirmBeforeInvoking: true\n"), 0o644))

	s, err := Open(path, nil)
	require.NoError(t, err)
	got := s.Get()
	assert.Equal(t, []string{"kubectl"}, got.AI.Denylist)
	assert.True(t, got.AI.ConfirmBeforeInvoking)
	assert.True(t, got.AI.Enabled)
	assert.True(t, got.Terminal.SetLocaleEnv)
}

func TestOpen_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ai: [unterminated"), 0o644))
	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, _ := Open("", nil)
	_, err := s.Update(func(v *Settings) { v.AI.Denylist = []string{"vim"} })
	require.NoError(t, err)

	got := s.Get()
	got.AI.Denylist[0] = "emacs"
	assert.Equal(t, []string{"vim"}, s.Get().AI.Denylist)
}

func TestUpdate_PersistsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s, err := Open(path, nil)
	require.NoError(t, err)

	changed := make(chan Settings, 1)
	s.OnChange(func(v Settings) { changed <- v })

	_, err = s.Update(func(v *Settings) { v.AI.Enabled = false })
	require.NoError(t, err)
	assert.False(t, (<-changed).AI.Enabled)

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	assert.False(t, reopened.Get().AI.Enabled)

	entries, _ := os.ReadDir(filepath.Dir(path))
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestReload_SkipsUnchanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, _ := Open(path, nil)
	_, err := s.Update(func(v *Settings) { v.Terminal.Shell = "/bin/zsh" })
	require.NoError(t, err)

	calls := 0
	s.OnChange(func(Settings) { calls++ })
	require.NoError(t, s.Reload())
	assert.Zero(t, calls)
}

func TestWatch_PicksUpExternalEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := Open(path, nil)
	require.NoError(t, err)

	w := watcher.New(nil)
	defer w.Shutdown()
	require.NoError(t, s.Watch(w))

	require.NoError(t, os.WriteFile(path, []byte("ai:\n  enabled: false\n"), 0o644))
	assert.Eventually(t, func() bool { return !s.Get().AI.Enabled }, 3*time.Second, 20*time.Millisecond)
}
