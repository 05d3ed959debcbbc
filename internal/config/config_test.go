package config

import (
	"log/slog"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(env(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultMaxSessions, cfg.MaxSessions)
	assert.Empty(t, cfg.StaticDir)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "mcp.sock", filepath.Base(cfg.SocketPath))
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{
		"BROSH_PORT":         "9000",
		"BROSH_MAX_SESSIONS": "3",
		"BROSH_STATIC_DIR":   "/srv/ui",
		"BROSH_SETTINGS":     "/etc/brosh.yaml",
		"BROSH_SOCKET":       "/run/b.sock",
		"BROSH_LOG_DIR":      "/var/log/brosh",
		"BROSH_LOG_LEVEL":    "debug",
	}))
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, "/srv/ui", cfg.StaticDir)
	assert.Equal(t, "/etc/brosh.yaml", cfg.SettingsPath)
	assert.Equal(t, "/run/b.sock", cfg.SocketPath)
	assert.Equal(t, "/var/log/brosh", cfg.LogDir)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	for k, v := range map[string]string{
		"BROSH_PORT":         "eighty",
		"BROSH_MAX_SESSIONS": "-1",
		"BROSH_LOG_LEVEL":    "chatty",
	} {
		_, err := LoadFrom(env(map[string]string{k: v}))
		assert.Error(t, err, k)
	}
}

func TestDefaultSocketPathUsesRuntimeDir(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG runtime dir is only consulted on linux")
	}
	got := DefaultSocketPath(env(map[string]string{"XDG_RUNTIME_DIR": "/run/user/1000"}))
	assert.Equal(t, "/run/user/1000/brosh/mcp.sock", got)
}
