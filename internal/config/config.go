// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

const (
	DefaultPort        = 8420
	DefaultMaxSessions = 10
	appName            = "brosh"
)

// Config holds daemon configuration. User preferences live in the settings
// file, not here.
type Config struct {
	Port         int
	StaticDir    string
	MaxSessions  int
	SettingsPath string
	SocketPath   string
	LogDir       string
	LogLevel     slog.Level
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads configuration through getenv. Unset variables keep their
// defaults; malformed ones are an error.
func LoadFrom(getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:         DefaultPort,
		MaxSessions:  DefaultMaxSessions,
		SettingsPath: defaultSettingsPath(),
		SocketPath:   DefaultSocketPath(getenv),
		LogDir:       defaultLogDir(),
		LogLevel:     slog.LevelInfo,
	}

	if v := getenv("BROSH_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 65535 {
			return cfg, fmt.Errorf("BROSH_PORT: invalid port %q", v)
		}
		cfg.Port = n
	}
	if v := getenv("BROSH_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("BROSH_MAX_SESSIONS: invalid count %q", v)
		}
		cfg.MaxSessions = n
	}
	if v := getenv("BROSH_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}
	if v := getenv("BROSH_SETTINGS"); v != "" {
		cfg.SettingsPath = v
	}
	if v := getenv("BROSH_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := getenv("BROSH_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := getenv("BROSH_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return cfg, fmt.Errorf("BROSH_LOG_LEVEL: %w", err)
		}
	}
	return cfg, nil
}

// DefaultSocketPath is the well-known MCP socket location for this platform.
func DefaultSocketPath(getenv func(string) string) string {
	switch runtime.GOOS {
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", appName, "mcp.sock")
		}
	case "windows":
		return filepath.Join(os.TempDir(), appName, "mcp.sock")
	default:
		if dir := getenv("XDG_RUNTIME_DIR"); dir != "" {
			return filepath.Join(dir, appName, "mcp.sock")
		}
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d", appName, os.Getuid()), "mcp.sock")
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, appName, "settings.yaml")
}

func defaultLogDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName, "logs")
	}
	return filepath.Join(dir, appName, "logs")
}
