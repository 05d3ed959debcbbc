package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultScrollback      = 1024 * 1024 // 1 MB
	readBufSize            = 32 * 1024
	drainTimeout           = 500 * time.Millisecond
	defaultGracefulTimeout = 5 * time.Second
	defaultCols            = 80
	defaultRows            = 24
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound    = errors.New("session not found")
	ErrMaxSessions = errors.New("maximum session limit reached")
)

// TerminalSettings are the user settings that affect how shells start.
type TerminalSettings struct {
	Shell        string
	SetLocaleEnv bool
}

// Config configures a Manager.
type Config struct {
	MaxSessions int
	// Sandbox, when set, wraps every shell this manager starts. It is bound
	// for the manager's lifetime.
	Sandbox  Sandbox
	Terminal func() TerminalSettings
	Logger   *slog.Logger
}

// Options describe one session to create.
type Options struct {
	Cols  int
	Rows  int
	Shell string
	Args  []string
	Cwd   string
	Env   []string
}

// Manager manages the lifecycle of PTY shell sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
	log      *slog.Logger
}

// NewManager creates a new session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = func() TerminalSettings { return TerminalSettings{} }
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Sandboxed reports whether this manager wraps shells in a sandbox.
func (m *Manager) Sandboxed() bool {
	return m.cfg.Sandbox != nil
}

// Create spawns a shell on a new PTY.
func (m *Manager) Create(opts Options) (*Session, error) {
	workDir := opts.Cwd
	if workDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		workDir = home
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return nil, fmt.Errorf("working directory does not exist: %s", workDir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", workDir)
	}

	m.mu.RLock()
	active := 0
	for _, s := range m.sessions {
		if s.IsActive() {
			active++
		}
	}
	m.mu.RUnlock()
	if m.cfg.MaxSessions > 0 && active >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.cfg.MaxSessions)
	}

	term := m.cfg.Terminal()
	shell := resolveShell(opts.Shell, term.Shell)
	args := opts.Args
	if args == nil {
		args = loginArgs(shell)
	}

	cmd := exec.Command(shell, args...)
	cmd.Dir = workDir
	cmd.Env = sessionEnv(os.Environ(), term.SetLocaleEnv, opts.Env)
	if m.cfg.Sandbox != nil {
		cmd = m.cfg.Sandbox.Wrap(cmd)
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}

	s, err := start(cmd, cols, rows, m.log)
	if err != nil {
		return nil, fmt.Errorf("start shell %s: %w", shell, err)
	}
	s.Shell = shell
	s.StartDir = workDir
	s.Sandboxed = m.cfg.Sandbox != nil

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	go s.run()

	m.log.Debug("session created", "session_id", s.ID, "shell", shell, "cwd", workDir, "sandboxed", s.Sandboxed)
	return s, nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns all sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	return result
}

// Close hangs up a session and forgets it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Close()
	return nil
}

// Shutdown closes every session and waits for them to exit, up to the
// graceful timeout plus a short margin for the force kill.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	deadline := time.After(defaultGracefulTimeout + time.Second)
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-deadline:
			return
		}
	}
	if m.cfg.Sandbox != nil {
		if err := m.cfg.Sandbox.Cleanup(); err != nil {
			m.log.Warn("sandbox cleanup failed", "error", err)
		}
	}
}

func resolveShell(requested, configured string) string {
	for _, s := range []string{requested, configured, os.Getenv("SHELL")} {
		if s != "" {
			return s
		}
	}
	return "/bin/sh"
}

func loginArgs(shell string) []string {
	switch filepath.Base(shell) {
	case "bash", "zsh", "fish":
		return []string{"-l"}
	}
	return []string{}
}

func sessionEnv(base []string, setLocale bool, extra []string) []string {
	env := make([]string, 0, len(base)+len(extra)+4)
	hasLang := false
	for _, kv := range base {
		if len(kv) > 5 && kv[:5] == "LANG=" {
			hasLang = true
		}
		env = append(env, kv)
	}
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor", "BROSH=1")
	if setLocale && !hasLang {
		env = append(env, "LANG=en_US.UTF-8")
	}
	return append(env, extra...)
}
