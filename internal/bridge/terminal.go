package bridge

import (
	"fmt"
	"log/slog"

	"brosh/internal/session"
	"brosh/internal/settings"
)

// Terminal is one shell session as the orchestrator sees it.
type Terminal interface {
	ID() string
	Write(data string) error
	Resize(cols, rows int) error
	Size() (cols, rows int)
	GetContent() string
	Tail(n int) string
	TakeScreenshot() session.Screenshot
	GetProcess() string
	GetCwd() string
	IsActive() bool
	Subscribe(fn func([]byte)) (history []byte, cancel func())
	OnExit(fn func(code int)) (cancel func())
}

// Manager creates and owns terminals. A manager is bound to one sandbox mode
// for its whole life.
type Manager interface {
	Create(opts session.Options) (Terminal, error)
	Close(id string) error
	Shutdown()
}

// ManagerFactory builds a manager for the requested mode.
type ManagerFactory func(sandboxed bool) (Manager, error)

// PTYManagers returns a factory of PTY-backed managers. Sandboxed managers
// wrap shells in the launcher named by the current settings.
func PTYManagers(maxSessions int, current func() settings.Settings, log *slog.Logger) ManagerFactory {
	if log == nil {
		log = slog.Default()
	}
	return func(sandboxed bool) (Manager, error) {
		cfg := session.Config{
			MaxSessions: maxSessions,
			Logger:      log,
			Terminal: func() session.TerminalSettings {
				t := current().Terminal
				return session.TerminalSettings{Shell: t.Shell, SetLocaleEnv: t.SetLocaleEnv}
			},
		}
		if sandboxed {
			sb := current().Sandbox
			box := &session.ExecSandbox{Launcher: sb.Launcher, Args: sb.Args}
			status, err := box.Initialize(session.Permissions{Network: sb.Network, WritablePaths: sb.WritablePaths})
			if err != nil {
				return nil, fmt.Errorf("initialize sandbox: %w", err)
			}
			log.Info("sandbox ready", "launcher", status.Launcher)
			cfg.Sandbox = box
		}
		return &ptyManager{m: session.NewManager(cfg)}, nil
	}
}

type ptyManager struct {
	m *session.Manager
}

func (p *ptyManager) Create(opts session.Options) (Terminal, error) {
	s, err := p.m.Create(opts)
	if err != nil {
		return nil, err
	}
	return ptyTerminal{s}, nil
}

func (p *ptyManager) Close(id string) error { return p.m.Close(id) }

func (p *ptyManager) Shutdown() { p.m.Shutdown() }

type ptyTerminal struct {
	s *session.Session
}

func (t ptyTerminal) ID() string                         { return t.s.ID }
func (t ptyTerminal) Write(data string) error            { return t.s.Write(data) }
func (t ptyTerminal) Resize(cols, rows int) error        { return t.s.Resize(cols, rows) }
func (t ptyTerminal) Size() (int, int)                   { return t.s.Size() }
func (t ptyTerminal) GetContent() string                 { return t.s.GetContent() }
func (t ptyTerminal) Tail(n int) string                  { return t.s.Tail(n) }
func (t ptyTerminal) TakeScreenshot() session.Screenshot { return t.s.TakeScreenshot() }
func (t ptyTerminal) GetProcess() string                 { return t.s.GetProcess() }
func (t ptyTerminal) GetCwd() string                     { return t.s.GetCwd() }
func (t ptyTerminal) IsActive() bool                     { return t.s.IsActive() }
func (t ptyTerminal) OnExit(fn func(int)) func()         { return t.s.OnExit(fn) }

func (t ptyTerminal) Subscribe(fn func([]byte)) ([]byte, func()) {
	return t.s.Subscribe(fn)
}
