package session

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

// Permissions describe what a sandboxed shell may touch.
type Permissions struct {
	Network       bool     `json:"network" yaml:"network"`
	WritablePaths []string `json:"writablePaths" yaml:"writablePaths"`
}

// SandboxStatus is reported by Initialize.
type SandboxStatus struct {
	Enabled  bool   `json:"enabled"`
	Launcher string `json:"launcher,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Sandbox mediates filesystem and network access for shells. A Manager is
// bound to one Sandbox for its lifetime.
type Sandbox interface {
	Initialize(p Permissions) (SandboxStatus, error)
	Wrap(cmd *exec.Cmd) *exec.Cmd
	Cleanup() error
}

// ExecSandbox runs shells under an external launcher such as bwrap. For
// bwrap the arguments are derived from the permissions; any other launcher
// gets Args followed by the shell command line.
type ExecSandbox struct {
	Launcher string
	Args     []string

	path  string
	perms Permissions
}

// Initialize checks that the launcher is installed.
func (s *ExecSandbox) Initialize(p Permissions) (SandboxStatus, error) {
	path, err := exec.LookPath(s.Launcher)
	if err != nil {
		return SandboxStatus{Reason: "launcher not found"}, fmt.Errorf("sandbox launcher %q: %w", s.Launcher, err)
	}
	s.path = path
	s.perms = p
	return SandboxStatus{Enabled: true, Launcher: path}, nil
}

// Wrap returns a command that runs cmd inside the sandbox. cmd's directory
// and environment carry over.
func (s *ExecSandbox) Wrap(cmd *exec.Cmd) *exec.Cmd {
	if s.path == "" {
		return cmd
	}
	var args []string
	if filepath.Base(s.path) == "bwrap" {
		args = s.bwrapArgs(cmd.Dir)
	} else {
		args = append(args, s.Args...)
	}
	args = append(args, cmd.Path)
	args = append(args, cmd.Args[1:]...)

	wrapped := exec.Command(s.path, args...)
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	return wrapped
}

func (s *ExecSandbox) bwrapArgs(dir string) []string {
	args := []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--tmpfs", "/tmp",
		"--die-with-parent",
	}
	writable := append([]string{}, s.perms.WritablePaths...)
	if dir != "" {
		writable = append(writable, dir)
	}
	for _, p := range writable {
		args = append(args, "--bind", p, p)
	}
	if !s.perms.Network {
		args = append(args, "--unshare-net")
	}
	args = append(args, s.Args...)
	return append(args, "--")
}

func (s *ExecSandbox) Cleanup() error {
	return nil
}
