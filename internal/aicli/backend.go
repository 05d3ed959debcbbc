// Package aicli runs external AI command-line tools as subprocesses and
// streams their answers into a terminal.
package aicli

import (
	"errors"
	"fmt"
	"os/exec"
)

// ErrNoBackend is returned when no supported AI CLI is installed.
var ErrNoBackend = errors.New("no AI backend found in PATH")

// OutputFormat is how a backend writes its answer to stdout.
type OutputFormat int

const (
	// PlainText backends write markdown directly.
	PlainText OutputFormat = iota
	// StreamJSON backends write one JSON event per line and report a
	// resumable session id.
	StreamJSON
)

// Backend is one installed AI CLI.
type Backend struct {
	Name   string
	Path   string
	Format OutputFormat
}

type backendSpec struct {
	name   string
	binary string
	format OutputFormat
}

var builtinBackends = []backendSpec{
	{name: "claude", binary: "claude", format: StreamJSON},
	{name: "codex", binary: "codex", format: PlainText},
}

// Names returns the supported backend identifiers in detection order.
func Names() []string {
	out := make([]string, len(builtinBackends))
	for i, b := range builtinBackends {
		out[i] = b.name
	}
	return out
}

// Detect finds an installed backend. The preferred backend wins when it is
// installed; otherwise the first installed one in detection order is used.
func Detect(preferred string) (Backend, error) {
	lookup := func(s backendSpec) (Backend, bool) {
		path, err := exec.LookPath(s.binary)
		if err != nil {
			return Backend{}, false
		}
		return Backend{Name: s.name, Path: path, Format: s.format}, true
	}

	if preferred != "" {
		for _, s := range builtinBackends {
			if s.name == preferred {
				if b, ok := lookup(s); ok {
					return b, nil
				}
			}
		}
	}
	for _, s := range builtinBackends {
		if b, ok := lookup(s); ok {
			return b, nil
		}
	}
	return Backend{}, ErrNoBackend
}

// Resumable reports whether the backend issues conversation ids.
func (b Backend) Resumable() bool {
	return b.Format == StreamJSON
}

// Args builds the argument list for a streamed query.
func (b Backend) Args(query, resumeID string) []string {
	switch b.Format {
	case StreamJSON:
		args := []string{"-p", query, "--output-format", "stream-json", "--verbose"}
		if resumeID != "" {
			args = append(args, "--resume", resumeID)
		}
		return args
	default:
		return []string{"exec", query}
	}
}

// OneShotArgs builds the argument list for a single non-streamed answer.
func (b Backend) OneShotArgs(prompt string) []string {
	switch b.Format {
	case StreamJSON:
		return []string{"-p", prompt, "--output-format", "text"}
	default:
		return []string{"exec", prompt}
	}
}

func (b Backend) String() string {
	return fmt.Sprintf("%s (%s)", b.Name, b.Path)
}
