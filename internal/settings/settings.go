// Package settings stores user preferences in a YAML file and reloads them
// when the file changes on disk.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"brosh/internal/watcher"
)

// AI controls the natural-language pipeline.
type AI struct {
	Enabled               bool     `yaml:"enabled" json:"enabled"`
	ConfirmBeforeInvoking bool     `yaml:"confirmBeforeInvoking" json:"confirmBeforeInvoking"`
	ShowIndicator         bool     `yaml:"showIndicator" json:"showIndicator"`
	Denylist              []string `yaml:"denylist" json:"denylist"`
	Backend               string   `yaml:"backend,omitempty" json:"backend,omitempty"`
	Triage                bool     `yaml:"triage" json:"triage"`
}

// Terminal controls how shells are started.
type Terminal struct {
	SetLocaleEnv           bool   `yaml:"setLocaleEnv" json:"setLocaleEnv"`
	AskModeForNewTerminals bool   `yaml:"askModeForNewTerminals" json:"askModeForNewTerminals"`
	Shell                  string `yaml:"shell,omitempty" json:"shell,omitempty"`
}

// Sandbox configures sandboxed sessions.
type Sandbox struct {
	Launcher      string   `yaml:"launcher" json:"launcher"`
	Args          []string `yaml:"args,omitempty" json:"args,omitempty"`
	Network       bool     `yaml:"network" json:"network"`
	WritablePaths []string `yaml:"writablePaths,omitempty" json:"writablePaths,omitempty"`
}

type Settings struct {
	AI       AI       `yaml:"ai" json:"ai"`
	Terminal Terminal `yaml:"terminal" json:"terminal"`
	Sandbox  Sandbox  `yaml:"sandbox" json:"sandbox"`
}

// Defaults returns the settings used for keys missing from the file.
func Defaults() Settings {
	return Settings{
		AI: AI{
			Enabled:       true,
			ShowIndicator: true,
			Triage:        true,
		},
		Terminal: Terminal{
			SetLocaleEnv:           true,
			AskModeForNewTerminals: true,
		},
		Sandbox: Sandbox{Launcher: "bwrap"},
	}
}

func (s Settings) clone() Settings {
	s.AI.Denylist = slices.Clone(s.AI.Denylist)
	s.Sandbox.Args = slices.Clone(s.Sandbox.Args)
	s.Sandbox.WritablePaths = slices.Clone(s.Sandbox.WritablePaths)
	return s
}

// Store holds the current settings. An empty path keeps them in memory only.
type Store struct {
	path string
	log  *slog.Logger

	mu   sync.RWMutex
	cur  Settings
	subs []func(Settings)
}

// Open loads path, falling back to defaults if it does not exist.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log, cur: Defaults()}
	if path == "" {
		return s, nil
	}
	cur, err := load(path)
	if err != nil {
		return nil, err
	}
	s.cur = cur
	return s, nil
}

func load(path string) (Settings, error) {
	cur := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cur, nil
	}
	if err != nil {
		return cur, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &cur); err != nil {
		return Defaults(), fmt.Errorf("parse settings %s: %w", path, err)
	}
	return cur, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.clone()
}

// Path is the backing file, or "".
func (s *Store) Path() string { return s.path }

// Update applies fn to a copy of the settings, persists the result, and
// makes it current. Nothing changes if persisting fails.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	next := s.cur.clone()
	fn(&next)
	if err := s.persist(next); err != nil {
		s.mu.Unlock()
		return s.Get(), err
	}
	s.cur = next
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next.clone())
	}
	return next.clone(), nil
}

// persist writes atomically through a temp file and rename. Caller holds mu.
func (s *Store) persist(v Settings) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// OnChange registers fn to run after every update or reload.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// Reload re-reads the backing file. A file that fails to parse leaves the
// current settings in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	next, err := load(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if equal(s.cur, next) {
		s.mu.Unlock()
		return nil
	}
	s.cur = next
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	s.log.Info("settings reloaded", "path", s.path)
	for _, fn := range subs {
		fn(next.clone())
	}
	return nil
}

// Watch reloads the store whenever its file changes.
func (s *Store) Watch(w *watcher.Watcher) error {
	if s.path == "" {
		return nil
	}
	return w.Watch("settings", s.path, watcher.DefaultDebounce, func() {
		if err := s.Reload(); err != nil {
			s.log.Warn("settings reload failed", "error", err)
		}
	})
}

func equal(a, b Settings) bool {
	x, errA := yaml.Marshal(a)
	y, errB := yaml.Marshal(b)
	return errA == nil && errB == nil && string(x) == string(y)
}
