// Package triage asks the AI backend whether a failed command is worth
// telling the user about.
package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMinInterval = 3 * time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultTailLines   = 30
)

// Skippable reports whether exitCode is never triaged: success, or an
// interruption by SIGINT (130) or SIGTERM (143).
func Skippable(exitCode int) bool {
	return exitCode == 0 || exitCode == 130 || exitCode == 143
}

// Verdict is the backend's answer.
type Verdict struct {
	Notify  bool   `json:"notify"`
	Summary string `json:"summary"`
}

// Diagnostic is forwarded to diagnostics consumers for every affirmative
// verdict.
type Diagnostic struct {
	SessionID string    `json:"sessionId"`
	Command   string    `json:"command"`
	ExitCode  int       `json:"exitCode"`
	Summary   string    `json:"summary"`
	Output    string    `json:"output"`
	At        time.Time `json:"at"`
}

// Context is what the controller sends to the backend.
type Context struct {
	Command string
	Screen  string
}

// AskFunc runs one prompt against the backend.
type AskFunc func(ctx context.Context, prompt string) (string, error)

// Config configures a Controller.
type Config struct {
	Ask         AskFunc
	Enabled     func() bool
	MinInterval time.Duration
	Timeout     time.Duration
	TailLines   int
	Diagnostics func(Diagnostic)
	Logger      *slog.Logger
	Now         func() time.Time
}

// Controller runs triage for any number of sessions. Per-session state lives
// in a Slot owned by the caller.
type Controller struct {
	cfg Config
}

func NewController(cfg Config) *Controller {
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TailLines == 0 {
		cfg.TailLines = DefaultTailLines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{cfg: cfg}
}

// TailLines is the number of screen lines sent with each request.
func (c *Controller) TailLines() int { return c.cfg.TailLines }

// Slot is the triage state of one session.
type Slot struct {
	mu      sync.Mutex
	last    time.Time
	cancel  context.CancelFunc
	seq     uint64
	showing bool
}

// Cancel stops any in-flight triage. Safe to call repeatedly.
func (s *Slot) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.seq++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pending reports whether a triage is in flight.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Dismiss cancels any pending triage and clears the displayed notification.
// It returns true if a notification was showing.
func (s *Slot) Dismiss() bool {
	s.Cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.showing
	s.showing = false
	return was
}

// Run starts a triage for a failed command. gather is only called once the
// request has passed every skip check. report runs on an affirmative verdict
// that was not superseded; it runs with the slot locked and must not call
// back into the slot. Run returns false if the request was skipped.
func (c *Controller) Run(slot *Slot, sessionID string, exitCode int, gather func() Context, report func(Verdict)) bool {
	log := c.cfg.Logger.With("session_id", sessionID, "exit_code", exitCode)
	if Skippable(exitCode) {
		return false
	}
	if c.cfg.Ask == nil || (c.cfg.Enabled != nil && !c.cfg.Enabled()) {
		return false
	}

	now := c.cfg.Now()
	slot.mu.Lock()
	if !slot.last.IsZero() && now.Sub(slot.last) < c.cfg.MinInterval {
		slot.mu.Unlock()
		log.Debug("triage rate limited")
		return false
	}
	slot.last = now
	prev := slot.cancel
	slot.seq++
	seq := slot.seq
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	slot.cancel = cancel
	slot.mu.Unlock()
	if prev != nil {
		prev()
	}

	in := gather()
	go func() {
		defer cancel()
		v, err := c.ask(ctx, in, exitCode)

		slot.mu.Lock()
		current := slot.seq == seq
		if current {
			slot.cancel = nil
		}
		notify := current && err == nil && v.Notify
		if notify {
			// A Dismiss waits for the notification to go out first.
			slot.showing = true
			report(v)
		}
		slot.mu.Unlock()

		switch {
		case !current:
			log.Debug("triage superseded")
			return
		case err != nil:
			log.Debug("triage failed", "error", err)
			return
		case !notify:
			return
		}
		if c.cfg.Diagnostics != nil {
			c.cfg.Diagnostics(Diagnostic{
				SessionID: sessionID,
				Command:   in.Command,
				ExitCode:  exitCode,
				Summary:   v.Summary,
				Output:    in.Screen,
				At:        c.cfg.Now(),
			})
		}
	}()
	return true
}

func (c *Controller) ask(ctx context.Context, in Context, exitCode int) (Verdict, error) {
	out, err := c.cfg.Ask(ctx, BuildPrompt(in, exitCode))
	if err != nil {
		return Verdict{}, err
	}
	if ctx.Err() != nil {
		return Verdict{}, ctx.Err()
	}
	return ParseVerdict(out)
}

// BuildPrompt renders the one-shot triage question.
func BuildPrompt(in Context, exitCode int) string {
	var b strings.Builder
	b.WriteString("A command in the user's terminal failed. Decide whether the failure is worth a short notification.\n")
	b.WriteString("Do not notify for expected failures such as a grep with no matches, a test run the user is iterating on, or a typo the shell already explained.\n")
	b.WriteString("Reply with JSON only: {\"notify\": true|false, \"summary\": \"one sentence\"}.\n\n")
	fmt.Fprintf(&b, "Command: %s\nExit code: %d\n\nLast screen lines:\n%s\n", in.Command, exitCode, in.Screen)
	return b.String()
}

// ParseVerdict extracts the JSON verdict from a backend answer, tolerating
// surrounding prose or code fences.
func ParseVerdict(out string) (Verdict, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end < start {
		return Verdict{}, fmt.Errorf("no JSON object in triage response")
	}
	var v Verdict
	if err := json.Unmarshal([]byte(out[start:end+1]), &v); err != nil {
		return Verdict{}, fmt.Errorf("decode triage response: %w", err)
	}
	v.Summary = strings.TrimSpace(v.Summary)
	if v.Notify && v.Summary == "" {
		v.Summary = "Command failed"
	}
	return v, nil
}
