// Package bridge composes terminal sessions with the input pipeline for one
// window: keystroke routing, AI invocation, error triage, escape-sequence
// signals, and the window's focus and power state.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"brosh/internal/aicli"
	"brosh/internal/input"
	"brosh/internal/protocol"
	"brosh/internal/session"
	"brosh/internal/settings"
	"brosh/internal/triage"
)

const (
	DefaultProcessDebounce = 100 * time.Millisecond
	DefaultCwdDebounce     = 500 * time.Millisecond
	defaultCols            = 80
	defaultRows            = 24
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrClosed          = errors.New("orchestrator closed")
)

// InvokeFunc starts an AI invocation and returns its cancel function.
type InvokeFunc func(ctx context.Context, req aicli.Request, cb aicli.Callbacks) (cancel func())

// RunnerInvoke adapts an aicli.Runner to an InvokeFunc.
func RunnerInvoke(r *aicli.Runner) InvokeFunc {
	return func(ctx context.Context, req aicli.Request, cb aicli.Callbacks) func() {
		return r.Invoke(ctx, req, cb).Cancel
	}
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	NewManager ManagerFactory
	Classifier input.Classifier
	Invoke     InvokeFunc
	// Detect picks the AI backend. Defaults to aicli.Detect.
	Detect   func(preferred string) (aicli.Backend, error)
	Triage   *triage.Controller
	Settings func() settings.Settings
	// Emit delivers messages to the window. It must not block.
	Emit func(*protocol.Message)
	// OnSessionClosed runs after a session of this window is gone.
	OnSessionClosed func(id string)
	// HomeDir is where speculative sessions start. Defaults to $HOME.
	HomeDir         string
	FormatterStyle  string
	ProcessDebounce time.Duration
	CwdDebounce     time.Duration
	Logger          *slog.Logger
}

// CreateRequest describes a session the window asked for.
type CreateRequest struct {
	Cols    int
	Rows    int
	Shell   string
	Cwd     string
	Sandbox bool
}

// SessionInfo describes a live session of a window.
type SessionInfo struct {
	ID        string `json:"id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Sandboxed bool   `json:"sandboxed"`
	Process   string `json:"process,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Title     string `json:"title,omitempty"`
	AIActive  bool   `json:"aiActive"`
}

// speculative is a session created before the window asked for one.
type speculative struct {
	term     Terminal
	cwd      string
	consumed bool
}

// Orchestrator owns one window's terminal manager and sessions.
type Orchestrator struct {
	cfg   Config
	log   *slog.Logger
	codec *chunkCodec
	polls singleflight.Group

	mu          sync.Mutex
	mgr         Manager
	sandboxed   bool
	records     map[string]*record
	warm        *speculative
	precreating bool
	focused     bool
	suspended   bool
	closed      bool
}

// New creates an orchestrator. The window starts focused and awake.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.NewManager == nil || cfg.Classifier == nil || cfg.Emit == nil {
		return nil, errors.New("bridge: manager factory, classifier and emit are required")
	}
	if cfg.Detect == nil {
		cfg.Detect = aicli.Detect
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.Defaults
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir, _ = os.UserHomeDir()
	}
	if cfg.FormatterStyle == "" {
		cfg.FormatterStyle = aicli.DefaultStyle
	}
	if cfg.ProcessDebounce == 0 {
		cfg.ProcessDebounce = DefaultProcessDebounce
	}
	if cfg.CwdDebounce == 0 {
		cfg.CwdDebounce = DefaultCwdDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	codec, err := newChunkCodec()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger,
		codec:   codec,
		records: make(map[string]*record),
		focused: true,
	}, nil
}

func (o *Orchestrator) send(msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		o.log.Error("encode message", "type", msgType, "error", err)
		return
	}
	o.cfg.Emit(msg)
}

// manager returns the manager for the requested mode, replacing the current
// one if its mode differs. Replacing disposes every session of the old
// manager, including the speculative one; that work is returned as cleanup
// for the caller to run once mu is released. Caller holds mu.
func (o *Orchestrator) manager(sandboxed bool) (Manager, func(), error) {
	cleanup := func() {}
	if o.mgr != nil && o.sandboxed == sandboxed {
		return o.mgr, cleanup, nil
	}
	if o.mgr != nil {
		o.log.Info("switching session mode", "sandboxed", sandboxed)
		o.discardSpeculative()
		old := o.mgr
		orphans := o.snapshot()
		o.mgr = nil
		o.records = make(map[string]*record)
		cleanup = func() {
			for _, r := range orphans {
				r.close()
				o.sessionGone(r.id)
			}
			old.Shutdown()
		}
	}
	mgr, err := o.cfg.NewManager(sandboxed)
	if err != nil {
		return nil, cleanup, err
	}
	o.mgr = mgr
	o.sandboxed = sandboxed
	return mgr, cleanup, nil
}

// discardSpeculative closes an unconsumed speculative session. Caller holds mu.
func (o *Orchestrator) discardSpeculative() {
	warm := o.warm
	o.warm = nil
	if warm == nil || warm.consumed {
		return
	}
	warm.consumed = true
	if o.mgr != nil {
		if err := o.mgr.Close(warm.term.ID()); err != nil {
			o.log.Debug("discard speculative session", "session_id", warm.term.ID(), "error", err)
		}
	}
}

// PreCreateStandardSession starts a direct-mode shell in the home directory
// so the next standard session request can be served without spawn latency.
// It does nothing when one is already waiting, when the window is sandboxed
// or when new terminals skip the mode prompt.
func (o *Orchestrator) PreCreateStandardSession() error {
	if !o.cfg.Settings().Terminal.AskModeForNewTerminals {
		return nil
	}
	o.mu.Lock()
	if o.closed || o.warm != nil || o.precreating || (o.mgr != nil && o.sandboxed) {
		o.mu.Unlock()
		return nil
	}
	mgr, cleanup, err := o.manager(false)
	if err != nil {
		o.mu.Unlock()
		cleanup()
		return fmt.Errorf("pre-create session: %w", err)
	}
	o.precreating = true
	o.mu.Unlock()
	cleanup()

	term, err := mgr.Create(session.Options{Cols: defaultCols, Rows: defaultRows, Cwd: o.cfg.HomeDir})

	o.mu.Lock()
	defer o.mu.Unlock()
	o.precreating = false
	if err != nil {
		return fmt.Errorf("pre-create session: %w", err)
	}
	if o.closed || o.mgr != mgr {
		_ = mgr.Close(term.ID())
		return nil
	}
	o.warm = &speculative{term: term, cwd: o.cfg.HomeDir}
	o.log.Debug("speculative session ready", "session_id", term.ID())
	return nil
}

// HasSpeculative reports whether an unconsumed speculative session is waiting.
func (o *Orchestrator) HasSpeculative() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.warm != nil && !o.warm.consumed
}

func (o *Orchestrator) precreateNext() {
	go func() {
		if err := o.PreCreateStandardSession(); err != nil {
			o.log.Debug("speculative session failed", "error", err)
		}
	}()
}

// CreateSession starts a session for the window. A direct-mode request with
// no shell or cwd override is served from the speculative session when one
// is ready.
func (o *Orchestrator) CreateSession(req CreateRequest) (string, error) {
	if req.Cols <= 0 {
		req.Cols = defaultCols
	}
	if req.Rows <= 0 {
		req.Rows = defaultRows
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrClosed
	}
	mgr, cleanup, err := o.manager(req.Sandbox)
	if err != nil {
		o.mu.Unlock()
		cleanup()
		return "", fmt.Errorf("create manager: %w", err)
	}

	var term Terminal
	speculativeHit := false
	if warm := o.warm; warm != nil && !warm.consumed && !req.Sandbox && req.Shell == "" && req.Cwd == "" {
		warm.consumed = true
		o.warm = nil
		if warm.term.IsActive() {
			term = warm.term
			speculativeHit = true
		} else {
			_ = mgr.Close(warm.term.ID())
		}
	}
	o.mu.Unlock()
	cleanup()

	if term == nil {
		term, err = mgr.Create(session.Options{Cols: req.Cols, Rows: req.Rows, Shell: req.Shell, Cwd: req.Cwd})
		if err != nil {
			return "", err
		}
	} else if cols, rows := term.Size(); cols != req.Cols || rows != req.Rows {
		if err := term.Resize(req.Cols, req.Rows); err != nil {
			o.log.Debug("resize speculative session", "session_id", term.ID(), "error", err)
		}
	}

	o.mu.Lock()
	if o.closed || o.mgr != mgr {
		o.mu.Unlock()
		_ = mgr.Close(term.ID())
		return "", ErrClosed
	}
	r := newRecord(o, term, req.Sandbox)
	o.records[r.id] = r
	o.mu.Unlock()

	cols, rows := term.Size()
	cwd := req.Cwd
	if cwd == "" {
		cwd = o.cfg.HomeDir
	}
	o.send(protocol.TypeSessionCreated, protocol.SessionCreatedPayload{
		SessionID:   r.id,
		Shell:       req.Shell,
		Cwd:         cwd,
		Cols:        cols,
		Rows:        rows,
		Sandboxed:   req.Sandbox,
		Speculative: speculativeHit,
		CreatedAt:   r.created.Format(time.RFC3339Nano),
	})
	r.start()
	o.log.Info("session created", "session_id", r.id, "sandboxed", req.Sandbox, "speculative", speculativeHit)

	if !req.Sandbox {
		o.precreateNext()
	}
	return r.id, nil
}

func (o *Orchestrator) record(id string) (*record, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return r, nil
}

// Input feeds keystrokes from the window into a session.
func (o *Orchestrator) Input(id, data string) error {
	r, err := o.record(id)
	if err != nil {
		return err
	}
	r.machine.Feed(data)
	return nil
}

// Resize changes a session's terminal size.
func (o *Orchestrator) Resize(id string, cols, rows int) error {
	r, err := o.record(id)
	if err != nil {
		return err
	}
	return r.term.Resize(cols, rows)
}

// ConfirmResponse answers a pending ai.confirm for a session.
func (o *Orchestrator) ConfirmResponse(id string, accept bool) error {
	r, err := o.record(id)
	if err != nil {
		return err
	}
	r.machine.Confirm(accept)
	return nil
}

// CloseSession closes a session and drops every piece of state kept for it.
func (o *Orchestrator) CloseSession(id string) error {
	o.mu.Lock()
	r, ok := o.records[id]
	if ok {
		delete(o.records, id)
	}
	mgr := o.mgr
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	r.close()
	if mgr != nil {
		if err := mgr.Close(id); err != nil {
			o.log.Debug("close session", "session_id", id, "error", err)
		}
	}
	o.sessionGone(id)
	return nil
}

// exited purges a session whose shell ended.
func (o *Orchestrator) exited(r *record, code int) {
	o.mu.Lock()
	current, ok := o.records[r.id]
	if ok && current == r {
		delete(o.records, r.id)
	}
	mgr := o.mgr
	o.mu.Unlock()
	if !ok || current != r {
		return
	}

	o.send(protocol.TypeSessionExit, protocol.SessionExitPayload{SessionID: r.id, ExitCode: code})
	r.close()
	if mgr != nil {
		_ = mgr.Close(r.id)
	}
	o.sessionGone(r.id)
}

func (o *Orchestrator) sessionGone(id string) {
	if o.cfg.OnSessionClosed != nil {
		o.cfg.OnSessionClosed(id)
	}
	o.log.Info("session closed", "session_id", id)
}

// FindSession returns the terminal for id if it belongs to this window.
func (o *Orchestrator) FindSession(id string) (Terminal, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.records[id]
	if !ok {
		return nil, false
	}
	return r.term, true
}

// Sessions lists the window's live sessions.
func (o *Orchestrator) Sessions() []SessionInfo {
	o.mu.Lock()
	recs := make([]*record, 0, len(o.records))
	for _, r := range o.records {
		recs = append(recs, r)
	}
	o.mu.Unlock()

	out := make([]SessionInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.info())
	}
	return out
}

// SetFocused records window focus. Losing focus tears down every spinner and
// pending poll; regaining it restarts them.
func (o *Orchestrator) SetFocused(focused bool) {
	o.mu.Lock()
	if o.focused == focused {
		o.mu.Unlock()
		return
	}
	o.focused = focused
	recs := o.snapshot()
	o.mu.Unlock()

	for _, r := range recs {
		if focused {
			r.resumeActivity()
		} else {
			r.pauseActivity()
		}
	}
}

// SetSuspended records the system power state. While suspended, output is
// held per session instead of being forwarded; on resume each session's held
// output is delivered as one message.
func (o *Orchestrator) SetSuspended(suspended bool) {
	o.mu.Lock()
	if o.suspended == suspended {
		o.mu.Unlock()
		return
	}
	o.suspended = suspended
	recs := o.snapshot()
	o.mu.Unlock()

	for _, r := range recs {
		if suspended {
			r.pauseActivity()
			continue
		}
		r.flushHeld()
		r.resumeActivity()
	}
}

func (o *Orchestrator) snapshot() []*record {
	recs := make([]*record, 0, len(o.records))
	for _, r := range o.records {
		recs = append(recs, r)
	}
	return recs
}

// active reports whether timers and animation may run.
func (o *Orchestrator) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.focused && !o.suspended && !o.closed
}

func (o *Orchestrator) isSuspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Close disposes every session, the speculative session, and the manager.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.discardSpeculative()
	recs := o.snapshot()
	o.records = make(map[string]*record)
	mgr := o.mgr
	o.mgr = nil
	o.mu.Unlock()

	for _, r := range recs {
		r.close()
		o.sessionGone(r.id)
	}
	if mgr != nil {
		mgr.Shutdown()
	}
	o.codec.close()
}
