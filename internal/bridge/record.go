package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"brosh/internal/aicli"
	"brosh/internal/classifier"
	"brosh/internal/input"
	"brosh/internal/osc"
	"brosh/internal/protocol"
	"brosh/internal/triage"
)

// record is all the state the orchestrator keeps for one session. It is
// created with the session and torn down in one place by close.
type record struct {
	o         *Orchestrator
	id        string
	term      Terminal
	sandboxed bool
	created   time.Time
	log       *slog.Logger

	machine *input.Machine
	conv    *aicli.Conversation
	slot    *triage.Slot

	// outMu serializes output handling so history, live chunks, and held
	// output reach the window in order.
	outMu sync.Mutex
	held  [][]byte

	mu          sync.Mutex
	closed      bool
	title       string
	titleSeen   bool
	process     string
	cwd         string
	procTimer   *time.Timer
	cwdTimer    *time.Timer
	ai          *aiRun
	spin        *ticker
	unsubscribe func()
	unexit      func()
}

func newRecord(o *Orchestrator, term Terminal, sandboxed bool) *record {
	r := &record{
		o:         o,
		id:        term.ID(),
		term:      term,
		sandboxed: sandboxed,
		created:   time.Now(),
		log:       o.log.With("session_id", term.ID()),
		conv:      aicli.NewConversation(),
		slot:      &triage.Slot{},
	}
	r.machine = input.New(o.cfg.Classifier, r, input.Options{
		AIEnabled:             func() bool { return o.cfg.Settings().AI.Enabled },
		ConfirmBeforeInvoking: func() bool { return o.cfg.Settings().AI.ConfirmBeforeInvoking },
		Logger:                r.log,
	})
	return r
}

// start subscribes to the terminal. Output the shell produced before now is
// delivered as one chunk.
func (r *record) start() {
	r.outMu.Lock()
	history, cancel := r.term.Subscribe(r.onOutput)
	if len(history) > 0 {
		r.handleOutput(history)
	}
	r.outMu.Unlock()

	unexit := r.term.OnExit(func(code int) { r.o.exited(r, code) })

	r.mu.Lock()
	closed := r.closed
	r.unsubscribe = cancel
	r.unexit = unexit
	r.mu.Unlock()
	if closed {
		cancel()
		unexit()
	}
}

func (r *record) onOutput(chunk []byte) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	r.handleOutput(chunk)
}

// handleOutput forwards one chunk, or holds it while suspended. Caller holds
// outMu.
func (r *record) handleOutput(chunk []byte) {
	if r.isClosed() {
		return
	}
	if r.o.isSuspended() {
		r.held = append(r.held, r.o.codec.encode(chunk))
		return
	}
	if len(r.held) > 0 {
		r.flushHeldLocked()
	}

	data := string(chunk)
	r.o.send(protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: r.id, Data: data})
	r.machine.OnOutput(data)
	r.scan(data)
}

// flushHeld delivers output held during suspension as a single message.
func (r *record) flushHeld() {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	r.flushHeldLocked()
}

func (r *record) flushHeldLocked() {
	if len(r.held) == 0 {
		return
	}
	chunks := r.held
	r.held = nil
	data, err := r.o.codec.join(chunks)
	if err != nil {
		r.log.Warn("held output damaged", "error", err)
	}
	if len(data) == 0 {
		return
	}
	r.o.send(protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: r.id, Data: string(data)})
}

// scan turns escape sequences in a chunk into window events. Signals a shell
// did not report in this chunk are polled for instead.
func (r *record) scan(data string) {
	if t, ok := osc.ExtractTitle(data); ok {
		r.applyTitle(t)
	} else {
		r.schedule(&r.procTimer, r.o.cfg.ProcessDebounce, r.pollProcess)
	}

	for _, n := range osc.ExtractNotifications(data) {
		r.o.send(protocol.TypeSessionNotification, protocol.SessionNotificationPayload{SessionID: r.id, Title: n.Title, Body: n.Body})
	}

	if dir, ok := osc.ExtractDirectory(data); ok {
		r.applyCwd(osc.NormalizeDir(dir))
	} else {
		r.schedule(&r.cwdTimer, r.o.cfg.CwdDebounce, r.pollCwd)
	}

	for _, m := range osc.ExtractMarks(data) {
		switch m.Kind {
		case osc.OutputStart:
			if r.slot.Dismiss() {
				r.o.send(protocol.TypeTriageDismiss, protocol.SessionIDPayload{SessionID: r.id})
			}
		case osc.CommandEnd:
			if m.HasExitCode {
				r.machine.OnCommandEnd(m.ExitCode)
			}
		}
	}
}

// Signal reducers: each emits only when the value changes, whichever source
// produced it.

func (r *record) applyTitle(t osc.TitleUpdate) {
	r.mu.Lock()
	next := t.Title
	if t.Clear {
		next = ""
	}
	changed := next != r.title || !r.titleSeen
	r.title = next
	r.titleSeen = true
	r.mu.Unlock()
	if changed {
		r.o.send(protocol.TypeSessionTitle, protocol.SessionTitlePayload{SessionID: r.id, Title: t.Title, Clear: t.Clear})
	}
}

func (r *record) applyProcess(name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	changed := name != r.process
	r.process = name
	r.mu.Unlock()
	if changed {
		r.o.send(protocol.TypeSessionProcess, protocol.SessionProcessPayload{SessionID: r.id, Process: name})
	}
}

func (r *record) applyCwd(dir string) {
	if dir == "" {
		return
	}
	r.mu.Lock()
	changed := dir != r.cwd
	r.cwd = dir
	r.mu.Unlock()
	if changed {
		r.o.send(protocol.TypeSessionCwd, protocol.SessionCwdPayload{SessionID: r.id, Cwd: dir})
	}
}

// schedule (re)arms a debounced poll. Polls only run while the window is
// focused and awake.
func (r *record) schedule(t **time.Timer, d time.Duration, poll func()) {
	if !r.o.active() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if *t != nil {
		(*t).Stop()
	}
	*t = time.AfterFunc(d, poll)
}

func (r *record) pollProcess() {
	if !r.o.active() || !r.term.IsActive() {
		return
	}
	v, _, _ := r.o.polls.Do("process:"+r.id, func() (interface{}, error) {
		return r.term.GetProcess(), nil
	})
	r.applyProcess(v.(string))
}

func (r *record) pollCwd() {
	if !r.o.active() || !r.term.IsActive() {
		return
	}
	v, _, _ := r.o.polls.Do("cwd:"+r.id, func() (interface{}, error) {
		return osc.NormalizeDir(r.term.GetCwd()), nil
	})
	r.applyCwd(v.(string))
}

// pauseActivity stops the spinner and pending polls without forgetting
// whether an AI run still wants its spinner.
func (r *record) pauseActivity() {
	r.mu.Lock()
	spin := r.spin
	r.spin = nil
	stopTimer(&r.procTimer)
	stopTimer(&r.cwdTimer)
	r.mu.Unlock()
	if spin != nil {
		spin.stop()
		r.sendFrame("")
	}
}

func (r *record) resumeActivity() {
	if !r.o.active() {
		return
	}
	r.startSpinner()
	r.schedule(&r.procTimer, r.o.cfg.ProcessDebounce, r.pollProcess)
	r.schedule(&r.cwdTimer, r.o.cfg.CwdDebounce, r.pollCwd)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (r *record) sendFrame(frame string) {
	r.o.send(protocol.TypeAISpinner, protocol.AISpinnerPayload{SessionID: r.id, Frame: frame})
}

// startSpinner animates while an AI run is waiting for its first output. It
// never starts while the window is unfocused or suspended.
func (r *record) startSpinner() {
	if !r.o.active() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.spin != nil || r.ai == nil || r.ai.hasOutput() {
		return
	}
	r.spin = startTicker(r.sendFrame)
}

func (r *record) stopSpinner() {
	r.mu.Lock()
	spin := r.spin
	r.spin = nil
	r.mu.Unlock()
	if spin != nil {
		spin.stop()
		r.sendFrame("")
	}
}

// input.Host

func (r *record) WriteShell(data string) {
	if err := r.term.Write(data); err != nil {
		r.log.Debug("shell write dropped", "error", err)
	}
}

func (r *record) WriteDisplay(data string) {
	r.o.send(protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: r.id, Data: data})
}

func (r *record) ConfirmAI(query string) {
	r.o.send(protocol.TypeAIConfirm, protocol.AIConfirmPayload{SessionID: r.id, Query: query})
}

func (r *record) SuggestionChanged(s *classifier.Suggestion) {
	p := protocol.AutocompletePayload{SessionID: r.id}
	if s != nil {
		p.Suggestion = s.Suggestion
		p.GhostText = s.GhostText
	}
	r.o.send(protocol.TypeSessionAutocomplete, p)
}

func (r *record) TypoDetected(t classifier.Typo) {
	r.o.send(protocol.TypeSessionTypo, protocol.TypoPayload{
		SessionID:      r.id,
		Type:           t.Type,
		Original:       t.Original,
		Suggested:      t.Suggested,
		FullSuggestion: t.FullSuggestion,
	})
}

func (r *record) Triage(exitCode int) {
	ctl := r.o.cfg.Triage
	if ctl == nil || !r.o.cfg.Settings().AI.Triage {
		return
	}
	command := r.machine.LastCommand()
	ctl.Run(r.slot, r.id, exitCode,
		func() triage.Context {
			return triage.Context{Command: command, Screen: r.term.Tail(ctl.TailLines())}
		},
		func(v triage.Verdict) {
			r.o.send(protocol.TypeTriageNotification, protocol.TriageNotificationPayload{
				SessionID: r.id,
				Command:   command,
				ExitCode:  exitCode,
				Summary:   v.Summary,
			})
		})
}

func (r *record) StartAI(query string, done func()) func() {
	return r.startAI(query, done)
}

// aiRun is the state of one AI invocation. Fields other than output are set
// before the run starts and only read afterwards.
type aiRun struct {
	backend aicli.Backend
	resumed bool
	header  bool

	mu     sync.Mutex
	output bool
}

func (a *aiRun) hasOutput() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.output
}

// markOutput reports whether this is the first output of the run.
func (a *aiRun) markOutput() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	first := !a.output
	a.output = true
	return first
}

func (r *record) startAI(query string, done func()) func() {
	s := r.o.cfg.Settings()
	backend, err := r.o.cfg.Detect(s.AI.Backend)
	if err != nil || r.o.cfg.Invoke == nil {
		if err == nil {
			err = aicli.ErrNoBackend
		}
		r.WriteDisplay(aicli.ErrorLine(err))
		r.returnPrompt()
		done()
		return func() {}
	}

	var resumeID string
	if backend.Resumable() {
		resumeID = r.conv.SessionID(backend.Name)
	}
	r.conv.SetLastQuery(query)

	run := &aiRun{backend: backend, resumed: resumeID != "", header: s.AI.ShowIndicator}
	cols, _ := r.term.Size()
	formatter := aicli.NewFormatter(cols, r.o.cfg.FormatterStyle)

	r.mu.Lock()
	r.ai = run
	r.mu.Unlock()
	r.startSpinner()

	emit := func(text string) {
		if text == "" {
			return
		}
		if run.markOutput() {
			r.stopSpinner()
			if run.header {
				text = aicli.Header(backend.Name, run.resumed) + text
			}
		}
		r.WriteDisplay(text)
	}

	r.log.Info("ai invocation started", "backend", backend.Name, "resumed", run.resumed)
	cancel := r.o.cfg.Invoke(context.Background(), aicli.Request{
		Query:    query,
		Backend:  backend,
		Cwd:      r.currentCwd(),
		ResumeID: resumeID,
	}, aicli.Callbacks{
		OnData: func(text string) { emit(formatter.Write(text)) },
		OnError: func(err error) {
			r.log.Debug("ai invocation error", "error", err)
			r.WriteDisplay(aicli.ErrorLine(err))
		},
		OnSessionID: func(id string) {
			if r.conv.Record(backend.Name, id) {
				r.log.Debug("conversation recorded", "backend", backend.Name, "conversation_id", id)
			}
		},
		OnEnd: func(e aicli.End) {
			emit(formatter.Flush())
			r.stopSpinner()
			if e.Cancelled {
				r.WriteDisplay(aicli.CancelledMarker())
			}
			if run.header && run.hasOutput() {
				r.WriteDisplay(aicli.Footer(e.Elapsed))
			}
			r.mu.Lock()
			if r.ai == run {
				r.ai = nil
			}
			r.mu.Unlock()
			r.returnPrompt()
			r.log.Info("ai invocation finished", "backend", backend.Name, "cancelled", e.Cancelled, "duration_ms", e.Elapsed.Milliseconds())
			done()
		},
	})
	return func() {
		r.stopSpinner()
		cancel()
	}
}

// returnPrompt asks the shell for a fresh prompt. The session may already be
// gone.
func (r *record) returnPrompt() {
	if !r.term.IsActive() {
		return
	}
	if err := r.term.Write("\n"); err != nil {
		r.log.Debug("prompt refresh dropped", "error", err)
	}
}

func (r *record) currentCwd() string {
	r.mu.Lock()
	cwd := r.cwd
	r.mu.Unlock()
	if cwd != "" {
		return cwd
	}
	return osc.NormalizeDir(r.term.GetCwd())
}

func (r *record) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *record) info() SessionInfo {
	cols, rows := r.term.Size()
	r.mu.Lock()
	defer r.mu.Unlock()
	return SessionInfo{
		ID:        r.id,
		Cols:      cols,
		Rows:      rows,
		Sandboxed: r.sandboxed,
		Process:   r.process,
		Cwd:       r.cwd,
		Title:     r.title,
		AIActive:  r.ai != nil,
	}
}

// close cancels everything in flight for the session and drops held output.
// It does not close the terminal itself.
func (r *record) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	stopTimer(&r.procTimer)
	stopTimer(&r.cwdTimer)
	spin := r.spin
	r.spin = nil
	unsubscribe, unexit := r.unsubscribe, r.unexit
	r.mu.Unlock()

	if spin != nil {
		spin.stop()
	}
	r.machine.Close()
	r.slot.Cancel()
	r.conv.Clear()
	if unsubscribe != nil {
		unsubscribe()
	}
	if unexit != nil {
		unexit()
	}

	r.outMu.Lock()
	r.held = nil
	r.outMu.Unlock()
}

var _ input.Host = (*record)(nil)
