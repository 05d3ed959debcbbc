// Package input implements the per-session keystroke state machine: it
// buffers the line being typed, decides on Enter whether the line goes to
// the shell or to the AI backend, and retracts fast-track decisions when a
// command fails.
package input

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"brosh/internal/classifier"
	"brosh/internal/triage"
)

// Phase is the explicit state of a Machine.
type Phase int

const (
	Idle Phase = iota
	Buffering
	AwaitingClassification
	AwaitingConfirmation
	AIStreaming
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case AwaitingClassification:
		return "awaiting-classification"
	case AwaitingConfirmation:
		return "awaiting-confirmation"
	case AIStreaming:
		return "ai-streaming"
	default:
		return "unknown"
	}
}

// Control sequences written to the shell or the display.
const (
	keyEnter     = "\r"
	keyCtrlC     = "\x03"
	keyCtrlU     = "\x15"
	keyCtrlW     = "\x17"
	keyTab       = "\t"
	keyEscape    = "\x1b"
	keyBackspace = "\x7f"
	keyCtrlH     = "\x08"

	pasteStart = "\x1b[200~"
	pasteEnd   = "\x1b[201~"

	clearLine = keyCtrlU
	eraseUp   = "\x1b[1A\x1b[2K"
	eraseHere = "\r\x1b[2K"
)

// Classifier is the subset of classifier.Classifier the machine needs.
type Classifier interface {
	Quick(line string) (classifier.Result, bool)
	Classify(ctx context.Context, line string) classifier.Result
	Reclassify(ctx context.Context, line string) classifier.Result
	ShouldInvokeAI(r classifier.Result) bool
	DetectTypo(line string) (classifier.Typo, bool)
}

// Host carries out the machine's decisions. Calls are made without the
// machine's lock held, so a Host may call back into the machine.
type Host interface {
	// WriteShell sends bytes to the shell. Failures are the host's concern.
	WriteShell(data string)
	// WriteDisplay writes to the terminal display without involving the shell.
	WriteDisplay(data string)
	// StartAI begins an AI invocation and returns its cancel function. done
	// must be called exactly once when the invocation ends.
	StartAI(query string, done func()) (cancel func())
	// ConfirmAI asks the user whether query should go to the AI backend. The
	// answer arrives through Machine.Confirm.
	ConfirmAI(query string)
	// SuggestionChanged reports a new autocomplete suggestion, or nil.
	SuggestionChanged(s *classifier.Suggestion)
	// TypoDetected reports an advisory correction.
	TypoDetected(t classifier.Typo)
	// Triage reports a failed command that was not reclassified.
	Triage(exitCode int)
}

// Options tune a Machine.
type Options struct {
	// AIEnabled gates every AI route. Nil means enabled.
	AIEnabled func() bool
	// ConfirmBeforeInvoking asks the user before sending a line to the AI.
	ConfirmBeforeInvoking func() bool
	Logger                *slog.Logger
}

// Machine is the input state of one terminal session. Keystrokes must be fed
// from a single goroutine; completion callbacks may arrive from any.
type Machine struct {
	cls  Classifier
	host Host
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	phase       Phase
	buf         string
	suggestion  *classifier.Suggestion
	fastTracked bool
	outputLines int
	lastCommand string
	pendingLine string
	queue       []string
	classifySeq uint64
	aiSeq       uint64
	aiCancel    func()
	closed      bool
}

// New creates a machine in the Idle phase.
func New(cls Classifier, host Host, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cls:    cls,
		host:   host,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// effects are host calls collected under the lock and run after it is
// released, in order.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Buffer returns the line typed so far.
func (m *Machine) Buffer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf
}

// LastCommand returns the last line sent to the shell with Enter.
func (m *Machine) LastCommand() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCommand
}

// Suggestion returns the current autocomplete suggestion, if any.
func (m *Machine) Suggestion() *classifier.Suggestion {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suggestion
}

// Feed processes one chunk of user input.
func (m *Machine) Feed(data string) {
	if data == "" {
		return
	}
	var fx effects
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	switch {
	case !m.busy():
		m.process(data, &fx)
	case data == keyCtrlC:
		m.interrupt(&fx)
	default:
		m.queue = append(m.queue, data)
	}
	m.mu.Unlock()
	fx.run()
}

// busy reports whether input must wait: a line is being classified or
// confirmed, or AI output is streaming.
func (m *Machine) busy() bool {
	return m.phase != Idle && m.phase != Buffering
}

// interrupt handles Ctrl+C while busy.
func (m *Machine) interrupt(fx *effects) {
	switch m.phase {
	case AIStreaming:
		m.interruptAI(fx)
	case AwaitingClassification, AwaitingConfirmation:
		m.abandonLine(fx)
	}
}

// process dispatches one chunk. Caller holds mu and the phase is Idle or
// Buffering.
func (m *Machine) process(data string, fx *effects) {
	switch {
	case strings.Contains(data, pasteStart) || strings.Contains(data, pasteEnd):
		m.bracketedPaste(data, fx)
	case len(data) > 1 && strings.Contains(data, keyEscape):
		if keys := splitKeys(data); len(keys) > 1 {
			m.processKeys(keys, fx)
		} else {
			m.escapeSequence(data, fx)
		}
	case len(data) > 1 && strings.ContainsAny(data, "\r\n"):
		m.paste(data, data, fx)
	case len(data) > 1 && hasControl(data):
		// Fast typing can coalesce control keys with text.
		m.processKeys(splitKeys(data), fx)
	case len(data) > 1:
		m.buf += data
		m.forward(data, fx)
		m.recomputeSuggestion(fx)
	default:
		m.key(data, fx)
	}
	m.settle()
}

// processKeys feeds the keys of one coalesced chunk in order. Keys after one
// that makes the machine busy go to the front of the queue, ahead of input
// that arrived later.
func (m *Machine) processKeys(keys []string, fx *effects) {
	var held []string
	for _, k := range keys {
		switch {
		case m.busy() && k == keyCtrlC:
			held = nil
			m.interrupt(fx)
		case m.busy():
			held = append(held, k)
		default:
			m.process(k, fx)
		}
	}
	if len(held) > 0 {
		m.queue = append(held, m.queue...)
	}
}

func (m *Machine) key(k string, fx *effects) {
	switch k {
	case "\r", "\n":
		m.enter(fx)
	case keyBackspace, keyCtrlH:
		if m.buf != "" {
			_, size := utf8.DecodeLastRuneInString(m.buf)
			m.buf = m.buf[:len(m.buf)-size]
		}
		m.forward(k, fx)
		m.recomputeSuggestion(fx)
	case keyCtrlC:
		m.buf = ""
		m.fastTracked = false
		m.forward(k, fx)
		m.setSuggestion(nil, fx)
	case keyCtrlU:
		m.buf = ""
		m.forward(k, fx)
		m.setSuggestion(nil, fx)
	case keyCtrlW:
		m.buf = dropLastWord(m.buf)
		m.forward(k, fx)
		m.recomputeSuggestion(fx)
	case keyEscape:
		m.forward(k, fx)
		m.setSuggestion(nil, fx)
	case keyTab:
		if !m.acceptSuggestion(fx) {
			m.forward(k, fx)
		}
	default:
		if r, _ := utf8.DecodeRuneInString(k); r < 0x20 || r == 0x7f {
			m.forward(k, fx)
			return
		}
		m.buf += k
		m.forward(k, fx)
		m.recomputeSuggestion(fx)
	}
}

func (m *Machine) escapeSequence(seq string, fx *effects) {
	switch seq {
	case "\x1b[C", "\x1bOC":
		if !m.acceptSuggestion(fx) {
			m.forward(seq, fx)
		}
	case "\x1b[A", "\x1b[B", "\x1bOA", "\x1bOB":
		// History recall replaces the shell's line with text we never see.
		m.buf = ""
		m.forward(seq, fx)
		m.setSuggestion(nil, fx)
	default:
		m.forward(seq, fx)
	}
}

// bracketedPaste handles text the terminal wrapped in paste markers. The
// markers are stripped for the line buffer and kept for the shell.
func (m *Machine) bracketedPaste(data string, fx *effects) {
	text := strings.NewReplacer(pasteStart, "", pasteEnd, "").Replace(data)
	if strings.ContainsAny(text, "\r\n") {
		m.paste(text, data, fx)
		return
	}
	m.buf += text
	m.forward(data, fx)
	m.recomputeSuggestion(fx)
}

// paste handles pasted text containing a line break. text is what the user
// pasted and raw is what goes to the shell.
func (m *Machine) paste(text, raw string, fx *effects) {
	i := strings.IndexAny(text, "\r\n")
	line := m.buf + text[:i]
	m.setSuggestion(nil, fx)

	if m.aiEnabled() {
		switch ov, rest := classifier.ParseOverride(line); ov {
		case classifier.ForceNaturalLanguage:
			m.buf = ""
			fx.add(func() { m.host.WriteShell(clearLine) })
			m.startAI(rest, fx)
			return
		case classifier.ForceCommand:
			m.buf = ""
			m.lastCommand = rest
			m.fastTracked = false
			fx.add(func() { m.host.WriteShell(clearLine + rest + keyEnter) })
			return
		}
	}

	// Text after the last line break stays on the shell's line but is not
	// tracked; the next Enter passes it through unclassified.
	m.buf = ""
	m.lastCommand = strings.TrimSpace(line)
	m.fastTracked = false
	m.forward(raw, fx)
}

func (m *Machine) enter(fx *effects) {
	line := m.buf
	m.buf = ""
	m.setSuggestion(nil, fx)

	if strings.TrimSpace(line) == "" || !m.aiEnabled() {
		m.sendCommand(line, keyEnter, false, fx)
		return
	}

	if res, ok := m.cls.Quick(line); ok {
		m.apply(line, res, fx)
		return
	}

	m.phase = AwaitingClassification
	m.pendingLine = line
	m.classifySeq++
	seq := m.classifySeq
	ctx := m.ctx
	fx.add(func() {
		go func() {
			res := m.cls.Classify(ctx, line)
			m.classified(seq, line, res)
		}()
	})
}

func (m *Machine) classified(seq uint64, line string, res classifier.Result) {
	var fx effects
	m.mu.Lock()
	if m.closed || seq != m.classifySeq || m.phase != AwaitingClassification {
		m.mu.Unlock()
		return
	}
	m.phase = Idle
	m.pendingLine = ""
	m.apply(line, res, &fx)
	m.drain(&fx)
	m.mu.Unlock()
	fx.run()
}

// apply routes a classified line. The shell still holds the echoed text and
// has not seen the Enter.
func (m *Machine) apply(line string, res classifier.Result, fx *effects) {
	if res.Tier == classifier.TierOverride {
		if res.Kind == classifier.NaturalLanguage {
			fx.add(func() { m.host.WriteShell(clearLine) })
			m.startAI(res.Text, fx)
			return
		}
		m.sendCommand(res.Text, clearLine+res.Text+keyEnter, false, fx)
		return
	}

	if m.cls.ShouldInvokeAI(res) {
		query := strings.TrimSpace(line)
		if m.opts.ConfirmBeforeInvoking != nil && m.opts.ConfirmBeforeInvoking() {
			m.phase = AwaitingConfirmation
			m.pendingLine = query
			fx.add(func() { m.host.ConfirmAI(query) })
			return
		}
		fx.add(func() { m.host.WriteShell(clearLine) })
		m.startAI(query, fx)
		return
	}

	m.sendCommand(line, keyEnter, res.Tier == classifier.TierKnownCommand, fx)
}

// sendCommand forwards an Enter (or a rewritten line) to the shell and arms
// the bookkeeping for the command's completion.
func (m *Machine) sendCommand(line, write string, fastTrack bool, fx *effects) {
	trimmed := strings.TrimSpace(line)
	if trimmed != "" {
		m.lastCommand = trimmed
	}
	m.fastTracked = fastTrack && trimmed != ""
	m.outputLines = 0
	m.phase = Idle
	fx.add(func() { m.host.WriteShell(write) })

	if trimmed == "" {
		return
	}
	fx.add(func() {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Debug("typo detection panicked", "error", r)
				}
			}()
			if t, ok := m.cls.DetectTypo(trimmed); ok {
				m.host.TypoDetected(t)
			}
		}()
	})
}

// Confirm answers a pending ConfirmAI request.
func (m *Machine) Confirm(accept bool) {
	var fx effects
	m.mu.Lock()
	if m.closed || m.phase != AwaitingConfirmation {
		m.mu.Unlock()
		return
	}
	query := m.pendingLine
	m.pendingLine = ""
	m.phase = Idle
	if accept {
		fx.add(func() { m.host.WriteShell(clearLine) })
		m.startAI(query, &fx)
	} else {
		m.sendCommand(query, keyEnter, false, &fx)
		m.drain(&fx)
	}
	m.mu.Unlock()
	fx.run()
}

func (m *Machine) startAI(query string, fx *effects) {
	m.phase = AIStreaming
	m.fastTracked = false
	m.aiSeq++
	seq := m.aiSeq
	fx.add(func() {
		cancel := m.host.StartAI(query, func() { m.aiFinished(seq) })
		m.mu.Lock()
		stale := m.aiSeq != seq
		if !stale && m.phase == AIStreaming {
			m.aiCancel = cancel
		}
		m.mu.Unlock()
		// Interrupted before the handle was stored.
		if stale && cancel != nil {
			cancel()
		}
	})
}

func (m *Machine) aiFinished(seq uint64) {
	var fx effects
	m.mu.Lock()
	if m.aiSeq != seq || m.phase != AIStreaming {
		m.mu.Unlock()
		return
	}
	m.aiCancel = nil
	m.phase = Idle
	m.drain(&fx)
	m.mu.Unlock()
	fx.run()
}

// interruptAI handles Ctrl+C while AI is streaming: the invocation is
// cancelled before the interrupt reaches the shell, and typeahead is dropped.
func (m *Machine) interruptAI(fx *effects) {
	cancel := m.aiCancel
	m.aiCancel = nil
	m.aiSeq++
	m.phase = Idle
	m.queue = nil
	m.buf = ""
	if cancel != nil {
		fx.add(cancel)
	}
	fx.add(func() { m.host.WriteShell(keyCtrlC) })
}

// abandonLine handles Ctrl+C while a line awaits classification or
// confirmation. The line is dropped along with its typeahead and the
// interrupt goes straight to the shell.
func (m *Machine) abandonLine(fx *effects) {
	m.classifySeq++
	m.pendingLine = ""
	m.queue = nil
	m.buf = ""
	m.fastTracked = false
	m.phase = Idle
	fx.add(func() { m.host.WriteShell(keyCtrlC) })
}

// drain replays queued typeahead until the queue empties or the machine
// leaves Idle/Buffering again.
func (m *Machine) drain(fx *effects) {
	for len(m.queue) > 0 && !m.busy() {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.process(next, fx)
	}
	m.settle()
}

// OnOutput counts output lines of a fast-tracked command so they can be
// erased if the command turns out to be a question.
func (m *Machine) OnOutput(data string) {
	m.mu.Lock()
	if m.fastTracked {
		m.outputLines += strings.Count(data, "\n")
	}
	m.mu.Unlock()
}

// OnCommandEnd is called on an OSC 133 command-end mark.
func (m *Machine) OnCommandEnd(exitCode int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	fast := m.fastTracked
	line := m.lastCommand
	lines := m.outputLines
	m.fastTracked = false
	m.outputLines = 0
	aiOK := m.aiEnabled()
	ctx := m.ctx
	m.mu.Unlock()

	if exitCode == 0 {
		return
	}
	if !fast || triage.Skippable(exitCode) || !aiOK {
		m.host.Triage(exitCode)
		return
	}

	go func() {
		res := m.cls.Reclassify(ctx, line)
		var fx effects
		m.mu.Lock()
		if m.closed || !m.cls.ShouldInvokeAI(res) || m.busy() || m.buf != "" {
			m.mu.Unlock()
			m.host.Triage(exitCode)
			return
		}
		if n := lines - 1; n > 0 {
			erase := eraseHere + strings.Repeat(eraseUp, n)
			fx.add(func() { m.host.WriteDisplay(erase) })
		}
		m.startAI(strings.TrimSpace(line), &fx)
		m.mu.Unlock()
		fx.run()
	}()
}

// Close cancels in-flight work and makes every further call a no-op.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.aiCancel
	m.aiCancel = nil
	m.aiSeq++
	m.classifySeq++
	m.queue = nil
	m.phase = Idle
	m.mu.Unlock()

	m.cancel()
	if cancel != nil {
		cancel()
	}
}

func (m *Machine) forward(data string, fx *effects) {
	fx.add(func() { m.host.WriteShell(data) })
}

func (m *Machine) acceptSuggestion(fx *effects) bool {
	if m.suggestion == nil || m.suggestion.GhostText == "" {
		return false
	}
	ghost := m.suggestion.GhostText
	m.buf += ghost
	m.forward(ghost, fx)
	m.recomputeSuggestion(fx)
	return true
}

func (m *Machine) recomputeSuggestion(fx *effects) {
	if s, ok := classifier.Autocomplete(m.buf); ok {
		m.setSuggestion(&s, fx)
		return
	}
	m.setSuggestion(nil, fx)
}

// setSuggestion notifies the host only when the suggestion changes.
func (m *Machine) setSuggestion(s *classifier.Suggestion, fx *effects) {
	switch {
	case s == nil && m.suggestion == nil:
		return
	case s != nil && m.suggestion != nil && *s == *m.suggestion:
		return
	}
	m.suggestion = s
	fx.add(func() { m.host.SuggestionChanged(s) })
}

// settle moves between Idle and Buffering according to the buffer.
func (m *Machine) settle() {
	switch m.phase {
	case Idle, Buffering:
		if m.buf == "" {
			m.phase = Idle
		} else {
			m.phase = Buffering
		}
	}
}

func (m *Machine) aiEnabled() bool {
	return m.opts.AIEnabled == nil || m.opts.AIEnabled()
}

func hasControl(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

func dropLastWord(s string) string {
	t := strings.TrimRight(s, " ")
	if i := strings.LastIndexByte(t, ' '); i >= 0 {
		return t[:i+1]
	}
	return ""
}

// splitKeys breaks a chunk into keys: complete escape sequences, single
// control bytes and runs of printable text.
func splitKeys(s string) []string {
	var keys []string
	for len(s) > 0 {
		n := keyLen(s)
		keys = append(keys, s[:n])
		s = s[n:]
	}
	return keys
}

func keyLen(s string) int {
	switch c := s[0]; {
	case c == 0x1b:
		return escapeLen(s)
	case c < 0x20 || c == 0x7f:
		return 1
	}
	n := 1
	for n < len(s) && s[n] >= 0x20 && s[n] != 0x7f {
		n++
	}
	return n
}

// escapeLen returns the length of the escape sequence at the start of s.
// CSI runs to its final byte, SS3 takes one more byte and ESC followed by a
// printable rune is an Alt chord.
func escapeLen(s string) int {
	if len(s) < 2 {
		return 1
	}
	switch c := s[1]; {
	case c == '[':
		for i := 2; i < len(s); i++ {
			if s[i] >= 0x40 && s[i] <= 0x7e {
				return i + 1
			}
		}
		return len(s)
	case c == 'O':
		return min(3, len(s))
	case c < 0x20 || c == 0x7f:
		return 1
	}
	_, size := utf8.DecodeRuneInString(s[1:])
	return 1 + size
}
