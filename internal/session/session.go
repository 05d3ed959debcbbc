package session

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/hinshun/vt10x"
)

// ErrSessionClosed is returned when writing to a session whose shell has
// exited or that has been closed.
var ErrSessionClosed = errors.New("session closed")

// State represents the lifecycle state of a session.
type State string

const (
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Info is a point-in-time description of a session.
type Info struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Shell     string    `json:"shell"`
	StartDir  string    `json:"startDir"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Sandboxed bool      `json:"sandboxed"`
	CreatedAt time.Time `json:"createdAt"`
	ExitCode  int       `json:"exitCode,omitempty"`
}

// Cursor is a zero-based screen position.
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Screenshot is the visible screen of a session.
type Screenshot struct {
	Cols   int      `json:"cols"`
	Rows   int      `json:"rows"`
	Lines  []string `json:"lines"`
	Cursor Cursor   `json:"cursor"`
}

// Session is one shell running on a PTY. Output is mirrored into a virtual
// screen (for content queries) and a scrollback ring (for late subscribers).
type Session struct {
	ID        string
	Shell     string
	StartDir  string
	CreatedAt time.Time
	Sandboxed bool

	log  *slog.Logger
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.RWMutex
	state    State
	cols     int
	rows     int
	exitCode int

	vtMu sync.Mutex
	vt   vt10x.Terminal

	ring *RingBuffer

	subMu       sync.RWMutex
	subscribers map[string]func([]byte)
	exitSubs    map[string]func(int)
	resizeSubs  map[string]func(cols, rows int)

	readDone  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func start(cmd *exec.Cmd, cols, rows int, log *slog.Logger) (*Session, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
		log:         log,
		cmd:         cmd,
		ptmx:        ptmx,
		state:       StateActive,
		cols:        cols,
		rows:        rows,
		vt:          vt10x.New(vt10x.WithSize(cols, rows)),
		ring:        NewRingBuffer(defaultScrollback),
		subscribers: make(map[string]func([]byte)),
		exitSubs:    make(map[string]func(int)),
		resizeSubs:  make(map[string]func(cols, rows int)),
		readDone:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	return s, nil
}

// run pumps PTY output until the shell exits.
func (s *Session) run() {
	go s.readLoop()

	err := s.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	// Background jobs can keep the PTY open after the shell exits.
	select {
	case <-s.readDone:
	case <-time.After(drainTimeout):
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.exitCode = code
	s.mu.Unlock()
	s.ptmx.Close()
	close(s.done)

	s.subMu.Lock()
	subs := make([]func(int), 0, len(s.exitSubs))
	for _, fn := range s.exitSubs {
		subs = append(subs, fn)
	}
	s.exitSubs = make(map[string]func(int))
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(code)
	}
	s.log.Debug("session exited", "session_id", s.ID, "exit_code", code)
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, readBufSize)
	var carry []byte
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := len(data) - incompleteUTF8Tail(data)
			if cut > 0 {
				chunk := make([]byte, cut)
				copy(chunk, data[:cut])
				s.emit(chunk)
			}
			carry = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				s.emit(carry)
			}
			return
		}
	}
}

// emit records a chunk and fans it out. Subscribers are called with subMu
// held so Subscribe can hand out history without gaps or duplicates.
func (s *Session) emit(chunk []byte) {
	s.vtMu.Lock()
	s.vt.Write(chunk)
	s.vtMu.Unlock()

	s.subMu.RLock()
	defer s.subMu.RUnlock()
	s.ring.Write(chunk)
	for _, fn := range s.subscribers {
		fn(chunk)
	}
}

// Subscribe registers fn for future output and returns everything buffered
// so far. fn must not call back into the session's subscription methods.
func (s *Session) Subscribe(fn func([]byte)) (history []byte, cancel func()) {
	id := uuid.New().String()
	s.subMu.Lock()
	history = s.ring.Bytes()
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return history, func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// OnExit registers fn to run once with the shell's exit code. If the shell
// has already exited fn runs immediately on a new goroutine.
func (s *Session) OnExit(fn func(code int)) func() {
	id := uuid.New().String()
	s.subMu.Lock()
	s.exitSubs[id] = fn
	s.subMu.Unlock()

	select {
	case <-s.done:
		s.subMu.Lock()
		_, pending := s.exitSubs[id]
		delete(s.exitSubs, id)
		s.subMu.Unlock()
		if pending {
			go fn(s.ExitCode())
		}
		return func() {}
	default:
	}
	return func() {
		s.subMu.Lock()
		delete(s.exitSubs, id)
		s.subMu.Unlock()
	}
}

// OnResize registers fn to run after every successful resize.
func (s *Session) OnResize(fn func(cols, rows int)) func() {
	id := uuid.New().String()
	s.subMu.Lock()
	s.resizeSubs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.resizeSubs, id)
		s.subMu.Unlock()
	}
}

// Write sends input to the shell.
func (s *Session) Write(data string) error {
	if !s.IsActive() {
		return ErrSessionClosed
	}
	if _, err := s.ptmx.Write([]byte(data)); err != nil {
		return ErrSessionClosed
	}
	return nil
}

// Resize changes the PTY and virtual screen size.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("invalid size")
	}
	if !s.IsActive() {
		return ErrSessionClosed
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return err
	}
	s.vtMu.Lock()
	s.vt.Resize(cols, rows)
	s.vtMu.Unlock()

	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	s.subMu.RLock()
	for _, fn := range s.resizeSubs {
		fn(cols, rows)
	}
	s.subMu.RUnlock()
	return nil
}

// Size returns the current columns and rows.
func (s *Session) Size() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols, s.rows
}

func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateActive
}

// ExitCode is meaningful once the session has terminated.
func (s *Session) ExitCode() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

// Done is closed once the shell has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:        s.ID,
		State:     s.state,
		Shell:     s.Shell,
		StartDir:  s.StartDir,
		Cols:      s.cols,
		Rows:      s.rows,
		Sandboxed: s.Sandboxed,
		CreatedAt: s.CreatedAt,
		ExitCode:  s.exitCode,
	}
}

// Scrollback returns the buffered raw output.
func (s *Session) Scrollback() []byte {
	return s.ring.Bytes()
}

// screenLines returns the visible screen with trailing blanks removed.
func (s *Session) screenLines() ([]string, Cursor, int, int) {
	s.vtMu.Lock()
	defer s.vtMu.Unlock()

	cols, rows := s.vt.Size()
	lines := make([]string, rows)
	var b strings.Builder
	for y := 0; y < rows; y++ {
		b.Reset()
		for x := 0; x < cols; x++ {
			ch := s.vt.Cell(x, y).Char
			if ch == 0 {
				ch = ' '
			}
			b.WriteRune(ch)
		}
		lines[y] = strings.TrimRight(b.String(), " ")
	}
	c := s.vt.Cursor()
	return lines, Cursor{X: c.X, Y: c.Y}, cols, rows
}

// GetContent returns the visible screen as text.
func (s *Session) GetContent() string {
	lines, _, _, _ := s.screenLines()
	return strings.Join(trimTrailingEmpty(lines), "\n")
}

// Tail returns the last n non-blank-trailing lines of the screen.
func (s *Session) Tail(n int) string {
	lines, _, _, _ := s.screenLines()
	lines = trimTrailingEmpty(lines)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// TakeScreenshot captures the full screen including cursor position.
func (s *Session) TakeScreenshot() Screenshot {
	lines, cursor, cols, rows := s.screenLines()
	return Screenshot{Cols: cols, Rows: rows, Lines: lines, Cursor: cursor}
}

// GetProcess returns the name of the foreground process, falling back to
// the shell.
func (s *Session) GetProcess() string {
	if s.IsActive() {
		if pid, err := foregroundPID(s.ptmx); err == nil && pid > 0 {
			if name := processName(pid); name != "" {
				return name
			}
		}
	}
	return shellName(s.Shell)
}

// GetCwd returns the working directory of the foreground process, falling
// back to the shell's. Empty when neither can be determined.
func (s *Session) GetCwd() string {
	if !s.IsActive() {
		return ""
	}
	if pid, err := foregroundPID(s.ptmx); err == nil && pid > 0 {
		if dir := processCwd(pid); dir != "" {
			return dir
		}
	}
	if s.cmd.Process != nil {
		return processCwd(s.cmd.Process.Pid)
	}
	return ""
}

// Close hangs up the shell and force-kills it if it does not exit within
// the grace period.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if !s.IsActive() || s.cmd.Process == nil {
			return
		}
		s.cmd.Process.Signal(hangupSignal)
		go func() {
			select {
			case <-s.done:
			case <-time.After(defaultGracefulTimeout):
				s.cmd.Process.Kill()
			}
		}()
	})
}

func trimTrailingEmpty(lines []string) []string {
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return lines[:end]
}

func shellName(shell string) string {
	if i := strings.LastIndexByte(shell, '/'); i >= 0 {
		return shell[i+1:]
	}
	return shell
}

// incompleteUTF8Tail returns how many trailing bytes of data are the start
// of a multi-byte UTF-8 sequence that has not been fully read yet.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	for i := 0; i < 4 && i < n; i++ {
		b := data[n-1-i]
		if b&0xC0 == 0x80 {
			continue
		}
		var seqLen int
		switch {
		case b&0xE0 == 0xC0:
			seqLen = 2
		case b&0xF0 == 0xE0:
			seqLen = 3
		case b&0xF8 == 0xF0:
			seqLen = 4
		default:
			return 0
		}
		if have := i + 1; have < seqLen {
			return have
		}
		return 0
	}
	return 0
}
