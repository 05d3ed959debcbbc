package aicli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	interruptGrace = 2 * time.Second
	stderrLimit    = 8 * 1024
)

// Request describes one AI invocation.
type Request struct {
	Query    string
	Backend  Backend
	Cwd      string
	ResumeID string
}

// End is delivered exactly once when an invocation finishes.
type End struct {
	Cancelled bool
	ExitCode  int
	Err       error
	Elapsed   time.Duration
}

// Callbacks receive the progress of an invocation. Any of them may be nil.
// They are called from a single goroutine, never concurrently.
type Callbacks struct {
	OnData      func(text string)
	OnError     func(err error)
	OnSessionID func(id string)
	OnEnd       func(End)
}

func (c *Callbacks) data(s string) {
	if c.OnData != nil && s != "" {
		c.OnData(s)
	}
}

func (c *Callbacks) err(e error) {
	if c.OnError != nil {
		c.OnError(e)
	}
}

func (c *Callbacks) sessionID(id string) {
	if c.OnSessionID != nil {
		c.OnSessionID(id)
	}
}

func (c *Callbacks) end(e End) {
	if c.OnEnd != nil {
		c.OnEnd(e)
	}
}

// Handle controls a running invocation.
type Handle struct {
	cancel    context.CancelFunc
	once      sync.Once
	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel stops the invocation. It is safe to call more than once and after
// the invocation has finished.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		h.cancelled.Store(true)
		h.cancel()
	})
}

// Done is closed after OnEnd has returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Runner spawns backend processes.
type Runner struct {
	log *slog.Logger
	env []string
}

// NewRunner creates a runner. env is appended to the daemon's environment
// for every spawned process.
func NewRunner(log *slog.Logger, env ...string) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{log: log, env: env}
}

// Invoke starts the backend and streams its answer through cb. It returns
// immediately; OnEnd is always called exactly once, even when the process
// fails to start.
func (r *Runner) Invoke(ctx context.Context, req Request, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	start := time.Now()

	cmd := r.command(ctx, req.Backend.Path, req.Backend.Args(req.Query, req.ResumeID), req.Cwd)
	var stderr tailBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		err = fmt.Errorf("start %s: %w", req.Backend.Name, err)
		go func() {
			defer close(h.done)
			defer cancel()
			cb.err(err)
			cb.end(End{Err: err, ExitCode: -1, Elapsed: time.Since(start)})
		}()
		return h
	}

	r.log.Debug("ai invocation started", "backend", req.Backend.Name, "resume", req.ResumeID != "", "pid", cmd.Process.Pid)

	go func() {
		defer close(h.done)
		defer cancel()

		if req.Backend.Format == StreamJSON {
			readStreamJSON(stdout, &cb)
		} else {
			readPlain(stdout, &cb)
		}

		waitErr := cmd.Wait()
		end := End{Cancelled: h.cancelled.Load(), Elapsed: time.Since(start)}
		if cmd.ProcessState != nil {
			end.ExitCode = cmd.ProcessState.ExitCode()
		}
		if waitErr != nil && !end.Cancelled {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				end.Err = fmt.Errorf("%s exited: %w: %s", req.Backend.Name, waitErr, msg)
			} else {
				end.Err = fmt.Errorf("%s exited: %w", req.Backend.Name, waitErr)
			}
			cb.err(end.Err)
		}
		r.log.Debug("ai invocation ended", "backend", req.Backend.Name, "cancelled", end.Cancelled, "exit_code", end.ExitCode, "duration_ms", end.Elapsed.Milliseconds())
		cb.end(end)
	}()
	return h
}

// OneShot runs the backend once and returns its complete answer. The caller
// bounds it with ctx.
func (r *Runner) OneShot(ctx context.Context, b Backend, prompt string) (string, error) {
	cmd := r.command(ctx, b.Path, b.OneShotArgs(prompt), "")
	var stderr tailBuffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && stderr.Len() > 0 {
			return "", fmt.Errorf("%s: %w: %s", b.Name, err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%s: %w", b.Name, err)
	}
	return string(out), nil
}

func (r *Runner) command(ctx context.Context, path string, args []string, dir string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = interruptGrace
	return cmd
}

// tailBuffer keeps the last stderrLimit bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - stderrLimit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}

var _ io.Writer = (*tailBuffer)(nil)
