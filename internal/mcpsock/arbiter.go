// Package mcpsock serves the MCP socket: a single local client drives the
// one terminal session the user attached, with type, sendKey, getContent and
// takeScreenshot calls over newline-delimited JSON.
//
// The arbiter is process-wide. It accepts at most one connection (a new one
// evicts the old), routes tool calls to at most one attached session, and
// gives up the socket path when another process takes it over.
package mcpsock

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"brosh/internal/session"
	"brosh/internal/watcher"
)

const (
	DefaultLivenessInterval = 2 * time.Second
	dialProbeTimeout        = 500 * time.Millisecond
	writeTimeout            = 5 * time.Second
	watchKey                = "mcp-socket"
)

// identityNamespace seeds client ids derived from declared identities.
var identityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("brosh/mcp-client"))

// Terminal is the part of a session tool calls need.
type Terminal interface {
	Write(data string) error
	GetContent() string
	TakeScreenshot() session.Screenshot
}

// Finder looks a session up across every window.
type Finder func(id string) (Terminal, bool)

// EventKind names an arbiter event.
type EventKind string

const (
	EventListening          EventKind = "listening"
	EventTakeover           EventKind = "takeover"
	EventSocketLost         EventKind = "socketLost"
	EventClientConnected    EventKind = "clientConnected"
	EventClientInitialized  EventKind = "clientInitialized"
	EventClientDisconnected EventKind = "clientDisconnected"
	EventAttached           EventKind = "attached"
	EventDetached           EventKind = "detached"
	EventToolCallStart      EventKind = "toolCallStart"
	EventToolCallComplete   EventKind = "toolCallComplete"
)

// Event is delivered to Config.OnEvent.
type Event struct {
	Kind       EventKind
	ClientID   string
	ClientName string
	SessionID  string
	Method     string
	Duration   time.Duration
	Err        string
}

type Config struct {
	Path   string
	Finder Finder
	// OnEvent receives every event. It must not block.
	OnEvent func(Event)
	// Watcher, when set, triggers a liveness check as soon as the socket
	// directory changes instead of waiting for the next interval.
	Watcher *watcher.Watcher
	// LogDir holds session logs. Empty disables them.
	LogDir           string
	Name             string
	Version          string
	LivenessInterval time.Duration
	Logger           *slog.Logger
}

// ClientInfo describes the connected client.
type ClientInfo struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	Version      string                 `json:"version,omitempty"`
	ConnectedAt  time.Time              `json:"connectedAt"`
	Capabilities mcp.ClientCapabilities `json:"capabilities"`
	Runtime      map[string]interface{} `json:"runtime,omitempty"`
}

// Status is a snapshot of the arbiter.
type Status struct {
	Listening bool        `json:"listening"`
	Path      string      `json:"path"`
	Attached  string      `json:"attached,omitempty"`
	Client    *ClientInfo `json:"client,omitempty"`
}

type client struct {
	conn net.Conn
	info ClientInfo // guarded by Arbiter.mu

	wmu      sync.Mutex
	dropOnce sync.Once
}

func (c *client) send(resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(errorResponse(resp.ID, fmt.Errorf("encode result: %w", err)))
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = c.conn.Write(b)
	return err
}

// Arbiter owns the socket path, the connected client and the attachment.
type Arbiter struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	running  bool
	ln       *net.UnixListener
	id       fileID
	client   *client
	attached string
	logw     *SessionLog
	stop     chan struct{}
	wg       sync.WaitGroup
}

func New(cfg Config) *Arbiter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "brosh"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.LivenessInterval == 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.Finder == nil {
		cfg.Finder = func(string) (Terminal, bool) { return nil, false }
	}
	return &Arbiter{cfg: cfg, log: cfg.Logger.With("component", "mcpsock")}
}

func (a *Arbiter) emit(e Event) {
	if a.cfg.OnEvent != nil {
		a.cfg.OnEvent(e)
	}
}

// Start takes ownership of the socket path and begins serving. A live owner
// is displaced and a takeover event is emitted.
func (a *Arbiter) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	tookOver, err := a.listen()
	a.mu.Unlock()
	if err != nil {
		return err
	}

	path := a.cfg.Path
	if a.cfg.Watcher != nil {
		if err := a.cfg.Watcher.Watch(watchKey, path, 50*time.Millisecond, a.CheckLiveness); err != nil {
			a.log.Debug("watch socket dir", "error", err)
		}
	}
	if tookOver {
		a.log.Warn("took over socket from another process", "path", path)
		a.emit(Event{Kind: EventTakeover})
	}
	a.log.Info("mcp socket listening", "path", path)
	a.emit(Event{Kind: EventListening})
	return nil
}

// listen binds the socket path, displacing any previous owner. Caller holds
// mu.
func (a *Arbiter) listen() (tookOver bool, err error) {
	path := a.cfg.Path
	if a.cfg.LogDir != "" {
		CleanStaleLogs(a.cfg.LogDir, a.log)
	}

	if _, err := os.Lstat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, dialProbeTimeout); err == nil {
			conn.Close()
			tookOver = true
		}
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("remove existing socket: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("create socket dir: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return false, fmt.Errorf("listen on %s: %w", path, err)
	}
	// The path may belong to another process by the time we close.
	ln.SetUnlinkOnClose(false)
	if err := os.Chmod(path, 0o600); err != nil {
		a.log.Debug("chmod socket", "error", err)
	}
	id, err := statID(path)
	if err != nil {
		ln.Close()
		os.Remove(path)
		return false, fmt.Errorf("stat socket: %w", err)
	}

	if a.cfg.LogDir != "" {
		l, err := OpenSessionLog(a.cfg.LogDir)
		if err != nil {
			a.log.Warn("session log disabled", "error", err)
		} else {
			a.logw = l
		}
	}

	a.running = true
	a.ln = ln
	a.id = id
	a.stop = make(chan struct{})
	a.wg.Add(2)
	go a.acceptLoop(ln)
	go a.livenessLoop(a.stop)
	return tookOver, nil
}

func (a *Arbiter) acceptLoop(ln *net.UnixListener) {
	defer a.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.log.Debug("accept", "error", err)
			}
			return
		}
		a.adopt(ln, conn)
	}
}

// adopt makes conn the only client, evicting the previous one.
func (a *Arbiter) adopt(ln *net.UnixListener, conn net.Conn) {
	c := &client{conn: conn, info: ClientInfo{ID: uuid.NewString(), ConnectedAt: time.Now()}}

	a.mu.Lock()
	if !a.running || a.ln != ln {
		a.mu.Unlock()
		conn.Close()
		return
	}
	prev := a.client
	a.client = c
	a.wg.Add(1)
	a.mu.Unlock()

	if prev != nil {
		a.drop(prev, "evicted")
	}
	a.log.Info("mcp client connected", "client_id", c.info.ID)
	a.record(LogRecord{Event: "connect", ClientID: c.info.ID})
	a.emit(Event{Kind: EventClientConnected, ClientID: c.info.ID})
	go a.serve(c)
}

// drop disconnects c once and forgets it if it is still the client.
func (a *Arbiter) drop(c *client, reason string) {
	c.dropOnce.Do(func() {
		c.conn.Close()
		a.mu.Lock()
		if a.client == c {
			a.client = nil
		}
		info := c.info
		a.mu.Unlock()

		a.log.Info("mcp client disconnected", "client_id", info.ID, "reason", reason)
		a.record(LogRecord{Event: "disconnect", ClientID: info.ID, ClientName: info.Name})
		a.emit(Event{Kind: EventClientDisconnected, ClientID: info.ID, ClientName: info.Name})
	})
}

// serve reads frames until the connection ends. A trailing line without a
// newline is never parsed.
func (a *Arbiter) serve(c *client) {
	defer a.wg.Done()
	defer a.drop(c, "closed")
	r := bufio.NewReader(c.conn)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := c.send(a.handle(c, line)); err != nil {
			a.log.Debug("write response", "error", err)
			return
		}
	}
}

func (a *Arbiter) handle(c *client, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return errorResponse(0, fmt.Errorf("parse error: %w", err))
	}
	switch {
	case req.Method == MethodInitialize:
		return a.initialize(c, req)
	case req.Method == MethodToolsList:
		return Response{ID: req.ID, Result: map[string]interface{}{"tools": Tools()}}
	case isToolMethod(req.Method):
		return a.callTool(c, req)
	default:
		return errorResponse(req.ID, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method))
	}
}

// initialize replaces the placeholder identity with the declared one. Clients
// that name themselves get an id derived from that name, stable across
// reconnects.
func (a *Arbiter) initialize(c *client, req Request) Response {
	var p InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, fmt.Errorf("invalid initialize params: %w", err))
		}
	}

	a.mu.Lock()
	c.info.Name = p.ClientInfo.Name
	c.info.Version = p.ClientInfo.Version
	c.info.Capabilities = p.Capabilities
	c.info.Runtime = p.Runtime
	if p.ClientInfo.Name != "" {
		c.info.ID = uuid.NewSHA1(identityNamespace, []byte(p.ClientInfo.Name+"/"+p.ClientInfo.Version)).String()
	}
	info := c.info
	a.mu.Unlock()

	a.log.Info("mcp client initialized", "client_id", info.ID, "client", info.Name, "version", info.Version)
	a.emit(Event{Kind: EventClientInitialized, ClientID: info.ID, ClientName: info.Name})
	return Response{ID: req.ID, Result: InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{"tools": map[string]interface{}{}},
		ServerInfo:      mcp.Implementation{Name: a.cfg.Name, Version: a.cfg.Version},
	}}
}

// callTool routes one tool call to the attached session. Every call is timed
// and reported whatever its outcome.
func (a *Arbiter) callTool(c *client, req Request) Response {
	a.mu.Lock()
	info := c.info
	sessionID := a.attached
	a.mu.Unlock()

	a.emit(Event{Kind: EventToolCallStart, ClientID: info.ID, ClientName: info.Name, SessionID: sessionID, Method: req.Method})
	start := time.Now()
	result, err := a.runTool(sessionID, req)
	elapsed := time.Since(start)

	done := Event{Kind: EventToolCallComplete, ClientID: info.ID, ClientName: info.Name, SessionID: sessionID, Method: req.Method, Duration: elapsed}
	rec := LogRecord{Event: "tool_call", ClientID: info.ID, ClientName: info.Name, Method: req.Method, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		done.Err = err.Error()
		rec.Error = err.Error()
	} else if b, mErr := json.Marshal(result); mErr == nil {
		rec.Result = b
	}
	a.emit(done)
	a.record(rec)

	if err != nil {
		return errorResponse(req.ID, err)
	}
	return Response{ID: req.ID, Result: result}
}

func (a *Arbiter) runTool(sessionID string, req Request) (interface{}, error) {
	if sessionID == "" {
		return nil, ErrNotAttached
	}
	term, ok := a.cfg.Finder(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	switch req.Method {
	case MethodType:
		var p typeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		if p.Text == nil {
			return nil, fmt.Errorf("%w: text", ErrMissingParam)
		}
		if err := term.Write(*p.Text); err != nil {
			return nil, fmt.Errorf("write to session: %w", err)
		}
		return map[string]interface{}{"ok": true}, nil

	case MethodSendKey:
		var p keyParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		if p.Key == "" {
			return nil, fmt.Errorf("%w: key", ErrMissingParam)
		}
		seq, err := KeySequence(p.Key)
		if err != nil {
			return nil, err
		}
		if err := term.Write(seq); err != nil {
			return nil, fmt.Errorf("write to session: %w", err)
		}
		return map[string]interface{}{"ok": true, "key": p.Key}, nil

	case MethodGetContent:
		return map[string]interface{}{"content": term.GetContent()}, nil

	case MethodTakeScreenshot:
		return term.TakeScreenshot(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
}

// Attach routes tool calls to the session id. It fails without any change if
// no window has that session. A previous attachment is replaced; the client
// stays connected.
func (a *Arbiter) Attach(id string) bool {
	if _, ok := a.cfg.Finder(id); !ok {
		return false
	}
	a.mu.Lock()
	prev := a.attached
	a.attached = id
	a.mu.Unlock()
	if prev != id {
		a.log.Info("mcp session attached", "session_id", id, "previous", prev)
		a.emit(Event{Kind: EventAttached, SessionID: id})
	}
	return true
}

func (a *Arbiter) Detach() {
	a.mu.Lock()
	prev := a.attached
	a.attached = ""
	a.mu.Unlock()
	if prev != "" {
		a.log.Info("mcp session detached", "session_id", prev)
		a.emit(Event{Kind: EventDetached, SessionID: prev})
	}
}

// Attached returns the attached session id, or "".
func (a *Arbiter) Attached() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached
}

// OnSessionClosed detaches id if it is the attached session.
func (a *Arbiter) OnSessionClosed(id string) {
	a.mu.Lock()
	match := a.attached != "" && a.attached == id
	if match {
		a.attached = ""
	}
	a.mu.Unlock()
	if match {
		a.log.Info("attached session closed", "session_id", id)
		a.emit(Event{Kind: EventDetached, SessionID: id})
	}
}

// ConnectedClients returns the number of connected clients: 0 or 1.
func (a *Arbiter) ConnectedClients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return 0
	}
	return 1
}

func (a *Arbiter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Listening: a.running, Path: a.cfg.Path, Attached: a.attached}
	if a.client != nil {
		info := a.client.info
		st.Client = &info
	}
	return st
}

func (a *Arbiter) livenessLoop(stop <-chan struct{}) {
	defer a.wg.Done()
	t := time.NewTicker(a.cfg.LivenessInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			a.CheckLiveness()
		}
	}
}

// CheckLiveness gives up the socket if the file at the socket path is no
// longer the one this arbiter created. A stat failure counts as lost.
func (a *Arbiter) CheckLiveness() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	want := a.id
	a.mu.Unlock()

	cur, err := statID(a.cfg.Path)
	if err == nil && sameFile(cur, want) {
		return
	}
	a.lost()
}

// lost shuts down after another process took the socket path. The path is
// left alone.
func (a *Arbiter) lost() {
	c, ok := a.shutdown()
	if !ok {
		return
	}
	if c != nil {
		a.drop(c, "socket lost")
	}
	a.log.Warn("mcp socket lost to another process", "path", a.cfg.Path)
	a.closeLog()
	a.emit(Event{Kind: EventSocketLost})
}

// shutdown moves the arbiter to stopped and returns the client to evict.
func (a *Arbiter) shutdown() (*client, bool) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil, false
	}
	a.running = false
	ln := a.ln
	a.ln = nil
	c := a.client
	prevAttached := a.attached
	a.attached = ""
	close(a.stop)
	a.mu.Unlock()

	ln.Close()
	if a.cfg.Watcher != nil {
		a.cfg.Watcher.Unwatch(watchKey)
	}
	if prevAttached != "" {
		a.emit(Event{Kind: EventDetached, SessionID: prevAttached})
	}
	return c, true
}

func (a *Arbiter) record(rec LogRecord) {
	a.mu.Lock()
	l := a.logw
	a.mu.Unlock()
	if err := l.Append(rec); err != nil {
		a.log.Debug("session log append", "error", err)
	}
}

func (a *Arbiter) closeLog() {
	a.mu.Lock()
	l := a.logw
	a.logw = nil
	a.mu.Unlock()
	if err := l.Close(); err != nil {
		a.log.Debug("close session log", "error", err)
	}
}

// Stop evicts the client, closes the listener and removes the socket file
// if it is still ours.
func (a *Arbiter) Stop() {
	a.mu.Lock()
	want := a.id
	a.mu.Unlock()

	c, ok := a.shutdown()
	if ok {
		if c != nil {
			a.drop(c, "server stopped")
		}
		if cur, err := statID(a.cfg.Path); err == nil && sameFile(cur, want) {
			os.Remove(a.cfg.Path)
		}
		a.log.Info("mcp socket stopped")
	}
	a.closeLog()
	a.wg.Wait()
}
