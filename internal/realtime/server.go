// Package realtime serves windows over WebSocket and exposes a small REST
// surface for sessions, settings and the MCP arbiter.
package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"brosh/internal/aicli"
	"brosh/internal/bridge"
	"brosh/internal/input"
	"brosh/internal/mcpsock"
	"brosh/internal/protocol"
	"brosh/internal/session"
	"brosh/internal/settings"
	"brosh/internal/triage"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 1024
	sendTimeout   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Windows connect from localhost.
	},
}

// Config wires the server. Each connected window gets its own orchestrator
// built from these collaborators.
type Config struct {
	NewManager bridge.ManagerFactory
	Classifier input.Classifier
	Invoke     bridge.InvokeFunc
	Detect     func(preferred string) (aicli.Backend, error)
	Triage     *triage.Controller
	Settings   *settings.Store
	// Arbiter may be nil when the MCP socket is disabled.
	Arbiter        *mcpsock.Arbiter
	StaticDir      string
	FormatterStyle string
	Logger         *slog.Logger
}

// Server manages WebSocket windows and routes their messages to per-window
// orchestrators.
type Server struct {
	cfg       Config
	log       *slog.Logger
	clients   map[*client]bool
	clientsMu sync.RWMutex
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	orch   *bridge.Orchestrator
	log    *slog.Logger

	sendTimeout time.Duration

	mu      sync.Mutex
	closed  bool
	stalled bool
}

// droppable messages are superseded by the next message of the same kind,
// so a lagging window may lose them. Everything else is delivered or the
// window is disconnected.
var droppable = map[string]bool{
	protocol.TypeAISpinner:      true,
	protocol.TypeSessionProcess: true,
	protocol.TypeSessionCwd:     true,
	protocol.TypeSessionTypo:    true,
}

// New creates a new realtime server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		clients: make(map[*client]bool),
	}
}

// SetArbiter attaches the MCP arbiter. The arbiter looks sessions up through
// the server, so the two are built in sequence.
func (s *Server) SetArbiter(a *mcpsock.Arbiter) {
	s.cfg.Arbiter = a
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /mcp/status", s.handleMCPStatus)
	mux.HandleFunc("POST /mcp/attach/{id}", s.handleMCPAttach)
	mux.HandleFunc("DELETE /mcp/attach", s.handleMCPDetach)
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PUT /settings", s.handlePutSettings)

	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) currentSettings() settings.Settings {
	if s.cfg.Settings == nil {
		return settings.Defaults()
	}
	return s.cfg.Settings.Get()
}

// handleWebSocket upgrades an HTTP connection to WebSocket and gives the
// window its own orchestrator.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade", "error", err)
		return
	}

	c := &client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		server:      s,
		log:         s.log.With("remote", r.RemoteAddr),
		sendTimeout: sendTimeout,
	}
	orch, err := bridge.New(bridge.Config{
		NewManager:      s.cfg.NewManager,
		Classifier:      s.cfg.Classifier,
		Invoke:          s.cfg.Invoke,
		Detect:          s.cfg.Detect,
		Triage:          s.cfg.Triage,
		Settings:        s.currentSettings,
		Emit:            c.enqueue,
		OnSessionClosed: s.sessionClosed,
		FormatterStyle:  s.cfg.FormatterStyle,
		Logger:          c.log,
	})
	if err != nil {
		s.log.Error("create orchestrator", "error", err)
		conn.Close()
		return
	}
	c.orch = orch

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	c.log.Info("window connected")

	go c.writePump()
	go c.readPump()
}

// enqueue marshals msg for the window. When the send buffer is full,
// droppable messages are discarded and anything else waits up to
// sendTimeout; a window that still is not reading is disconnected, since a
// lost output chunk would corrupt its display.
func (c *client) enqueue(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("marshal message", "type", msg.Type, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stalled {
		return
	}
	select {
	case c.send <- data:
		return
	default:
	}
	if droppable[msg.Type] {
		c.log.Debug("window lagging, dropping message", "type", msg.Type)
		return
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()
	select {
	case c.send <- data:
	case <-timer.C:
		c.stalled = true
		c.log.Warn("window stopped reading, disconnecting", "type", msg.Type)
		c.conn.Close()
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient disposes a disconnected window and all of its sessions.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()

	c.orch.Close()

	c.mu.Lock()
	c.closed = true
	close(c.send)
	c.mu.Unlock()
	c.log.Info("window disconnected")
}

func (s *Server) sessionClosed(id string) {
	if s.cfg.Arbiter != nil {
		s.cfg.Arbiter.OnSessionClosed(id)
	}
}

// handleMessage processes a validated client message. Payloads were checked
// by ValidateClientMessage.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error(), "")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionCreate:
		var p protocol.SessionCreatePayload
		json.Unmarshal(msg.Payload, &p)
		_, err := c.orch.CreateSession(bridge.CreateRequest{Cols: p.Cols, Rows: p.Rows, Shell: p.Shell, Cwd: p.Cwd, Sandbox: p.Sandbox})
		if err != nil {
			code := protocol.ErrSpawnFailed
			if errors.Is(err, session.ErrMaxSessions) {
				code = protocol.ErrMaxSessions
			}
			s.sendError(c, code, err.Error(), "")
		}

	case protocol.TypeSessionInput:
		var p protocol.SessionInputPayload
		json.Unmarshal(msg.Payload, &p)
		if err := c.orch.Input(p.SessionID, p.Data); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, err.Error(), p.SessionID)
		}

	case protocol.TypeSessionResize:
		var p protocol.SessionResizePayload
		json.Unmarshal(msg.Payload, &p)
		if err := c.orch.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
			code := protocol.ErrSessionNotFound
			if errors.Is(err, session.ErrSessionClosed) {
				code = protocol.ErrSessionTerminated
			}
			s.sendError(c, code, err.Error(), p.SessionID)
		}

	case protocol.TypeSessionClose:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if err := c.orch.CloseSession(p.SessionID); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, err.Error(), p.SessionID)
		}

	case protocol.TypeWindowFocus:
		var p protocol.WindowFocusPayload
		json.Unmarshal(msg.Payload, &p)
		c.orch.SetFocused(p.Focused)

	case protocol.TypeSystemPower:
		var p protocol.SystemPowerPayload
		json.Unmarshal(msg.Payload, &p)
		c.orch.SetSuspended(p.Suspended)

	case protocol.TypeModePending:
		go func() {
			if err := c.orch.PreCreateStandardSession(); err != nil {
				c.log.Debug("pre-create session", "error", err)
			}
		}()

	case protocol.TypeAIConfirmResponse:
		var p protocol.AIConfirmResponsePayload
		json.Unmarshal(msg.Payload, &p)
		if err := c.orch.ConfirmResponse(p.SessionID, p.Accept); err != nil {
			s.sendError(c, protocol.ErrSessionNotFound, err.Error(), p.SessionID)
		}

	case protocol.TypeMCPAttach:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if s.cfg.Arbiter == nil || !s.cfg.Arbiter.Attach(p.SessionID) {
			s.sendError(c, protocol.ErrAttachFailed, "cannot attach session "+p.SessionID, p.SessionID)
		}

	case protocol.TypeMCPDetach:
		if s.cfg.Arbiter != nil {
			s.cfg.Arbiter.Detach()
		}
	}
}

// FindSession looks a session up across every window.
func (s *Server) FindSession(id string) (bridge.Terminal, bool) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if t, ok := c.orch.FindSession(id); ok {
			return t, true
		}
	}
	return nil, false
}

// FindTerminal adapts FindSession for the MCP arbiter.
func (s *Server) FindTerminal(id string) (mcpsock.Terminal, bool) {
	t, ok := s.FindSession(id)
	if !ok {
		return nil, false
	}
	return t, true
}

// Sessions lists the sessions of every window.
func (s *Server) Sessions() []bridge.SessionInfo {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	out := []bridge.SessionInfo{}
	for _, c := range clients {
		out = append(out, c.orch.Sessions()...)
	}
	return out
}

// OnMCPEvent forwards arbiter events to every window.
func (s *Server) OnMCPEvent(e mcpsock.Event) {
	msg, err := protocol.NewMessage(protocol.TypeMCPEvent, protocol.MCPEventPayload{
		Kind:       string(e.Kind),
		ClientID:   e.ClientID,
		ClientName: e.ClientName,
		SessionID:  e.SessionID,
		Method:     e.Method,
		DurationMs: e.Duration.Milliseconds(),
		Error:      e.Err,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected windows.
func (s *Server) broadcast(msg *protocol.Message) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		c.enqueue(msg)
	}
}

// Shutdown disposes every window's sessions.
func (s *Server) Shutdown() {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		c.orch.Close()
		c.conn.Close()
	}
}

func (s *Server) sendError(c *client, code, message, sessionID string) {
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{
		Message:   message,
		Code:      code,
		SessionID: sessionID,
	})
	if err != nil {
		return
	}
	c.enqueue(msg)
}
