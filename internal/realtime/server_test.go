package realtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"brosh/internal/aicli"
	"brosh/internal/bridge"
	"brosh/internal/classifier"
	"brosh/internal/mcpsock"
	"brosh/internal/protocol"
	"brosh/internal/session"
	"brosh/internal/settings"
)

type fakeTerm struct {
	id string

	mu     sync.Mutex
	active bool
	writes []string
}

func (t *fakeTerm) ID() string { return t.id }

func (t *fakeTerm) Write(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTerm) written() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.writes, "")
}

func (t *fakeTerm) Resize(cols, rows int) error                { return nil }
func (t *fakeTerm) Size() (int, int)                           { return 80, 24 }
func (t *fakeTerm) GetContent() string                         { return "" }
func (t *fakeTerm) Tail(n int) string                          { return "" }
func (t *fakeTerm) TakeScreenshot() session.Screenshot         { return session.Screenshot{} }
func (t *fakeTerm) GetProcess() string                         { return "" }
func (t *fakeTerm) GetCwd() string                             { return "" }
func (t *fakeTerm) Subscribe(fn func([]byte)) ([]byte, func()) { return nil, func() {} }
func (t *fakeTerm) OnExit(fn func(int)) func()                 { return func() {} }

func (t *fakeTerm) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

type fakeManager struct {
	mu    sync.Mutex
	n     int
	terms map[string]*fakeTerm
}

func (m *fakeManager) Create(opts session.Options) (bridge.Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	t := &fakeTerm{id: fmt.Sprintf("term-%d", m.n), active: true}
	m.terms[t.id] = t
	return t, nil
}

func (m *fakeManager) Close(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.terms[id]; ok {
		t.mu.Lock()
		t.active = false
		t.mu.Unlock()
	}
	return nil
}

func (m *fakeManager) Shutdown() {}

func (m *fakeManager) term(id string) *fakeTerm {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terms[id]
}

func newTestServer(t *testing.T) (*Server, *fakeManager) {
	t.Helper()
	mgr := &fakeManager{terms: map[string]*fakeTerm{}}
	store, err := settings.Open("", nil)
	if err != nil {
		t.Fatalf("open settings: %v", err)
	}
	srv := New(Config{
		NewManager: func(bool) (bridge.Manager, error) { return mgr, nil },
		Classifier: classifier.New(),
		Detect: func(string) (aicli.Backend, error) {
			return aicli.Backend{}, aicli.ErrNoBackend
		},
		Settings:       store,
		FormatterStyle: "notty",
	})
	srv.SetArbiter(mcpsock.New(mcpsock.Config{Finder: srv.FindTerminal, OnEvent: srv.OnMCPEvent}))
	return srv, mgr
}

func dialWS(t *testing.T, srv *Server) (*websocket.Conn, func()) {
	t.Helper()
	httpSrv := httptest.NewServer(srv.Handler())
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		httpSrv.Close()
		t.Fatalf("websocket dial failed: %v", err)
	}
	return ws, func() {
		ws.Close()
		httpSrv.Close()
	}
}

func sendWS(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg := map[string]interface{}{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		msg["payload"] = payload
	}
	data, _ := json.Marshal(msg)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write message failed: %v", err)
	}
}

// readUntil reads messages until one of type want arrives.
func readUntil(t *testing.T, ws *websocket.Conn, want string) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad message: %v", err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func createSession(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	sendWS(t, ws, protocol.TypeSessionCreate, map[string]interface{}{"cols": 100, "rows": 30})
	msg := readUntil(t, ws, protocol.TypeSessionCreated)
	var p protocol.SessionCreatedPayload
	json.Unmarshal(msg.Payload, &p)
	if p.SessionID == "" {
		t.Fatal("expected a session id")
	}
	return p.SessionID
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(t)
	if srv.Handler() == nil {
		t.Fatal("expected non-nil handler")
	}
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var sessions []bridge.SessionInfo
	json.NewDecoder(w.Body).Decode(&sessions)
	if len(sessions) != 0 {
		t.Errorf("expected empty list, got %d sessions", len(sessions))
	}
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
}

func TestServer_MCPStatusAndAttachUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/mcp/status", nil))
	var st mcpsock.Status
	json.NewDecoder(w.Body).Decode(&st)
	if st.Listening || st.Attached != "" {
		t.Errorf("unexpected status %+v", st)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "/mcp/attach/nonexistent", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestServer_SettingsRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	body := `{"ai":{"enabled":false,"denylist":["vim"]}}`
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("PUT", "/settings", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/settings", nil))
	var got settings.Settings
	json.NewDecoder(w.Body).Decode(&got)
	if got.AI.Enabled {
		t.Error("expected AI to be disabled")
	}
	if len(got.AI.Denylist) != 1 || got.AI.Denylist[0] != "vim" {
		t.Errorf("unexpected denylist %v", got.AI.Denylist)
	}
	if !got.Terminal.SetLocaleEnv {
		t.Error("keys missing from the body must keep their values")
	}
}

func TestServer_SettingsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest("PUT", "/settings", strings.NewReader("bad")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestServer_WebSocketCreateAndInput(t *testing.T) {
	srv, mgr := newTestServer(t)
	ws, done := dialWS(t, srv)
	defer done()

	id := createSession(t, ws)

	sendWS(t, ws, protocol.TypeSessionInput, map[string]interface{}{"sessionId": id, "data": "ls"})
	sendWS(t, ws, protocol.TypeSessionInput, map[string]interface{}{"sessionId": id, "data": "\r"})

	deadline := time.Now().Add(2 * time.Second)
	for mgr.term(id).written() != "ls\r" {
		if time.Now().After(deadline) {
			t.Fatalf("expected shell to receive %q, got %q", "ls\r", mgr.term(id).written())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := srv.Sessions(); len(got) != 1 || got[0].ID != id {
		t.Errorf("unexpected sessions %+v", got)
	}
	if _, ok := srv.FindSession(id); !ok {
		t.Error("expected session to be found across windows")
	}
}

func TestServer_InputUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ws, done := dialWS(t, srv)
	defer done()

	sendWS(t, ws, protocol.TypeSessionInput, map[string]interface{}{"sessionId": "missing", "data": "x"})
	msg := readUntil(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrSessionNotFound {
		t.Errorf("expected %s, got %s", protocol.ErrSessionNotFound, p.Code)
	}
}

func TestServer_AttachThenCloseDetaches(t *testing.T) {
	srv, _ := newTestServer(t)
	ws, done := dialWS(t, srv)
	defer done()

	id := createSession(t, ws)
	sendWS(t, ws, protocol.TypeMCPAttach, map[string]interface{}{"sessionId": id})
	ev := readUntil(t, ws, protocol.TypeMCPEvent)
	var p protocol.MCPEventPayload
	json.Unmarshal(ev.Payload, &p)
	if p.Kind != string(mcpsock.EventAttached) || p.SessionID != id {
		t.Errorf("unexpected event %+v", p)
	}

	sendWS(t, ws, protocol.TypeSessionClose, map[string]interface{}{"sessionId": id})
	readUntil(t, ws, protocol.TypeMCPEvent)
	if got := srv.cfg.Arbiter.Attached(); got != "" {
		t.Errorf("expected detach on close, still attached to %q", got)
	}
}

func TestServer_AttachUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	ws, done := dialWS(t, srv)
	defer done()

	sendWS(t, ws, protocol.TypeMCPAttach, map[string]interface{}{"sessionId": "nope"})
	msg := readUntil(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrAttachFailed {
		t.Errorf("expected %s, got %s", protocol.ErrAttachFailed, p.Code)
	}
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	srv, _ := newTestServer(t)
	ws, done := dialWS(t, srv)
	defer done()

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))

	msg := readUntil(t, ws, protocol.TypeError)
	var p protocol.ErrorPayload
	json.Unmarshal(msg.Payload, &p)
	if p.Code != protocol.ErrInvalidMessage {
		t.Errorf("expected %s, got %s", protocol.ErrInvalidMessage, p.Code)
	}
}

func TestServer_CORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest("OPTIONS", "/sessions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}

// newTestClient returns a client over a live websocket connection with a
// one-slot send buffer, plus the peer end of the connection.
func newTestClient(t *testing.T, timeout time.Duration) (*client, *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(httpSrv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(httpSrv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	conn := <-conns
	t.Cleanup(func() { conn.Close() })
	return &client{
		conn:        conn,
		send:        make(chan []byte, 1),
		log:         slog.Default(),
		sendTimeout: timeout,
	}, peer
}

func mustMessage(t *testing.T, msgType string, payload interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func messageType(t *testing.T, data []byte) string {
	t.Helper()
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("bad message: %v", err)
	}
	return msg.Type
}

func TestClient_OutputWaitsForSlowWindow(t *testing.T) {
	c, _ := newTestClient(t, 2*time.Second)
	out := mustMessage(t, protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: "s1", Data: "one"})
	c.enqueue(out)

	next := mustMessage(t, protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: "s1", Data: "two"})
	done := make(chan struct{})
	go func() {
		c.enqueue(next)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("output must wait for room in the send buffer")
	case <-time.After(50 * time.Millisecond):
	}

	for _, want := range []string{"one", "two"} {
		var msg protocol.Message
		json.Unmarshal(<-c.send, &msg)
		var p protocol.SessionOutputPayload
		json.Unmarshal(msg.Payload, &p)
		if p.Data != want {
			t.Fatalf("expected output %q, got %q", want, p.Data)
		}
	}
	<-done
	if c.stalled {
		t.Fatal("a draining window must not be marked stalled")
	}
}

func TestClient_DroppableMessagesAreDiscarded(t *testing.T) {
	c, _ := newTestClient(t, time.Hour)
	c.enqueue(mustMessage(t, protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: "s1", Data: "x"}))

	start := time.Now()
	c.enqueue(mustMessage(t, protocol.TypeAISpinner, protocol.AISpinnerPayload{SessionID: "s1", Frame: "⠋"}))
	c.enqueue(mustMessage(t, protocol.TypeSessionCwd, protocol.SessionCwdPayload{SessionID: "s1", Cwd: "/tmp"}))
	if time.Since(start) > time.Second {
		t.Fatal("droppable messages must not wait")
	}
	if len(c.send) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(c.send))
	}
	if got := messageType(t, <-c.send); got != protocol.TypeSessionOutput {
		t.Fatalf("expected queued output, got %s", got)
	}
}

func TestClient_StalledWindowIsDisconnected(t *testing.T) {
	c, peer := newTestClient(t, 20*time.Millisecond)
	c.enqueue(mustMessage(t, protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: "s1", Data: "one"}))
	c.enqueue(mustMessage(t, protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: "s1", Data: "two"}))

	if !c.stalled {
		t.Fatal("expected the window to be marked stalled")
	}
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := peer.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}

	start := time.Now()
	c.enqueue(mustMessage(t, protocol.TypeSessionOutput, protocol.SessionOutputPayload{SessionID: "s1", Data: "three"}))
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("a stalled window must not block further sends")
	}
}
