package mcpsock

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brosh/internal/session"
)

type fakeTerm struct {
	mu     sync.Mutex
	writes []string
}

func (t *fakeTerm) Write(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, data)
	return nil
}

func (t *fakeTerm) GetContent() string { return "$ ls\nREADME.md" }

func (t *fakeTerm) TakeScreenshot() session.Screenshot {
	return session.Screenshot{Cols: 80, Rows: 24, Lines: []string{"$ ls"}, Cursor: session.Cursor{X: 4}}
}

func (t *fakeTerm) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) add(ev Event) {
	e.mu.Lock()
	e.all = append(e.all, ev)
	e.mu.Unlock()
}

func (e *events) of(kind EventKind) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.all {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// socketPath returns a short path; unix socket paths are length limited.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bsk")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "mcp.sock")
}

type fixture struct {
	a     *Arbiter
	path  string
	ev    *events
	terms map[string]*fakeTerm
}

func newFixture(t *testing.T, sessions ...string) *fixture {
	t.Helper()
	f := &fixture{path: socketPath(t), ev: &events{}, terms: map[string]*fakeTerm{}}
	for _, id := range sessions {
		f.terms[id] = &fakeTerm{}
	}
	f.a = New(Config{
		Path: f.path,
		Finder: func(id string) (Terminal, bool) {
			term, ok := f.terms[id]
			return term, ok
		},
		OnEvent:          f.ev.add,
		Version:          "1.2.3",
		LivenessInterval: time.Hour,
	})
	require.NoError(t, f.a.Start())
	t.Cleanup(f.a.Stop)
	return f
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

type rawResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *ResponseError  `json:"error"`
}

func dial(t *testing.T, path string) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, raw string) {
	t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(t, err)
}

func (c *testClient) read(t *testing.T) rawResponse {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var resp rawResponse
	require.NoError(t, json.Unmarshal(line, &resp))
	return resp
}

func (c *testClient) call(t *testing.T, id int64, method string, params interface{}) rawResponse {
	t.Helper()
	req := map[string]interface{}{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	c.send(t, string(b)+"\n")
	return c.read(t)
}

func TestAttachIsExclusive(t *testing.T) {
	f := newFixture(t, "A", "B")

	require.True(t, f.a.Attach("A"))
	require.True(t, f.a.Attach("B"))
	assert.Equal(t, "B", f.a.Attached())
	assert.NotEqual(t, "A", f.a.Attached())

	assert.False(t, f.a.Attach("missing"))
	assert.Equal(t, "B", f.a.Attached(), "failed attach leaves the attachment alone")

	f.a.Detach()
	assert.Empty(t, f.a.Attached())
	assert.Len(t, f.ev.of(EventAttached), 2)
	assert.Len(t, f.ev.of(EventDetached), 1)
}

func TestOnSessionClosedDetaches(t *testing.T) {
	f := newFixture(t, "A", "B")
	require.True(t, f.a.Attach("A"))

	f.a.OnSessionClosed("B")
	assert.Equal(t, "A", f.a.Attached())

	f.a.OnSessionClosed("A")
	assert.Empty(t, f.a.Attached())
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	f := newFixture(t)

	first := dial(t, f.path)
	require.Eventually(t, func() bool { return len(f.ev.of(EventClientConnected)) == 1 }, 2*time.Second, 5*time.Millisecond)
	firstID := f.ev.of(EventClientConnected)[0].ClientID
	assert.NotEmpty(t, firstID, "placeholder id is assigned on accept")

	dial(t, f.path)
	require.Eventually(t, func() bool { return len(f.ev.of(EventClientConnected)) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, f.a.ConnectedClients())
	gone := f.ev.of(EventClientDisconnected)
	require.Len(t, gone, 1)
	assert.Equal(t, firstID, gone[0].ClientID)

	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := first.r.ReadByte()
	assert.Error(t, err, "evicted connection is closed")
}

func TestPartialLinesWaitForNewline(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f.path)

	c.send(t, `{"id":1,"method":"tools/`)
	time.Sleep(50 * time.Millisecond)
	c.send(t, "list\"}\n{\"id\":2,\"method\":\"tools/list\"}\n")

	first := c.read(t)
	second := c.read(t)
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Nil(t, first.Error)

	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(first.Result, &list))
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"type", "sendKey", "getContent", "takeScreenshot"}, names)
}

func TestMalformedLineGetsErrorWithIDZero(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f.path)

	c.send(t, "not json\n{\"id\":7,\"method\":\"tools/list\"}\n")
	bad := c.read(t)
	assert.Equal(t, int64(0), bad.ID)
	require.NotNil(t, bad.Error)
	assert.Contains(t, bad.Error.Message, "parse error")

	next := c.read(t)
	assert.Equal(t, int64(7), next.ID)
	assert.Nil(t, next.Error)
}

func TestInitializeIdentifiesClient(t *testing.T) {
	f := newFixture(t)
	c := dial(t, f.path)

	params := map[string]interface{}{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "agent", "version": "0.1"},
	}
	resp := c.call(t, 1, MethodInitialize, params)
	require.Nil(t, resp.Error)

	var result struct {
		ProtocolVersion string                     `json:"protocolVersion"`
		Capabilities    map[string]json.RawMessage `json:"capabilities"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.JSONEq(t, `{}`, string(result.Capabilities["tools"]))
	assert.Equal(t, "brosh", result.ServerInfo.Name)
	assert.Equal(t, "1.2.3", result.ServerInfo.Version)

	st := f.a.Status()
	require.NotNil(t, st.Client)
	assert.Equal(t, "agent", st.Client.Name)
	id := st.Client.ID
	placeholder := f.ev.of(EventClientConnected)[0].ClientID
	assert.NotEqual(t, placeholder, id)

	// Reconnecting with the same identity yields the same id.
	c2 := dial(t, f.path)
	require.Nil(t, c2.call(t, 1, MethodInitialize, params).Error)
	assert.Equal(t, id, f.a.Status().Client.ID)
}

func TestToolCallWithoutAttachmentFails(t *testing.T) {
	f := newFixture(t, "A")
	c := dial(t, f.path)

	resp := c.call(t, 3, MethodType, map[string]string{"text": "ls"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "no terminal attached", resp.Error.Message)
	assert.Empty(t, f.terms["A"].written())

	require.Len(t, f.ev.of(EventToolCallStart), 1)
	done := f.ev.of(EventToolCallComplete)
	require.Len(t, done, 1)
	assert.Equal(t, "no terminal attached", done[0].Err)
}

func TestToolCallsReachAttachedSession(t *testing.T) {
	f := newFixture(t, "A", "B")
	require.True(t, f.a.Attach("B"))
	c := dial(t, f.path)

	require.Nil(t, c.call(t, 1, MethodType, map[string]string{"text": "echo hi"}).Error)
	require.Nil(t, c.call(t, 2, MethodSendKey, map[string]string{"key": "Enter"}).Error)
	require.Nil(t, c.call(t, 3, MethodSendKey, map[string]string{"key": "ctrl-c"}).Error)
	assert.Equal(t, []string{"echo hi", "\r", "\x03"}, f.terms["B"].written())
	assert.Empty(t, f.terms["A"].written())

	unknown := c.call(t, 4, MethodSendKey, map[string]string{"key": "Hyper"})
	require.NotNil(t, unknown.Error)
	assert.Contains(t, unknown.Error.Message, "unknown key")

	missing := c.call(t, 5, MethodType, nil)
	require.NotNil(t, missing.Error)
	assert.Contains(t, missing.Error.Message, "missing required parameter")

	content := c.call(t, 6, MethodGetContent, nil)
	require.Nil(t, content.Error)
	assert.JSONEq(t, `{"content":"$ ls\nREADME.md"}`, string(content.Result))

	shot := c.call(t, 7, MethodTakeScreenshot, nil)
	require.Nil(t, shot.Error)
	var s session.Screenshot
	require.NoError(t, json.Unmarshal(shot.Result, &s))
	assert.Equal(t, 80, s.Cols)
	assert.Equal(t, 4, s.Cursor.X)

	unknownMethod := c.call(t, 8, "resize", nil)
	require.NotNil(t, unknownMethod.Error)

	assert.Len(t, f.ev.of(EventToolCallComplete), 7)
}

func TestAttachedSessionGoneFails(t *testing.T) {
	f := newFixture(t, "A")
	require.True(t, f.a.Attach("A"))
	delete(f.terms, "A")

	c := dial(t, f.path)
	resp := c.call(t, 1, MethodGetContent, nil)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "attached session not found")
}

func TestStartTakesOverLiveSocket(t *testing.T) {
	f := newFixture(t)
	client := dial(t, f.path)
	require.Eventually(t, func() bool { return f.a.ConnectedClients() == 1 }, 2*time.Second, 5*time.Millisecond)

	ev2 := &events{}
	second := New(Config{Path: f.path, OnEvent: ev2.add, LivenessInterval: time.Hour})
	require.NoError(t, second.Start())
	t.Cleanup(second.Stop)
	assert.Len(t, ev2.of(EventTakeover), 1)

	f.a.CheckLiveness()
	assert.Len(t, f.ev.of(EventSocketLost), 1)
	assert.False(t, f.a.Status().Listening)
	assert.Equal(t, 0, f.a.ConnectedClients())

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := client.r.ReadByte()
	assert.Error(t, err)

	// The new owner's socket is left in place and still serves.
	_, err = os.Stat(f.path)
	require.NoError(t, err)
	c := dial(t, f.path)
	assert.Nil(t, c.call(t, 1, MethodToolsList, nil).Error)
}

func TestDeletedSocketIsLost(t *testing.T) {
	f := newFixture(t, "A")
	require.True(t, f.a.Attach("A"))
	require.NoError(t, os.Remove(f.path))

	f.a.CheckLiveness()
	assert.Len(t, f.ev.of(EventSocketLost), 1)
	assert.Empty(t, f.a.Attached())
	_, err := os.Stat(f.path)
	assert.True(t, os.IsNotExist(err), "a lost socket is not recreated")
}

func TestStopRemovesSocket(t *testing.T) {
	f := newFixture(t)
	dial(t, f.path)
	require.Eventually(t, func() bool { return f.a.ConnectedClients() == 1 }, 2*time.Second, 5*time.Millisecond)

	f.a.Stop()
	_, err := os.Stat(f.path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, f.a.ConnectedClients())
	assert.Len(t, f.ev.of(EventClientDisconnected), 1)
}

func TestKeySequence(t *testing.T) {
	for name, want := range map[string]string{
		"Enter":     "\r",
		"TAB":       "\t",
		"Ctrl+C":    "\x03",
		"ctrl-d":    "\x04",
		"Control+L": "\x0c",
		"up":        "\x1b[A",
		"PageDown":  "\x1b[6~",
	} {
		got, err := KeySequence(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := KeySequence("F13")
	assert.ErrorIs(t, err, ErrUnknownKey)
}
