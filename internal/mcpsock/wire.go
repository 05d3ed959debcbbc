package mcpsock

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// ProtocolVersion is the version answered to every initialize request.
const ProtocolVersion = "2024-11-05"

// Methods understood on the socket.
const (
	MethodInitialize     = "initialize"
	MethodToolsList      = "tools/list"
	MethodType           = "type"
	MethodSendKey        = "sendKey"
	MethodGetContent     = "getContent"
	MethodTakeScreenshot = "takeScreenshot"
)

var (
	ErrNotAttached     = errors.New("no terminal attached")
	ErrSessionNotFound = errors.New("attached session not found")
	ErrMissingParam    = errors.New("missing required parameter")
	ErrUnknownKey      = errors.New("unknown key")
	ErrUnknownMethod   = errors.New("unknown method")
)

// Request is one inbound frame.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one outbound frame. Exactly one of Result and Error is set.
type Response struct {
	ID     int64          `json:"id"`
	Result interface{}    `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
}

func errorResponse(id int64, err error) Response {
	return Response{ID: id, Error: &ResponseError{Message: err.Error()}}
}

// InitializeParams is the client's identity and capability envelope.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
	// Runtime is free-form information about the client process.
	Runtime map[string]interface{} `json:"runtime,omitempty"`
}

// InitializeResult is returned for initialize.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      mcp.Implementation     `json:"serverInfo"`
}

type typeParams struct {
	Text *string `json:"text"`
}

type keyParams struct {
	Key string `json:"key"`
}

// keys maps key names to the bytes a terminal sends for them.
var keys = map[string]string{
	"enter":     "\r",
	"return":    "\r",
	"tab":       "\t",
	"escape":    "\x1b",
	"esc":       "\x1b",
	"backspace": "\x7f",
	"delete":    "\x1b[3~",
	"space":     " ",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"pageup":    "\x1b[5~",
	"pagedown":  "\x1b[6~",
	"ctrl+a":    "\x01",
	"ctrl+c":    "\x03",
	"ctrl+d":    "\x04",
	"ctrl+e":    "\x05",
	"ctrl+k":    "\x0b",
	"ctrl+l":    "\x0c",
	"ctrl+r":    "\x12",
	"ctrl+u":    "\x15",
	"ctrl+w":    "\x17",
	"ctrl+z":    "\x1a",
}

// KeySequence resolves a key name such as "Enter" or "Ctrl-C".
func KeySequence(name string) (string, error) {
	k := strings.ToLower(strings.TrimSpace(name))
	k = strings.ReplaceAll(k, "-", "+")
	k = strings.ReplaceAll(k, "control+", "ctrl+")
	if seq, ok := keys[k]; ok {
		return seq, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKey, name)
}

// Tools describes the tool methods for tools/list.
func Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(MethodType,
			mcp.WithDescription("Type text into the attached terminal"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Text to send, verbatim")),
		),
		mcp.NewTool(MethodSendKey,
			mcp.WithDescription("Send a named key such as Enter, Tab, Up or Ctrl+C"),
			mcp.WithString("key", mcp.Required(), mcp.Description("Key name")),
		),
		mcp.NewTool(MethodGetContent,
			mcp.WithDescription("Read the visible screen of the attached terminal as text"),
		),
		mcp.NewTool(MethodTakeScreenshot,
			mcp.WithDescription("Capture the screen, cursor position and dimensions of the attached terminal"),
		),
	}
}

func isToolMethod(method string) bool {
	switch method {
	case MethodType, MethodSendKey, MethodGetContent, MethodTakeScreenshot:
		return true
	}
	return false
}
