package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionCreated      = "session.created"
	TypeSessionOutput       = "session.output"
	TypeSessionTitle        = "session.title"
	TypeSessionNotification = "session.notification"
	TypeSessionCwd          = "session.cwd"
	TypeSessionProcess      = "session.process"
	TypeSessionExit         = "session.exit"
	TypeSessionAutocomplete = "session.autocomplete"
	TypeSessionTypo         = "session.typo"
	TypeAIConfirm           = "ai.confirm"
	TypeAISpinner           = "ai.spinner"
	TypeTriageNotification  = "triage.notification"
	TypeTriageDismiss       = "triage.dismiss"
	TypeMCPEvent            = "mcp.event"
	TypeError               = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate     = "session.create"
	TypeSessionInput      = "session.input"
	TypeSessionResize     = "session.resize"
	TypeSessionClose      = "session.close"
	TypeWindowFocus       = "window.focus"
	TypeSystemPower       = "system.power"
	TypeModePending       = "mode.pending"
	TypeAIConfirmResponse = "ai.confirmResponse"
	TypeMCPAttach         = "mcp.attach"
	TypeMCPDetach         = "mcp.detach"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrSessionTerminated = "SESSION_TERMINATED"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrAttachFailed      = "ATTACH_FAILED"
)

// Server → Client payloads.

type SessionCreatedPayload struct {
	SessionID   string `json:"sessionId"`
	Shell       string `json:"shell"`
	Cwd         string `json:"cwd"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
	Sandboxed   bool   `json:"sandboxed"`
	Speculative bool   `json:"speculative"`
	CreatedAt   string `json:"createdAt"`
}

type SessionOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// SessionTitlePayload carries a title update. Clear asks the window to fall
// back to the process name.
type SessionTitlePayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	Clear     bool   `json:"clear,omitempty"`
}

type SessionNotificationPayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
}

type SessionCwdPayload struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
}

type SessionProcessPayload struct {
	SessionID string `json:"sessionId"`
	Process   string `json:"process"`
}

type SessionExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// AutocompletePayload with an empty Suggestion clears the ghost text.
type AutocompletePayload struct {
	SessionID  string `json:"sessionId"`
	Suggestion string `json:"suggestion,omitempty"`
	GhostText  string `json:"ghostText,omitempty"`
}

type TypoPayload struct {
	SessionID      string `json:"sessionId"`
	Type           string `json:"type"`
	Original       string `json:"original"`
	Suggested      string `json:"suggested"`
	FullSuggestion string `json:"fullSuggestion"`
}

type AIConfirmPayload struct {
	SessionID string `json:"sessionId"`
	Query     string `json:"query"`
}

// AISpinnerPayload carries one animation frame. An empty Frame stops the
// spinner.
type AISpinnerPayload struct {
	SessionID string `json:"sessionId"`
	Frame     string `json:"frame"`
}

type TriageNotificationPayload struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exitCode"`
	Summary   string `json:"summary"`
}

type MCPEventPayload struct {
	Kind       string `json:"kind"`
	ClientID   string `json:"clientId,omitempty"`
	ClientName string `json:"clientName,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	Method     string `json:"method,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
	Shell   string `json:"shell,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Sandbox bool   `json:"sandbox,omitempty"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type SessionResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type WindowFocusPayload struct {
	Focused bool `json:"focused"`
}

type SystemPowerPayload struct {
	Suspended bool `json:"suspended"`
}

type AIConfirmResponsePayload struct {
	SessionID string `json:"sessionId"`
	Accept    bool   `json:"accept"`
}
