package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:     true,
	TypeSessionInput:      true,
	TypeSessionResize:     true,
	TypeSessionClose:      true,
	TypeWindowFocus:       true,
	TypeSystemPower:       true,
	TypeModePending:       true,
	TypeAIConfirmResponse: true,
	TypeMCPAttach:         true,
	TypeMCPDetach:         true,
}

// payloadless types may omit the payload field.
var payloadless = map[string]bool{
	TypeModePending: true,
	TypeMCPDetach:   true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		if payloadless[msg.Type] {
			return &msg, nil
		}
		return nil, fmt.Errorf("missing 'payload' field")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, invalidPayload(msg.Type, err)
		}
		if p.Cols < 0 || p.Rows < 0 {
			return nil, fmt.Errorf("negative size in %s payload", msg.Type)
		}

	case TypeSessionInput:
		var p SessionInputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, invalidPayload(msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}
		if p.Data == "" {
			return nil, missingField(msg.Type, "data")
		}

	case TypeSessionResize:
		var p SessionResizePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, invalidPayload(msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}
		if p.Cols <= 0 || p.Rows <= 0 {
			return nil, fmt.Errorf("invalid size %dx%d in %s payload", p.Cols, p.Rows, msg.Type)
		}

	case TypeSessionClose, TypeMCPAttach:
		var p SessionIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, invalidPayload(msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}

	case TypeAIConfirmResponse:
		var p AIConfirmResponsePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, invalidPayload(msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, missingField(msg.Type, "sessionId")
		}

	case TypeWindowFocus:
		var p WindowFocusPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, invalidPayload(msg.Type, err)
		}

	case TypeSystemPower:
		var p SystemPowerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, invalidPayload(msg.Type, err)
		}
	}

	return &msg, nil
}

func invalidPayload(msgType string, err error) error {
	return fmt.Errorf("invalid payload for %s: %w", msgType, err)
}

func missingField(msgType, field string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
