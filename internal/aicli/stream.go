package aicli

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"unicode/utf8"
)

// streamEvent is one line of stream-json output.
type streamEvent struct {
	Type    string `json:"type"` // "system", "assistant", "user", "result"
	Subtype string `json:"subtype"`
	Message struct {
		Content []struct {
			Type string `json:"type"` // "text", "tool_use", "tool_result"
			Text string `json:"text,omitempty"`
			Name string `json:"name,omitempty"`
		} `json:"content"`
	} `json:"message"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// readStreamJSON decodes stream-json events from r until EOF.
func readStreamJSON(r io.Reader, cb *Callbacks) {
	br := bufio.NewReaderSize(r, 64*1024)
	var lastID string
	texts := 0
	for {
		line, err := br.ReadString('\n')
		if s := strings.TrimSpace(line); s != "" {
			var ev streamEvent
			if jerr := json.Unmarshal([]byte(s), &ev); jerr != nil || ev.Type == "" {
				cb.data(s + "\n")
			} else {
				if ev.SessionID != "" && ev.SessionID != lastID {
					lastID = ev.SessionID
					cb.sessionID(ev.SessionID)
				}
				switch ev.Type {
				case "assistant":
					for _, c := range ev.Message.Content {
						if c.Type != "text" || c.Text == "" {
							continue
						}
						if texts > 0 {
							cb.data("\n\n")
						}
						cb.data(c.Text)
						texts++
					}
				case "result":
					if ev.IsError && ev.Result != "" {
						cb.err(errors.New(ev.Result))
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// readPlain forwards raw output, never splitting a UTF-8 sequence.
func readPlain(r io.Reader, cb *Callbacks) {
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := len(chunk) - incompleteTail(chunk)
			if cut > 0 {
				cb.data(string(chunk[:cut]))
			}
			carry = append([]byte(nil), chunk[cut:]...)
		}
		if err != nil {
			if len(carry) > 0 {
				cb.data(string(carry))
			}
			return
		}
	}
}

// incompleteTail returns how many trailing bytes of b form the start of a
// multi-byte rune that has not been fully received.
func incompleteTail(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < 0x80 {
			return 0
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}
