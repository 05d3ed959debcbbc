package aicli

import (
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const (
	// DefaultStyle is used for live terminals. Tests use "notty".
	DefaultStyle = "dark"
	defaultWidth = 100
)

// Formatter renders streamed markdown into ANSI text for a terminal. Input
// is buffered until a block boundary (a blank line outside a code fence) so
// each rendered block is complete.
type Formatter struct {
	renderer *glamour.TermRenderer
	pending  strings.Builder
}

// NewFormatter creates a formatter that wraps at width columns.
func NewFormatter(width int, style string) *Formatter {
	if width <= 0 {
		width = defaultWidth
	}
	if style == "" {
		style = DefaultStyle
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		r = nil
	}
	return &Formatter{renderer: r}
}

// Write adds text and returns whatever complete blocks can be rendered.
func (f *Formatter) Write(text string) string {
	f.pending.WriteString(text)
	buf := f.pending.String()

	// pending always starts outside a fence: cuts only happen there.
	inFence := false
	cut := -1
	pos := 0
	for {
		nl := strings.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			break
		}
		trimmed := strings.TrimSpace(buf[pos : pos+nl])
		end := pos + nl + 1
		switch {
		case isFence(trimmed):
			inFence = !inFence
			if !inFence {
				cut = end
			}
		case trimmed == "" && !inFence:
			cut = end
		}
		pos = end
	}
	if cut <= 0 {
		return ""
	}

	block := buf[:cut]
	rest := buf[cut:]
	f.pending.Reset()
	f.pending.WriteString(rest)
	return f.render(block)
}

// Flush renders anything still buffered.
func (f *Formatter) Flush() string {
	block := f.pending.String()
	f.pending.Reset()
	if strings.TrimSpace(block) == "" {
		return ""
	}
	return f.render(block)
}

func (f *Formatter) render(md string) string {
	if strings.TrimSpace(md) == "" {
		return ""
	}
	out := md
	if f.renderer != nil {
		if rendered, err := f.renderer.Render(md); err == nil {
			out = rendered
		}
	}
	out = strings.Trim(out, "\n")
	if out == "" {
		return ""
	}
	return toCRLF(out) + "\r\n"
}

func isFence(line string) bool {
	return strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")
}

// toCRLF converts bare line feeds to CRLF for raw-mode terminals.
func toCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var (
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Header is printed before the first formatted output of an invocation.
func Header(backend string, resumed bool) string {
	mode := "new conversation"
	if resumed {
		mode = "resumed conversation"
	}
	return "\r\n" + headerStyle.Render("● "+backend) + " " + dimStyle.Render(mode) + "\r\n"
}

// Footer reports how long an invocation took.
func Footer(elapsed time.Duration) string {
	return dimStyle.Render("("+elapsed.Round(100*time.Millisecond).String()+")") + "\r\n"
}

// CancelledMarker is printed when an invocation is cancelled.
func CancelledMarker() string {
	return "\r\n" + dimStyle.Render("(cancelled)") + "\r\n"
}

// ErrorLine renders err for display in the terminal.
func ErrorLine(err error) string {
	return "\r\n" + errorStyle.Render("error: "+err.Error()) + "\r\n"
}
