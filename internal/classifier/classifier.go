// Package classifier decides whether a completed line of terminal input is a
// shell command or a natural-language request.
//
// Classification runs in tiers, cheapest first: empty line, override prefix,
// denylist, known-command fast-track, and finally the model. The first tier
// that reaches a decision wins.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
)

// Kind is the outcome of classification.
type Kind string

const (
	Command         Kind = "COMMAND"
	NaturalLanguage Kind = "NATURAL_LANGUAGE"
	Ambiguous       Kind = "AMBIGUOUS"
)

// Tier names the stage that produced a Result.
type Tier string

const (
	TierEmpty        Tier = "empty"
	TierOverride     Tier = "override"
	TierDenylist     Tier = "denylist"
	TierKnownCommand Tier = "known-command"
	TierModel        Tier = "model"
)

const (
	DefaultThreshold = 0.7
	DefaultMargin    = 0.1
)

// Result is a single classification decision.
type Result struct {
	Kind       Kind    `json:"classification"`
	Confidence float64 `json:"confidence"`
	Tier       Tier    `json:"tier"`
	Reason     string  `json:"reason"`
	// Text is the line to act on: the input with any override prefix removed.
	Text string `json:"text"`
}

// Override is an explicit user marker at the start of a line.
type Override int

const (
	NoOverride Override = iota
	ForceNaturalLanguage
	ForceCommand
)

// ParseOverride detects an override prefix. A leading "?" forces natural
// language. A leading "! " forces a command; "!word" is shell history
// expansion and is not an override.
func ParseOverride(line string) (Override, string) {
	t := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(t, "?"):
		rest := strings.TrimSpace(t[1:])
		if rest == "" {
			return NoOverride, t
		}
		return ForceNaturalLanguage, rest
	case strings.HasPrefix(t, "! "):
		rest := strings.TrimSpace(t[2:])
		if rest == "" {
			return NoOverride, t
		}
		return ForceCommand, rest
	}
	return NoOverride, t
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithModel replaces the default heuristic model.
func WithModel(m Model) Option {
	return func(c *Classifier) { c.model = m }
}

// WithDenylist sets the initial denylist.
func WithDenylist(words []string) Option {
	return func(c *Classifier) { c.SetDenylist(words) }
}

// WithThreshold sets the natural-language confidence threshold.
func WithThreshold(t float64) Option {
	return func(c *Classifier) { c.threshold = t }
}

// WithKnownCommands adds executables to the fast-track table.
func WithKnownCommands(cmds ...string) Option {
	return func(c *Classifier) {
		for _, cmd := range cmds {
			c.known[cmd] = true
		}
	}
}

// WithLogger sets the logger used for model failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.log = l }
}

// Classifier is safe for concurrent use.
type Classifier struct {
	model     Model
	known     map[string]bool
	threshold float64
	margin    float64
	log       *slog.Logger

	mu       sync.RWMutex
	denylist map[string]bool
}

// New creates a classifier with the built-in known-command table and the
// heuristic model.
func New(opts ...Option) *Classifier {
	c := &Classifier{
		known:     make(map[string]bool, len(knownCommands)),
		threshold: DefaultThreshold,
		margin:    DefaultMargin,
		log:       slog.Default(),
		denylist:  map[string]bool{},
	}
	for _, k := range knownCommands {
		c.known[k] = true
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.model == nil {
		c.model = NewHeuristicModel(knownCommands)
	}
	return c
}

// Threshold is the confidence at or above which a natural-language result
// is acted on.
func (c *Classifier) Threshold() float64 { return c.threshold }

// SetDenylist replaces the denylist. Entries are matched against the first
// word of the line.
func (c *Classifier) SetDenylist(words []string) {
	dl := make(map[string]bool, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			dl[w] = true
		}
	}
	c.mu.Lock()
	c.denylist = dl
	c.mu.Unlock()
}

// IsKnownCommand reports whether word is in the fast-track table.
func (c *Classifier) IsKnownCommand(word string) bool {
	return c.known[word]
}

// Quick runs every tier except the model. The second return value is false
// when only the model can decide.
func (c *Classifier) Quick(line string) (Result, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Result{Kind: Command, Confidence: 1, Tier: TierEmpty, Reason: "empty line"}, true
	}

	switch ov, rest := ParseOverride(trimmed); ov {
	case ForceNaturalLanguage:
		return Result{Kind: NaturalLanguage, Confidence: 1, Tier: TierOverride, Reason: "forced natural language", Text: rest}, true
	case ForceCommand:
		return Result{Kind: Command, Confidence: 1, Tier: TierOverride, Reason: "forced command", Text: rest}, true
	}

	first := firstWord(trimmed)
	c.mu.RLock()
	denied := c.denylist[first]
	c.mu.RUnlock()
	if denied {
		return Result{Kind: Command, Confidence: 1, Tier: TierDenylist, Reason: fmt.Sprintf("%q is denylisted", first), Text: trimmed}, true
	}

	if c.known[first] {
		return Result{Kind: Command, Confidence: 1, Tier: TierKnownCommand, Reason: fmt.Sprintf("%q is a known command", first), Text: trimmed}, true
	}
	return Result{}, false
}

// Classify runs the full tier pipeline. It never fails: a model error
// yields an AMBIGUOUS result with zero confidence.
func (c *Classifier) Classify(ctx context.Context, line string) Result {
	if r, ok := c.Quick(line); ok {
		return r
	}
	return c.modelResult(ctx, strings.TrimSpace(line))
}

// Reclassify asks the model about a line that was fast-tracked. The empty
// and override tiers still apply; the denylist and known-command tiers do
// not, since those are what made the original decision.
func (c *Classifier) Reclassify(ctx context.Context, line string) Result {
	if r, ok := c.Quick(line); ok && (r.Tier == TierEmpty || r.Tier == TierOverride) {
		return r
	}
	return c.modelResult(ctx, strings.TrimSpace(line))
}

func (c *Classifier) modelResult(ctx context.Context, text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug("classifier model panicked", "error", r)
			res = Result{Kind: Ambiguous, Tier: TierModel, Reason: "model unavailable", Text: text}
		}
	}()

	scores, err := c.model.Predict(ctx, text)
	if err != nil {
		c.log.Debug("classifier model failed", "error", err)
		return Result{Kind: Ambiguous, Tier: TierModel, Reason: "model unavailable", Text: text}
	}
	return c.decide(scores, text)
}

func (c *Classifier) decide(s Scores, text string) Result {
	res := Result{Tier: TierModel, Text: text}
	switch {
	case math.Abs(s.NaturalLanguage-s.Command) < c.margin:
		res.Kind = Ambiguous
		res.Confidence = math.Max(s.NaturalLanguage, s.Command)
		res.Reason = "scores within margin"
	case s.NaturalLanguage >= c.threshold && s.NaturalLanguage > s.Command:
		res.Kind = NaturalLanguage
		res.Confidence = s.NaturalLanguage
		res.Reason = "model: natural language"
	case s.NaturalLanguage > s.Command:
		res.Kind = Ambiguous
		res.Confidence = s.NaturalLanguage
		res.Reason = "natural language below threshold"
	default:
		res.Kind = Command
		res.Confidence = s.Command
		res.Reason = "model: command"
	}
	return res
}

// ShouldInvokeAI reports whether r is a natural-language decision strong
// enough to route the line to the AI backend.
func (c *Classifier) ShouldInvokeAI(r Result) bool {
	return r.Kind == NaturalLanguage && r.Confidence >= c.threshold
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
