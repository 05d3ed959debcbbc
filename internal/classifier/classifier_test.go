package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// panicModel fails the test if the model tier is reached.
type panicModel struct{ t *testing.T }

func (m panicModel) Predict(context.Context, string) (Scores, error) {
	m.t.Fatalf("model must not be invoked")
	return Scores{}, nil
}

type fixedModel struct {
	scores Scores
	err    error
	calls  int
}

func (m *fixedModel) Predict(context.Context, string) (Scores, error) {
	m.calls++
	return m.scores, m.err
}

func TestClassify_EmptyLine(t *testing.T) {
	c := New(WithModel(panicModel{t}))
	for _, line := range []string{"", "   ", "\t"} {
		r := c.Classify(context.Background(), line)
		assert.Equal(t, Command, r.Kind)
		assert.Equal(t, 1.0, r.Confidence)
		assert.Equal(t, TierEmpty, r.Tier)
	}
}

func TestClassify_DenylistSkipsModel(t *testing.T) {
	c := New(WithModel(panicModel{t}), WithDenylist([]string{"please", "explain"}))
	r := c.Classify(context.Background(), "please tell me what the weather is like today")
	assert.Equal(t, Command, r.Kind)
	assert.Equal(t, TierDenylist, r.Tier)
}

func TestClassify_KnownCommandSkipsModel(t *testing.T) {
	c := New(WithModel(panicModel{t}))
	for _, line := range []string{"ls", "git stauts", "docker ps -a", "cat how do I read this"} {
		r := c.Classify(context.Background(), line)
		assert.Equal(t, Command, r.Kind, line)
		assert.Equal(t, TierKnownCommand, r.Tier, line)
	}
}

func TestClassify_OverrideBeatsDenylist(t *testing.T) {
	c := New(WithModel(panicModel{t}), WithDenylist([]string{"how"}))

	r := c.Classify(context.Background(), "? how do I list files")
	assert.Equal(t, NaturalLanguage, r.Kind)
	assert.Equal(t, TierOverride, r.Tier)
	assert.Equal(t, "how do I list files", r.Text)

	r = c.Classify(context.Background(), "! what is this")
	assert.Equal(t, Command, r.Kind)
	assert.Equal(t, TierOverride, r.Tier)
	assert.Equal(t, "what is this", r.Text)
}

func TestParseOverride_HistoryExpansionUntouched(t *testing.T) {
	ov, rest := ParseOverride("!!")
	assert.Equal(t, NoOverride, ov)
	assert.Equal(t, "!!", rest)

	ov, _ = ParseOverride("!git")
	assert.Equal(t, NoOverride, ov)

	ov, _ = ParseOverride("?")
	assert.Equal(t, NoOverride, ov)
}

func TestClassify_NaturalLanguageQuestion(t *testing.T) {
	c := New()
	r := c.Classify(context.Background(), "how do I list files?")
	assert.Equal(t, NaturalLanguage, r.Kind)
	assert.GreaterOrEqual(t, r.Confidence, 0.7)
	assert.Equal(t, TierModel, r.Tier)
	assert.True(t, c.ShouldInvokeAI(r))
}

func TestClassify_ModelThresholdAndMargin(t *testing.T) {
	tests := []struct {
		name   string
		scores Scores
		want   Kind
	}{
		{"clear natural language", Scores{Command: 0.1, NaturalLanguage: 0.9}, NaturalLanguage},
		{"within margin", Scores{Command: 0.48, NaturalLanguage: 0.52}, Ambiguous},
		{"below threshold", Scores{Command: 0.35, NaturalLanguage: 0.65}, Ambiguous},
		{"command", Scores{Command: 0.8, NaturalLanguage: 0.2}, Command},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fixedModel{scores: tt.scores}
			c := New(WithModel(m))
			r := c.Classify(context.Background(), "frobnicate the widgets")
			assert.Equal(t, tt.want, r.Kind)
			assert.Equal(t, 1, m.calls)
		})
	}
}

func TestClassify_ModelFailureIsAmbiguous(t *testing.T) {
	c := New(WithModel(&fixedModel{err: errors.New("no model")}))
	r := c.Classify(context.Background(), "frobnicate the widgets")
	assert.Equal(t, Ambiguous, r.Kind)
	assert.Zero(t, r.Confidence)
	assert.False(t, c.ShouldInvokeAI(r))
}

func TestReclassify_SkipsFastTrack(t *testing.T) {
	m := &fixedModel{scores: Scores{Command: 0.1, NaturalLanguage: 0.9}}
	c := New(WithModel(m))
	r := c.Reclassify(context.Background(), "make me a sandwich")
	assert.Equal(t, NaturalLanguage, r.Kind)
	assert.Equal(t, 1, m.calls)
}

func TestReclassify_KnownCommandStaysCommand(t *testing.T) {
	c := New()
	r := c.Reclassify(context.Background(), "ls")
	require.Equal(t, TierModel, r.Tier)
	assert.Equal(t, Command, r.Kind)
}

func TestSetDenylist_Replaces(t *testing.T) {
	c := New(WithModel(&fixedModel{scores: Scores{Command: 0.9, NaturalLanguage: 0.1}}))
	c.SetDenylist([]string{"frob"})
	assert.Equal(t, TierDenylist, c.Classify(context.Background(), "frob it").Tier)
	c.SetDenylist(nil)
	assert.Equal(t, TierModel, c.Classify(context.Background(), "frob it").Tier)
}
