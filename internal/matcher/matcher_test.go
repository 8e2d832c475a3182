package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoreply/internal/model"
)

func ruleSet(postID string, kws ...model.KeywordRule) *model.RuleSet {
	return &model.RuleSet{PostID: postID, Keywords: kws}
}

func kw(k string, responses ...string) model.KeywordRule {
	return model.KeywordRule{Keyword: k, Responses: responses}
}

func TestMatchCaseInsensitive(t *testing.T) {
	m := New(FirstSelector{})
	snap := Snapshot{Enabled: true, Post: ruleSet("p1", kw("Hola", "hola!"))}

	res := m.Match(snap, "  HOLA amigo ")
	assert.True(t, res.Matched)
	assert.Equal(t, "hola!", res.Response)
	assert.Equal(t, "Hola", res.Keyword)
	assert.Equal(t, model.ScopePost, res.Scope)
}

func TestMatchFirstKeywordWins(t *testing.T) {
	m := New(FirstSelector{})
	snap := Snapshot{Enabled: true, Post: ruleSet("p1",
		kw("hola", "short"),
		kw("hola amigo", "long"),
	)}

	res := m.Match(snap, "hola amigo")
	require.True(t, res.Matched)
	assert.Equal(t, "hola", res.Keyword)
	assert.Equal(t, "short", res.Response)
}

func TestMatchDisabledPost(t *testing.T) {
	m := New(FirstSelector{})
	snap := Snapshot{
		Enabled: false,
		Post:    ruleSet("p1", kw("precio", "10 dolares")),
		Global:  ruleSet(model.GlobalPostID, kw("precio", "global")),
	}

	res := m.Match(snap, "cual es el precio?")
	assert.False(t, res.Matched)
	assert.Empty(t, res.Response)
}

func TestMatchGlobalFallback(t *testing.T) {
	m := New(FirstSelector{})
	snap := Snapshot{
		Enabled: true,
		Post:    ruleSet("p1", kw("precio", "10 dolares")),
		Global:  ruleSet(model.GlobalPostID, kw("envio", "enviamos a todo el pais")),
	}

	res := m.Match(snap, "hacen ENVIO?")
	require.True(t, res.Matched)
	assert.Equal(t, "enviamos a todo el pais", res.Response)
	assert.Equal(t, model.ScopeGlobal, res.Scope)

	res = m.Match(snap, "el precio y el envio")
	assert.Equal(t, model.ScopePost, res.Scope)
}

func TestMatchNoMatch(t *testing.T) {
	m := New(nil)
	snap := Snapshot{Enabled: true, Post: ruleSet("p1", kw("precio", "10"))}

	res := m.Match(snap, "que lindo")
	assert.Equal(t, model.MatchResult{}, res)

	res = m.Match(Snapshot{Enabled: true}, "anything")
	assert.False(t, res.Matched)
}

func TestMatchSkipsBlankKeywords(t *testing.T) {
	m := New(FirstSelector{})
	snap := Snapshot{Enabled: true, Post: ruleSet("p1", kw("   ", "never"), kw("ok", "yes"))}

	res := m.Match(snap, "ok then")
	assert.Equal(t, "yes", res.Response)
}

func TestMatchDeterministicVerdict(t *testing.T) {
	snap := Snapshot{Enabled: true, Post: ruleSet("p1", kw("info", "a", "b", "c"))}
	a := New(NewRandomSelector(42))
	b := New(NewRandomSelector(42))
	for i := 0; i < 20; i++ {
		ra := a.Match(snap, "more info please")
		rb := b.Match(snap, "more info please")
		assert.True(t, ra.Matched)
		assert.Equal(t, ra, rb)
	}
}
