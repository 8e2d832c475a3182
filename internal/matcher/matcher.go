package matcher

import (
	"strings"

	"autoreply/internal/model"
)

// Snapshot is the read-only rule state a single match runs against.
type Snapshot struct {
	Post    *model.RuleSet
	Enabled bool
	Global  *model.RuleSet
}

type Matcher struct {
	selector Selector
}

func New(selector Selector) *Matcher {
	if selector == nil {
		selector = FirstSelector{}
	}
	return &Matcher{selector: selector}
}

// Match runs the post rule set first and the global one second. The first
// keyword in insertion order contained in the comment wins; there is no
// longest-match preference.
func (m *Matcher) Match(snap Snapshot, text string) model.MatchResult {
	if !snap.Enabled {
		return model.MatchResult{}
	}
	haystack := normalizeText(text)
	if haystack == "" {
		return model.MatchResult{}
	}
	if kr, ok := FindKeyword(snap.Post, haystack); ok {
		return m.result(snap.Post.PostID, kr, model.ScopePost)
	}
	if kr, ok := FindKeyword(snap.Global, haystack); ok {
		return m.result(snap.Global.PostID, kr, model.ScopeGlobal)
	}
	return model.MatchResult{}
}

func (m *Matcher) result(postID string, kr model.KeywordRule, scope model.MatchScope) model.MatchResult {
	return model.MatchResult{
		Matched:  true,
		Response: m.selector.Pick(postID, model.NormalizeKeyword(kr.Keyword), kr.Responses),
		Keyword:  kr.Keyword,
		Scope:    scope,
	}
}

// FindKeyword expects an already normalized haystack.
func FindKeyword(rs *model.RuleSet, haystack string) (model.KeywordRule, bool) {
	if rs == nil {
		return model.KeywordRule{}, false
	}
	for _, kr := range rs.Keywords {
		kw := model.NormalizeKeyword(kr.Keyword)
		if kw == "" || len(kr.Responses) == 0 {
			continue
		}
		if strings.Contains(haystack, kw) {
			return kr, true
		}
	}
	return model.KeywordRule{}, false
}

func normalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
