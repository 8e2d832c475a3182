package rules

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"autoreply/internal/db"
	"autoreply/internal/matcher"
	"autoreply/internal/model"
	"autoreply/internal/store"
)

func newTestService(t *testing.T, sel matcher.Selector) *Service {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return New(store.New(database), matcher.New(sel), Options{
		DefaultPostEnabled: true,
		DefaultResponse:    "¡Gracias por tu comentario!",
	}, zap.NewNop())
}

func TestAddRuleResponseLimit(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, matcher.FirstSelector{})

	eight := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	_, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "precio", Responses: eight})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	// rejected write leaves nothing behind, not even the post
	_, err = svc.GetRules(ctx, "p1")
	assert.True(t, IsNotFound(err))

	for n := 1; n <= model.MaxResponses; n++ {
		_, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "precio", Responses: eight[:n]})
		require.NoError(t, err, "n=%d", n)
	}
	rs, err := svc.GetRules(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rs.Keywords, 1)
	assert.Len(t, rs.Keywords[0].Responses, model.MaxResponses)
}

func TestAddRuleValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	cases := map[string]AddRuleInput{
		"missing post":    {Keyword: "a", Responses: []string{"x"}},
		"missing keyword": {PostID: "p1", Keyword: "  ", Responses: []string{"x"}},
		"no responses":    {PostID: "p1", Keyword: "a"},
		"blank response":  {PostID: "p1", Keyword: "a", Responses: []string{"x", " "}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.AddRule(ctx, in)
			assert.True(t, IsValidation(err), "got %v", err)
		})
	}
}

func TestRoundTripListRules(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "precio", Responses: []string{"10 dolares"}})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, AddRuleInput{PostID: model.GlobalPostID, Keyword: "hola", Responses: []string{"hi"}})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, AddRuleInput{PostID: "a0", Keyword: "x", Responses: []string{"y"}})
	require.NoError(t, err)

	sets, err := svc.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, sets, 3)
	assert.Equal(t, "a0", sets[0].PostID)
	assert.Equal(t, "p1", sets[1].PostID)
	assert.Equal(t, model.GlobalPostID, sets[2].PostID, "global rules are listed last")
	assert.Equal(t, []model.KeywordRule{{Keyword: "precio", Responses: model.ResponseList{"10 dolares"}}}, sets[1].Keywords)
}

func TestMatchScenarios(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, matcher.FirstSelector{})

	_, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "Hola", Responses: []string{"hola!"}})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "hola amigo", Responses: []string{"long"}})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, AddRuleInput{PostID: model.GlobalPostID, Keyword: "envio", Responses: []string{"enviamos"}})
	require.NoError(t, err)

	res, err := svc.Match(ctx, "p1", "hola amigo")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "Hola", res.Keyword)
	assert.Equal(t, "hola!", res.Response)

	res, err = svc.Match(ctx, "p1", "hacen envio?")
	require.NoError(t, err)
	assert.Equal(t, "enviamos", res.Response)
	assert.Equal(t, model.ScopeGlobal, res.Scope)

	res, err = svc.Match(ctx, "p1", "nada que ver")
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Empty(t, res.Response)

	require.NoError(t, svc.SetAuto(ctx, "p1", false))
	res, err = svc.Match(ctx, "p1", "hola amigo")
	require.NoError(t, err)
	assert.False(t, res.Matched)

	_, err = svc.Match(ctx, "unknown", "hola")
	assert.True(t, IsNotFound(err))

	_, err = svc.Match(ctx, "p1", "   ")
	assert.True(t, IsValidation(err))

	res, err = svc.Match(ctx, model.GlobalPostID, "envio")
	require.NoError(t, err)
	assert.True(t, res.Matched)
}

func TestMatchAttachesDM(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "link", Responses: []string{"te escribimos por DM"}})
	require.NoError(t, err)
	require.NoError(t, svc.SetDM(ctx, "p1", model.DMPayload{Message: "aqui esta", ButtonText: "Abrir", ButtonURL: "https://shop.example.com"}))

	res, err := svc.Match(ctx, "p1", "pasame el link")
	require.NoError(t, err)
	require.NotNil(t, res.DM)
	assert.Equal(t, "aqui esta", res.DM.Message)

	res, err = svc.Match(ctx, "p1", "otra cosa")
	require.NoError(t, err)
	assert.Nil(t, res.DM)
}

func TestSetDMValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	err := svc.SetDM(ctx, "p1", model.DMPayload{Message: "m", ButtonText: "x"})
	assert.True(t, IsValidation(err))
	err = svc.SetDM(ctx, "p1", model.DMPayload{Message: "m", ButtonText: "x", ButtonURL: "ftp://a"})
	assert.True(t, IsValidation(err))
	err = svc.SetDM(ctx, model.GlobalPostID, model.DMPayload{Message: "m"})
	assert.True(t, IsValidation(err))
	assert.NoError(t, svc.SetDM(ctx, "p1", model.DMPayload{Message: "just text"}))

	p, err := svc.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Enabled)
}

func TestDeleteRule(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.DeleteRule(ctx, "p1", "precio", 0)
	assert.True(t, IsNotFound(err))

	_, err = svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "precio", Responses: []string{"10"}})
	require.NoError(t, err)
	_, err = svc.DeleteRule(ctx, "p1", "PRECIO", 0)
	require.NoError(t, err)

	res, err := svc.Match(ctx, "p1", "precio?")
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestConflictDetection(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	v, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "a", Responses: []string{"x"}})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "b", Responses: []string{"x"}, ExpectedVersion: v})
	require.NoError(t, err)
	_, err = svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "c", Responses: []string{"x"}, ExpectedVersion: v})
	assert.True(t, IsConflict(err))
}

func TestConcurrentWritesNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	var wg sync.WaitGroup
	keywords := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, k := range keywords {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: k, Responses: []string{k}})
			assert.NoError(t, err)
		}(k)
	}
	wg.Wait()

	rs, err := svc.GetRules(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, rs.Keywords, len(keywords))
	assert.Equal(t, int64(len(keywords)), rs.Version)
}

func TestDefaultResponse(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	got, err := svc.DefaultResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "¡Gracias por tu comentario!", got)

	assert.True(t, IsValidation(svc.SetDefaultResponse(ctx, " ")))
	require.NoError(t, svc.SetDefaultResponse(ctx, "gracias!"))
	got, err = svc.DefaultResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gracias!", got)
}

func TestImportLegacy(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, matcher.FirstSelector{})

	var cfg LegacyConfig
	require.NoError(t, json.Unmarshal([]byte(`{
		"keywords": {"precio": "Te enviamos el precio, gracias!", "info": ["a", "b"]},
		"default_response": "Gracias!"
	}`), &cfg))

	n, err := svc.ImportLegacy(ctx, model.GlobalPostID, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rs, err := svc.GetRules(ctx, model.GlobalPostID)
	require.NoError(t, err)
	require.Len(t, rs.Keywords, 2)
	assert.Equal(t, "precio", rs.Keywords[0].Keyword, "document order, not sorted")
	assert.Equal(t, model.ResponseList{"Te enviamos el precio, gracias!"}, rs.Keywords[0].Responses)
	assert.Equal(t, "info", rs.Keywords[1].Keyword)

	def, err := svc.DefaultResponse(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Gracias!", def)

	var bad LegacyConfig
	require.NoError(t, json.Unmarshal([]byte(`{"keywords": {"ok": "fine", "bad": 3}}`), &bad))
	_, err = svc.ImportLegacy(ctx, "p9", bad)
	assert.True(t, IsValidation(err))
	_, err = svc.GetRules(ctx, "p9")
	assert.True(t, IsNotFound(err), "failed import must not write")
}

func TestImportLegacyFirstKeywordWins(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, matcher.FirstSelector{})

	var cfg LegacyConfig
	require.NoError(t, json.Unmarshal([]byte(`{"keywords": {"precio": "P", "envio": "E"}}`), &cfg))
	_, err := svc.ImportLegacy(ctx, model.GlobalPostID, cfg)
	require.NoError(t, err)

	res, err := svc.Match(ctx, model.GlobalPostID, "precio y envio?")
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "precio", res.Keyword)
	assert.Equal(t, "P", res.Response)
}

func TestImportLegacyCaseDuplicates(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, matcher.FirstSelector{})

	var cfg LegacyConfig
	require.NoError(t, json.Unmarshal([]byte(`{"keywords": {"Hola": "a", "hola": "b"}}`), &cfg))
	n, err := svc.ImportLegacy(ctx, "p1", cfg)
	assert.True(t, IsValidation(err))
	assert.Zero(t, n)
	_, err = svc.GetRules(ctx, "p1")
	assert.True(t, IsNotFound(err))

	// re-importing onto existing keywords counts the rules that were written
	_, err = svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "HOLA", Responses: []string{"old"}})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(`{"keywords": {"hola": "new", "chau": "bye"}}`), &cfg))
	n, err = svc.ImportLegacy(ctx, "p1", cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rs, err := svc.GetRules(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, rs.Keywords, 2)
	assert.Equal(t, "hola", rs.Keywords[0].Keyword)
	assert.Equal(t, model.ResponseList{"new"}, rs.Keywords[0].Responses)
	assert.Equal(t, "chau", rs.Keywords[1].Keyword)
}

func TestLegacyKeywordsUnmarshal(t *testing.T) {
	var kws LegacyKeywords
	require.NoError(t, json.Unmarshal([]byte(`{"z": "1", "a": ["2", "3"], "m": "4"}`), &kws))
	require.Len(t, kws, 3)
	assert.Equal(t, []string{"z", "a", "m"}, []string{kws[0].Keyword, kws[1].Keyword, kws[2].Keyword})
	assert.JSONEq(t, `["2","3"]`, string(kws[1].Responses))

	require.NoError(t, json.Unmarshal([]byte(`null`), &kws))
	assert.Empty(t, kws)
	assert.Error(t, json.Unmarshal([]byte(`["precio"]`), &kws))
}

func TestAddRuleCommaEmptyPart(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, matcher.FirstSelector{})

	for _, responses := range []model.ResponseList{model.SplitResponses("a,,b"), {"a", "", "b"}} {
		_, err := svc.AddRule(ctx, AddRuleInput{PostID: "p1", Keyword: "k", Responses: responses})
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.Contains(t, err.Error(), "response 2 is empty")
	}
}
