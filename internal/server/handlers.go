package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"autoreply/internal/model"
	"autoreply/internal/rules"
)

const maxBatchComments = 100

type ruleSetView struct {
	PostID    string              `json:"post_id"`
	Keywords  map[string][]string `json:"keywords"`
	Order     []string            `json:"order"`
	Version   int64               `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func viewRuleSet(rs model.RuleSet) ruleSetView {
	v := ruleSetView{
		PostID:    rs.PostID,
		Keywords:  make(map[string][]string, len(rs.Keywords)),
		Order:     make([]string, 0, len(rs.Keywords)),
		Version:   rs.Version,
		UpdatedAt: rs.UpdatedAt,
	}
	for _, k := range rs.Keywords {
		v.Keywords[k.Keyword] = append([]string(nil), k.Responses...)
		v.Order = append(v.Order, k.Keyword)
	}
	return v
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, nil)
}

func (a *API) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		PostID          string             `json:"post_id"`
		Keyword         string             `json:"keyword"`
		Responses       model.ResponseList `json:"responses"`
		ExpectedVersion int64              `json:"expected_version"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := a.rules.AddRule(r.Context(), rules.AddRuleInput{
		PostID:          req.PostID,
		Keyword:         req.Keyword,
		Responses:       req.Responses,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		PostID          string `json:"post_id"`
		Keyword         string `json:"keyword"`
		ExpectedVersion int64  `json:"expected_version"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := a.rules.DeleteRule(r.Context(), req.PostID, req.Keyword, req.ExpectedVersion)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"version": version})
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	sets, err := a.rules.ListRules(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	out := make([]ruleSetView, 0, len(sets))
	for _, rs := range sets {
		out = append(out, viewRuleSet(rs))
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (a *API) handleGetRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	postID := strings.TrimPrefix(r.URL.Path, "/api/rules/")
	rs, err := a.rules.GetRules(r.Context(), postID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": viewRuleSet(*rs)})
}

// handleProcessComments accepts a single comment, which is matched without
// side effects, or a batch under "comments", which goes through the
// responder and is recorded in the reply log.
func (a *API) handleProcessComments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		PostID      string               `json:"post_id"`
		CommentText string               `json:"comment_text"`
		Comments    []model.CommentEvent `json:"comments"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Comments != nil {
		if len(req.Comments) == 0 || len(req.Comments) > maxBatchComments {
			respondError(w, http.StatusBadRequest, "comments must hold between 1 and "+strconv.Itoa(maxBatchComments)+" entries")
			return
		}
		results, err := a.responder.Process(r.Context(), req.Comments)
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	res, err := a.rules.Match(r.Context(), req.PostID, req.CommentText)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	payload := map[string]any{"matched": res.Matched, "response": res.Response}
	if res.Matched {
		payload["keyword"] = res.Keyword
		payload["scope"] = res.Scope
	}
	if res.DM != nil {
		payload["dm"] = res.DM
	}
	respondJSON(w, http.StatusOK, payload)
}

func (a *API) handleSetAuto(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		PostID  string `json:"post_id"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := a.rules.SetAuto(r.Context(), req.PostID, *req.Enabled); err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"enabled": *req.Enabled})
}

func (a *API) handleSetDM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req struct {
		PostID     string `json:"post_id"`
		DMMessage  string `json:"dm_message"`
		ButtonText string `json:"button_text"`
		ButtonURL  string `json:"button_url"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := a.rules.SetDM(r.Context(), req.PostID, model.DMPayload{
		Message:    req.DMMessage,
		ButtonText: req.ButtonText,
		ButtonURL:  req.ButtonURL,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (a *API) handleGetPost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	p, err := a.rules.GetPost(r.Context(), strings.TrimPrefix(r.URL.Path, "/api/post/"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"post": p})
}

func (a *API) handleListPosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	posts, err := a.rules.ListPosts(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	if posts == nil {
		posts = []model.PostAutomation{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"posts": posts})
}

func (a *API) handleGetDefaultResponse(w http.ResponseWriter, r *http.Request) {
	resp, err := a.rules.DefaultResponse(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"default_response": resp})
}

func (a *API) handleSetDefaultResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultResponse string `json:"default_response"`
	}
	if err := decodeJSON(r, a.cfg.MaxBodyBytes, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rules.SetDefaultResponse(r.Context(), req.DefaultResponse); err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"default_response": strings.TrimSpace(req.DefaultResponse)})
}

func (a *API) handleReplies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	recs, err := a.store.ListReplies(r.Context(), strings.TrimSpace(q.Get("post_id")), limit)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	if recs == nil {
		recs = []model.ReplyRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"replies": recs})
}

func (a *API) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := a.scheduler.RunNow(ctx); err != nil {
		a.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"maintenance": a.scheduler.Snapshot()})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	counts, err := a.store.Counts(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	payload := map[string]any{
		"counts":           counts,
		"selection_policy": a.cfg.SelectionPolicy,
		"uptime_seconds":   int64(time.Since(a.started).Seconds()),
		"maintenance":      a.scheduler.Snapshot(),
	}
	if a.responder != nil {
		payload["delivery"] = a.responder.Stats()
	}
	if a.hub != nil {
		payload["event_clients"] = a.hub.Clients()
	}
	respondJSON(w, http.StatusOK, payload)
}
