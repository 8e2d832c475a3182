package rules

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"autoreply/internal/matcher"
	"autoreply/internal/model"
	"autoreply/internal/store"
)

const (
	settingDefaultResponse = "default_response"
	lockStripes            = 64
)

type Options struct {
	// DefaultPostEnabled is the automation flag given to posts first seen
	// through a rule or DM write.
	DefaultPostEnabled bool
	DefaultResponse    string
}

// Service owns rule validation and serializes writes per post.
type Service struct {
	store   *store.Store
	matcher *matcher.Matcher
	opts    Options
	log     *zap.Logger
	locks   [lockStripes]sync.Mutex
}

func New(st *store.Store, m *matcher.Matcher, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, matcher: m, opts: opts, log: log}
}

func (s *Service) lock(postID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(postID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

type AddRuleInput struct {
	PostID          string
	Keyword         string
	Responses       []string
	ExpectedVersion int64
}

// AddRule upserts the keyword of a post with a full replacement of its
// response list and returns the new rule set version.
func (s *Service) AddRule(ctx context.Context, in AddRuleInput) (int64, error) {
	postID := strings.TrimSpace(in.PostID)
	keyword := strings.TrimSpace(in.Keyword)
	responses, err := validateRule(postID, keyword, in.Responses)
	if err != nil {
		return 0, err
	}

	defer s.lock(postID)()
	version, err := s.store.UpsertKeyword(ctx, store.UpsertKeywordInput{
		PostID:          postID,
		Keyword:         keyword,
		Responses:       responses,
		EnabledIfNew:    s.opts.DefaultPostEnabled,
		ExpectedVersion: in.ExpectedVersion,
	})
	if err != nil {
		return 0, s.mapStoreErr(err, "add rule")
	}
	s.log.Info("rule saved",
		zap.String("post_id", postID),
		zap.String("keyword", keyword),
		zap.Int("responses", len(responses)),
		zap.Int64("version", version),
	)
	return version, nil
}

func (s *Service) DeleteRule(ctx context.Context, postID, keyword string, expectedVersion int64) (int64, error) {
	postID = strings.TrimSpace(postID)
	keyword = strings.TrimSpace(keyword)
	if postID == "" {
		return 0, validationErr("post_id is required")
	}
	if keyword == "" {
		return 0, validationErr("keyword is required")
	}

	defer s.lock(postID)()
	version, err := s.store.DeleteKeyword(ctx, postID, keyword, expectedVersion)
	if errors.Is(err, store.ErrNotFound) {
		return 0, notFoundErr("no rule for keyword %q on post %q", keyword, postID)
	}
	if err != nil {
		return 0, s.mapStoreErr(err, "delete rule")
	}
	s.log.Info("rule deleted", zap.String("post_id", postID), zap.String("keyword", keyword), zap.Int64("version", version))
	return version, nil
}

// ListRules returns the post rule sets ordered by post id followed by the
// global rule set, if any.
func (s *Service) ListRules(ctx context.Context) ([]model.RuleSet, error) {
	sets, err := s.store.ListRuleSets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	out := make([]model.RuleSet, 0, len(sets))
	var global *model.RuleSet
	for i := range sets {
		if sets[i].PostID == model.GlobalPostID {
			global = &sets[i]
			continue
		}
		out = append(out, sets[i])
	}
	if global != nil {
		out = append(out, *global)
	}
	return out, nil
}

func (s *Service) GetRules(ctx context.Context, postID string) (*model.RuleSet, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return nil, validationErr("post_id is required")
	}
	rs, err := s.store.GetRuleSet(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		if postID == model.GlobalPostID {
			return &model.RuleSet{PostID: postID}, nil
		}
		return nil, notFoundErr("unknown post_id %q", postID)
	}
	if err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}
	return rs, nil
}

func (s *Service) GetPost(ctx context.Context, postID string) (model.PostAutomation, error) {
	postID = strings.TrimSpace(postID)
	p, err := s.store.GetPost(ctx, postID)
	if errors.Is(err, store.ErrNotFound) {
		return model.PostAutomation{}, notFoundErr("unknown post_id %q", postID)
	}
	if err != nil {
		return model.PostAutomation{}, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

func (s *Service) ListPosts(ctx context.Context) ([]model.PostAutomation, error) {
	return s.store.ListPosts(ctx)
}

func (s *Service) SetAuto(ctx context.Context, postID string, enabled bool) error {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return validationErr("post_id is required")
	}
	if postID == model.GlobalPostID {
		return validationErr("automation cannot be toggled on the global rule set")
	}
	defer s.lock(postID)()
	if err := s.store.SetEnabled(ctx, postID, enabled); err != nil {
		return fmt.Errorf("set auto: %w", err)
	}
	s.log.Info("automation toggled", zap.String("post_id", postID), zap.Bool("enabled", enabled))
	return nil
}

func (s *Service) SetDM(ctx context.Context, postID string, dm model.DMPayload) error {
	postID = strings.TrimSpace(postID)
	dm = model.DMPayload{
		Message:    strings.TrimSpace(dm.Message),
		ButtonText: strings.TrimSpace(dm.ButtonText),
		ButtonURL:  strings.TrimSpace(dm.ButtonURL),
	}
	if postID == "" {
		return validationErr("post_id is required")
	}
	if postID == model.GlobalPostID {
		return validationErr("a DM cannot be attached to the global rule set")
	}
	if (dm.ButtonText == "") != (dm.ButtonURL == "") {
		return validationErr("button_text and button_url must be set together")
	}
	if dm.ButtonURL != "" {
		u, err := url.Parse(dm.ButtonURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return validationErr("button_url must be an absolute http(s) URL")
		}
	}
	if dm.Message == "" && dm.ButtonURL != "" {
		return validationErr("dm_message is required when a button is set")
	}
	defer s.lock(postID)()
	if err := s.store.SetDM(ctx, postID, dm, s.opts.DefaultPostEnabled); err != nil {
		return fmt.Errorf("set dm: %w", err)
	}
	s.log.Info("dm settings saved", zap.String("post_id", postID), zap.Bool("has_button", dm.ButtonURL != ""))
	return nil
}

// Match evaluates a comment against the rules of postID with global
// fallback. An unmatched comment is a normal result, not an error.
func (s *Service) Match(ctx context.Context, postID, text string) (model.MatchResult, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return model.MatchResult{}, validationErr("post_id is required")
	}
	if strings.TrimSpace(text) == "" {
		return model.MatchResult{}, validationErr("comment_text is required")
	}

	snap := matcher.Snapshot{Enabled: true}
	var post model.PostAutomation
	if postID != model.GlobalPostID {
		var err error
		post, err = s.GetPost(ctx, postID)
		if err != nil {
			return model.MatchResult{}, err
		}
		snap.Enabled = post.Enabled
		if snap.Post, err = s.store.GetRuleSet(ctx, postID); err != nil {
			return model.MatchResult{}, fmt.Errorf("load post rules: %w", err)
		}
	}
	global, err := s.store.GetRuleSet(ctx, model.GlobalPostID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return model.MatchResult{}, fmt.Errorf("load global rules: %w", err)
	}
	snap.Global = global

	res := s.matcher.Match(snap, text)
	if res.Matched {
		res.DM = post.DM()
	}
	s.log.Debug("comment matched",
		zap.String("post_id", postID),
		zap.Bool("enabled", snap.Enabled),
		zap.Bool("matched", res.Matched),
		zap.String("keyword", res.Keyword),
	)
	return res, nil
}

func (s *Service) DefaultResponse(ctx context.Context) (string, error) {
	return s.store.GetSetting(ctx, settingDefaultResponse, s.opts.DefaultResponse)
}

func (s *Service) SetDefaultResponse(ctx context.Context, response string) error {
	response = strings.TrimSpace(response)
	if response == "" {
		return validationErr("default response must not be empty")
	}
	return s.store.SetSetting(ctx, settingDefaultResponse, response)
}

func validateRule(postID, keyword string, responses []string) ([]string, error) {
	if postID == "" {
		return nil, validationErr("post_id is required")
	}
	if keyword == "" {
		return nil, validationErr("keyword is required")
	}
	if len(responses) == 0 {
		return nil, validationErr("at least one response is required")
	}
	if len(responses) > model.MaxResponses {
		return nil, validationErr("at most %d responses per keyword, got %d", model.MaxResponses, len(responses))
	}
	out := make([]string, 0, len(responses))
	for i, r := range responses {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, validationErr("response %d is empty", i+1)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Service) mapStoreErr(err error, op string) error {
	if errors.Is(err, store.ErrVersionConflict) {
		s.log.Warn("rule write conflict", zap.String("op", op), zap.Error(err))
		return conflictErr(err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return notFoundErr("%s: post not found", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
