package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"autoreply/internal/model"
)

// LegacyConfig is the flat keyword document the first version of the bot
// kept in config.json. Values are either one response or a list.
type LegacyConfig struct {
	Keywords        LegacyKeywords `json:"keywords"`
	DefaultResponse string         `json:"default_response"`
}

type LegacyKeyword struct {
	Keyword   string
	Responses json.RawMessage
}

// LegacyKeywords keeps the object members in document order, which is the
// order the old bot tried keywords in.
type LegacyKeywords []LegacyKeyword

func (l *LegacyKeywords) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		*l = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	var out LegacyKeywords
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("keywords: unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("keyword %q: %w", key, err)
		}
		out = append(out, LegacyKeyword{Keyword: key, Responses: raw})
	}
	if err := expectDelim(dec, '}'); err != nil {
		return err
	}
	*l = out
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return errors.New("keywords must be a JSON object")
	}
	return nil
}

// ImportLegacy writes the keywords of cfg into postID in document order and
// returns how many were stored. Everything is validated first and written in
// one transaction, so a bad entry leaves the post untouched.
func (s *Service) ImportLegacy(ctx context.Context, postID string, cfg LegacyConfig) (int, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" {
		return 0, validationErr("post_id is required")
	}
	rules := make([]model.KeywordRule, 0, len(cfg.Keywords))
	seen := make(map[string]string, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		keyword := strings.TrimSpace(kw.Keyword)
		responses, err := decodeLegacyResponses(kw.Responses)
		if err != nil {
			return 0, validationErr("keyword %q: %v", kw.Keyword, err)
		}
		if responses, err = validateRule(postID, keyword, responses); err != nil {
			return 0, err
		}
		norm := model.NormalizeKeyword(keyword)
		if prev, dup := seen[norm]; dup {
			return 0, validationErr("keyword %q duplicates %q", keyword, prev)
		}
		seen[norm] = keyword
		rules = append(rules, model.KeywordRule{Keyword: keyword, Responses: responses})
	}
	def := strings.TrimSpace(cfg.DefaultResponse)

	if len(rules) > 0 {
		unlock := s.lock(postID)
		version, err := s.store.UpsertKeywords(ctx, postID, s.opts.DefaultPostEnabled, rules)
		unlock()
		if err != nil {
			return 0, s.mapStoreErr(err, "import rules")
		}
		s.log.Info("legacy rules imported",
			zap.String("post_id", postID),
			zap.Int("keywords", len(rules)),
			zap.Int64("version", version),
		)
	}
	if def != "" {
		if err := s.SetDefaultResponse(ctx, def); err != nil {
			return 0, err
		}
	}
	return len(rules), nil
}

func decodeLegacyResponses(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, errors.New("value must be a string or a list of strings")
	}
	return many, nil
}
