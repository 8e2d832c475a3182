package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// GlobalPostID is the reserved post id holding the fallback rule set.
const GlobalPostID = "global"

// MaxResponses is the largest response list a single keyword may carry.
const MaxResponses = 7

type MatchScope string

const (
	ScopePost   MatchScope = "post"
	ScopeGlobal MatchScope = "global"
)

type KeywordRule struct {
	Keyword   string       `json:"keyword"`
	Responses ResponseList `json:"responses"`
}

// RuleSet is the ordered keyword table of one post. Order is insertion order
// and decides which keyword wins when several match.
type RuleSet struct {
	PostID    string        `json:"post_id"`
	Keywords  []KeywordRule `json:"keywords"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type PostAutomation struct {
	PostID     string    `json:"post_id"`
	Enabled    bool      `json:"enabled"`
	DMMessage  string    `json:"dm_message"`
	ButtonText string    `json:"button_text"`
	ButtonURL  string    `json:"button_url"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DM returns the private message attached to matches, or nil when none is set.
func (p PostAutomation) DM() *DMPayload {
	if strings.TrimSpace(p.DMMessage) == "" {
		return nil
	}
	return &DMPayload{Message: p.DMMessage, ButtonText: p.ButtonText, ButtonURL: p.ButtonURL}
}

type DMPayload struct {
	Message    string `json:"dm_message"`
	ButtonText string `json:"button_text,omitempty"`
	ButtonURL  string `json:"button_url,omitempty"`
}

type MatchResult struct {
	Matched  bool       `json:"matched"`
	Response string     `json:"response"`
	Keyword  string     `json:"keyword,omitempty"`
	Scope    MatchScope `json:"scope,omitempty"`
	DM       *DMPayload `json:"dm,omitempty"`
}

type CommentEvent struct {
	PostID      string `json:"post_id"`
	CommentID   string `json:"comment_id"`
	CommentText string `json:"comment_text"`
}

type ReplyRecord struct {
	ID          int64      `json:"id"`
	CommentID   string     `json:"comment_id"`
	PostID      string     `json:"post_id"`
	CommentText string     `json:"comment_text"`
	Matched     bool       `json:"matched"`
	Keyword     string     `json:"keyword"`
	Response    string     `json:"response"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// NormalizeKeyword is the comparison form of keywords and comment text.
func NormalizeKeyword(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ResponseList decodes from either a JSON array of strings or a single
// comma-separated string, which is what the admin panel form submits.
type ResponseList []string

func (l *ResponseList) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("responses must be a list of strings or a comma-separated string")
	}
	*l = SplitResponses(s)
	return nil
}

// SplitResponses keeps empty parts so "a,,b" fails validation the same way
// ["a","","b"] does. A blank string is an empty list.
func SplitResponses(s string) ResponseList {
	if strings.TrimSpace(s) == "" {
		return ResponseList{}
	}
	parts := strings.Split(s, ",")
	out := make(ResponseList, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}
