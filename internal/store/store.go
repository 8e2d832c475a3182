package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoreply/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("rule set was modified concurrently")
)

const dbTimeLayout = "2006-01-02 15:04:05"

type Store struct {
	db *sql.DB
}

type Counts struct {
	Posts    int `json:"posts"`
	Keywords int `json:"keywords"`
	Replies  int `json:"replies"`
	Matched  int `json:"matched"`
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetPost(ctx context.Context, postID string) (model.PostAutomation, error) {
	var p model.PostAutomation
	var en int
	var updated any
	err := s.db.QueryRowContext(ctx, `
		SELECT post_id, enabled, dm_message, button_text, button_url, updated_at
		FROM posts WHERE post_id=?
	`, postID).Scan(&p.PostID, &en, &p.DMMessage, &p.ButtonText, &p.ButtonURL, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PostAutomation{}, ErrNotFound
	}
	if err != nil {
		return model.PostAutomation{}, err
	}
	p.Enabled = en == 1
	p.UpdatedAt = parseDBTime(updated)
	return p, nil
}

func (s *Store) ListPosts(ctx context.Context) ([]model.PostAutomation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, enabled, dm_message, button_text, button_url, updated_at
		FROM posts WHERE post_id<>? ORDER BY post_id
	`, model.GlobalPostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PostAutomation
	for rows.Next() {
		var p model.PostAutomation
		var en int
		var updated any
		if err := rows.Scan(&p.PostID, &en, &p.DMMessage, &p.ButtonText, &p.ButtonURL, &updated); err != nil {
			return nil, err
		}
		p.Enabled = en == 1
		p.UpdatedAt = parseDBTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetEnabled(ctx context.Context, postID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts(post_id, enabled, updated_at) VALUES(?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(post_id) DO UPDATE SET enabled=excluded.enabled, updated_at=CURRENT_TIMESTAMP
	`, postID, boolInt(enabled))
	return err
}

// SetDM stores the private message settings; a newly created post gets the
// given enabled flag.
func (s *Store) SetDM(ctx context.Context, postID string, dm model.DMPayload, enabledIfNew bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts(post_id, enabled, dm_message, button_text, button_url, updated_at)
		VALUES(?,?,?,?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(post_id) DO UPDATE SET
			dm_message=excluded.dm_message,
			button_text=excluded.button_text,
			button_url=excluded.button_url,
			updated_at=CURRENT_TIMESTAMP
	`, postID, boolInt(enabledIfNew), dm.Message, dm.ButtonText, dm.ButtonURL)
	return err
}

// GetRuleSet returns ErrNotFound when the post has never been registered. A
// registered post without keywords yields an empty rule set.
func (s *Store) GetRuleSet(ctx context.Context, postID string) (*model.RuleSet, error) {
	rs := &model.RuleSet{PostID: postID}
	var updated any
	err := s.db.QueryRowContext(ctx, `SELECT version, updated_at FROM posts WHERE post_id=?`, postID).Scan(&rs.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rs.UpdatedAt = parseDBTime(updated)
	rows, err := s.db.QueryContext(ctx, `
		SELECT keyword, responses FROM keyword_rules WHERE post_id=? ORDER BY position, id
	`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		kr, err := scanKeyword(rows)
		if err != nil {
			return nil, err
		}
		rs.Keywords = append(rs.Keywords, kr)
	}
	return rs, rows.Err()
}

// ListRuleSets returns every registered post that has at least one keyword,
// ordered by post id, keywords in insertion order.
func (s *Store) ListRuleSets(ctx context.Context) ([]model.RuleSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.post_id, p.version, p.updated_at, k.keyword, k.responses
		FROM keyword_rules k
		JOIN posts p ON p.post_id = k.post_id
		ORDER BY p.post_id, k.position, k.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RuleSet
	for rows.Next() {
		var postID string
		var version int64
		var updated any
		var keyword, raw string
		if err := rows.Scan(&postID, &version, &updated, &keyword, &raw); err != nil {
			return nil, err
		}
		var responses []string
		if err := json.Unmarshal([]byte(raw), &responses); err != nil {
			return nil, fmt.Errorf("decode responses for %s/%s: %w", postID, keyword, err)
		}
		if len(out) == 0 || out[len(out)-1].PostID != postID {
			out = append(out, model.RuleSet{PostID: postID, Version: version, UpdatedAt: parseDBTime(updated)})
		}
		last := &out[len(out)-1]
		last.Keywords = append(last.Keywords, model.KeywordRule{Keyword: keyword, Responses: responses})
	}
	return out, rows.Err()
}

type UpsertKeywordInput struct {
	PostID    string
	Keyword   string
	Responses []string
	// EnabledIfNew is the automation flag for a post registered by this write.
	EnabledIfNew bool
	// ExpectedVersion, when positive, must equal the stored version.
	ExpectedVersion int64
}

// UpsertKeyword replaces the full response list of a keyword in one
// transaction and returns the new rule set version. New keywords are appended
// after the existing ones; an existing keyword keeps its position.
func (s *Store) UpsertKeyword(ctx context.Context, in UpsertKeywordInput) (int64, error) {
	return s.upsert(ctx, in.PostID, in.EnabledIfNew, in.ExpectedVersion, []model.KeywordRule{
		{Keyword: in.Keyword, Responses: in.Responses},
	})
}

// UpsertKeywords writes rules into postID in slice order within a single
// transaction, bumping the version once. Either every rule is stored or none.
func (s *Store) UpsertKeywords(ctx context.Context, postID string, enabledIfNew bool, rules []model.KeywordRule) (int64, error) {
	return s.upsert(ctx, postID, enabledIfNew, 0, rules)
}

func (s *Store) upsert(ctx context.Context, postID string, enabledIfNew bool, expected int64, rules []model.KeywordRule) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO posts(post_id, enabled) VALUES(?,?)
		ON CONFLICT(post_id) DO NOTHING
	`, postID, boolInt(enabledIfNew)); err != nil {
		return 0, fmt.Errorf("register post: %w", err)
	}
	version, err := bumpVersion(ctx, tx, postID, expected)
	if err != nil {
		return 0, err
	}
	for _, r := range rules {
		if err := upsertKeywordTx(ctx, tx, postID, r); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return version, nil
}

func upsertKeywordTx(ctx context.Context, tx *sql.Tx, postID string, r model.KeywordRule) error {
	raw, err := json.Marshal(r.Responses)
	if err != nil {
		return err
	}
	keyword := strings.TrimSpace(r.Keyword)
	norm := model.NormalizeKeyword(keyword)
	res, err := tx.ExecContext(ctx, `
		UPDATE keyword_rules SET keyword=?, responses=?, updated_at=CURRENT_TIMESTAMP
		WHERE post_id=? AND keyword_norm=?
	`, keyword, string(raw), postID, norm)
	if err != nil {
		return fmt.Errorf("update keyword %q: %w", keyword, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO keyword_rules(post_id, keyword, keyword_norm, responses, position)
		VALUES(?,?,?,?,(SELECT COALESCE(MAX(position), 0) + 1 FROM keyword_rules WHERE post_id=?))
	`, postID, keyword, norm, string(raw), postID); err != nil {
		return fmt.Errorf("insert keyword %q: %w", keyword, err)
	}
	return nil
}

// DeleteKeyword returns ErrNotFound when either the post or the keyword is
// unknown.
func (s *Store) DeleteKeyword(ctx context.Context, postID, keyword string, expectedVersion int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM keyword_rules WHERE post_id=? AND keyword_norm=?`, postID, model.NormalizeKeyword(keyword))
	if err != nil {
		return 0, fmt.Errorf("delete keyword: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	version, err := bumpVersion(ctx, tx, postID, expectedVersion)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return version, nil
}

func bumpVersion(ctx context.Context, tx *sql.Tx, postID string, expected int64) (int64, error) {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM posts WHERE post_id=?`, postID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if expected > 0 && expected != current {
		return 0, fmt.Errorf("%w: expected version %d, have %d", ErrVersionConflict, expected, current)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE posts SET version=version+1, updated_at=CURRENT_TIMESTAMP WHERE post_id=?`, postID); err != nil {
		return 0, fmt.Errorf("bump version: %w", err)
	}
	return current + 1, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings(key, value, updated_at) VALUES(?,?,CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP
	`, key, value)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key, defaultValue string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultValue, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM posts WHERE post_id<>?),
			(SELECT COUNT(*) FROM keyword_rules),
			(SELECT COUNT(*) FROM replies),
			(SELECT COUNT(*) FROM replies WHERE matched=1)
	`, model.GlobalPostID).Scan(&c.Posts, &c.Keywords, &c.Replies, &c.Matched)
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeyword(row rowScanner) (model.KeywordRule, error) {
	var kr model.KeywordRule
	var raw string
	if err := row.Scan(&kr.Keyword, &raw); err != nil {
		return kr, err
	}
	var responses []string
	if err := json.Unmarshal([]byte(raw), &responses); err != nil {
		return kr, fmt.Errorf("decode responses for %q: %w", kr.Keyword, err)
	}
	kr.Responses = responses
	return kr, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		return parseDBTimeString(t)
	case []byte:
		return parseDBTimeString(string(t))
	default:
		return time.Time{}
	}
}

func parseDBTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		dbTimeLayout,
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
