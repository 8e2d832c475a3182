package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoreply/internal/model"
)

// InsertReply records a processed comment. When the comment id was already
// recorded nothing is written and inserted is false.
func (s *Store) InsertReply(ctx context.Context, rec model.ReplyRecord) (id int64, inserted bool, err error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var commentID any
	if c := strings.TrimSpace(rec.CommentID); c != "" {
		commentID = c
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO replies(comment_id, post_id, comment_text, matched, keyword, response, created_at)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(comment_id) DO NOTHING
	`, commentID, rec.PostID, rec.CommentText, boolInt(rec.Matched), rec.Keyword, rec.Response, formatDBTime(created))
	if err != nil {
		return 0, false, fmt.Errorf("insert reply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err = res.LastInsertId()
	return id, true, err
}

func (s *Store) HasReply(ctx context.Context, commentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM replies WHERE comment_id=?`, commentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE replies SET delivered_at=? WHERE id=?`, formatDBTime(time.Now()), id)
	return err
}

// ListReplies returns the most recent replies first. An empty postID lists
// all posts.
func (s *Store) ListReplies(ctx context.Context, postID string, limit int) ([]model.ReplyRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, COALESCE(comment_id, ''), post_id, comment_text, matched, keyword, response, created_at, delivered_at FROM replies`
	args := []any{}
	if postID != "" {
		query += ` WHERE post_id=?`
		args = append(args, postID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ReplyRecord
	for rows.Next() {
		var r model.ReplyRecord
		var matched int
		var created, delivered any
		if err := rows.Scan(&r.ID, &r.CommentID, &r.PostID, &r.CommentText, &matched, &r.Keyword, &r.Response, &created, &delivered); err != nil {
			return nil, err
		}
		r.Matched = matched == 1
		r.CreatedAt = parseDBTime(created)
		if delivered != nil {
			t := parseDBTime(delivered)
			r.DeliveredAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRepliesOlderThan removes reply log rows created more than
// olderThanDays ago.
func (s *Store) DeleteRepliesOlderThan(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM replies WHERE created_at < datetime('now', ?)
	`, fmt.Sprintf("-%d days", olderThanDays))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
