package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"autoreply/internal/model"
	"autoreply/internal/rules"
)

const EventCommentProcessed = "comment_processed"

type Status string

const (
	StatusReplied Status = "replied"
	StatusIgnored Status = "ignored"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "error"
)

// RuleMatcher is the part of the rule service the responder needs.
type RuleMatcher interface {
	Match(ctx context.Context, postID, text string) (model.MatchResult, error)
	GetPost(ctx context.Context, postID string) (model.PostAutomation, error)
	DefaultResponse(ctx context.Context) (string, error)
}

type ReplyLog interface {
	HasReply(ctx context.Context, commentID string) (bool, error)
	InsertReply(ctx context.Context, rec model.ReplyRecord) (int64, bool, error)
	MarkDelivered(ctx context.Context, id int64) error
}

type Publisher interface {
	Publish(eventType string, data any)
}

type Options struct {
	// ReplyWithDefault answers unmatched comments on enabled posts with the
	// default response.
	ReplyWithDefault bool
	WebhookURL       string
	Interval         time.Duration
	QueueSize        int
	MaxAttempts      int
	RetryBackoff     time.Duration
}

// Outcome is the per-comment result of a batch.
type Outcome struct {
	CommentID string           `json:"comment_id,omitempty"`
	PostID    string           `json:"post_id"`
	Status    Status           `json:"status"`
	Matched   bool             `json:"matched"`
	Response  string           `json:"response,omitempty"`
	Keyword   string           `json:"keyword,omitempty"`
	Scope     model.MatchScope `json:"scope,omitempty"`
	DM        *model.DMPayload `json:"dm,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type Stats struct {
	Queued    int    `json:"queued"`
	Delivered int64  `json:"delivered"`
	Failed    int64  `json:"failed"`
	Dropped   int64  `json:"dropped"`
	LastError string `json:"last_error,omitempty"`
}

type Service struct {
	rules   RuleMatcher
	replies ReplyLog
	pub     Publisher
	opts    Options
	log     *zap.Logger
	deliver *deliverer

	mu    sync.Mutex
	stats Stats
}

func New(rm RuleMatcher, replies ReplyLog, pub Publisher, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	s := &Service{rules: rm, replies: replies, pub: pub, opts: opts, log: log}
	if strings.TrimSpace(opts.WebhookURL) != "" {
		s.deliver = newDeliverer(s, opts)
	}
	return s
}

// Process handles a batch in order. Per-comment problems (bad input,
// unknown post) end up in the outcome; only storage failures abort the batch.
func (s *Service) Process(ctx context.Context, events []model.CommentEvent) ([]Outcome, error) {
	out := make([]Outcome, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		o, err := s.processOne(ctx, ev)
		if err != nil {
			return out, fmt.Errorf("process comment %q: %w", ev.CommentID, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Service) processOne(ctx context.Context, ev model.CommentEvent) (Outcome, error) {
	ev.PostID = strings.TrimSpace(ev.PostID)
	ev.CommentID = strings.TrimSpace(ev.CommentID)
	o := Outcome{CommentID: ev.CommentID, PostID: ev.PostID}

	if ev.CommentID != "" {
		seen, err := s.replies.HasReply(ctx, ev.CommentID)
		if err != nil {
			return o, err
		}
		if seen {
			o.Status = StatusSkipped
			return o, nil
		}
	}

	res, err := s.rules.Match(ctx, ev.PostID, ev.CommentText)
	if rules.IsValidation(err) || rules.IsNotFound(err) {
		o.Status = StatusFailed
		o.Error = err.Error()
		return o, nil
	}
	if err != nil {
		return o, err
	}
	o.Matched = res.Matched
	o.Response = res.Response
	o.Keyword = res.Keyword
	o.Scope = res.Scope
	o.DM = res.DM

	if !res.Matched && s.opts.ReplyWithDefault {
		enabled, err := s.postEnabled(ctx, ev.PostID)
		if err != nil {
			return o, err
		}
		if enabled {
			if o.Response, err = s.rules.DefaultResponse(ctx); err != nil {
				return o, err
			}
		}
	}
	if o.Response != "" {
		o.Status = StatusReplied
	} else {
		o.Status = StatusIgnored
	}

	id, inserted, err := s.replies.InsertReply(ctx, model.ReplyRecord{
		CommentID:   ev.CommentID,
		PostID:      ev.PostID,
		CommentText: ev.CommentText,
		Matched:     o.Matched,
		Keyword:     o.Keyword,
		Response:    o.Response,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return o, err
	}
	if !inserted {
		// another batch recorded the same comment first
		return Outcome{CommentID: o.CommentID, PostID: o.PostID, Status: StatusSkipped}, nil
	}

	if s.pub != nil {
		s.pub.Publish(EventCommentProcessed, o)
	}
	if o.Status == StatusReplied && s.deliver != nil {
		s.deliver.enqueue(delivery{
			ReplyID:   id,
			CommentID: o.CommentID,
			PostID:    o.PostID,
			Response:  o.Response,
			Keyword:   o.Keyword,
			DM:        o.DM,
		})
	}
	return o, nil
}

func (s *Service) postEnabled(ctx context.Context, postID string) (bool, error) {
	if postID == model.GlobalPostID {
		return true, nil
	}
	p, err := s.rules.GetPost(ctx, postID)
	if rules.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Enabled, nil
}

// Run drives webhook delivery until ctx is done. Without a webhook it just
// waits.
func (s *Service) Run(ctx context.Context) error {
	if s.deliver == nil {
		<-ctx.Done()
		return nil
	}
	err := s.deliver.run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	if s.deliver != nil {
		st.Queued = len(s.deliver.queue)
	}
	return st
}

func (s *Service) record(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
