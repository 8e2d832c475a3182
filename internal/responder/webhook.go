package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"autoreply/internal/model"
)

const maxRetryWait = 2 * time.Minute

// delivery is the JSON body posted to the reply webhook.
type delivery struct {
	ReplyID   int64            `json:"reply_id"`
	CommentID string           `json:"comment_id,omitempty"`
	PostID    string           `json:"post_id"`
	Response  string           `json:"response"`
	Keyword   string           `json:"keyword,omitempty"`
	DM        *model.DMPayload `json:"dm,omitempty"`
}

type deliverer struct {
	svc         *Service
	url         string
	client      *http.Client
	limiter     *rate.Limiter
	queue       chan delivery
	maxAttempts int
	backoff     time.Duration
}

func newDeliverer(s *Service, opts Options) *deliverer {
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	return &deliverer{
		svc:         s,
		url:         strings.TrimSpace(opts.WebhookURL),
		client:      &http.Client{Timeout: 20 * time.Second},
		limiter:     rate.NewLimiter(limit, 1),
		queue:       make(chan delivery, opts.QueueSize),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
	}
}

func (d *deliverer) enqueue(item delivery) {
	select {
	case d.queue <- item:
	default:
		d.svc.record(func(st *Stats) {
			st.Dropped++
			st.LastError = "delivery queue full"
		})
		d.svc.log.Warn("responder: delivery queue full, dropping reply",
			zap.String("comment_id", item.CommentID), zap.Int64("reply_id", item.ReplyID))
	}
}

func (d *deliverer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-d.queue:
			if err := d.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			start := time.Now()
			err := d.send(ctx, item)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				d.svc.record(func(st *Stats) {
					st.Failed++
					st.LastError = err.Error()
				})
				d.svc.log.Warn("responder: delivery failed",
					zap.String("comment_id", item.CommentID), zap.Int64("reply_id", item.ReplyID), zap.Error(err))
				continue
			}
			d.svc.record(func(st *Stats) { st.Delivered++ })
			if err := d.svc.replies.MarkDelivered(ctx, item.ReplyID); err != nil {
				d.svc.log.Warn("responder: mark delivered", zap.Int64("reply_id", item.ReplyID), zap.Error(err))
			}
			d.svc.log.Info("responder: reply delivered",
				zap.String("comment_id", item.CommentID),
				zap.String("post_id", item.PostID),
				zap.Duration("took", time.Since(start).Round(time.Millisecond)))
		}
	}
}

func (d *deliverer) send(ctx context.Context, item delivery) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		retryAfter, err := d.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if retryAfter < 0 || attempt == d.maxAttempts-1 {
			break
		}
		wait := d.backoff << attempt
		if retryAfter > wait {
			wait = retryAfter
		}
		if wait > maxRetryWait {
			wait = maxRetryWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// post returns retryAfter < 0 when the failure is permanent.
func (d *deliverer) post(ctx context.Context, body []byte) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return -1, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "autoreply/1.0")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return retryAfterDuration(resp.Header.Get("Retry-After")), fmt.Errorf("webhook status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return -1, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}

func retryAfterDuration(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
