package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type replyPruner interface {
	DeleteRepliesOlderThan(ctx context.Context, olderThanDays int) (int64, error)
}

// RetentionJob drops reply log rows older than Days. Days <= 0 keeps
// everything.
type RetentionJob struct {
	Store replyPruner
	Days  int
	Log   *zap.Logger
}

func (j RetentionJob) Run(ctx context.Context) error {
	if j.Days <= 0 {
		return nil
	}
	n, err := j.Store.DeleteRepliesOlderThan(ctx, j.Days)
	if err != nil {
		return fmt.Errorf("prune replies: %w", err)
	}
	if j.Log != nil {
		j.Log.Info("reply log pruned", zap.Int64("deleted", n), zap.Int("retention_days", j.Days))
	}
	return nil
}
