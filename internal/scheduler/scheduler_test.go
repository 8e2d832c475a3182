package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRunner struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (r *countingRunner) Run(ctx context.Context) error {
	r.calls.Add(1)
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.err
}

func TestRunNowRecordsState(t *testing.T) {
	r := &countingRunner{err: errors.New("disk full")}
	s := New("04:00", r, nil)

	err := s.RunNow(context.Background())
	require.EqualError(t, err, "disk full")
	st := s.Snapshot()
	assert.False(t, st.Running)
	assert.Equal(t, "manual", st.LastSource)
	assert.Equal(t, "disk full", st.LastError)
	assert.False(t, st.LastCompletedAt.IsZero())
}

func TestRunNowCooldown(t *testing.T) {
	r := &countingRunner{}
	s := New("04:00", r, nil)

	require.NoError(t, s.RunNow(context.Background()))
	assert.ErrorIs(t, s.RunNow(context.Background()), ErrCooldown)

	s.minRunGap = 0
	require.NoError(t, s.RunNow(context.Background()))
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestRunNowAlreadyRunning(t *testing.T) {
	r := &countingRunner{release: make(chan struct{})}
	s := New("04:00", r, nil)

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background()) }()
	require.Eventually(t, func() bool { return s.Snapshot().Running }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.RunNow(context.Background()), ErrAlreadyRunning)
	close(r.release)
	require.NoError(t, <-done)
}

func TestStartStopsOnCancel(t *testing.T) {
	s := New("04:00", &countingRunner{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStartInvalidTime(t *testing.T) {
	s := New("nope", &countingRunner{}, nil)
	assert.Error(t, s.Start(context.Background()))
}

func TestNextRun(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 10, 5, 0, 0, 0, loc)

	next, err := nextRun(now, "04:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 4, 0, 0, 0, loc), next)

	next, err = nextRun(now, "06:15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 6, 15, 0, 0, loc), next)

	_, err = nextRun(now, "6")
	assert.Error(t, err)
}

type fakePruner struct {
	days int
	n    int64
}

func (f *fakePruner) DeleteRepliesOlderThan(_ context.Context, days int) (int64, error) {
	f.days = days
	return f.n, nil
}

func TestRetentionJob(t *testing.T) {
	p := &fakePruner{n: 3}
	require.NoError(t, RetentionJob{Store: p, Days: 30}.Run(context.Background()))
	assert.Equal(t, 30, p.days)

	p = &fakePruner{}
	require.NoError(t, RetentionJob{Store: p}.Run(context.Background()))
	assert.Zero(t, p.days, "disabled retention must not touch the store")
}
