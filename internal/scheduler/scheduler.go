package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"autoreply/internal/config"
)

type Runner interface {
	Run(context.Context) error
}

type Scheduler struct {
	dailyHHMM string
	runner    Runner
	log       *zap.Logger
	minRunGap time.Duration
	mu        sync.Mutex
	running   bool
	state     RunState
}

func New(dailyHHMM string, runner Runner, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{dailyHHMM: dailyHHMM, runner: runner, log: log, minRunGap: 15 * time.Second}
}

type RunState struct {
	Running         bool      `json:"running"`
	CurrentSource   string    `json:"current_source"`
	StartedAt       time.Time `json:"started_at"`
	LastCompletedAt time.Time `json:"last_completed_at"`
	LastDurationMS  int64     `json:"last_duration_ms"`
	LastError       string    `json:"last_error"`
	LastSource      string    `json:"last_source"`
}

// Start runs the job once a day until ctx is done. It blocks, so callers
// usually run it on its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	for {
		next, err := nextRun(time.Now(), s.dailyHHMM)
		if err != nil {
			s.log.Error("scheduler: invalid daily time", zap.String("time", s.dailyHHMM), zap.Error(err))
			return err
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		s.log.Info("scheduler: next maintenance run", zap.Time("at", next))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := s.run(ctx, "scheduled"); err != nil {
			s.log.Warn("scheduler: maintenance run error", zap.Error(err))
		}
	}
}

func (s *Scheduler) RunNow(ctx context.Context) error {
	return s.run(ctx, "manual")
}

func (s *Scheduler) run(ctx context.Context, source string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if !s.state.LastCompletedAt.IsZero() && time.Since(s.state.LastCompletedAt) < s.minRunGap {
		s.mu.Unlock()
		return ErrCooldown
	}
	s.running = true
	s.state.Running = true
	s.state.CurrentSource = source
	s.state.StartedAt = time.Now()
	s.mu.Unlock()

	s.log.Info("scheduler: maintenance started", zap.String("source", source))
	start := time.Now()
	err := s.runner.Run(ctx)

	s.mu.Lock()
	s.running = false
	s.state.Running = false
	s.state.CurrentSource = ""
	s.state.LastCompletedAt = time.Now()
	s.state.LastDurationMS = time.Since(start).Milliseconds()
	s.state.LastSource = source
	if err != nil {
		s.state.LastError = err.Error()
	} else {
		s.state.LastError = ""
	}
	s.mu.Unlock()

	took := time.Since(start).Round(time.Millisecond)
	if err != nil {
		s.log.Warn("scheduler: maintenance finished with error", zap.String("source", source), zap.Duration("took", took), zap.Error(err))
		return err
	}
	s.log.Info("scheduler: maintenance finished", zap.String("source", source), zap.Duration("took", took))
	return nil
}

func (s *Scheduler) Snapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

var (
	ErrAlreadyRunning = &runErr{"maintenance already running"}
	ErrCooldown       = &runErr{"maintenance just completed; wait a few seconds before starting again"}
)

type runErr struct{ msg string }

func (e *runErr) Error() string { return e.msg }

func nextRun(now time.Time, hhmm string) (time.Time, error) {
	h, m, err := config.ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, &runErr{"maintenance_time " + err.Error()}
	}
	loc := now.Location()
	t := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, loc)
	if !t.After(now) {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}
