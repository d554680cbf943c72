package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the phase an ingestion loop is in
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateMerging  State = "merging"
)

// RunSummary describes one completed ingestion run
type RunSummary struct {
	Kind          string    `json:"kind"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Batches       int       `json:"batches"`
	FailedBatches int       `json:"failed_batches"`
	Fetched       int       `json:"fetched"`
	Inserted      int       `json:"inserted"`
	Updated       int       `json:"updated"`
	Errors        int       `json:"errors"`
	Err           string    `json:"error,omitempty"`
}

// Successes is the number of records written by the run
func (s RunSummary) Successes() int {
	return s.Inserted + s.Updated
}

// Job is one kind of ingestion run driven by a Scheduler
type Job interface {
	Name() string
	Interval() time.Duration
	// InitialDelay decides how long to wait before the first run
	InitialDelay(ctx context.Context) time.Duration
	Run(ctx context.Context, track func(State)) (RunSummary, error)
}

// InitialDelay returns how long to wait before the first run given the most
// recent stored update. Missing or stale data means run now.
func InitialDelay(last *time.Time, now time.Time, interval time.Duration) time.Duration {
	if last == nil {
		return 0
	}
	elapsed := now.Sub(*last)
	if elapsed >= interval {
		return 0
	}
	if elapsed < 0 {
		return interval
	}
	return interval - elapsed
}

// Scheduler runs a job on a fixed interval until its context ends
type Scheduler struct {
	job        Job
	logger     *slog.Logger
	onComplete func(RunSummary)

	mu    sync.Mutex
	state State
	last  *RunSummary
	runs  int64
}

// NewScheduler creates a scheduler for job. onComplete, when set, is called
// after every run, including failed ones.
func NewScheduler(job Job, logger *slog.Logger, onComplete func(RunSummary)) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		job:        job,
		logger:     logger.With("component", "ingest", "job", job.Name()),
		onComplete: onComplete,
		state:      StateIdle,
	}
}

// Run blocks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	delay := s.job.InitialDelay(ctx)
	if delay > 0 {
		s.logger.Info("scheduler started, first run delayed",
			"delay", delay.Round(time.Second).String(),
			"interval", s.job.Interval().String())
	} else {
		s.logger.Info("scheduler started", "interval", s.job.Interval().String())
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-timer.C:
			s.runOnce(ctx)
			if ctx.Err() != nil {
				s.logger.Info("scheduler stopped")
				return
			}
			timer.Reset(s.job.Interval())
		}
	}
}

// runOnce performs one run; a panic inside the job is logged and the loop
// continues on the next tick.
func (s *Scheduler) runOnce(ctx context.Context) {
	started := time.Now()
	summary := RunSummary{Kind: s.job.Name(), StartedAt: started}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ingestion run panicked", "panic", fmt.Sprint(r))
			summary.Err = fmt.Sprintf("panic: %v", r)
			summary.FinishedAt = time.Now()
			s.finish(summary)
		}
	}()

	s.logger.Info("ingestion run starting")
	result, err := s.job.Run(ctx, s.setState)
	summary = result
	summary.Kind = s.job.Name()
	summary.StartedAt = started
	summary.FinishedAt = time.Now()
	if err != nil {
		summary.Err = err.Error()
		s.logger.Error("ingestion run failed", "error", err,
			"duration", summary.FinishedAt.Sub(started).String())
	} else {
		s.logger.Info("ingestion run complete",
			"batches", summary.Batches,
			"failed_batches", summary.FailedBatches,
			"fetched", summary.Fetched,
			"inserted", summary.Inserted,
			"updated", summary.Updated,
			"errors", summary.Errors,
			"duration", summary.FinishedAt.Sub(started).String())
	}
	s.finish(summary)
}

func (s *Scheduler) finish(summary RunSummary) {
	s.mu.Lock()
	s.state = StateIdle
	s.last = &summary
	s.runs++
	s.mu.Unlock()

	if s.onComplete != nil {
		s.onComplete(summary)
	}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current phase
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastRun returns the most recent summary, or nil before the first run
func (s *Scheduler) LastRun() *RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Runs returns how many runs have completed
func (s *Scheduler) Runs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}
