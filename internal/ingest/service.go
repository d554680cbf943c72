package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// Publisher delivers a payload to a stream session
type Publisher interface {
	Publish(ctx context.Context, sessionID string, payload interface{}) error
}

// Service runs one scheduler per ingestion job and announces completed runs
type Service struct {
	schedulers    []*Scheduler
	publishers    map[string]Publisher
	notifySession string
	logger        *slog.Logger

	// Notices are published from the scheduler goroutine; this bounds how
	// long a slow mirror can hold it.
	notifyTimeout time.Duration
}

// NewService creates an ingestion service. publishers maps a job name to the
// stream that receives its completion notices.
func NewService(jobs []Job, publishers map[string]Publisher, notifySession string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		publishers:    publishers,
		notifySession: notifySession,
		logger:        logger.With("component", "ingest"),
		notifyTimeout: 5 * time.Second,
	}
	for _, job := range jobs {
		s.schedulers = append(s.schedulers, NewScheduler(job, logger, s.notify))
	}
	return s
}

// Start launches all schedulers and blocks until ctx is cancelled and they
// have stopped.
func (s *Service) Start(ctx context.Context) {
	var wg sync.WaitGroup

	s.logger.Info("starting ingestion schedulers", "count", len(s.schedulers))

	for _, sched := range s.schedulers {
		wg.Add(1)
		go func(sc *Scheduler) {
			defer wg.Done()
			sc.Run(ctx)
		}(sched)
	}

	wg.Wait()
	s.logger.Info("all ingestion schedulers stopped")
}

func (s *Service) notify(summary RunSummary) {
	if s.notifySession == "" || summary.Err != "" {
		return
	}
	pub, ok := s.publishers[summary.Kind]
	if !ok || pub == nil {
		return
	}

	notice := models.IngestNotice{
		Type:     summary.Kind,
		Count:    summary.Successes(),
		Inserted: summary.Inserted,
		Updated:  summary.Updated,
		Errors:   summary.Errors,
		At:       summary.FinishedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()
	if err := pub.Publish(ctx, s.notifySession, notice); err != nil {
		s.logger.Warn("publish ingestion notice", "kind", summary.Kind, "error", err)
	}
}

// Status reports each scheduler's state and last run, keyed by job name
func (s *Service) Status() map[string]interface{} {
	out := make(map[string]interface{}, len(s.schedulers))
	for _, sched := range s.schedulers {
		entry := map[string]interface{}{
			"state": sched.State(),
			"runs":  sched.Runs(),
		}
		if last := sched.LastRun(); last != nil {
			entry["last_run"] = last
		}
		out[sched.job.Name()] = entry
	}
	return out
}
