package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/retry"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/store"
	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// Provider is the subset of the upstream client used for ingestion
type Provider interface {
	FetchActiveFixtures(ctx context.Context, league string) ([]json.RawMessage, error)
	FetchOdds(ctx context.Context, fixtureIDs, sportsbooks []string) ([]json.RawMessage, error)
}

// FixtureJob pulls the active fixtures for a league and merges them
type FixtureJob struct {
	provider Provider
	store    store.Store
	retry    *retry.RetryPolicy
	league   string
	interval time.Duration
	logger   *slog.Logger
}

// NewFixtureJob creates the fixtures ingestion job
func NewFixtureJob(provider Provider, st store.Store, policy *retry.RetryPolicy, league string, interval time.Duration, logger *slog.Logger) *FixtureJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &FixtureJob{
		provider: provider,
		store:    st,
		retry:    policy,
		league:   league,
		interval: interval,
		logger:   logger.With("component", "ingest", "job", "fixtures"),
	}
}

func (j *FixtureJob) Name() string { return "fixtures" }

func (j *FixtureJob) Interval() time.Duration { return j.interval }

// InitialDelay is always zero; fixtures refresh at startup
func (j *FixtureJob) InitialDelay(ctx context.Context) time.Duration { return 0 }

// Run fetches, normalizes and merges one snapshot of active fixtures
func (j *FixtureJob) Run(ctx context.Context, track func(State)) (RunSummary, error) {
	summary := RunSummary{Kind: j.Name(), Batches: 1}
	defer track(StateIdle)

	track(StateFetching)
	var raws []json.RawMessage
	err := j.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		raws, err = j.provider.FetchActiveFixtures(ctx, j.league)
		return err
	})
	if err != nil {
		summary.FailedBatches = 1
		return summary, fmt.Errorf("fetch active fixtures for %s: %w", j.league, err)
	}
	summary.Fetched = len(raws)

	fixtures := make([]models.Fixture, 0, len(raws))
	for _, raw := range raws {
		f, err := NormalizeFixture(raw)
		if err != nil {
			summary.Errors++
			j.logger.Warn("skipping fixture", "error", err)
			continue
		}
		fixtures = append(fixtures, f)
	}
	if len(fixtures) == 0 {
		return summary, nil
	}

	track(StateMerging)
	result, err := j.store.MergeFixtures(ctx, fixtures)
	if err != nil {
		summary.FailedBatches = 1
		summary.Errors += len(fixtures)
		return summary, fmt.Errorf("merge fixtures: %w", err)
	}
	summary.Inserted = result.Inserted
	summary.Updated = result.Updated
	summary.Errors += result.Failed
	for _, e := range result.Errors {
		j.logger.Warn("fixture merge failed", "error", e)
	}

	return summary, nil
}
