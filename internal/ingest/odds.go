package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/retry"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/store"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/upstream"
	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// OddsJob refreshes odds for every stored fixture in small batches
type OddsJob struct {
	provider    Provider
	store       store.Store
	retry       *retry.RetryPolicy
	sportsbooks []string
	interval    time.Duration
	batchSize   int
	batchDelay  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// OddsJobOptions configures an OddsJob
type OddsJobOptions struct {
	Sportsbooks []string
	Interval    time.Duration
	BatchSize   int
	BatchDelay  time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewOddsJob creates the odds ingestion job
func NewOddsJob(provider Provider, st store.Store, policy *retry.RetryPolicy, opts OddsJobOptions) *OddsJob {
	if opts.BatchSize <= 0 || opts.BatchSize > upstream.MaxFixturesPerRequest {
		opts.BatchSize = upstream.MaxFixturesPerRequest
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OddsJob{
		provider:    provider,
		store:       st,
		retry:       policy,
		sportsbooks: opts.Sportsbooks,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		batchDelay:  opts.BatchDelay,
		now:         opts.Now,
		logger:      opts.Logger.With("component", "ingest", "job", "odds"),
	}
}

func (j *OddsJob) Name() string { return "odds" }

func (j *OddsJob) Interval() time.Duration { return j.interval }

// InitialDelay resumes the daily cadence across restarts using the newest
// stored odds update.
func (j *OddsJob) InitialDelay(ctx context.Context) time.Duration {
	last, err := j.store.LatestOddsUpdate(ctx)
	if err != nil {
		j.logger.Warn("could not read last odds update, running now", "error", err)
		return 0
	}
	return InitialDelay(last, j.now(), j.interval)
}

// Run fetches odds for all stored fixtures batch by batch. A failed batch
// counts every fixture in it as an error and the run moves on.
func (j *OddsJob) Run(ctx context.Context, track func(State)) (RunSummary, error) {
	summary := RunSummary{Kind: j.Name()}
	defer track(StateIdle)

	ids, err := j.store.FixtureIDs(ctx)
	if err != nil {
		return summary, fmt.Errorf("list fixture ids: %w", err)
	}
	if len(ids) == 0 {
		j.logger.Info("no fixtures stored, nothing to fetch")
		return summary, nil
	}

	batches := Partition(ids, j.batchSize)
	summary.Batches = len(batches)

	for i, batch := range batches {
		if i > 0 {
			if err := retry.Sleep(ctx, j.batchDelay); err != nil {
				return summary, err
			}
		}

		track(StateFetching)
		raws, err := j.fetchBatch(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.FailedBatches++
			summary.Errors += len(batch)
			j.logger.Warn("odds batch failed", "batch", i+1, "fixtures", len(batch), "error", err)
			continue
		}

		lines, fetched, bad := normalizeOddsResponse(raws, j.logger)
		summary.Fetched += fetched
		summary.Errors += bad
		if len(lines) == 0 {
			continue
		}

		track(StateMerging)
		result, err := j.store.MergeOdds(ctx, lines)
		if err != nil {
			summary.FailedBatches++
			summary.Errors += len(batch)
			j.logger.Warn("odds batch merge failed", "batch", i+1, "error", err)
			continue
		}
		summary.Inserted += result.Inserted
		summary.Updated += result.Updated
		summary.Errors += result.Failed
		for _, e := range result.Errors {
			j.logger.Warn("odds merge failed", "error", e)
		}
	}

	return summary, nil
}

func (j *OddsJob) fetchBatch(ctx context.Context, batch []string) ([]json.RawMessage, error) {
	var raws []json.RawMessage
	err := j.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		raws, err = j.provider.FetchOdds(ctx, batch, j.sportsbooks)
		return err
	})
	return raws, err
}

// normalizeOddsResponse flattens the per-fixture odds arrays. It returns the
// normalized lines, how many entries were seen and how many were rejected.
func normalizeOddsResponse(raws []json.RawMessage, logger *slog.Logger) ([]models.OddsLine, int, int) {
	var (
		lines   []models.OddsLine
		fetched int
		bad     int
	)
	for _, raw := range raws {
		fixtureID, entries, err := SplitOddsFixture(raw)
		if err != nil {
			bad++
			logger.Warn("skipping odds fixture", "error", err)
			continue
		}
		fetched += len(entries)
		for _, entry := range entries {
			line, err := NormalizeOdds(fixtureID, entry)
			if err != nil {
				bad++
				logger.Warn("skipping odds line", "fixture", fixtureID, "error", err)
				continue
			}
			lines = append(lines, line)
		}
	}
	return lines, fetched, bad
}

// Partition splits ids into consecutive batches of at most size
func Partition(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
