package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/retry"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/upstream"
)

// ErrNoFixtures is returned when an ad-hoc request names no fixtures
var ErrNoFixtures = errors.New("no fixtures provided")

// FetchResult summarizes an ad-hoc odds fetch
type FetchResult struct {
	SessionID string `json:"session_id"`
	Fixtures  int    `json:"fixtures"`
	Batches   int    `json:"batches"`
	Published int    `json:"published"`
	Errors    int    `json:"errors"`
}

// Fetcher produces stream events on demand, independent of the store
type Fetcher struct {
	provider    Provider
	odds        Publisher
	fixtures    Publisher
	retry       *retry.RetryPolicy
	sportsbooks []string
	batchDelay  time.Duration
	logger      *slog.Logger
}

// NewFetcher creates an ad-hoc producer for the odds and fixtures streams
func NewFetcher(provider Provider, odds, fixtures Publisher, policy *retry.RetryPolicy, sportsbooks []string, batchDelay time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		provider:    provider,
		odds:        odds,
		fixtures:    fixtures,
		retry:       policy,
		sportsbooks: sportsbooks,
		batchDelay:  batchDelay,
		logger:      logger.With("component", "fetcher"),
	}
}

// FetchAndPublishOdds fetches odds for fixtureIDs in provider-sized batches
// and publishes the combined fixtures, each carrying its odds array, as one
// event on the session's odds stream.
func (f *Fetcher) FetchAndPublishOdds(ctx context.Context, sessionID string, fixtureIDs []string) (FetchResult, error) {
	result := FetchResult{SessionID: sessionID, Fixtures: len(fixtureIDs)}
	if len(fixtureIDs) == 0 {
		return result, ErrNoFixtures
	}

	batches := Partition(fixtureIDs, upstream.MaxFixturesPerRequest)
	result.Batches = len(batches)

	collected := make([]json.RawMessage, 0, len(fixtureIDs))
	for i, batch := range batches {
		if i > 0 {
			if err := retry.Sleep(ctx, f.batchDelay); err != nil {
				return result, err
			}
		}

		var raws []json.RawMessage
		err := f.retry.Execute(ctx, func(ctx context.Context) error {
			var err error
			raws, err = f.provider.FetchOdds(ctx, batch, f.sportsbooks)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Errors += len(batch)
			f.logger.Warn("odds fetch failed", "session", sessionID, "batch", i+1, "error", err)
			continue
		}
		collected = append(collected, raws...)
	}

	if len(collected) == 0 {
		return result, fmt.Errorf("fetch odds for %d fixtures: all batches failed", len(fixtureIDs))
	}
	if err := f.odds.Publish(ctx, sessionID, collected); err != nil {
		return result, fmt.Errorf("publish odds: %w", err)
	}
	result.Published = len(collected)

	f.logger.Info("ad-hoc odds fetch complete",
		"session", sessionID,
		"fixtures", result.Fixtures,
		"published", result.Published,
		"errors", result.Errors)
	return result, nil
}

// PushFixtures publishes caller-supplied fixture payloads as one event on the
// session's fixtures stream.
func (f *Fetcher) PushFixtures(ctx context.Context, sessionID string, fixtures []json.RawMessage) error {
	if len(fixtures) == 0 {
		return ErrNoFixtures
	}
	if err := f.fixtures.Publish(ctx, sessionID, fixtures); err != nil {
		return fmt.Errorf("publish fixtures: %w", err)
	}
	return nil
}
