package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

const (
	DefaultLimit = 1000
	MaxLimit     = 10000
)

var (
	// ErrDuplicateKey is returned by an insert that lost a race on the natural key
	ErrDuplicateKey = errors.New("duplicate natural key")

	// ErrMissingKey is returned for records without a natural key
	ErrMissingKey = errors.New("record has no id")
)

// ValidationError is a malformed query input; callers map it to a 400
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Store defines the record store operations
type Store interface {
	// UpsertFixture merges one fixture by id and reports whether it was inserted
	UpsertFixture(ctx context.Context, f *models.Fixture) (bool, error)
	// UpsertOdds merges one odds line by id and reports whether it was inserted
	UpsertOdds(ctx context.Context, o *models.OddsLine) (bool, error)

	// MergeFixtures merges a batch with per-record isolation. The error is
	// reserved for failures that lose the whole batch.
	MergeFixtures(ctx context.Context, fixtures []models.Fixture) (models.MergeResult, error)
	MergeOdds(ctx context.Context, lines []models.OddsLine) (models.MergeResult, error)

	// GetFixture returns nil when the fixture is not stored
	GetFixture(ctx context.Context, id string) (*models.Fixture, error)
	QueryFixtures(ctx context.Context, filters models.FixtureFilters) ([]models.Fixture, int, error)
	QueryOdds(ctx context.Context, filters models.OddsFilters) (*models.OddsResult, error)

	FixtureIDs(ctx context.Context) ([]string, error)
	// LatestOddsUpdate returns nil when no odds are stored
	LatestOddsUpdate(ctx context.Context) (*time.Time, error)
	LatestFixtureUpdate(ctx context.Context) (*time.Time, error)

	Ping(ctx context.Context) error
	Close() error
}

// clampLimit applies the default and upper bound to a requested page size
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

// pageInfo returns the 1-based page number and page count
func pageInfo(total, limit, offset int) (page, totalPages int) {
	if limit <= 0 {
		return 1, 1
	}
	page = offset/limit + 1
	totalPages = (total + limit - 1) / limit
	return page, totalPages
}

// FixturePage wraps a fixture query result with pagination info
func FixturePage(fixtures []models.Fixture, total int, filters models.FixtureFilters) models.FixturePage {
	limit := clampLimit(filters.Limit)
	page, totalPages := pageInfo(total, limit, clampOffset(filters.Offset))
	if fixtures == nil {
		fixtures = []models.Fixture{}
	}
	return models.FixturePage{Data: fixtures, Total: total, Page: page, TotalPages: totalPages}
}
