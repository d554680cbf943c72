package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

// MemoryStore keeps records in process. Each statement is atomic under the
// store lock, like a single SQL statement, and an insert on an existing key
// fails with ErrDuplicateKey, so merges follow the same protocol as Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	fixtures map[string]models.Fixture
	odds     map[string]models.OddsLine
	now      func() time.Time

	// afterLookup runs between lookup and insert; tests use it to force races
	afterLookup func(id string)
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fixtures: make(map[string]models.Fixture),
		odds:     make(map[string]models.OddsLine),
		now:      time.Now,
	}
}

// SetClock overrides the timestamp source
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryStore) UpsertFixture(ctx context.Context, f *models.Fixture) (bool, error) {
	return mergeRecord(f.ID, statements{
		lookup: func() (bool, error) {
			s.mu.RLock()
			_, ok := s.fixtures[f.ID]
			s.mu.RUnlock()
			s.hook(f.ID)
			return ok, nil
		},
		insert: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.fixtures[f.ID]; ok {
				return ErrDuplicateKey
			}
			now := s.now()
			rec := *f
			rec.CreatedAt, rec.UpdatedAt = now, now
			s.fixtures[f.ID] = rec
			return nil
		},
		update: func() (bool, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			existing, ok := s.fixtures[f.ID]
			if !ok {
				return false, nil
			}
			rec := *f
			rec.CreatedAt, rec.UpdatedAt = existing.CreatedAt, s.now()
			s.fixtures[f.ID] = rec
			return true, nil
		},
	})
}

func (s *MemoryStore) UpsertOdds(ctx context.Context, o *models.OddsLine) (bool, error) {
	return mergeRecord(o.ID, statements{
		lookup: func() (bool, error) {
			s.mu.RLock()
			_, ok := s.odds[o.ID]
			s.mu.RUnlock()
			s.hook(o.ID)
			return ok, nil
		},
		insert: func() error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.odds[o.ID]; ok {
				return ErrDuplicateKey
			}
			now := s.now()
			rec := *o
			rec.CreatedAt, rec.UpdatedAt = now, now
			s.odds[o.ID] = rec
			return nil
		},
		update: func() (bool, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			existing, ok := s.odds[o.ID]
			if !ok {
				return false, nil
			}
			rec := *o
			rec.CreatedAt, rec.UpdatedAt = existing.CreatedAt, s.now()
			s.odds[o.ID] = rec
			return true, nil
		},
	})
}

func (s *MemoryStore) hook(id string) {
	if s.afterLookup != nil {
		s.afterLookup(id)
	}
}

func (s *MemoryStore) MergeFixtures(ctx context.Context, fixtures []models.Fixture) (models.MergeResult, error) {
	var result models.MergeResult
	for i := range fixtures {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		inserted, err := s.UpsertFixture(ctx, &fixtures[i])
		tally(&result, inserted, err)
	}
	return result, nil
}

func (s *MemoryStore) MergeOdds(ctx context.Context, lines []models.OddsLine) (models.MergeResult, error) {
	var result models.MergeResult
	for i := range lines {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		inserted, err := s.UpsertOdds(ctx, &lines[i])
		tally(&result, inserted, err)
	}
	return result, nil
}

func tally(result *models.MergeResult, inserted bool, err error) {
	switch {
	case err != nil:
		result.Failed++
		result.Errors = append(result.Errors, err)
	case inserted:
		result.Inserted++
	default:
		result.Updated++
	}
}

func (s *MemoryStore) GetFixture(ctx context.Context, id string) (*models.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fixtures[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *MemoryStore) QueryFixtures(ctx context.Context, filters models.FixtureFilters) ([]models.Fixture, int, error) {
	s.mu.RLock()
	matched := make([]models.Fixture, 0)
	for _, f := range s.fixtures {
		if matchFixture(&f, filters) {
			matched = append(matched, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].StartTime, matched[j].StartTime
		switch {
		case a == nil && b == nil:
			return matched[i].ID < matched[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case !a.Equal(*b):
			return a.Before(*b)
		}
		return matched[i].ID < matched[j].ID
	})

	return paginate(matched, filters.Limit, filters.Offset), len(matched), nil
}

func (s *MemoryStore) QueryOdds(ctx context.Context, filters models.OddsFilters) (*models.OddsResult, error) {
	team, err := resolveTeam(ctx, filters.TeamID, s.QueryFixtures)
	if err != nil {
		return nil, err
	}
	plan := newCategoryPlan(filters.Categories, filters.PlayerIDs)

	s.mu.RLock()
	matched := make([]models.OddsLine, 0)
	for _, o := range s.odds {
		if matchOdds(&o, filters, plan, team) {
			matched = append(matched, o)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.FixtureID != b.FixtureID {
			return a.FixtureID < b.FixtureID
		}
		if a.Sportsbook != b.Sportsbook {
			return a.Sportsbook < b.Sportsbook
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.ID < b.ID
	})

	total := len(matched)
	limit, offset := clampLimit(filters.Limit), clampOffset(filters.Offset)
	page := paginate(matched, limit, offset)

	result := &models.OddsResult{Total: total}
	result.Page, result.TotalPages = pageInfo(total, limit, offset)

	if filters.GroupByFixture {
		result.Grouped, err = groupByFixture(ctx, page, s.GetFixture)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	result.Odds = page
	return result, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	limit, offset = clampLimit(limit), clampOffset(offset)
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *MemoryStore) FixtureIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.fixtures))
	for id := range s.fixtures {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) LatestOddsUpdate(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, o := range s.odds {
		if latest == nil || o.UpdatedAt.After(*latest) {
			t := o.UpdatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemoryStore) LatestFixtureUpdate(ctx context.Context) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, f := range s.fixtures {
		if latest == nil || f.UpdatedAt.After(*latest) {
			t := f.UpdatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
