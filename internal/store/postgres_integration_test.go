//go:build integration

package store

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	s, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.db.Exec("TRUNCATE fixtures, odds_lines")
		s.Close()
	})

	_, err = s.db.Exec("TRUNCATE fixtures, odds_lines")
	require.NoError(t, err)
	return s
}

func TestPostgres_UpsertIdempotent(t *testing.T) {
	s := postgresStore(t)
	ctx := context.Background()
	f := fixture("f1", "New York Giants", "Dallas Cowboys", kickoff)

	for i := 0; i < 2; i++ {
		_, err := s.UpsertFixture(ctx, &f)
		require.NoError(t, err)
	}

	got, total, err := s.QueryFixtures(ctx, models.FixtureFilters{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "New York Giants", got[0].HomeTeam)
	assert.Equal(t, kickoff, *got[0].StartTime)
}

func TestPostgres_ConcurrentMergeSameKey(t *testing.T) {
	s := postgresStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(price float64) {
			defer wg.Done()
			res, err := s.MergeOdds(ctx, []models.OddsLine{
				line("o1", "f1", "fanduel", "moneyline", models.CategoryMoneyline, price),
			})
			if err == nil && res.Failed > 0 {
				err = res.Errors[0]
			}
			errs <- err
		}(float64(-100 - i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	res, err := s.QueryOdds(ctx, models.OddsFilters{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
}

func TestPostgres_MergeIsolatesBadRecord(t *testing.T) {
	s := postgresStore(t)
	ctx := context.Background()

	res, err := s.MergeOdds(ctx, []models.OddsLine{
		line("o1", "f1", "fanduel", "moneyline", models.CategoryMoneyline, -110),
		{FixtureID: "f1", Sportsbook: "fanduel"},
		line("o2", "f1", "fanduel", "moneyline", models.CategoryMoneyline, -105),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Failed)
}

func TestPostgres_MixedCategoryPlayerQuery(t *testing.T) {
	s := postgresStore(t)
	ctx := context.Background()

	ml := line("ml-1", "f1", "fanduel", "moneyline", models.CategoryMoneyline, -150)
	propX := line("pp-x", "f1", "fanduel", "player_passing_yards", models.CategoryPlayerProp, -115)
	propX.PlayerID = strPtr("X")
	propY := line("pp-y", "f1", "fanduel", "player_passing_yards", models.CategoryPlayerProp, -120)
	propY.PlayerID = strPtr("Y")

	_, err := s.MergeOdds(ctx, []models.OddsLine{ml, propX, propY})
	require.NoError(t, err)

	res, err := s.QueryOdds(ctx, models.OddsFilters{
		Categories: []models.MarketCategory{"moneyline"},
		PlayerIDs:  []string{"X"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ml-1", "pp-x"}, oddsIDs(res))

	latest, err := s.LatestOddsUpdate(ctx)
	require.NoError(t, err)
	assert.NotNil(t, latest)
}
