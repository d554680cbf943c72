package store

// schema is applied on startup; every statement is idempotent
var schema = []string{
	`CREATE TABLE IF NOT EXISTS fixtures (
		id            TEXT PRIMARY KEY,
		numerical_id  BIGINT,
		game_id       TEXT,
		start_time    TIMESTAMPTZ,
		status        TEXT NOT NULL,
		raw_status    TEXT,
		is_live       BOOLEAN NOT NULL DEFAULT FALSE,
		home_team     TEXT,
		away_team     TEXT,
		home_team_id  TEXT,
		away_team_id  TEXT,
		season_year   TEXT,
		season_week   TEXT,
		season_type   TEXT,
		league_id     TEXT,
		sport_id      TEXT,
		venue_name    TEXT,
		has_odds      BOOLEAN NOT NULL DEFAULT FALSE,
		raw_payload   JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_game_id ON fixtures (game_id)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_start_time ON fixtures (start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_status_start ON fixtures (status, start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_season ON fixtures (season_year, season_week)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_teams ON fixtures (home_team, away_team)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_is_live ON fixtures (is_live)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_has_odds ON fixtures (has_odds)`,
	`CREATE INDEX IF NOT EXISTS idx_fixtures_updated_at ON fixtures (updated_at)`,

	`CREATE TABLE IF NOT EXISTS odds_lines (
		id                    TEXT PRIMARY KEY,
		fixture_id            TEXT NOT NULL,
		sportsbook            TEXT NOT NULL,
		market                TEXT,
		market_id             TEXT,
		market_category       TEXT,
		name                  TEXT,
		selection             TEXT,
		normalized_selection  TEXT,
		selection_line        TEXT,
		player_id             TEXT,
		team_id               TEXT,
		price                 DOUBLE PRECISION,
		points                DOUBLE PRECISION,
		is_main               BOOLEAN NOT NULL DEFAULT FALSE,
		source_timestamp      TIMESTAMPTZ,
		grouping_key          TEXT,
		raw_payload           JSONB NOT NULL,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_fixture_book_market ON odds_lines (fixture_id, sportsbook, market_id)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_category ON odds_lines (market_category)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_player ON odds_lines (player_id)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_team ON odds_lines (team_id)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_price ON odds_lines (price)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_points ON odds_lines (points)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_is_main ON odds_lines (is_main)`,
	`CREATE INDEX IF NOT EXISTS idx_odds_updated_at ON odds_lines (updated_at)`,
}
