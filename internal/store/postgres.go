package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const fixtureColumns = `id, numerical_id, game_id, start_time, status, raw_status, is_live,
	home_team, away_team, home_team_id, away_team_id,
	season_year, season_week, season_type, league_id, sport_id, venue_name,
	has_odds, raw_payload`

const oddsColumns = `id, fixture_id, sportsbook, market, market_id, market_category,
	name, selection, normalized_selection, selection_line, player_id, team_id,
	price, points, is_main, source_timestamp, grouping_key, raw_payload`

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to dsn and applies the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// UpsertFixture merges one fixture in its own transaction
func (s *PostgresStore) UpsertFixture(ctx context.Context, f *models.Fixture) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = upsertFixture(ctx, tx, f)
		return err
	})
	return inserted, err
}

// UpsertOdds merges one odds line in its own transaction
func (s *PostgresStore) UpsertOdds(ctx context.Context, o *models.OddsLine) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = upsertOdds(ctx, tx, o)
		return err
	})
	return inserted, err
}

// MergeFixtures merges a batch in one transaction. A failing record is rolled
// back to its savepoint and counted; the rest of the batch still commits.
func (s *PostgresStore) MergeFixtures(ctx context.Context, fixtures []models.Fixture) (models.MergeResult, error) {
	return s.mergeBatch(ctx, len(fixtures), func(tx *sql.Tx, i int) (bool, error) {
		return upsertFixture(ctx, tx, &fixtures[i])
	})
}

// MergeOdds merges a batch of odds lines, see MergeFixtures
func (s *PostgresStore) MergeOdds(ctx context.Context, lines []models.OddsLine) (models.MergeResult, error) {
	return s.mergeBatch(ctx, len(lines), func(tx *sql.Tx, i int) (bool, error) {
		return upsertOdds(ctx, tx, &lines[i])
	})
}

func (s *PostgresStore) mergeBatch(ctx context.Context, n int, merge func(tx *sql.Tx, i int) (bool, error)) (models.MergeResult, error) {
	var result models.MergeResult
	if n == 0 {
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < n; i++ {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT merge_record"); err != nil {
			return models.MergeResult{}, fmt.Errorf("savepoint: %w", err)
		}

		inserted, err := merge(tx, i)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT merge_record"); rbErr != nil {
				return models.MergeResult{}, fmt.Errorf("rollback record: %w", rbErr)
			}
		} else if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT merge_record"); err != nil {
			return models.MergeResult{}, fmt.Errorf("release savepoint: %w", err)
		}
		tally(&result, inserted, err)
	}

	if err := tx.Commit(); err != nil {
		return models.MergeResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertFixture(ctx context.Context, tx *sql.Tx, f *models.Fixture) (bool, error) {
	args := fixtureArgs(f)

	return mergeRecord(f.ID, statements{
		lookup: func() (bool, error) {
			return rowExists(ctx, tx, "SELECT 1 FROM fixtures WHERE id = $1 FOR UPDATE", f.ID)
		},
		insert: func() error {
			return insertGuarded(ctx, tx, `INSERT INTO fixtures (`+fixtureColumns+`, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW(), NOW())`, args...)
		},
		update: func() (bool, error) {
			return execAffected(ctx, tx, `UPDATE fixtures SET
				numerical_id = $2, game_id = $3, start_time = $4, status = $5, raw_status = $6, is_live = $7,
				home_team = $8, away_team = $9, home_team_id = $10, away_team_id = $11,
				season_year = $12, season_week = $13, season_type = $14, league_id = $15, sport_id = $16,
				venue_name = $17, has_odds = $18, raw_payload = $19, updated_at = NOW()
				WHERE id = $1`, args...)
		},
	})
}

func upsertOdds(ctx context.Context, tx *sql.Tx, o *models.OddsLine) (bool, error) {
	args := oddsArgs(o)

	return mergeRecord(o.ID, statements{
		lookup: func() (bool, error) {
			return rowExists(ctx, tx, "SELECT 1 FROM odds_lines WHERE id = $1 FOR UPDATE", o.ID)
		},
		insert: func() error {
			return insertGuarded(ctx, tx, `INSERT INTO odds_lines (`+oddsColumns+`, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, NOW(), NOW())`, args...)
		},
		update: func() (bool, error) {
			return execAffected(ctx, tx, `UPDATE odds_lines SET
				fixture_id = $2, sportsbook = $3, market = $4, market_id = $5, market_category = $6,
				name = $7, selection = $8, normalized_selection = $9, selection_line = $10,
				player_id = $11, team_id = $12, price = $13, points = $14, is_main = $15,
				source_timestamp = $16, grouping_key = $17, raw_payload = $18, updated_at = NOW()
				WHERE id = $1`, args...)
		},
	})
}

// insertGuarded runs an insert under its own savepoint so a unique violation
// leaves the surrounding transaction usable; it surfaces as ErrDuplicateKey.
func insertGuarded(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT merge_insert"); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT merge_insert"); rbErr != nil {
			return fmt.Errorf("rollback insert: %w", rbErr)
		}
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return err
	}

	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT merge_insert")
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func rowExists(ctx context.Context, q querier, query string, args ...interface{}) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func execAffected(ctx context.Context, q querier, query string, args ...interface{}) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func fixtureArgs(f *models.Fixture) []interface{} {
	return []interface{}{
		f.ID, f.NumericalID, nullString(f.GameID), f.StartTime, string(f.Status), nullString(f.RawStatus), f.IsLive,
		nullString(f.HomeTeam), nullString(f.AwayTeam), nullString(f.HomeTeamID), nullString(f.AwayTeamID),
		nullString(f.SeasonYear), nullString(f.SeasonWeek), nullString(f.SeasonType),
		nullString(f.LeagueID), nullString(f.SportID), nullString(f.VenueName),
		f.HasOdds, payload(f.RawPayload),
	}
}

func oddsArgs(o *models.OddsLine) []interface{} {
	return []interface{}{
		o.ID, o.FixtureID, o.Sportsbook, nullString(o.Market), nullString(o.MarketID), nullString(string(o.MarketCategory)),
		nullString(o.Name), nullString(o.Selection), nullString(o.NormalizedSelection), nullString(o.SelectionLine),
		o.PlayerID, o.TeamID, o.Price, o.Points, o.IsMain, o.SourceTimestamp, nullString(o.GroupingKey),
		payload(o.RawPayload),
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func payload(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// queryBuilder accumulates AND-ed conditions with positional args
type queryBuilder struct {
	where strings.Builder
	args  []interface{}
}

// arg binds v and returns its placeholder
func (b *queryBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) and(cond string) {
	b.where.WriteString(" AND ")
	b.where.WriteString(cond)
}

func (b *queryBuilder) clause() string {
	return " WHERE 1=1" + b.where.String()
}

func fixtureWhere(filters models.FixtureFilters) *queryBuilder {
	b := &queryBuilder{}

	if filters.ID != "" {
		b.and("id = " + b.arg(filters.ID))
	}
	if filters.GameID != "" {
		b.and("game_id = " + b.arg(filters.GameID))
	}
	if filters.HomeTeam != "" {
		b.and("home_team ILIKE " + b.arg("%"+filters.HomeTeam+"%"))
	}
	if filters.AwayTeam != "" {
		b.and("away_team ILIKE " + b.arg("%"+filters.AwayTeam+"%"))
	}
	if filters.Team != "" {
		p := b.arg("%" + filters.Team + "%")
		b.and(fmt.Sprintf("(home_team ILIKE %s OR away_team ILIKE %s)", p, p))
	}
	if filters.Status != "" {
		p := b.arg(filters.Status)
		b.and(fmt.Sprintf("(status = %s OR raw_status = %s)", p, p))
	}
	if filters.SeasonYear != "" {
		b.and("season_year = " + b.arg(filters.SeasonYear))
	}
	if filters.SeasonWeek != "" {
		b.and("season_week = " + b.arg(filters.SeasonWeek))
	}
	if filters.SeasonType != "" {
		b.and("season_type = " + b.arg(filters.SeasonType))
	}
	if filters.HasOdds != nil {
		b.and("has_odds = " + b.arg(*filters.HasOdds))
	}
	if filters.IsLive != nil {
		b.and("is_live = " + b.arg(*filters.IsLive))
	}
	if filters.StartFrom != nil {
		b.and("start_time >= " + b.arg(*filters.StartFrom))
	}
	if filters.StartTo != nil {
		b.and("start_time <= " + b.arg(*filters.StartTo))
	}

	return b
}

func oddsWhere(filters models.OddsFilters, plan categoryPlan, team *teamScope) *queryBuilder {
	b := &queryBuilder{}

	if len(filters.FixtureIDs) > 0 {
		b.and("fixture_id = ANY(" + b.arg(pq.Array(filters.FixtureIDs)) + ")")
	}
	if filters.Sportsbook != "" {
		b.and("sportsbook = " + b.arg(filters.Sportsbook))
	}
	if filters.MarketID != "" {
		b.and("market_id = " + b.arg(filters.MarketID))
	}
	if filters.Market != "" {
		b.and("market ILIKE " + b.arg("%"+filters.Market+"%"))
	}

	if plan.mixed() {
		cond := fmt.Sprintf("(market_category = ANY(%s) OR (player_id = ANY(%s)",
			b.arg(pq.Array(categoryStrings(plan.playerless))), b.arg(pq.Array(plan.playerIDs)))
		if len(plan.rest) > 0 {
			cond += " AND market_category = ANY(" + b.arg(pq.Array(categoryStrings(plan.rest))) + ")"
		}
		b.and(cond + "))")
	} else {
		if len(plan.categories) > 0 {
			b.and("market_category = ANY(" + b.arg(pq.Array(categoryStrings(plan.categories))) + ")")
		}
		if len(plan.playerIDs) > 0 {
			b.and("player_id = ANY(" + b.arg(pq.Array(plan.playerIDs)) + ")")
		}
	}

	if team != nil {
		switch {
		case team.teamID != "":
			b.and("team_id = " + b.arg(team.teamID))
		case len(team.fixtureIDs) > 0:
			b.and("fixture_id = ANY(" + b.arg(pq.Array(team.fixtureIDs)) + ")")
		default:
			b.and("selection ILIKE " + b.arg("%"+team.selection+"%"))
		}
	}

	if filters.Selection != "" {
		b.and("selection ILIKE " + b.arg("%"+filters.Selection+"%"))
	}
	if filters.NormalizedSelection != "" {
		b.and("normalized_selection = " + b.arg(filters.NormalizedSelection))
	}
	if filters.IsMain != nil {
		b.and("is_main = " + b.arg(*filters.IsMain))
	}
	if filters.PriceMin != nil {
		b.and("price >= " + b.arg(*filters.PriceMin))
	}
	if filters.PriceMax != nil {
		b.and("price <= " + b.arg(*filters.PriceMax))
	}
	if filters.PointsMin != nil {
		b.and("points >= " + b.arg(*filters.PointsMin))
	}
	if filters.PointsMax != nil {
		b.and("points <= " + b.arg(*filters.PointsMax))
	}

	return b
}

func categoryStrings(categories []models.MarketCategory) []string {
	out := make([]string, len(categories))
	for i, c := range categories {
		out[i] = string(c)
	}
	return out
}

// GetFixture retrieves a single fixture by id
func (s *PostgresStore) GetFixture(ctx context.Context, id string) (*models.Fixture, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+fixtureColumns+", created_at, updated_at FROM fixtures WHERE id = $1", id)

	f, err := scanFixture(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fixture %s: %w", id, err)
	}
	return f, nil
}

// QueryFixtures retrieves fixtures ordered by start time
func (s *PostgresStore) QueryFixtures(ctx context.Context, filters models.FixtureFilters) ([]models.Fixture, int, error) {
	b := fixtureWhere(filters)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fixtures"+b.clause(), b.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count fixtures: %w", err)
	}

	query := "SELECT " + fixtureColumns + ", created_at, updated_at FROM fixtures" + b.clause() +
		" ORDER BY start_time ASC NULLS LAST, id ASC"
	query += " LIMIT " + b.arg(clampLimit(filters.Limit))
	query += " OFFSET " + b.arg(clampOffset(filters.Offset))

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query fixtures: %w", err)
	}
	defer rows.Close()

	fixtures := make([]models.Fixture, 0)
	for rows.Next() {
		f, err := scanFixture(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan fixture: %w", err)
		}
		fixtures = append(fixtures, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate fixtures: %w", err)
	}

	return fixtures, total, nil
}

// QueryOdds retrieves odds lines ordered by fixture, sportsbook and market
func (s *PostgresStore) QueryOdds(ctx context.Context, filters models.OddsFilters) (*models.OddsResult, error) {
	team, err := resolveTeam(ctx, filters.TeamID, s.QueryFixtures)
	if err != nil {
		return nil, fmt.Errorf("resolve team: %w", err)
	}
	b := oddsWhere(filters, newCategoryPlan(filters.Categories, filters.PlayerIDs), team)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM odds_lines"+b.clause(), b.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count odds: %w", err)
	}

	limit, offset := clampLimit(filters.Limit), clampOffset(filters.Offset)
	query := "SELECT " + oddsColumns + ", created_at, updated_at FROM odds_lines" + b.clause() +
		" ORDER BY fixture_id ASC, sportsbook ASC, market_id ASC, id ASC"
	query += " LIMIT " + b.arg(limit)
	query += " OFFSET " + b.arg(offset)

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query odds: %w", err)
	}
	defer rows.Close()

	lines := make([]models.OddsLine, 0)
	for rows.Next() {
		o, err := scanOdds(rows)
		if err != nil {
			return nil, fmt.Errorf("scan odds: %w", err)
		}
		lines = append(lines, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate odds: %w", err)
	}

	result := &models.OddsResult{Total: total}
	result.Page, result.TotalPages = pageInfo(total, limit, offset)

	if filters.GroupByFixture {
		if result.Grouped, err = groupByFixture(ctx, lines, s.GetFixture); err != nil {
			return nil, err
		}
		return result, nil
	}

	result.Odds = lines
	return result, nil
}

// FixtureIDs returns every stored fixture id
func (s *PostgresStore) FixtureIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM fixtures ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query fixture ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan fixture id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) LatestOddsUpdate(ctx context.Context) (*time.Time, error) {
	return s.maxUpdated(ctx, "odds_lines")
}

func (s *PostgresStore) LatestFixtureUpdate(ctx context.Context) (*time.Time, error) {
	return s.maxUpdated(ctx, "fixtures")
}

func (s *PostgresStore) maxUpdated(ctx context.Context, table string) (*time.Time, error) {
	var latest sql.NullTime
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM "+table).Scan(&latest); err != nil {
		return nil, fmt.Errorf("latest update of %s: %w", table, err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time.UTC()
	return &t, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFixture(row scanner) (*models.Fixture, error) {
	var (
		f                                  models.Fixture
		numericalID                        sql.NullInt64
		gameID, rawStatus                  sql.NullString
		homeTeam, awayTeam                 sql.NullString
		homeTeamID, awayTeamID             sql.NullString
		seasonYear, seasonWeek, seasonType sql.NullString
		leagueID, sportID, venueName       sql.NullString
		startTime                          sql.NullTime
		status                             string
		raw                                []byte
	)

	if err := row.Scan(
		&f.ID, &numericalID, &gameID, &startTime, &status, &rawStatus, &f.IsLive,
		&homeTeam, &awayTeam, &homeTeamID, &awayTeamID,
		&seasonYear, &seasonWeek, &seasonType, &leagueID, &sportID, &venueName,
		&f.HasOdds, &raw, &f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if numericalID.Valid {
		n := numericalID.Int64
		f.NumericalID = &n
	}
	if startTime.Valid {
		t := startTime.Time.UTC()
		f.StartTime = &t
	}
	f.Status = models.FixtureStatus(status)
	f.GameID, f.RawStatus = gameID.String, rawStatus.String
	f.HomeTeam, f.AwayTeam = homeTeam.String, awayTeam.String
	f.HomeTeamID, f.AwayTeamID = homeTeamID.String, awayTeamID.String
	f.SeasonYear, f.SeasonWeek, f.SeasonType = seasonYear.String, seasonWeek.String, seasonType.String
	f.LeagueID, f.SportID, f.VenueName = leagueID.String, sportID.String, venueName.String
	f.RawPayload = raw

	return &f, nil
}

func scanOdds(row scanner) (*models.OddsLine, error) {
	var (
		o                                     models.OddsLine
		market, marketID, category, name      sql.NullString
		selection, normalized, line, grouping sql.NullString
		playerID, teamID                      sql.NullString
		price, points                         sql.NullFloat64
		sourceTimestamp                       sql.NullTime
		raw                                   []byte
	)

	if err := row.Scan(
		&o.ID, &o.FixtureID, &o.Sportsbook, &market, &marketID, &category,
		&name, &selection, &normalized, &line, &playerID, &teamID,
		&price, &points, &o.IsMain, &sourceTimestamp, &grouping, &raw,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}

	o.Market, o.MarketID = market.String, marketID.String
	o.MarketCategory = models.MarketCategory(category.String)
	o.Name, o.Selection = name.String, selection.String
	o.NormalizedSelection, o.SelectionLine = normalized.String, line.String
	o.GroupingKey = grouping.String
	o.Price = price.Float64
	if points.Valid {
		p := points.Float64
		o.Points = &p
	}
	if playerID.Valid {
		p := playerID.String
		o.PlayerID = &p
	}
	if teamID.Valid {
		t := teamID.String
		o.TeamID = &t
	}
	if sourceTimestamp.Valid {
		t := sourceTimestamp.Time.UTC()
		o.SourceTimestamp = &t
	}
	o.RawPayload = raw

	return &o, nil
}
