package handlers_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/handlers"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/ingest"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/logging"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/retry"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/store"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/stream"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/upstream"
	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
)

type testEnv struct {
	server   *httptest.Server
	store    *store.MemoryStore
	fixtures *stream.Manager
	odds     *stream.Manager
}

type envOptions struct {
	store    store.Store
	provider *httptest.Server
	noFetch  bool
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	mem := store.NewMemoryStore()
	var st store.Store = mem
	if opts.store != nil {
		st = opts.store
	}

	logger := logging.Discard()
	fixtures := stream.NewManager(stream.Options{Name: "fixtures", Keepalive: time.Minute, Logger: logger})
	odds := stream.NewManager(stream.Options{Name: "odds", Keepalive: time.Minute, Logger: logger})

	var fetcher *ingest.Fetcher
	if !opts.noFetch {
		baseURL := "http://127.0.0.1:1"
		if opts.provider != nil {
			baseURL = opts.provider.URL
		}
		client := upstream.New(baseURL, "test-key", time.Second)
		fetcher = ingest.NewFetcher(client, odds, fixtures, retry.NewRetryPolicy(1, 0), []string{"fanduel"}, 0, logger)
	}

	h := handlers.NewHandler(st, []*stream.Manager{fixtures, odds}, fetcher, nil, logger)
	srv := httptest.NewServer(handlers.NewRouter(h, []string{"*"}, 5*time.Second))
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: mem, fixtures: fixtures, odds: odds}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func (e *testEnv) post(t *testing.T, path, payload string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func strPtr(s string) *string { return &s }

func seed(t *testing.T, st *store.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	kickoff := time.Date(2025, 9, 7, 17, 0, 0, 0, time.UTC)

	fixtures := []models.Fixture{
		{ID: "f1", StartTime: &kickoff, Status: models.StatusScheduled, RawStatus: "unplayed", HomeTeam: "New York Giants", AwayTeam: "Washington Commanders", HomeTeamID: "ACC49FC634EE"},
		{ID: "f2", Status: models.StatusLive, RawStatus: "live", IsLive: true, HomeTeam: "Philadelphia Eagles", AwayTeam: "Dallas Cowboys"},
		{ID: "f3", Status: models.StatusFinished, RawStatus: "completed", HomeTeam: "Kansas City Chiefs", AwayTeam: "Buffalo Bills"},
	}
	_, err := st.MergeFixtures(ctx, fixtures)
	require.NoError(t, err)

	lines := []models.OddsLine{
		{ID: "o1", FixtureID: "f1", Sportsbook: "FanDuel", MarketID: "moneyline", MarketCategory: models.CategoryMoneyline, Selection: "New York Giants", Price: 150},
		{ID: "o2", FixtureID: "f1", Sportsbook: "DraftKings", MarketID: "point_spread", MarketCategory: models.CategorySpread, Selection: "New York Giants", Price: -110},
		{ID: "o3", FixtureID: "f1", Sportsbook: "DraftKings", MarketID: "moneyline", MarketCategory: models.CategoryMoneyline, Selection: "Washington Commanders", Price: -170},
		{ID: "o4", FixtureID: "f2", Sportsbook: "FanDuel", MarketID: "player_passing_yards", MarketCategory: models.CategoryPlayerProp, Selection: "Jalen Hurts", PlayerID: strPtr("8B1F53E0A2C4"), Price: -115},
	}
	_, err = st.MergeOdds(ctx, lines)
	require.NoError(t, err)
}

func TestHealthCheck(t *testing.T) {
	env := newEnv(t, envOptions{})

	resp, body := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "odds-feed", body["service"])
}

type downStore struct {
	store.Store
}

func (downStore) Ping(ctx context.Context) error { return errors.New("connection refused") }

func TestHealthCheck_StoreDown(t *testing.T) {
	env := newEnv(t, envOptions{store: downStore{store.NewMemoryStore()}})

	resp, body := env.get(t, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "database unhealthy", body["message"])
	assert.EqualValues(t, http.StatusServiceUnavailable, body["code"])
}

func TestGetFixtures(t *testing.T) {
	env := newEnv(t, envOptions{})
	seed(t, env.store)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"f1", "f2", "f3"}},
		{"status", "?status=live", []string{"f2"}},
		{"team name", "?team=Giants", []string{"f1"}},
		{"is_live", "?is_live=true", []string{"f2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.get(t, "/api/v1/fixtures"+tt.query)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			data := body["data"].([]interface{})
			ids := make([]string, 0, len(data))
			for _, d := range data {
				ids = append(ids, d.(map[string]interface{})["id"].(string))
			}
			assert.ElementsMatch(t, tt.want, ids)
			assert.EqualValues(t, len(tt.want), body["total"])
		})
	}
}

func TestGetFixtures_Pagination(t *testing.T) {
	env := newEnv(t, envOptions{})
	seed(t, env.store)

	_, body := env.get(t, "/api/v1/fixtures?limit=2&offset=2")
	assert.Len(t, body["data"], 1)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["page"])
	assert.EqualValues(t, 2, body["total_pages"])
}

func TestGetFixtures_BadInput(t *testing.T) {
	env := newEnv(t, envOptions{})

	for _, q := range []string{
		"?start_date_from=yesterday",
		"?start_date_to=2025-13-45",
		"?limit=0",
		"?limit=10001",
		"?has_odds=maybe",
	} {
		resp, body := env.get(t, "/api/v1/fixtures"+q)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		assert.NotEmpty(t, body["message"], q)
	}
}

func TestGetFixture(t *testing.T) {
	env := newEnv(t, envOptions{})
	seed(t, env.store)

	resp, body := env.get(t, "/api/v1/fixtures/f1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].([]interface{})
	require.Len(t, data, 1)
	assert.Equal(t, "New York Giants", data[0].(map[string]interface{})["home_team_display"])

	resp, body = env.get(t, "/api/v1/fixtures/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body["message"], "missing")
}

func TestGetFixtureOdds(t *testing.T) {
	env := newEnv(t, envOptions{})
	seed(t, env.store)

	resp, body := env.get(t, "/api/v1/fixtures/f1/odds")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := body["data"].([]interface{})
	require.Len(t, data, 1)
	fixture := data[0].(map[string]interface{})
	assert.Equal(t, "f1", fixture["id"])
	assert.Equal(t, "New York Giants", fixture["home_team_display"])

	odds := fixture["odds"].([]interface{})
	var order []string
	for _, o := range odds {
		order = append(order, o.(map[string]interface{})["id"].(string))
	}
	assert.Equal(t, []string{"o3", "o2", "o1"}, order)

	_, body = env.get(t, "/api/v1/fixtures/f1/odds?sportsbook=FanDuel")
	fixture = body["data"].([]interface{})[0].(map[string]interface{})
	assert.Len(t, fixture["odds"], 1)

	resp, _ = env.get(t, "/api/v1/fixtures/nope/odds")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOdds(t *testing.T) {
	env := newEnv(t, envOptions{})
	seed(t, env.store)

	resp, body := env.get(t, "/api/v1/odds?market_category=moneyline")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total"])
	assert.Len(t, body["data"], 2)

	// Moneylines plus the player's props
	_, body = env.get(t, "/api/v1/odds?market_category=moneyline&player_id=8B1F53E0A2C4")
	assert.EqualValues(t, 3, body["total"])

	_, body = env.get(t, "/api/v1/odds?group_by_fixture=true")
	grouped := body["data"].([]interface{})
	require.Len(t, grouped, 2)
	first := grouped[0].(map[string]interface{})
	assert.Contains(t, first, "odds")
	assert.Contains(t, first, "id")

	resp, body = env.get(t, "/api/v1/odds?price_min=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["message"], "price_min")
}

func TestPushAndLatest(t *testing.T) {
	env := newEnv(t, envOptions{})

	resp, body := env.post(t, "/api/v1/stream/fixtures/push", `{"fixtures":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No fixtures provided", body["message"])

	resp, body = env.post(t, "/api/v1/stream/fixtures/push", `{"fixtures":[{"id":"f1"},{"id":"f2"}],"session_id":"thread-9"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "thread-9", body["session_id"])

	_, body = env.get(t, "/api/v1/stream/fixtures/latest?session_id=thread-9")
	assert.Equal(t, []interface{}{
		map[string]interface{}{"id": "f1"},
		map[string]interface{}{"id": "f2"},
	}, body["fixtures"])

	_, body = env.get(t, "/api/v1/stream/fixtures/latest")
	assert.Equal(t, "default", body["session_id"])
	assert.Nil(t, body["fixtures"])

	resp, body = env.post(t, "/api/v1/stream/odds/push", `{"odds":{"data":[{"id":"f1","odds":[]}]}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "default", body["session_id"])
	latest, ok := env.odds.GetLatest(context.Background(), "default")
	require.True(t, ok)
	assert.JSONEq(t, `{"data":[{"id":"f1","odds":[]}]}`, string(latest))

	resp, _ = env.post(t, "/api/v1/stream/odds/push", `{"odds":null}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.post(t, "/api/v1/stream/fixtures/push", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.get(t, "/api/v1/stream/scores/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readEvent(t *testing.T, r *bufio.Reader) models.Event {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), line)

		var ev models.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		return ev
	}
}

func TestStreamEvents_SSE(t *testing.T) {
	env := newEnv(t, envOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/v1/stream/odds?session_id=user-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	reader := bufio.NewReader(resp.Body)

	connected := readEvent(t, reader)
	assert.Equal(t, models.EventTypeConnected, connected.Type)
	assert.Equal(t, "user-1", connected.SessionID)
	require.NotNil(t, connected.Message)
	assert.Equal(t, "Connected to odds stream", *connected.Message)

	require.Eventually(t, func() bool { return env.odds.ConnectionCount("user-1") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, env.odds.Publish(context.Background(), "user-1", map[string]int{"count": 3}))

	ev := readEvent(t, reader)
	assert.Equal(t, models.EventTypeData, ev.Type)
	assert.JSONEq(t, `{"count":3}`, string(ev.Data))

	cancel()
	assert.Eventually(t, func() bool { return env.odds.ConnectionCount("user-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandleWebSocket(t *testing.T) {
	env := newEnv(t, envOptions{})

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/fixtures?session_id=thread-3"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var connected models.Event
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, models.EventTypeConnected, connected.Type)

	require.Eventually(t, func() bool { return env.fixtures.ConnectionCount("thread-3") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, env.fixtures.Publish(context.Background(), "thread-3", []string{"f1"}))

	var ev models.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, models.EventTypeData, ev.Type)
	assert.JSONEq(t, `["f1"]`, string(ev.Data))

	conn.Close()
	assert.Eventually(t, func() bool { return env.fixtures.ConnectionCount("thread-3") == 0 }, time.Second, 10*time.Millisecond)
}

func TestFetchOdds(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fixtures/odds", r.URL.Path)
		ids := r.URL.Query()["fixture_id"]
		items := make([]string, 0, len(ids))
		for _, id := range ids {
			items = append(items, fmt.Sprintf(`{"id":%q,"odds":[]}`, id))
		}
		fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(items, ","))
	}))
	defer provider.Close()

	env := newEnv(t, envOptions{provider: provider})

	resp, body := env.post(t, "/api/v1/odds/fetch", `{"fixture_ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "fixture_ids is required", body["message"])

	resp, body = env.post(t, "/api/v1/odds/fetch", `{"fixture_ids":["a","b","c","d","e","f"],"session_id":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["batches"])
	assert.EqualValues(t, 6, body["published"])

	latest, ok := env.odds.GetLatest(context.Background(), "s1")
	require.True(t, ok)
	var items []map[string]interface{}
	require.NoError(t, json.Unmarshal(latest, &items))
	assert.Len(t, items, 6)
}

func TestFetchOdds_NotConfigured(t *testing.T) {
	env := newEnv(t, envOptions{noFetch: true})

	resp, _ := env.post(t, "/api/v1/odds/fetch", `{"fixture_ids":["a"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGetMetrics(t *testing.T) {
	env := newEnv(t, envOptions{})
	require.NoError(t, env.fixtures.Publish(context.Background(), "s", map[string]string{"k": "v"}))

	resp, body := env.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	streams := body["streams"].(map[string]interface{})
	fixtures := streams["fixtures"].(map[string]interface{})
	assert.EqualValues(t, 1, fixtures["total_published"])
	assert.Contains(t, streams, "odds")
	assert.NotContains(t, body, "ingest")
}
