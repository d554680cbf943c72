package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.opticodds.com/api/v3"

	// MaxFixturesPerRequest is the provider's cap on fixture_id params per odds request
	MaxFixturesPerRequest = 5
)

// StatusError is returned when the provider answers with a non-200 status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("OpticOdds API error: status=%d, body=%s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is worth retrying on a later attempt:
// network failures, rate limiting and server errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Client handles OpticOdds API requests
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
}

// New creates a new OpticOdds API client
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: "FortunaOddsFeed/1.0",
	}
}

// FetchActiveFixtures returns the raw active fixtures for a league
func (c *Client) FetchActiveFixtures(ctx context.Context, league string) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set("league", league)

	return c.fetch(ctx, "/fixtures/active", params)
}

// FetchOdds returns raw fixtures, each carrying an "odds" array, for up to
// MaxFixturesPerRequest fixture ids across the given sportsbooks.
func (c *Client) FetchOdds(ctx context.Context, fixtureIDs, sportsbooks []string) ([]json.RawMessage, error) {
	if len(fixtureIDs) == 0 {
		return nil, nil
	}
	if len(fixtureIDs) > MaxFixturesPerRequest {
		return nil, fmt.Errorf("too many fixture ids: %d > %d", len(fixtureIDs), MaxFixturesPerRequest)
	}

	params := url.Values{}
	for _, book := range sportsbooks {
		params.Add("sportsbook", book)
	}
	for _, id := range fixtureIDs {
		params.Add("fixture_id", id)
	}

	return c.fetch(ctx, "/fixtures/odds", params)
}

type envelope struct {
	Data []json.RawMessage `json:"data"`
}

// fetch makes an HTTP GET request and returns the response's data array
func (c *Client) fetch(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result envelope
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	return result.Data, nil
}
