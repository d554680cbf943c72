//go:build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/logging"
	"github.com/XavierBriggs/fortuna/services/odds-feed/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisURL() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	return "redis://localhost:6380/15"
}

func TestLatestCache_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	client, err := Connect(ctx, redisURL())
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	c := NewLatestCache(client, "odds-feed-test")
	defer client.Del(ctx, "odds-feed-test:fixtures_stream:abc")

	_, ok, err := c.GetLatest(ctx, "fixtures_stream:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetLatest(ctx, "fixtures_stream:abc", []byte(`{"count":1}`), time.Second))

	data, ok, err := c.GetLatest(ctx, "fixtures_stream:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"count":1}`, string(data))

	time.Sleep(1500 * time.Millisecond)
	_, ok, err = c.GetLatest(ctx, "fixtures_stream:abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLatestCache_BacksStreamManager(t *testing.T) {
	ctx := context.Background()
	client, err := Connect(ctx, redisURL())
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	c := NewLatestCache(client, "odds-feed-test")
	defer client.Del(ctx, "odds-feed-test:odds_stream:restart")

	before := stream.NewManager(stream.Options{Name: "odds", Mirror: c, Logger: logging.Discard()})
	require.NoError(t, before.Publish(ctx, "restart", map[string]int{"count": 4}))

	after := stream.NewManager(stream.Options{Name: "odds", Mirror: c, Logger: logging.Discard()})
	data, ok := after.GetLatest(ctx, "restart")
	require.True(t, ok)
	assert.JSONEq(t, `{"count":4}`, string(data))
}
