package sentinel

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

func TestRedisBlacklist(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	key := "snowrail-test-blacklist-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(context.Background(), key) })

	bl := NewRedisBlacklist(client, key)
	require.NoError(t, bl.Ping(ctx))
	require.NoError(t, bl.Add(ctx, "Pay.Phish.Example", "scam.example"))

	hit, err := bl.Contains(ctx, "pay.phish.example", "phish.example")
	require.NoError(t, err)
	assert.True(t, hit, "host entry")

	hit, err = bl.Contains(ctx, "api.scam.example", "scam.example")
	require.NoError(t, err)
	assert.True(t, hit, "registrable domain entry")

	hit, err = bl.Contains(ctx, "api.stripe.com", "stripe.com")
	require.NoError(t, err)
	assert.False(t, hit)

	e := New(testConfig(), WithBlacklist(bl))
	res, err := e.Evaluate(ctx, "https://checkout.scam.example/pay", 100)
	require.NoError(t, err)
	assert.False(t, res.CanPay)
	assert.Equal(t, types.DecisionBlock, res.Decision)
	assert.Contains(t, res.BlockedReasons, "domain scam.example is blacklisted")
}

func TestRedisBlacklistUnavailableIsDegraded(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	bl := NewRedisBlacklist(client, "snowrail:blacklist")

	ctx := context.Background()
	assert.Error(t, bl.Ping(ctx))
	_, err := bl.Contains(ctx, "api.stripe.com", "stripe.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis blacklist lookup")

	e := New(testConfig(), WithBlacklist(bl))
	res, err := e.Evaluate(ctx, "https://api.stripe.com", 100)
	require.NoError(t, err)

	check := checkByType(t, res, CheckBlacklist)
	assert.True(t, check.Degraded)
	assert.False(t, check.Passed)
	assert.True(t, res.CanPay)
	assert.Empty(t, res.BlockedReasons)

	health := e.Health(ctx)
	assert.Error(t, health["blacklist"])
}
