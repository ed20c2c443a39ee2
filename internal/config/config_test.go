package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 60*time.Second, cfg.ProposalTimeout)
	assert.Equal(t, 0.01, cfg.MinSimilarity)
	assert.Equal(t, 500, cfg.BatchLimit)
	assert.False(t, cfg.RunMigrations)
	assert.False(t, cfg.RequireForward)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MATCH_MAX_DETOUR_METERS", "1200.5")
	t.Setenv("MATCH_PROPOSAL_TIMEOUT", "45s")
	t.Setenv("SEAT_HOLD_CENTS", "350")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MATCH_REQUIRE_FORWARD", "true")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1200.5, cfg.MaxDetourMeters)
	assert.Equal(t, 45*time.Second, cfg.ProposalTimeout)
	assert.Equal(t, int64(350), cfg.SeatHoldCents)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RequireForward)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("MATCH_MIN_SIMILARITY", "1.5")
	t.Setenv("BATCH_LIMIT", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP_READ_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCH_MIN_SIMILARITY")
	assert.Contains(t, err.Error(), "BATCH_LIMIT")
}

func TestLoadConsumerConfigRequiresDSN(t *testing.T) {
	t.Setenv("PG_DSN", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("REDIS_PREFIX", "")
	_, err := LoadConsumerConfig()
	require.Error(t, err)

	t.Setenv("PG_DSN", "postgres://localhost/rides")
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, "search-locations", cfg.KafkaTopic)
	assert.Equal(t, "ride-pairing:", cfg.RedisPrefix)
	assert.Empty(t, cfg.RedisAddr)
}
