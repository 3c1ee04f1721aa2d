package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfigDefaults(t *testing.T) {
	cfg, err := env.ParseAs[PoolConfig]()
	require.NoError(t, err)

	assert.Equal(t, "nrp.db", cfg.DatabasePath)
	assert.Equal(t, 10*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.StreamingBufferWindow)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, DefaultRelays, cfg.Relays())
}

func TestPoolConfigFromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/tmp/test.db")
	t.Setenv("NOSTR_RELAYS", "wss://one.example.com;wss://two.example.com")
	t.Setenv("RESPONSE_TIMEOUT", "3s")
	t.Setenv("STREAMING_BUFFER_WINDOW", "250ms")

	cfg, err := env.ParseAs[PoolConfig]()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.DatabasePath)
	assert.Equal(t, []string{"wss://one.example.com", "wss://two.example.com"}, cfg.Relays())
	assert.Equal(t, 3*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.StreamingBufferWindow)
}

func TestRelayGroupParsing(t *testing.T) {
	t.Setenv("RELAY_GROUPS", "primary=wss://a.example.com|wss://b.example.com;backup=wss://c.example.com")

	cfg, err := env.ParseAs[PoolConfig]()
	require.NoError(t, err)

	groups := cfg.Groups()
	assert.Equal(t, []string{"wss://a.example.com", "wss://b.example.com"}, groups["primary"])
	assert.Equal(t, []string{"wss://c.example.com"}, groups["backup"])
}
