package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loxone-mcp/gateway/pkg/config"
	"github.com/loxone-mcp/gateway/pkg/credentials"
	"github.com/loxone-mcp/gateway/pkg/loxone/auth"
	"github.com/loxone-mcp/gateway/pkg/loxone/client"
	"github.com/loxone-mcp/gateway/pkg/ratelimit"
)

func TestMergeTiersAppliesPartialOverride(t *testing.T) {
	base := ratelimit.DefaultTiers()

	merged := mergeTiers(base, map[string]config.TierOverride{
		"high_frequency": {RatePerMinute: 120},
	})

	hf := merged[ratelimit.HighFrequency]
	assert.Equal(t, 120, hf.RatePerMinute)
	assert.Equal(t, base[ratelimit.HighFrequency].Burst, hf.Burst)
	assert.Equal(t, base[ratelimit.HighFrequency].PenaltyBase, hf.PenaltyBase)

	assert.Equal(t, base[ratelimit.Admin], merged[ratelimit.Admin])
}

func TestMergeTiersIgnoresUnknownTierName(t *testing.T) {
	base := ratelimit.DefaultTiers()

	merged := mergeTiers(base, map[string]config.TierOverride{
		"nonexistent": {RatePerMinute: 999},
	})

	assert.Equal(t, base, merged)
}

func TestHashPasswordIsDeterministicForSameSalt(t *testing.T) {
	a := hashPassword("secret", "abc123")
	b := hashPassword("secret", "abc123")
	c := hashPassword("other", "abc123")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestMiniserverProberTimeoutDefaults(t *testing.T) {
	p := newMiniserverProber("http://10.0.0.1", 0)
	assert.Equal(t, 10*time.Second, p.httpClient.Timeout)
}

func TestWatchConfigIsANoOpWithoutAConfigPath(t *testing.T) {
	g := &Gateway{}
	g.watchConfig(context.Background())
}

func TestNewBackendPicksHTTPByDefault(t *testing.T) {
	machine := auth.New(newMiniserverProber("http://10.0.0.1", 0), credentials.Credentials{Username: "admin", Password: "secret"})
	cfg := config.Config{Miniserver: config.Miniserver{URL: "http://10.0.0.1"}}

	backend, err := newBackend(cfg, machine)
	require.NoError(t, err)
	_, ok := backend.(*client.HTTPBackend)
	assert.True(t, ok, "expected *client.HTTPBackend, got %T", backend)
}

func TestNewBackendPicksWebSocketForWSScheme(t *testing.T) {
	machine := auth.New(newMiniserverProber("http://10.0.0.1", 0), credentials.Credentials{Username: "admin", Password: "secret"})
	cfg := config.Config{Miniserver: config.Miniserver{URL: "ws://10.0.0.1/ws"}}

	backend, err := newBackend(cfg, machine)
	require.NoError(t, err)
	_, ok := backend.(*client.WebSocketBackend)
	assert.True(t, ok, "expected *client.WebSocketBackend, got %T", backend)
}

func TestNewBackendRejectsInvalidURL(t *testing.T) {
	machine := auth.New(newMiniserverProber("http://10.0.0.1", 0), credentials.Credentials{Username: "admin", Password: "secret"})
	cfg := config.Config{Miniserver: config.Miniserver{URL: "://bad"}}

	_, err := newBackend(cfg, machine)
	assert.Error(t, err)
}
