package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qazna.org/gateway/internal/tier"
)

func TestDefaults(t *testing.T) {
	c := Default()
	require.Equal(t, ":8080", c.Server.Addr)
	require.Equal(t, "sliding", c.Rate.Strategy)
	require.Equal(t, time.Minute, c.Rate.Window)
	require.Equal(t, 300*time.Second, c.Auth.ClockSkew)
	require.Equal(t, "memory", c.Storage.Driver)
	require.Equal(t, "log", c.Audit.Sink)
	require.Len(t, c.Webhooks.Events, 6)
	require.NoError(t, c.Validate())

	q := c.Quotas()
	require.Equal(t, 50, q[tier.Buyer])
	require.Equal(t, 200, q[tier.Owner])
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yml := `
app:
  env: prod
server:
  addr: ":9000"
backend:
  target: "dns:///backend:7000"
rate:
  strategy: fixed
  window: 30s
  tiers:
    public: 5
    owner: 500
webhooks:
  events: [order.created]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("GATEWAY_ADDR", ":9100")
	t.Setenv("GATEWAY_AUTH_CLOCK_SKEW", "2m")
	t.Setenv("GATEWAY_CORS_ORIGINS", "https://app.qazna.org, https://admin.qazna.org")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "prod", c.App.Env)
	require.Equal(t, ":9100", c.Server.Addr)
	require.Equal(t, "fixed", c.Rate.Strategy)
	require.Equal(t, 30*time.Second, c.Rate.Window)
	require.Equal(t, 2*time.Minute, c.Auth.ClockSkew)
	require.Equal(t, []string{"https://app.qazna.org", "https://admin.qazna.org"}, c.Server.CORSOrigins)
	require.Equal(t, []string{"order.created"}, c.Webhooks.Events)
	require.Equal(t, "remote", c.Audit.Sink)
	require.Equal(t, map[tier.Tier]int{tier.Public: 5, tier.Buyer: 50, tier.Auditor: 100, tier.Owner: 500}, c.Quotas())
}

func TestPartialTierOverrideKeepsOtherTiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate:\n  tiers:\n    buyer: 75\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, map[tier.Tier]int{
		tier.Public:  20,
		tier.Buyer:   75,
		tier.Auditor: 100,
		tier.Owner:   200,
	}, c.Quotas())
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("GATEWAY_RATE_STRATEGY", "redis-sliding")
	t.Setenv("GATEWAY_REDIS_ADDR", "localhost:6379")
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "redis-sliding", c.Rate.Strategy)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown strategy":   func(c *Config) { c.Rate.Strategy = "leaky" },
		"redis without addr": func(c *Config) { c.Rate.Strategy = "redis-fixed" },
		"unknown tier":       func(c *Config) { c.Rate.Tiers = map[string]int{"vip": 10} },
		"zero quota":         func(c *Config) { c.Rate.Tiers = map[string]int{"buyer": 0} },
		"postgres no dsn":    func(c *Config) { c.Storage.Driver = "postgres" },
		"remote sink":        func(c *Config) { c.Audit.Sink = "remote" },
		"short window":       func(c *Config) { c.Rate.Window = time.Millisecond },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
