// Package config loads gateway settings from YAML with GATEWAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qazna.org/gateway/internal/tier"
)

const envPrefix = "GATEWAY_"

type Config struct {
	App struct {
		// dev | prod
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		HealthAddr      string        `yaml:"health_addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		IdleTimeout     time.Duration `yaml:"idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		TrustProxy      bool          `yaml:"trust_proxy"`
		// browser origins allowed by CORS; empty disables it
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Backend struct {
		Target  string        `yaml:"target"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"backend"`

	Auth struct {
		Issuer    string        `yaml:"issuer"`
		Audience  string        `yaml:"audience"`
		ClockSkew time.Duration `yaml:"clock_skew"`
	} `yaml:"auth"`

	Rate struct {
		// sliding | fixed | redis-sliding | redis-fixed
		Strategy      string         `yaml:"strategy"`
		Window        time.Duration  `yaml:"window"`
		SweepInterval time.Duration  `yaml:"sweep_interval"`
		MaxRequests   int            `yaml:"max_requests"`
		Tiers         map[string]int `yaml:"tiers"`
		IPPerSecond   float64        `yaml:"ip_rps"`
		IPBurst       int            `yaml:"ip_burst"`
	} `yaml:"rate"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Storage struct {
		// memory | postgres
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`

	Webhooks struct {
		Events          []string      `yaml:"events"`
		Concurrency     int           `yaml:"concurrency"`
		DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	} `yaml:"webhooks"`

	Audit struct {
		// remote | log
		Sink         string        `yaml:"sink"`
		QueueSize    int           `yaml:"queue_size"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"audit"`
}

// Load reads path (optional), fills defaults, applies environment overrides and validates.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the configuration used when no file or environment is present.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.HealthAddr == "" {
		c.Server.HealthAddr = ":9090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = 5 * time.Second
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "qazna-auth"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "qazna-gateway"
	}
	if c.Auth.ClockSkew == 0 {
		c.Auth.ClockSkew = 300 * time.Second
	}
	if c.Rate.Strategy == "" {
		c.Rate.Strategy = "sliding"
	}
	if c.Rate.Window == 0 {
		c.Rate.Window = time.Minute
	}
	if c.Rate.SweepInterval == 0 {
		c.Rate.SweepInterval = time.Minute
	}
	if c.Rate.MaxRequests == 0 {
		c.Rate.MaxRequests = 20
	}
	c.mergeDefaultTiers()
	if c.Rate.IPPerSecond == 0 {
		c.Rate.IPPerSecond = 50
	}
	if c.Rate.IPBurst == 0 {
		c.Rate.IPBurst = 100
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "gw:rl:"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if len(c.Webhooks.Events) == 0 {
		c.Webhooks.Events = []string{
			"ledger.account.created",
			"ledger.transfer.completed",
			"order.created",
			"order.filled",
			"order.cancelled",
			"audit.alert",
		}
	}
	if c.Webhooks.Concurrency == 0 {
		c.Webhooks.Concurrency = 8
	}
	if c.Webhooks.DeliveryTimeout == 0 {
		c.Webhooks.DeliveryTimeout = 10 * time.Second
	}
	if c.Audit.Sink == "" {
		if c.Backend.Target != "" {
			c.Audit.Sink = "remote"
		} else {
			c.Audit.Sink = "log"
		}
	}
	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Audit.WriteTimeout == 0 {
		c.Audit.WriteTimeout = 2 * time.Second
	}
}

var defaultTierQuotas = map[tier.Tier]int{
	tier.Public:  20,
	tier.Buyer:   50,
	tier.Auditor: 100,
	tier.Owner:   200,
}

// mergeDefaultTiers fills every tier missing from rate.tiers with its built-in quota, so a file
// overriding one tier keeps the others.
func (c *Config) mergeDefaultTiers() {
	if c.Rate.Tiers == nil {
		c.Rate.Tiers = make(map[string]int, len(defaultTierQuotas))
	}
	present := make(map[tier.Tier]bool, len(c.Rate.Tiers))
	for k := range c.Rate.Tiers {
		if t, ok := tier.Parse(k); ok {
			present[t] = true
		}
	}
	for t, n := range defaultTierQuotas {
		if !present[t] {
			c.Rate.Tiers[t.String()] = n
		}
	}
}

// Quotas returns the per-tier request quotas keyed by tier.
func (c *Config) Quotas() map[tier.Tier]int {
	out := make(map[tier.Tier]int, len(c.Rate.Tiers))
	for k, v := range c.Rate.Tiers {
		if t, ok := tier.Parse(k); ok {
			out[t] = v
		}
	}
	return out
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Rate.Strategy {
	case "sliding", "fixed":
	case "redis-sliding", "redis-fixed":
		if c.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("rate.strategy %s requires redis.addr", c.Rate.Strategy))
		}
	default:
		errs = append(errs, fmt.Errorf("rate.strategy: unknown value %q", c.Rate.Strategy))
	}
	for k, v := range c.Rate.Tiers {
		if _, ok := tier.Parse(k); !ok {
			errs = append(errs, fmt.Errorf("rate.tiers: unknown tier %q", k))
		}
		if v <= 0 {
			errs = append(errs, fmt.Errorf("rate.tiers.%s must be positive", k))
		}
	}
	if c.Rate.Window < time.Second {
		errs = append(errs, errors.New("rate.window must be at least 1s"))
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown value %q", c.Storage.Driver))
	}
	switch c.Audit.Sink {
	case "log":
	case "remote":
		if c.Backend.Target == "" {
			errs = append(errs, errors.New("audit.sink remote requires backend.target"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.sink: unknown value %q", c.Audit.Sink))
	}
	return errors.Join(errs...)
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvFloat(key string) (float64, bool) {
	if s, ok := getEnvStr(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

func getEnvCSV(key string) ([]string, bool) {
	if s, ok := getEnvStr(key); ok {
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, true
	}
	return nil, false
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}

	if v, ok := getEnvStr("ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("HEALTH_ADDR"); ok {
		c.Server.HealthAddr = v
	}
	if v, ok := getEnvBool("TRUST_PROXY"); ok {
		c.Server.TrustProxy = v
	}
	if v, ok := getEnvCSV("CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = v
	}

	if v, ok := getEnvStr("BACKEND_TARGET"); ok {
		c.Backend.Target = v
	}
	if v, ok := getEnvDur("BACKEND_TIMEOUT"); ok {
		c.Backend.Timeout = v
	}

	if v, ok := getEnvStr("AUTH_ISSUER"); ok {
		c.Auth.Issuer = v
	}
	if v, ok := getEnvStr("AUTH_AUDIENCE"); ok {
		c.Auth.Audience = v
	}
	if v, ok := getEnvDur("AUTH_CLOCK_SKEW"); ok {
		c.Auth.ClockSkew = v
	}

	if v, ok := getEnvStr("RATE_STRATEGY"); ok {
		c.Rate.Strategy = strings.ToLower(v)
	}
	if v, ok := getEnvDur("RATE_WINDOW"); ok {
		c.Rate.Window = v
	}
	if v, ok := getEnvDur("RATE_SWEEP_INTERVAL"); ok {
		c.Rate.SweepInterval = v
	}
	if v, ok := getEnvInt("RATE_MAX_REQUESTS"); ok {
		c.Rate.MaxRequests = v
	}
	if v, ok := getEnvFloat("RATE_IP_RPS"); ok {
		c.Rate.IPPerSecond = v
	}
	if v, ok := getEnvInt("RATE_IP_BURST"); ok {
		c.Rate.IPBurst = v
	}

	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Redis.DB = v
	}

	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := getEnvStr("PG_DSN"); ok {
		c.Storage.DSN = v
	}

	if v, ok := getEnvCSV("WEBHOOK_EVENTS"); ok {
		c.Webhooks.Events = v
	}

	if v, ok := getEnvStr("AUDIT_SINK"); ok {
		c.Audit.Sink = strings.ToLower(v)
	}
	if v, ok := getEnvInt("AUDIT_QUEUE_SIZE"); ok {
		c.Audit.QueueSize = v
	}
}
