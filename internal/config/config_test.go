package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-jwt-secret-for-testing-32+"

// validEnv sets the minimum env vars for a valid config.
func validEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_JWT_SECRET", testSecret)
	t.Setenv("PLATFORM_BASE_URL", "https://platform.example.com/api")
	t.Setenv("DECRYPT_URL", "https://platform.example.com/api/decrypt")
	t.Setenv("PAYMENTS_LIGHTNING_ADDRESS", "courses@getalby.com")
}

func writeYAML(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// chdirTemp runs the test from an empty directory so ./config.yaml is absent.
func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

const validYAML = `
server:
  host: "127.0.0.1"
  port: 9090
  public_url: "https://learn.example.com/"

auth:
  jwt_secret: "this-is-a-very-long-jwt-secret-for-testing-32+"
  jwt_issuer: "platform"

platform:
  base_url: "https://platform.example.com/api"
  timeout: "3s"

decrypt:
  mode: "local"
  app_key: "0000000000000000000000000000000000000000000000000000000000000001"

lessons:
  max_attempts: 5

payments:
  lightning_address: "courses@getalby.com"
  course_poll_interval: "2s"

subscription:
  amount_sats: 21000
  nwc_encryption: "nip44_v2"

content:
  relays:
    - "wss://relay.one"
    - "wss://relay.two"

log:
  level: "debug"
`

func TestLoadFromEnvDefaults(t *testing.T) {
	chdirTemp(t)
	validEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "remote", cfg.Decrypt.Mode)
	assert.Equal(t, 100*time.Millisecond, cfg.Decrypt.WaitDelay)
	assert.Equal(t, 3, cfg.Lessons.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Lessons.AttemptTimeout)
	assert.Equal(t, 5*time.Second, cfg.Lessons.RetryDelay)
	assert.Equal(t, time.Second, cfg.Payments.CoursePollInterval)
	assert.Equal(t, 2*time.Second, cfg.Payments.ResourcePollInterval)
	assert.Equal(t, int64(50000), cfg.Subscription.AmountSats)
	assert.Equal(t, "monthly", cfg.Subscription.BudgetRenewal)
	assert.Equal(t, 8760*time.Hour, cfg.Subscription.Expiry)
	assert.Equal(t, "nip04", cfg.Subscription.Encryption)
	assert.Equal(t, "http", cfg.Store.Driver)
	assert.Len(t, cfg.Content.Relays, 3)
	assert.Equal(t, "courses@getalby.com", cfg.SubscriptionAddress())
	assert.Equal(t, "http://localhost:8080/nwc/callback", cfg.Subscription.NWCCallbackURL(cfg.Server.PublicURL))
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", writeYAML(t, dir, validYAML))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "platform", cfg.Auth.JWTIssuer)
	assert.Equal(t, 3*time.Second, cfg.Platform.Timeout)
	assert.Equal(t, "local", cfg.Decrypt.Mode)
	assert.Equal(t, 5, cfg.Lessons.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Payments.CoursePollInterval)
	assert.Equal(t, int64(21000), cfg.Subscription.AmountSats)
	assert.Equal(t, "nip44_v2", cfg.Subscription.Encryption)
	assert.Equal(t, []string{"wss://relay.one", "wss://relay.two"}, cfg.Content.Relays)
	assert.Equal(t, "https://learn.example.com/nwc/callback", cfg.Subscription.NWCCallbackURL(cfg.Server.PublicURL))
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CONFIG_PATH", writeYAML(t, dir, validYAML))
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("SUBSCRIPTION_LIGHTNING_ADDRESS", "subs@getalby.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "subs@getalby.com", cfg.SubscriptionAddress())
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.ErrorContains(t, err, "nope.yaml")
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PLATFORM_BASE_URL", "https://platform.example.com")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Log:          LogConfig{Level: "info"},
			Auth:         AuthConfig{JWTSecret: testSecret},
			Platform:     PlatformConfig{BaseURL: "https://p"},
			Decrypt:      DecryptConfig{Mode: "remote", URL: "https://p/decrypt"},
			Lessons:      LessonsConfig{MaxAttempts: 3},
			Payments:     PaymentsConfig{LightningAddress: "a@b.c", CoursePollInterval: time.Second, ResourcePollInterval: 2 * time.Second},
			Subscription: SubscriptionConfig{AmountSats: 1, Encryption: "nip04"},
			Content:      ContentConfig{Relays: []string{"wss://r"}},
			Store:        StoreConfig{Driver: "http"},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"short jwt secret":   func(c *Config) { c.Auth.JWTSecret = "short" },
		"bad log level":      func(c *Config) { c.Log.Level = "trace" },
		"unknown driver":     func(c *Config) { c.Store.Driver = "mysql" },
		"postgres no dsn":    func(c *Config) { c.Store.Driver = "postgres" },
		"http no platform":   func(c *Config) { c.Platform.BaseURL = "" },
		"remote no url":      func(c *Config) { c.Decrypt.URL = "" },
		"local bad key":      func(c *Config) { c.Decrypt.Mode = "local"; c.Decrypt.AppKey = "abcd" },
		"unknown mode":       func(c *Config) { c.Decrypt.Mode = "magic" },
		"zero attempts":      func(c *Config) { c.Lessons.MaxAttempts = 0 },
		"poll too fast":      func(c *Config) { c.Payments.CoursePollInterval = 500 * time.Millisecond },
		"poll too slow":      func(c *Config) { c.Payments.ResourcePollInterval = 6 * time.Second },
		"no payment address": func(c *Config) { c.Payments.LightningAddress = "" },
		"zero subscription":  func(c *Config) { c.Subscription.AmountSats = 0 },
		"unknown encryption": func(c *Config) { c.Subscription.Encryption = "nip44" },
		"no relays":          func(c *Config) { c.Content.Relays = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
