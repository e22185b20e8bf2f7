// Package config loads service configuration from YAML and the environment.
package config

import (
	"strconv"
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Auth         AuthConfig         `yaml:"auth"`
	Platform     PlatformConfig     `yaml:"platform"`
	Decrypt      DecryptConfig      `yaml:"decrypt"`
	Lessons      LessonsConfig      `yaml:"lessons"`
	Payments     PaymentsConfig     `yaml:"payments"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Content      ContentConfig      `yaml:"content"`
	Store        StoreConfig        `yaml:"store"`
	Cache        CacheConfig        `yaml:"cache"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	PublicURL       string        `yaml:"public_url"       env:"SERVER_PUBLIC_URL"       env-default:"http://localhost:8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// AuthConfig holds session authentication settings.
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"     env:"AUTH_JWT_SECRET"     env-required:"true"`
	JWTIssuer     string        `yaml:"jwt_issuer"     env:"AUTH_JWT_ISSUER"`
	SessionCookie string        `yaml:"session_cookie" env:"AUTH_SESSION_COOKIE" env-default:"session"`
	CSRFSecret    string        `yaml:"csrf_secret"    env:"AUTH_CSRF_SECRET"`
	CSRFMaxAge    time.Duration `yaml:"csrf_max_age"   env:"AUTH_CSRF_MAX_AGE"   env-default:"30m"`
}

// PlatformConfig points at the platform users API.
type PlatformConfig struct {
	BaseURL string        `yaml:"base_url" env:"PLATFORM_BASE_URL"`
	Token   string        `yaml:"token"    env:"PLATFORM_TOKEN"`
	Timeout time.Duration `yaml:"timeout"  env:"PLATFORM_TIMEOUT"  env-default:"10s"`
}

// DecryptConfig selects how ciphertext is decrypted.
type DecryptConfig struct {
	Mode      string        `yaml:"mode"       env:"DECRYPT_MODE"       env-default:"remote"`
	URL       string        `yaml:"url"        env:"DECRYPT_URL"`
	Token     string        `yaml:"token"      env:"DECRYPT_TOKEN"`
	AppKey    string        `yaml:"app_key"    env:"DECRYPT_APP_KEY"`
	Timeout   time.Duration `yaml:"timeout"    env:"DECRYPT_TIMEOUT"    env-default:"10s"`
	WaitDelay time.Duration `yaml:"wait_delay" env:"DECRYPT_WAIT_DELAY" env-default:"100ms"`
}

// LessonsConfig is the per-lesson retry policy.
type LessonsConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"    env:"LESSONS_MAX_ATTEMPTS"    env-default:"3"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"LESSONS_ATTEMPT_TIMEOUT" env-default:"10s"`
	RetryDelay     time.Duration `yaml:"retry_delay"     env:"LESSONS_RETRY_DELAY"     env-default:"5s"`
}

// PaymentsConfig configures one-off invoice purchases.
type PaymentsConfig struct {
	LightningAddress     string        `yaml:"lightning_address"      env:"PAYMENTS_LIGHTNING_ADDRESS"`
	CoursePollInterval   time.Duration `yaml:"course_poll_interval"   env:"PAYMENTS_COURSE_POLL_INTERVAL"   env-default:"1s"`
	ResourcePollInterval time.Duration `yaml:"resource_poll_interval" env:"PAYMENTS_RESOURCE_POLL_INTERVAL" env-default:"2s"`
	AllowPrivateHosts    bool          `yaml:"allow_private_hosts"    env:"PAYMENTS_ALLOW_PRIVATE_HOSTS"    env-default:"false"`
}

// SubscriptionConfig holds the recurring subscription terms.
type SubscriptionConfig struct {
	LightningAddress string        `yaml:"lightning_address" env:"SUBSCRIPTION_LIGHTNING_ADDRESS"`
	AmountSats       int64         `yaml:"amount_sats"       env:"SUBSCRIPTION_AMOUNT_SATS"       env-default:"50000"`
	AppName          string        `yaml:"app_name"          env:"SUBSCRIPTION_APP_NAME"          env-default:"Course subscription"`
	MaxBudgetSats    int64         `yaml:"max_budget_sats"   env:"SUBSCRIPTION_MAX_BUDGET_SATS"`
	BudgetRenewal    string        `yaml:"budget_renewal"    env:"SUBSCRIPTION_BUDGET_RENEWAL"    env-default:"monthly"`
	Expiry           time.Duration `yaml:"expiry"            env:"SUBSCRIPTION_EXPIRY"            env-default:"8760h"`
	AuthorizeURL     string        `yaml:"authorize_url"     env:"SUBSCRIPTION_AUTHORIZE_URL"     env-default:"https://nwc.getalby.com"`
	CallbackURL      string        `yaml:"callback_url"      env:"SUBSCRIPTION_CALLBACK_URL"`
	Encryption       string        `yaml:"nwc_encryption"    env:"SUBSCRIPTION_NWC_ENCRYPTION"    env-default:"nip04"`
	RequestTimeout   time.Duration `yaml:"request_timeout"   env:"SUBSCRIPTION_REQUEST_TIMEOUT"   env-default:"15s"`
	ApprovalTimeout  time.Duration `yaml:"approval_timeout"  env:"SUBSCRIPTION_APPROVAL_TIMEOUT"  env-default:"10m"`
}

// ContentConfig configures the Nostr content source.
type ContentConfig struct {
	Relays       []string      `yaml:"relays"        env:"CONTENT_RELAYS"        env-separator:"," env-default:"wss://relay.damus.io,wss://nos.lol,wss://relay.primal.net"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"CONTENT_FETCH_TIMEOUT" env-default:"5s"`
	CacheTTL     time.Duration `yaml:"cache_ttl"     env:"CONTENT_CACHE_TTL"     env-default:"10m"`
}

// StoreConfig selects where grants and subscriptions are written.
type StoreConfig struct {
	Driver         string `yaml:"driver"           env:"STORE_DRIVER"           env-default:"http"`
	DSN            string `yaml:"dsn"              env:"STORE_DSN"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"STORE_MIGRATE_ON_START" env-default:"false"`
}

// CacheConfig configures the shared cache and the session runtime registry.
type CacheConfig struct {
	RedisURL    string        `yaml:"redis_url"    env:"REDIS_URL"`
	UserTTL     time.Duration `yaml:"user_ttl"     env:"CACHE_USER_TTL"     env-default:"30s"`
	SessionTTL  time.Duration `yaml:"session_ttl"  env:"CACHE_SESSION_TTL"  env-default:"30m"`
	MaxSessions int           `yaml:"max_sessions" env:"CACHE_MAX_SESSIONS" env-default:"10000"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// NWCCallbackURL is where wallets return after approving a connection.
func (s SubscriptionConfig) NWCCallbackURL(publicURL string) string {
	if s.CallbackURL != "" {
		return s.CallbackURL
	}
	return strings.TrimRight(publicURL, "/") + "/nwc/callback"
}

// SubscriptionAddress returns the subscription recipient, defaulting to the
// payments address.
func (c *Config) SubscriptionAddress() string {
	if c.Subscription.LightningAddress != "" {
		return c.Subscription.LightningAddress
	}
	return c.Payments.LightningAddress
}
