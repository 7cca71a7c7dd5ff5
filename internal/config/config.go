package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "COLLAB"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabaseDSN         = "collab.db"
	defaultLogLevel            = "info"
	defaultSessionIssuer       = "collab-auth"
	defaultCookieName          = "app_session"
	defaultTokenTTLMinutes     = 60
	defaultPresenceBackend     = "sql"
	defaultRedisURL            = "redis://localhost:6379/0"
	defaultAwarenessStaleAfter = time.Minute
	defaultSweepInterval       = 30 * time.Second
	defaultSweepBatchSize      = 100
	defaultCompactionThreshold = 100
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite driver.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects the Postgres driver.
	DatabaseDriverPostgres = "postgres"
	// PresenceBackendSQL keeps awareness entries in the primary database.
	PresenceBackendSQL = "sql"
	// PresenceBackendRedis keeps awareness entries in Redis.
	PresenceBackendRedis = "redis"
)

// AppConfig captures runtime configuration for the API server and its commands.
type AppConfig struct {
	HTTPAddress         string
	DatabaseDriver      string
	DatabaseDSN         string
	LogLevel            string
	SigningSecret       string
	SessionIssuer       string
	SessionCookieName   string
	TokenTTL            time.Duration
	PresenceBackend     string
	RedisURL            string
	AwarenessStaleAfter time.Duration
	SweepInterval       time.Duration
	SweepBatchSize      int
	FilterStaleReads    bool
	CompactionThreshold int
	AllowedOrigins      []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("presence.backend", defaultPresenceBackend)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("awareness.stale_after", defaultAwarenessStaleAfter)
	configViper.SetDefault("awareness.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("awareness.sweep_batch_size", defaultSweepBatchSize)
	configViper.SetDefault("awareness.filter_stale_reads", false)
	configViper.SetDefault("sync.compaction_threshold", defaultCompactionThreshold)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		SessionIssuer:       configViper.GetString("auth.issuer"),
		SessionCookieName:   configViper.GetString("auth.cookie_name"),
		TokenTTL:            time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PresenceBackend:     strings.ToLower(strings.TrimSpace(configViper.GetString("presence.backend"))),
		RedisURL:            configViper.GetString("redis.url"),
		AwarenessStaleAfter: configViper.GetDuration("awareness.stale_after"),
		SweepInterval:       configViper.GetDuration("awareness.sweep_interval"),
		SweepBatchSize:      configViper.GetInt("awareness.sweep_batch_size"),
		FilterStaleReads:    configViper.GetBool("awareness.filter_stale_reads"),
		CompactionThreshold: configViper.GetInt("sync.compaction_threshold"),
		AllowedOrigins:      normalizeOrigins(configViper.GetStringSlice("http.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.DatabaseDriver != DatabaseDriverSQLite && c.DatabaseDriver != DatabaseDriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	switch c.PresenceBackend {
	case PresenceBackendSQL:
	case PresenceBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis presence backend")
		}
	default:
		return fmt.Errorf("presence.backend must be %q or %q, got %q", PresenceBackendSQL, PresenceBackendRedis, c.PresenceBackend)
	}
	if c.AwarenessStaleAfter <= 0 {
		return fmt.Errorf("awareness.stale_after must be positive")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("awareness.sweep_interval must not be negative")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("awareness.sweep_batch_size must be positive")
	}
	if c.CompactionThreshold <= 0 {
		return fmt.Errorf("sync.compaction_threshold must be positive")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("http.allowed_origins entry %q must be an http(s) origin or *", origin)
		}
	}
	return nil
}

// normalizeOrigins accepts both list values and comma separated env strings.
func normalizeOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			origin := strings.TrimRight(strings.TrimSpace(part), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
