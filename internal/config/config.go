package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "CALENDARSYNC"
	defaultHTTPAddress          = "127.0.0.1:8090"
	defaultAPIBaseURL           = "http://localhost:8000"
	defaultRealtimePath         = "/ws"
	defaultReconnectBaseMs      = 1000
	defaultReconnectMaxDelayMs  = 15000
	defaultReconnectMaxAttempts = 0
	defaultLedgerTTLMs          = 5000
	defaultLedgerBackend        = LedgerBackendMemory
	defaultRedisAddress         = "localhost:6379"
	defaultOfflinePolicy        = OfflinePolicyQueue
	defaultTypingPerSecond      = 2.0
	defaultDatabasePath         = "calendarsync.db"
	defaultSnapshotSaveMs       = 2000
	defaultLocale               = "en"
	defaultTimezone             = "UTC"
	defaultRetentionMaxItems    = 200
	defaultRetentionMaxAgeHours = 72
	defaultLogLevel             = "info"
	defaultAuthSubject          = "calendarsync-agent"
	defaultAuthIssuer           = "calendarsync-agent"
	defaultAuthAudience         = "calendarsync-api"
	defaultTokenTTLMinutes      = 30
)

const (
	// LedgerBackendMemory keeps local-operation fingerprints in process memory.
	LedgerBackendMemory = "memory"
	// LedgerBackendRedis shares local-operation fingerprints through redis.
	LedgerBackendRedis = "redis"
	// OfflinePolicyQueue holds mutations until the socket reconnects.
	OfflinePolicyQueue = "queue"
	// OfflinePolicyFailFast rejects mutations while the socket is down.
	OfflinePolicyFailFast = "fail_fast"
)

// AppConfig captures runtime configuration for the sync agent.
type AppConfig struct {
	HTTPAddress          string
	APIBaseURL           string
	RealtimeBaseURL      string
	RealtimePath         string
	ReconnectBase        time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	LedgerTTL            time.Duration
	LedgerBackend        string
	RedisAddress         string
	RedisPassword        string
	RedisDB              int
	OfflinePolicy        string
	TypingPerSecond      float64
	DatabasePath         string
	SnapshotSaveInterval time.Duration
	Locale               string
	Timezone             string
	RetentionMaxItems    int
	RetentionMaxAge      time.Duration
	LogLevel             string
	SigningSecret        string
	AuthSubject          string
	AuthIssuer           string
	AuthAudience         string
	TokenTTL             time.Duration
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
	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("realtime.base_url", "")
	configViper.SetDefault("realtime.path", defaultRealtimePath)
	configViper.SetDefault("reconnect.base_interval_ms", defaultReconnectBaseMs)
	configViper.SetDefault("reconnect.max_delay_ms", defaultReconnectMaxDelayMs)
	configViper.SetDefault("reconnect.max_attempts", defaultReconnectMaxAttempts)
	configViper.SetDefault("ledger.ttl_ms", defaultLedgerTTLMs)
	configViper.SetDefault("ledger.backend", defaultLedgerBackend)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("mutations.offline_policy", defaultOfflinePolicy)
	configViper.SetDefault("mutations.typing_per_second", defaultTypingPerSecond)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("snapshot.save_interval_ms", defaultSnapshotSaveMs)
	configViper.SetDefault("notifications.locale", defaultLocale)
	configViper.SetDefault("notifications.timezone", defaultTimezone)
	configViper.SetDefault("notifications.retention_max_items", defaultRetentionMaxItems)
	configViper.SetDefault("notifications.retention_max_age_hours", defaultRetentionMaxAgeHours)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.subject", defaultAuthSubject)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		APIBaseURL:           configViper.GetString("api.base_url"),
		RealtimeBaseURL:      configViper.GetString("realtime.base_url"),
		RealtimePath:         configViper.GetString("realtime.path"),
		ReconnectBase:        time.Duration(configViper.GetInt64("reconnect.base_interval_ms")) * time.Millisecond,
		ReconnectMaxDelay:    time.Duration(configViper.GetInt64("reconnect.max_delay_ms")) * time.Millisecond,
		ReconnectMaxAttempts: configViper.GetInt("reconnect.max_attempts"),
		LedgerTTL:            time.Duration(configViper.GetInt64("ledger.ttl_ms")) * time.Millisecond,
		LedgerBackend:        strings.ToLower(strings.TrimSpace(configViper.GetString("ledger.backend"))),
		RedisAddress:         configViper.GetString("redis.address"),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		OfflinePolicy:        strings.ToLower(strings.TrimSpace(configViper.GetString("mutations.offline_policy"))),
		TypingPerSecond:      configViper.GetFloat64("mutations.typing_per_second"),
		DatabasePath:         configViper.GetString("database.path"),
		SnapshotSaveInterval: time.Duration(configViper.GetInt64("snapshot.save_interval_ms")) * time.Millisecond,
		Locale:               configViper.GetString("notifications.locale"),
		Timezone:             configViper.GetString("notifications.timezone"),
		RetentionMaxItems:    configViper.GetInt("notifications.retention_max_items"),
		RetentionMaxAge:      time.Duration(configViper.GetInt64("notifications.retention_max_age_hours")) * time.Hour,
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		AuthSubject:          configViper.GetString("auth.subject"),
		AuthIssuer:           configViper.GetString("auth.issuer"),
		AuthAudience:         configViper.GetString("auth.audience"),
		TokenTTL:             time.Duration(configViper.GetInt64("token.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ReconnectBase <= 0 {
		return fmt.Errorf("reconnect.base_interval_ms must be positive")
	}
	if c.ReconnectMaxDelay < c.ReconnectBase {
		return fmt.Errorf("reconnect.max_delay_ms must be at least reconnect.base_interval_ms")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.LedgerTTL <= 0 {
		return fmt.Errorf("ledger.ttl_ms must be positive")
	}
	switch c.LedgerBackend {
	case LedgerBackendMemory:
	case LedgerBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis ledger backend")
		}
	default:
		return fmt.Errorf("ledger.backend %q is not supported", c.LedgerBackend)
	}
	switch c.OfflinePolicy {
	case OfflinePolicyQueue, OfflinePolicyFailFast:
	default:
		return fmt.Errorf("mutations.offline_policy %q is not supported", c.OfflinePolicy)
	}
	if c.TypingPerSecond <= 0 {
		return fmt.Errorf("mutations.typing_per_second must be positive")
	}
	if c.SigningSecret != "" {
		if strings.TrimSpace(c.AuthSubject) == "" {
			return fmt.Errorf("auth.subject is required when auth.signing_secret is set")
		}
		if c.TokenTTL <= 0 {
			return fmt.Errorf("token.ttl_minutes must be positive")
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("notifications.timezone: %w", err)
	}
	return nil
}
