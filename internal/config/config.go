package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "COEDIT"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "coedit.db"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultLogLevel           = "info"
	defaultLockTTLMinutes     = 10
	defaultPresenceTTLSeconds = 60
	defaultPersistDebounceMS  = 2000
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	RedisURL        string
	SigningSecret   string
	LogLevel        string
	LockTTL         time.Duration
	PresenceTTL     time.Duration
	PersistDebounce time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("lock.ttl_minutes", defaultLockTTLMinutes)
	configViper.SetDefault("presence.ttl_seconds", defaultPresenceTTLSeconds)
	configViper.SetDefault("persist.debounce_ms", defaultPersistDebounceMS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		RedisURL:        configViper.GetString("redis.url"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		LogLevel:        configViper.GetString("log.level"),
		LockTTL:         time.Duration(configViper.GetInt("lock.ttl_minutes")) * time.Minute,
		PresenceTTL:     time.Duration(configViper.GetInt("presence.ttl_seconds")) * time.Second,
		PersistDebounce: time.Duration(configViper.GetInt("persist.debounce_ms")) * time.Millisecond,
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
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl_minutes must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl_seconds must be positive")
	}
	if c.PersistDebounce <= 0 {
		return fmt.Errorf("persist.debounce_ms must be positive")
	}
	return nil
}
