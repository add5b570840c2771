package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "CORKBOARD"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "corkboard.db"
	defaultLogLevel       = "info"
	defaultTokenTTL       = 30
	defaultFanoutWorkers  = 4
	defaultFanoutAttempts = 3
	defaultFanoutQueue    = 256
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	TokenTTL          time.Duration
	IdentityJWKSURL   string
	IdentityAudience  string
	IdentityIssuers   []string
	FanoutWorkers     int
	FanoutMaxAttempts int
	FanoutQueueDepth  int
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("fanout.workers", defaultFanoutWorkers)
	configViper.SetDefault("fanout.max_attempts", defaultFanoutAttempts)
	configViper.SetDefault("fanout.queue_depth", defaultFanoutQueue)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		IdentityJWKSURL:   configViper.GetString("identity.jwks_url"),
		IdentityAudience:  configViper.GetString("identity.audience"),
		IdentityIssuers:   configViper.GetStringSlice("identity.issuers"),
		FanoutWorkers:     configViper.GetInt("fanout.workers"),
		FanoutMaxAttempts: configViper.GetInt("fanout.max_attempts"),
		FanoutQueueDepth:  configViper.GetInt("fanout.queue_depth"),
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
	if strings.TrimSpace(c.IdentityJWKSURL) == "" {
		return fmt.Errorf("identity.jwks_url is required")
	}
	if strings.TrimSpace(c.IdentityAudience) == "" {
		return fmt.Errorf("identity.audience is required")
	}
	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("fanout.workers must be positive")
	}
	if c.FanoutMaxAttempts <= 0 {
		return fmt.Errorf("fanout.max_attempts must be positive")
	}
	if c.FanoutQueueDepth <= 0 {
		return fmt.Errorf("fanout.queue_depth must be positive")
	}
	return nil
}
