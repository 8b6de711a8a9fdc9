package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/The777Bot/visitor-garden/internal/geo"
	"github.com/spf13/viper"
)

const (
	envPrefix               = "GARDEN"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "garden.db"
	defaultLogLevel         = "info"
	defaultAdmissionPolicy  = "atomic"
	defaultRateLimitPerSec  = 2.0
	defaultRateLimitBurst   = 10
	defaultGeoHeader        = "CF-IPCountry"
	defaultGeoTimeoutMillis = 1500
	defaultRedisTTLMinutes  = 1440
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	Field              garden.Field
	AdmissionPolicy    garden.Policy
	StatsRecentLimit   int
	RateLimitPerSecond float64
	RateLimitBurst     int
	GeoEnabled         bool
	GeoProviders       []geo.HTTPProviderConfig
	GeoHeader          string
	GeoTimeout         time.Duration
	RedisURL           string
	RedisTTL           time.Duration
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

	field := garden.DefaultField()
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("field.width", field.Width)
	configViper.SetDefault("field.height", field.Height)
	configViper.SetDefault("field.padding", field.Padding)
	configViper.SetDefault("admission.policy", defaultAdmissionPolicy)
	configViper.SetDefault("stats.recent_limit", garden.DefaultRecentLimit)
	configViper.SetDefault("ratelimit.per_second", defaultRateLimitPerSec)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("geo.enabled", true)
	configViper.SetDefault("geo.providers", defaultProviderMaps())
	configViper.SetDefault("geo.header", defaultGeoHeader)
	configViper.SetDefault("geo.timeout_ms", defaultGeoTimeoutMillis)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("redis.ttl_minutes", defaultRedisTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	policy, err := garden.ParsePolicy(configViper.GetString("admission.policy"))
	if err != nil {
		return AppConfig{}, err
	}

	var providers []geo.HTTPProviderConfig
	if err := configViper.UnmarshalKey("geo.providers", &providers); err != nil {
		return AppConfig{}, fmt.Errorf("geo.providers: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Field: garden.Field{
			Width:   configViper.GetInt("field.width"),
			Height:  configViper.GetInt("field.height"),
			Padding: configViper.GetInt("field.padding"),
		},
		AdmissionPolicy:    policy,
		StatsRecentLimit:   configViper.GetInt("stats.recent_limit"),
		RateLimitPerSecond: configViper.GetFloat64("ratelimit.per_second"),
		RateLimitBurst:     configViper.GetInt("ratelimit.burst"),
		GeoEnabled:         configViper.GetBool("geo.enabled"),
		GeoProviders:       providers,
		GeoHeader:          strings.TrimSpace(configViper.GetString("geo.header")),
		GeoTimeout:         time.Duration(configViper.GetInt("geo.timeout_ms")) * time.Millisecond,
		RedisURL:           strings.TrimSpace(configViper.GetString("redis.url")),
		RedisTTL:           time.Duration(configViper.GetInt("redis.ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if err := c.Field.Validate(); err != nil {
		return fmt.Errorf("field: %w", err)
	}
	if c.StatsRecentLimit <= 0 {
		return fmt.Errorf("stats.recent_limit must be positive")
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("ratelimit.per_second must not be negative")
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("ratelimit.burst must be positive when rate limiting is enabled")
	}
	if c.GeoTimeout <= 0 {
		return fmt.Errorf("geo.timeout_ms must be positive")
	}
	for index, provider := range c.GeoProviders {
		if strings.TrimSpace(provider.URLTemplate) == "" {
			return fmt.Errorf("geo.providers[%d].url is required", index)
		}
	}
	return nil
}

func defaultProviderMaps() []map[string]any {
	defaults := geo.DefaultHTTPProviders()
	providers := make([]map[string]any, 0, len(defaults))
	for _, provider := range defaults {
		providers = append(providers, map[string]any{
			"name":   provider.Name,
			"url":    provider.URLTemplate,
			"format": provider.Format,
			"field":  provider.Field,
		})
	}
	return providers
}
