package config

import (
	"testing"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected address or database path: %+v", cfg)
	}
	if cfg.Field != garden.DefaultField() {
		t.Fatalf("expected default field, got %+v", cfg.Field)
	}
	if cfg.AdmissionPolicy != garden.PolicyAtomic {
		t.Fatalf("expected atomic policy, got %q", cfg.AdmissionPolicy)
	}
	if cfg.StatsRecentLimit != 5 {
		t.Fatalf("expected recent limit 5, got %d", cfg.StatsRecentLimit)
	}
	if cfg.GeoTimeout != 1500*time.Millisecond || cfg.RedisTTL != 24*time.Hour {
		t.Fatalf("unexpected durations: geo %s redis %s", cfg.GeoTimeout, cfg.RedisTTL)
	}
	if len(cfg.GeoProviders) != 2 || cfg.GeoProviders[0].Name != "ipapi" || cfg.GeoProviders[1].Field != "country_code" {
		t.Fatalf("unexpected default providers: %+v", cfg.GeoProviders)
	}
	if cfg.GeoHeader != "CF-IPCountry" || !cfg.GeoEnabled {
		t.Fatalf("unexpected geo settings: %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("GARDEN_ADMISSION_POLICY", "cooperative")
	t.Setenv("GARDEN_FIELD_WIDTH", "800")
	t.Setenv("GARDEN_STATS_RECENT_LIMIT", "3")
	t.Setenv("GARDEN_REDIS_URL", "redis://localhost:6379/2")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.AdmissionPolicy != garden.PolicyCooperative {
		t.Fatalf("expected cooperative policy, got %q", cfg.AdmissionPolicy)
	}
	if cfg.Field.Width != 800 || cfg.StatsRecentLimit != 3 {
		t.Fatalf("environment not applied: %+v", cfg)
	}
	if cfg.RedisURL != "redis://localhost:6379/2" {
		t.Fatalf("unexpected redis url %q", cfg.RedisURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "policy", key: "admission.policy", value: "optimistic"},
		{name: "database", key: "database.path", value: " "},
		{name: "field", key: "field.padding", value: 4000},
		{name: "recent", key: "stats.recent_limit", value: 0},
		{name: "burst", key: "ratelimit.burst", value: 0},
		{name: "geo-timeout", key: "geo.timeout_ms", value: 0},
		{name: "provider-url", key: "geo.providers", value: []map[string]any{{"name": "empty"}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected %s=%v to be rejected", testCase.key, testCase.value)
			}
		})
	}
}
