package config_test

import (
	"testing"
	"time"

	"plantao/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.Default("agent-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Agent.ID != "agent-1" {
		t.Fatalf("unexpected agent id %q", cfg.Agent.ID)
	}
	if cfg.Shift.DurationHours != 24 || cfg.Shift.Pattern.WorkDays != 1 || cfg.Shift.Pattern.RestDays != 3 {
		t.Fatalf("default shift should be 24h on a 1/3 rotation: %+v", cfg.Shift)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"missing agent":    func(c *config.Config) { c.Agent.ID = "" },
		"bad start hour":   func(c *config.Config) { c.Shift.StartHour = 24 },
		"zero duration":    func(c *config.Config) { c.Shift.DurationHours = 0 },
		"zero work days":   func(c *config.Config) { c.Shift.Pattern.WorkDays = 0 },
		"bad ttl duration": func(c *config.Config) { c.Cache.DefaultTTL = "five minutes" },
		"webhook no url":   func(c *config.Config) { c.Webhooks = []config.WebhookConfig{{}} },
	}
	for name, mutate := range cases {
		cfg := config.Default("agent-1")
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestDurationAccessorsFallBack(t *testing.T) {
	var cfg config.Config
	if cfg.DefaultTTL() != 5*time.Minute {
		t.Fatalf("ttl fallback wrong: %v", cfg.DefaultTTL())
	}
	if cfg.BaseBackoff() != 30*time.Second || cfg.MaxBackoff() != time.Hour {
		t.Fatalf("backoff fallbacks wrong")
	}
	if cfg.MaxAttempts() != 8 {
		t.Fatalf("attempts fallback wrong: %d", cfg.MaxAttempts())
	}
	cfg.Cache.DefaultTTL = "90s"
	if cfg.DefaultTTL() != 90*time.Second {
		t.Fatalf("configured ttl ignored: %v", cfg.DefaultTTL())
	}
}
