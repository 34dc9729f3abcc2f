package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Telegram.Token = "bot-token"
	cfg.Atlassian.ClientID = "client-id"
	cfg.Atlassian.ClientSecret = "client-secret"
	cfg.Atlassian.RedirectURI = "https://taskmate.example.com/oauth/callback"
	return cfg
}

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
model: gpt-4o
telegram:
  token: abc
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Model != "gpt-4o" {
		t.Fatalf("model = %q", cfg.Model)
	}
	if cfg.Telegram.Token != "abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Agent.MaxRounds != 8 {
		t.Fatalf("max_rounds default lost: %d", cfg.Agent.MaxRounds)
	}
	if cfg.Scheduler.SweepSpec != "@every 5m" {
		t.Fatalf("sweep_spec default lost: %q", cfg.Scheduler.SweepSpec)
	}
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_TM_TOKEN", "from-env")

	cfg, err := Parse([]byte(`
telegram:
  token: ${TEST_TM_TOKEN}
database:
  path: ${TEST_TM_DB:-/tmp/fallback.db}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Database.Path != "/tmp/fallback.db" {
		t.Fatalf("path = %q, want default expansion", cfg.Database.Path)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"missing client secret", func(c *Config) { c.Atlassian.ClientSecret = "" }, "atlassian.client_id"},
		{"missing redirect", func(c *Config) { c.Atlassian.RedirectURI = "" }, "redirect_uri"},
		{"bad rounds", func(c *Config) { c.Agent.MaxRounds = 0 }, "max_rounds"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := validConfig()
	cfg.Timezone = "Nowhere/Unknown"
	if got := cfg.Location(); got.String() != "UTC" {
		t.Fatalf("location = %v", got)
	}
}
