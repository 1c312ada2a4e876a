package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresBaseURL(t *testing.T) {
	t.Setenv("HMS_API_BASE_URL", "")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error when HMS_API_BASE_URL is missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HMS_API_BASE_URL", "http://hms.local/api")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.HMSTimeout != 15*time.Second {
		t.Errorf("expected 15s timeout, got %s", cfg.HMSTimeout)
	}
	if cfg.SearchDebounce != 500*time.Millisecond || cfg.SearchMinLength != 2 {
		t.Errorf("unexpected search settings %s/%d", cfg.SearchDebounce, cfg.SearchMinLength)
	}
	if cfg.SessionTTL != 12*time.Hour || cfg.SessionCookie != "opd_session" {
		t.Errorf("unexpected session settings %s/%s", cfg.SessionTTL, cfg.SessionCookie)
	}
	if cfg.DefaultRegistrationCharge != 100 {
		t.Errorf("expected charge 100, got %v", cfg.DefaultRegistrationCharge)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.AuditTopic != "hms.audit" || cfg.HasDatabase() || !cfg.IsDev() {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HMS_API_BASE_URL", "https://hms.example.com/api")
	t.Setenv("KAFKA_BROKERS", "rp-1:9092, rp-2:9092")
	t.Setenv("CORS_ORIGINS", "https://desk.example.com")
	t.Setenv("SEARCH_DEBOUNCE", "250ms")
	t.Setenv("DATABASE_URL", "postgres://console@localhost/console")
	t.Setenv("ENV", "production")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "rp-2:9092" {
		t.Errorf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://desk.example.com" {
		t.Errorf("unexpected origins %v", cfg.CORSOrigins)
	}
	if cfg.SearchDebounce != 250*time.Millisecond {
		t.Errorf("expected 250ms debounce, got %s", cfg.SearchDebounce)
	}
	if !cfg.HasDatabase() || cfg.IsDev() {
		t.Errorf("unexpected mode %+v", cfg)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	t.Setenv("HMS_API_BASE_URL", "")
	path := filepath.Join(t.TempDir(), "console.env")
	content := "HMS_API_BASE_URL=http://10.0.0.5/api\nPORT=9090\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("HMS_API_BASE_URL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HMSBaseURL != "http://10.0.0.5/api" || cfg.Port != "9090" {
		t.Errorf("env file not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			HMSBaseURL:      "http://hms.local/api",
			HMSTimeout:      time.Second,
			SearchDebounce:  time.Millisecond,
			SearchMinLength: 2,
			SessionTTL:      time.Hour,
			SessionCookie:   "opd_session",
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative base url", func(c *Config) { c.HMSBaseURL = "/api" }},
		{"bad scheme", func(c *Config) { c.HMSBaseURL = "ftp://hms.local" }},
		{"zero debounce", func(c *Config) { c.SearchDebounce = 0 }},
		{"negative charge", func(c *Config) { c.DefaultRegistrationCharge = -1 }},
		{"zero ttl", func(c *Config) { c.SessionTTL = 0 }},
	}

	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadRelayNeedsDatabaseOnly(t *testing.T) {
	t.Setenv("HMS_API_BASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	missing := filepath.Join(t.TempDir(), "missing.env")
	if _, err := LoadRelay(missing); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}

	t.Setenv("DATABASE_URL", "postgres://console@localhost/console")
	cfg, err := LoadRelay(missing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AuditTopic != "hms.audit" || len(cfg.KafkaBrokers) != 1 {
		t.Errorf("unexpected relay config %+v", cfg)
	}
}
