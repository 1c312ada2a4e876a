// Package config loads console settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the console configuration
type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	HMSBaseURL string        `mapstructure:"HMS_API_BASE_URL"`
	HMSTimeout time.Duration `mapstructure:"HMS_API_TIMEOUT"`

	DatabaseURL  string   `mapstructure:"DATABASE_URL"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	AuditTopic   string   `mapstructure:"AUDIT_TOPIC"`

	TracingEnabled bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint   string  `mapstructure:"OTLP_ENDPOINT"`
	SampleRate     float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	SessionTTL    time.Duration `mapstructure:"SESSION_TTL"`
	SessionCookie string        `mapstructure:"SESSION_COOKIE"`
	CookieSecure  bool          `mapstructure:"COOKIE_SECURE"`

	SearchDebounce            time.Duration `mapstructure:"SEARCH_DEBOUNCE"`
	SearchMinLength           int           `mapstructure:"SEARCH_MIN_LENGTH"`
	DefaultRegistrationCharge float64       `mapstructure:"DEFAULT_REGISTRATION_CHARGE"`
	CORSOrigins               []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"HMS_API_BASE_URL", "HMS_API_TIMEOUT",
	"DATABASE_URL", "KAFKA_BROKERS", "AUDIT_TOPIC",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"SESSION_TTL", "SESSION_COOKIE", "COOKIE_SECURE",
	"SEARCH_DEBOUNCE", "SEARCH_MIN_LENGTH", "DEFAULT_REGISTRATION_CHARGE", "CORS_ORIGINS",
}

// Load reads and validates the console configuration. envFile may be
// empty, in which case ".env" is tried; a missing file is not an error.
func Load(envFile string) (*Config, error) {
	cfg, err := Read(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRelay reads the configuration of the audit relay, which needs the
// database and the brokers but not the HMS API.
func LoadRelay(envFile string) (*Config, error) {
	cfg, err := Read(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateRelay(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read loads the configuration without validating it
func Read(envFile string) (*Config, error) {
	v := viper.New()
	if envFile == "" {
		envFile = ".env"
	}
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HMS_API_TIMEOUT", "15s")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("AUDIT_TOPIC", "hms.audit")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("SESSION_COOKIE", "opd_session")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("SEARCH_DEBOUNCE", "500ms")
	v.SetDefault("SEARCH_MIN_LENGTH", 2)
	v.SetDefault("DEFAULT_REGISTRATION_CHARGE", 100)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.HMSBaseURL = strings.TrimSpace(cfg.HMSBaseURL)
	return cfg, nil
}

// splitList parses a comma separated value, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsDev reports whether the console runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// HasDatabase reports whether the postgres stores are enabled
func (c *Config) HasDatabase() bool {
	return c.DatabaseURL != ""
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.HMSBaseURL == "" {
		return fmt.Errorf("HMS_API_BASE_URL is required")
	}
	u, err := url.Parse(c.HMSBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("HMS_API_BASE_URL must be an absolute http(s) url, got %q", c.HMSBaseURL)
	}
	if c.HMSTimeout <= 0 {
		return fmt.Errorf("HMS_API_TIMEOUT must be positive, got %s", c.HMSTimeout)
	}
	if c.SearchDebounce <= 0 {
		return fmt.Errorf("SEARCH_DEBOUNCE must be positive, got %s", c.SearchDebounce)
	}
	if c.SearchMinLength < 1 {
		return fmt.Errorf("SEARCH_MIN_LENGTH must be at least 1, got %d", c.SearchMinLength)
	}
	if c.DefaultRegistrationCharge < 0 {
		return fmt.Errorf("DEFAULT_REGISTRATION_CHARGE cannot be negative, got %v", c.DefaultRegistrationCharge)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.SessionCookie == "" {
		return fmt.Errorf("SESSION_COOKIE cannot be empty")
	}
	return nil
}

// ValidateRelay checks the settings used by the audit relay
func (c *Config) ValidateRelay() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.AuditTopic == "" {
		return fmt.Errorf("AUDIT_TOPIC cannot be empty")
	}
	return nil
}
