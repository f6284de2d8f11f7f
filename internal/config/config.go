package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	Storage     string `mapstructure:"STORAGE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer   string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`

	InferenceURL         string        `mapstructure:"INFERENCE_URL"`
	InferenceFallbackURL string        `mapstructure:"INFERENCE_FALLBACK_URL"`
	InferenceAPIKey      string        `mapstructure:"INFERENCE_API_KEY"`
	InferenceTimeout     time.Duration `mapstructure:"INFERENCE_TIMEOUT"`

	MinAnnotationArea float64       `mapstructure:"MIN_ANNOTATION_AREA"`
	HeatmapMode       string        `mapstructure:"HEATMAP_MODE"`
	HeatmapAlpha      int           `mapstructure:"HEATMAP_ALPHA"`
	SessionTTL        time.Duration `mapstructure:"SESSION_TTL"`
	MaxImageSize      string        `mapstructure:"MAX_IMAGE_SIZE"`
	ClinicTimezone    string        `mapstructure:"CLINIC_TIMEZONE"`

	FHIRTokenURL     string `mapstructure:"FHIR_TOKEN_URL"`
	FHIRClientID     string `mapstructure:"FHIR_CLIENT_ID"`
	FHIRClientSecret string `mapstructure:"FHIR_CLIENT_SECRET"`
	FHIRScope        string `mapstructure:"FHIR_SCOPE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"INFERENCE_URL", "INFERENCE_FALLBACK_URL", "INFERENCE_API_KEY", "INFERENCE_TIMEOUT",
	"MIN_ANNOTATION_AREA", "HEATMAP_MODE", "HEATMAP_ALPHA", "SESSION_TTL", "MAX_IMAGE_SIZE",
	"CLINIC_TIMEZONE", "FHIR_TOKEN_URL", "FHIR_CLIENT_ID", "FHIR_CLIENT_SECRET", "FHIR_SCOPE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads .env (if present) and the environment. It does not validate;
// call Validate before serving.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE", "memory")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("INFERENCE_TIMEOUT", "20s")
	v.SetDefault("MIN_ANNOTATION_AREA", 0.0001)
	v.SetDefault("HEATMAP_MODE", "hue")
	v.SetDefault("HEATMAP_ALPHA", 128)
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("MAX_IMAGE_SIZE", "10M")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("FHIR_SCOPE", "patient/*.read")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsePostgres reports whether analyses are persisted in PostgreSQL.
func (c *Config) UsePostgres() bool {
	return c.Storage == "postgres"
}

// MaxImageBytes parses MAX_IMAGE_SIZE ("10M", "512K").
func (c *Config) MaxImageBytes() (int64, error) {
	n, err := bytes.Parse(c.MaxImageSize)
	if err != nil {
		return 0, fmt.Errorf("MAX_IMAGE_SIZE %q: %w", c.MaxImageSize, err)
	}
	return n, nil
}

// Location returns the clinic's time zone for follow-up slots.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.ClinicTimezone)
}

// Validate checks that the configuration is safe to run. Outside
// development AUTH_ISSUER must be set so that JWT authentication is
// enforced.
func (c *Config) Validate() error {
	switch c.Storage {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORAGE must be \"memory\" or \"postgres\", got %q", c.Storage)
	}

	if c.InferenceURL == "" {
		return fmt.Errorf("INFERENCE_URL is required")
	}
	if c.InferenceTimeout <= 0 {
		return fmt.Errorf("INFERENCE_TIMEOUT must be positive, got %s", c.InferenceTimeout)
	}
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set outside development (current ENV=%q)", c.Env)
	}

	if c.MinAnnotationArea < 0 || c.MinAnnotationArea >= 1 {
		return fmt.Errorf("MIN_ANNOTATION_AREA must be in [0,1), got %v", c.MinAnnotationArea)
	}
	if c.HeatmapMode != "hue" && c.HeatmapMode != "red" {
		return fmt.Errorf("HEATMAP_MODE must be \"hue\" or \"red\", got %q", c.HeatmapMode)
	}
	if c.HeatmapAlpha < 0 || c.HeatmapAlpha > 255 {
		return fmt.Errorf("HEATMAP_ALPHA must be in [0,255], got %d", c.HeatmapAlpha)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if _, err := c.MaxImageBytes(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE: %w", err)
	}

	if c.FHIRTokenURL != "" && c.FHIRClientID == "" {
		return fmt.Errorf("FHIR_CLIENT_ID is required when FHIR_TOKEN_URL is set")
	}
	return nil
}
