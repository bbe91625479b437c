// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL     string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL        string // history cache (optional)
	HistoryCacheTTL time.Duration

	// Text generation (behaviour analyzer)
	TextGenURL    string
	TextGenAPIKey string
	TextGenModel  string

	// Classification (risk indicator analyzer)
	ClassifierURL    string
	ClassifierAPIKey string

	// Relationship graph (network analyzer)
	GraphURL    string
	GraphAPIKey string
	GraphFile   string // static JSON graph used when GraphURL is unset

	// Scoring
	AnalyzerTimeout   time.Duration // per external call
	AssessmentTimeout time.Duration // whole request

	// Compliance policy; a zero threshold disables its check
	ComplianceHighValueUSD       float64
	ComplianceVelocityThreshold  int
	ComplianceMaxDailyVolumeUSD  float64
	ComplianceUnverifiedLimitUSD float64
	ComplianceBasicLimitUSD      float64
	ComplianceAutoBlockScore     int
	ComplianceOwner              string // API key owner allowed to manage compliance state

	// Attestation
	OraclePrivateKey string // hex secp256k1 key; risk updates are signed when set

	// Observability
	OTLPEndpoint string

	// Security
	APIKeys      string // "owner:key" pairs, comma separated; empty disables auth
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultTextGenURL        = "https://api-inference.huggingface.co"
	DefaultTextGenModel      = "mistralai/Mistral-7B-Instruct-v0.2"
	DefaultHistoryCacheTTL   = 30 * time.Second
	DefaultAnalyzerTimeout   = 3 * time.Second
	DefaultAssessmentTimeout = 10 * time.Second
	DefaultRateLimitRPM      = 600

	DefaultComplianceHighValueUSD       = 10000
	DefaultComplianceVelocityThreshold  = 50
	DefaultComplianceMaxDailyVolumeUSD  = 50000
	DefaultComplianceUnverifiedLimitUSD = 1000
	DefaultComplianceBasicLimitUSD      = 10000
	DefaultComplianceAutoBlockScore     = 90
	DefaultComplianceOwner              = "compliance"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		HistoryCacheTTL:   getEnvDuration("HISTORY_CACHE_TTL", DefaultHistoryCacheTTL),
		TextGenURL:        getEnv("TEXTGEN_URL", DefaultTextGenURL),
		TextGenAPIKey:     os.Getenv("TEXTGEN_API_KEY"),
		TextGenModel:      getEnv("TEXTGEN_MODEL", DefaultTextGenModel),
		ClassifierURL:     os.Getenv("CLASSIFIER_URL"),
		ClassifierAPIKey:  os.Getenv("CLASSIFIER_API_KEY"),
		GraphURL:          os.Getenv("GRAPH_URL"),
		GraphAPIKey:       os.Getenv("GRAPH_API_KEY"),
		GraphFile:         os.Getenv("GRAPH_FILE"),
		AnalyzerTimeout:   getEnvDuration("ANALYZER_TIMEOUT", DefaultAnalyzerTimeout),
		AssessmentTimeout: getEnvDuration("ASSESSMENT_TIMEOUT", DefaultAssessmentTimeout),
		OraclePrivateKey:  os.Getenv("ORACLE_PRIVATE_KEY"),

		ComplianceHighValueUSD:       getEnvFloat("COMPLIANCE_HIGH_VALUE_USD", DefaultComplianceHighValueUSD),
		ComplianceVelocityThreshold:  int(getEnvInt64("COMPLIANCE_VELOCITY_THRESHOLD", DefaultComplianceVelocityThreshold)),
		ComplianceMaxDailyVolumeUSD:  getEnvFloat("COMPLIANCE_MAX_DAILY_VOLUME_USD", DefaultComplianceMaxDailyVolumeUSD),
		ComplianceUnverifiedLimitUSD: getEnvFloat("COMPLIANCE_UNVERIFIED_LIMIT_USD", DefaultComplianceUnverifiedLimitUSD),
		ComplianceBasicLimitUSD:      getEnvFloat("COMPLIANCE_BASIC_LIMIT_USD", DefaultComplianceBasicLimitUSD),
		ComplianceAutoBlockScore:     int(getEnvInt64("COMPLIANCE_AUTO_BLOCK_SCORE", DefaultComplianceAutoBlockScore)),
		ComplianceOwner:              getEnv("COMPLIANCE_OWNER", DefaultComplianceOwner),

		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		APIKeys:           os.Getenv("API_KEYS"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535")
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	for name, raw := range map[string]string{
		"TEXTGEN_URL":    c.TextGenURL,
		"CLASSIFIER_URL": c.ClassifierURL,
		"GRAPH_URL":      c.GraphURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) URL", name)
		}
	}

	if c.AnalyzerTimeout <= 0 {
		return fmt.Errorf("ANALYZER_TIMEOUT must be positive")
	}
	if c.AssessmentTimeout < c.AnalyzerTimeout {
		return fmt.Errorf("ASSESSMENT_TIMEOUT must be at least ANALYZER_TIMEOUT")
	}

	// Allow both with and without 0x prefix
	if c.OraclePrivateKey != "" {
		key := strings.TrimPrefix(c.OraclePrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("ORACLE_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.IsProduction() && c.APIKeys == "" {
		return fmt.Errorf("API_KEYS is required in production")
	}

	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}

	for name, v := range map[string]float64{
		"COMPLIANCE_HIGH_VALUE_USD":       c.ComplianceHighValueUSD,
		"COMPLIANCE_VELOCITY_THRESHOLD":   float64(c.ComplianceVelocityThreshold),
		"COMPLIANCE_MAX_DAILY_VOLUME_USD": c.ComplianceMaxDailyVolumeUSD,
		"COMPLIANCE_UNVERIFIED_LIMIT_USD": c.ComplianceUnverifiedLimitUSD,
		"COMPLIANCE_BASIC_LIMIT_USD":      c.ComplianceBasicLimitUSD,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be a non-negative number", name)
		}
	}
	if c.ComplianceAutoBlockScore < 0 || c.ComplianceAutoBlockScore > 100 {
		return fmt.Errorf("COMPLIANCE_AUTO_BLOCK_SCORE must be between 0 and 100")
	}

	return nil
}

// TextGenEnabled reports whether the behaviour analyzer should call a model.
// Hosted inference endpoints require a key.
func (c *Config) TextGenEnabled() bool {
	return c.TextGenURL != "" && c.TextGenAPIKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("3s") or bare milliseconds ("3000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
