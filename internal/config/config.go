// Package config loads the gateway's environment-variable configuration:
// a thin, explicit struct filled from os.Getenv with documented
// defaults. The process never asks "is there a config file" on startup.
//
// A narrow second concern lives alongside it: TuningWatcher, in tuning.go,
// watches an optional YAML file for a handful of operational knobs
// (AI_CONFIDENCE_THRESHOLD, MEDICAL_API_RATE_LIMIT_MAX,
// SUPPORTED_IMAGE_FORMATS) that operators want to tune without a restart.
// That is the only configuration this package ever re-reads after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete set of environment-derived settings the gateway
// needs to construct its components. Every field except the four
// lifecycle durations at the end (SessionTTL, SweepInterval, ArtifactTTL,
// RequestDeadline) maps to an environment variable named in spec §6;
// those four are fixed values set in Load. Fields are grouped by the
// component that consumes them.
type Config struct {
	Host string
	Port string

	CORSOrigins []string

	EncryptionKey string
	JWTSecret     string
	SessionSecret string

	HIPAAAuditEnabled bool
	AuditLogLevel     string
	AuditLogDir       string

	AIModelPreference     string // "primary" | "fallback"
	AIConfidenceThreshold float64
	RequireDisclaimer     bool

	MaxImageSizeMB       int
	SupportedImageFormats []string

	APIRateLimitWindow     time.Duration
	APIRateLimitMax        int
	MedicalAPIRateLimitMax int

	ToolPaths map[string]string // tool name -> executable path

	OTLPEndpoint string

	SessionTTL      time.Duration
	SweepInterval   time.Duration
	ArtifactTTL     time.Duration
	RequestDeadline time.Duration
}

// ToolProviderNames is the closed vocabulary from the spec's glossary.
// Declared here (not hard-coded into the classifier or pool) so every
// consumer enumerates the same set.
var ToolProviderNames = []string{
	"literature-index", "citations", "clinical-trials", "knowledge-base", "imaging",
}

// Load reads Config from the process environment, applying defaults for
// every optional variable. It returns an error only when a variable marked
// required in spec §6 (ENCRYPTION_KEY, JWT_SECRET) is absent — callers
// should treat that as a ConfigurationError and refuse to serve medical
// endpoints, per spec §4.3.
func Load() (Config, error) {
	cfg := Config{
		Host:                   getEnv("HOST", "0.0.0.0"),
		Port:                   getEnv("PORT", "8443"),
		CORSOrigins:            splitCSV(getEnv("CORS_ORIGINS", "")),
		EncryptionKey:          os.Getenv("ENCRYPTION_KEY"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		SessionSecret:          getEnv("SESSION_SECRET", ""),
		HIPAAAuditEnabled:      getBool("HIPAA_AUDIT_ENABLED", true),
		AuditLogLevel:          getEnv("AUDIT_LOG_LEVEL", "info"),
		AuditLogDir:            getEnv("AUDIT_LOG_DIR", "./data/audit"),
		AIModelPreference:      getEnv("AI_MODEL_PREFERENCE", "primary"),
		AIConfidenceThreshold:  getFloat("AI_CONFIDENCE_THRESHOLD", 0.6),
		RequireDisclaimer:      getBool("REQUIRE_MEDICAL_DISCLAIMER", true),
		MaxImageSizeMB:         getInt("MAX_IMAGE_SIZE_MB", 50),
		SupportedImageFormats:  splitCSV(getEnv("SUPPORTED_IMAGE_FORMATS", "jpeg,jpg,png,tiff,dcm")),
		APIRateLimitWindow:     time.Duration(getInt("API_RATE_LIMIT_WINDOW_MS", 60_000)) * time.Millisecond,
		APIRateLimitMax:        getInt("API_RATE_LIMIT_MAX_REQUESTS", 100),
		MedicalAPIRateLimitMax: getInt("MEDICAL_API_RATE_LIMIT_MAX", 20),
		ToolPaths:              toolPathsFromEnv(),
		OTLPEndpoint:           getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		SessionTTL:             30 * time.Minute,
		SweepInterval:          5 * time.Minute,
		ArtifactTTL:            10 * time.Minute,
		RequestDeadline:        45 * time.Second,
	}

	if cfg.EncryptionKey == "" || cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%w: ENCRYPTION_KEY and JWT_SECRET are required", ErrConfiguration)
	}
	return cfg, nil
}

// ErrConfiguration marks a startup configuration failure. Per spec §4.3,
// the process refuses to serve medical endpoints when this occurs.
var ErrConfiguration = fmt.Errorf("configuration error")

func toolPathsFromEnv() map[string]string {
	paths := make(map[string]string, len(ToolProviderNames))
	for _, name := range ToolProviderNames {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_TOOL_PATH"
		if v := os.Getenv(key); v != "" {
			paths[name] = v
		}
	}
	return paths
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
