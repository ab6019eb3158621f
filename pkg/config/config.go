// Package config loads ledgerd's environment-variable configuration
// (spec §9 ambient config concern), grounded on the teacher's own
// 12-factor env-var Config/Load shape.
package config

import "os"

// Config holds ledgerd's runtime configuration.
type Config struct {
	IntentPort   string
	HealthPort   string
	LogLevel     string
	DatabaseURL  string
	SQLitePath   string
	JWTRequired  bool
	OTELEnabled  bool
	OTLPEndpoint string
}

// Load loads configuration from environment variables, falling back to
// safe zero-config defaults for local development (an in-memory Event
// Store, no authentication).
func Load() *Config {
	intentPort := os.Getenv("LEDGER_INTENT_PORT")
	if intentPort == "" {
		intentPort = "8090"
	}

	healthPort := os.Getenv("LEDGER_HEALTH_PORT")
	if healthPort == "" {
		healthPort = "8091"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	otlpEndpoint := os.Getenv("LEDGER_OTLP_ENDPOINT")

	return &Config{
		IntentPort:   intentPort,
		HealthPort:   healthPort,
		LogLevel:     logLevel,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   os.Getenv("LEDGER_SQLITE_PATH"),
		JWTRequired:  os.Getenv("LEDGER_JWT_REQUIRED") == "1",
		OTELEnabled:  otlpEndpoint != "",
		OTLPEndpoint: otlpEndpoint,
	}
}
