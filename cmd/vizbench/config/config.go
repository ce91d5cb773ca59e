// Package config provides configuration parsing for the vizbench service.
//
// Settings come from command-line flags with environment variables as
// fallbacks. Backend-specific settings are read from BACKEND_* variables
// into a generic map handed to backend.New, for example:
//
//	BACKEND_URL=http://middleware:8080
//	BACKEND_QUERIES='[{"Name":"cpu","Query":"sum(rate(cpu[1m]))"}]'
//	BACKEND_RETENTION=6h
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HatiCode/vizbench/pkg/scoring"
	"github.com/HatiCode/vizbench/pkg/tls"
)

// Config holds all vizbench configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	Backend        string
	BackendConfig  map[string]string
	BackendTimeout time.Duration
	BackendTLS     tls.Config
	Datasource     string
	Schema         string
	Table          string

	CanvasWidth     int
	CanvasHeight    int
	Debounce        time.Duration
	InitialRange    time.Duration
	ReferenceMethod string
	ScaleMode       string
	Quality         bool

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	HistoryDB     string

	Scenario   string
	ExportPath string
	Serve      bool

	TLS tls.Config
}

// ParseFlags parses os.Args into a Config. It exits on invalid settings.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	return cfg
}

// Parse registers every flag on fs, parses args and validates the result.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8090"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ""), "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.Backend, "backend", getEnv("BACKEND", "middleware"), "Backend: middleware, prometheus, or victoriametrics")
	fs.DurationVar(&cfg.BackendTimeout, "backend-timeout", getEnvDuration("BACKEND_TIMEOUT", 30*time.Second), "Backend HTTP request timeout")
	fs.BoolVar(&cfg.BackendTLS.Enabled, "backend-tls-enabled", getEnvBool("BACKEND_TLS_ENABLED", false), "Use TLS towards the backend")
	fs.StringVar(&cfg.BackendTLS.CertFile, "backend-tls-cert-file", getEnv("BACKEND_TLS_CERT_FILE", ""), "Client certificate for the backend")
	fs.StringVar(&cfg.BackendTLS.KeyFile, "backend-tls-key-file", getEnv("BACKEND_TLS_KEY_FILE", ""), "Client key for the backend")
	fs.StringVar(&cfg.BackendTLS.CAFile, "backend-tls-ca-file", getEnv("BACKEND_TLS_CA_FILE", ""), "CA used to verify the backend")
	fs.StringVar(&cfg.Datasource, "datasource", getEnv("DATASOURCE", "influx"), "Datasource name passed to the backend")
	fs.StringVar(&cfg.Schema, "schema", getEnv("SCHEMA", ""), "Dataset schema loaded at startup")
	fs.StringVar(&cfg.Table, "table", getEnv("TABLE", ""), "Dataset table loaded at startup")

	fs.IntVar(&cfg.CanvasWidth, "canvas-width", getEnvInt("CANVAS_WIDTH", 1000), "Chart width in pixels")
	fs.IntVar(&cfg.CanvasHeight, "canvas-height", getEnvInt("CANVAS_HEIGHT", 600), "Chart height in pixels")
	fs.DurationVar(&cfg.Debounce, "debounce", getEnvDuration("DEBOUNCE", 300*time.Millisecond), "Input debounce delay")
	fs.DurationVar(&cfg.InitialRange, "initial-range", getEnvDuration("INITIAL_RANGE", time.Minute), "Visible range after a dataset loads")
	fs.StringVar(&cfg.ReferenceMethod, "reference-method", getEnv("REFERENCE_METHOD", "M4"), "Method used as the quality reference")
	fs.StringVar(&cfg.ScaleMode, "scale-mode", getEnv("SCALE_MODE", "independent"), "Scoring scale mode: independent or shared")
	fs.BoolVar(&cfg.Quality, "quality", getEnvBool("QUALITY", false), "Enable quality scoring at startup")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Baseline storage: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 30*time.Minute), "Baseline TTL")
	fs.StringVar(&cfg.HistoryDB, "history-db", getEnv("HISTORY_DB", ""), "SQLite file mirroring the query history (empty disables)")

	fs.StringVar(&cfg.Scenario, "scenario", getEnv("SCENARIO", ""), "YAML scenario to replay")
	fs.StringVar(&cfg.ExportPath, "export", getEnv("EXPORT", ""), "Write the history CSV here after a scenario (.zst compresses)")
	fs.BoolVar(&cfg.Serve, "serve", getEnvBool("SERVE", true), "Serve the HTTP API (a scenario without -serve exits when done)")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for the HTTP server")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.BackendConfig = parseBackendConfig(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	switch c.Backend {
	case "middleware", "prometheus", "victoriametrics":
	default:
		return fmt.Errorf("invalid backend %q (must be middleware, prometheus, or victoriametrics)", c.Backend)
	}
	switch c.Storage {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}
	if _, err := scoring.ParseScaleMode(c.ScaleMode); err != nil {
		return err
	}
	if c.CanvasWidth <= 0 || c.CanvasHeight <= 0 {
		return fmt.Errorf("canvas must be positive, got %dx%d", c.CanvasWidth, c.CanvasHeight)
	}
	if c.Debounce < 0 {
		return errors.New("debounce cannot be negative")
	}
	if c.InitialRange <= 0 {
		return errors.New("initial-range must be > 0")
	}
	if (c.Schema == "") != (c.Table == "") {
		return errors.New("schema and table must be set together")
	}
	if !c.Serve && c.Scenario == "" {
		return errors.New("nothing to do: set -scenario or keep -serve")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	if err := c.BackendTLS.Validate(); err != nil {
		return fmt.Errorf("backend tls: %w", err)
	}
	return nil
}

// parseBackendConfig turns BACKEND_* variables into a map keyed in lower
// camel case (BACKEND_MEASURES_PATH → measuresPath). Variables consumed by
// flags are skipped.
func parseBackendConfig(environ []string) map[string]string {
	config := make(map[string]string)
	for _, env := range environ {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, "BACKEND_") {
			continue
		}
		if name == "BACKEND_TIMEOUT" || strings.HasPrefix(name, "BACKEND_TLS_") {
			continue
		}
		config[toLowerCamelCase(strings.TrimPrefix(name, "BACKEND_"))] = value
	}
	return config
}

func toLowerCamelCase(s string) string {
	var b strings.Builder
	upper := false
	for i, r := range strings.ToLower(s) {
		if r == '_' {
			upper = i > 0
			continue
		}
		if upper {
			r = []rune(strings.ToUpper(string(r)))[0]
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
