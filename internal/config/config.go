// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes the settings of the
// booking core: database connection, webhook dispatcher tuning, admission
// retries, logging, the ops HTTP listener, and observability.
package config

import (
	"errors"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// WebhookAckTimeout bounds an acknowledgement written after a delivery. A
// lease must outlive one request plus this allowance.
const WebhookAckTimeout = 5 * time.Second

// DBConfig describes the pooled database connection shared by all stores.
type DBConfig struct {
	Driver          string        // DB_DRIVER: sqlite|postgres
	DSN             string        // DB_DSN: file path for sqlite, URL/keyword DSN for postgres
	MaxOpenConns    int           // DB_MAX_OPEN_CONNS (ignored for sqlite, which uses one writer)
	MaxIdleConns    int           // DB_MAX_IDLE_CONNS
	ConnMaxLifetime time.Duration // DB_CONN_MAX_LIFETIME
}

// WebhookConfig tunes the webhook dispatcher.
type WebhookConfig struct {
	WorkerName        string        // WEBHOOK_WORKER_NAME, used in logs and metric labels
	URL               string        // WEBHOOK_URL, required
	PollInterval      time.Duration // WEBHOOK_POLL_INTERVAL
	BatchSize         int           // WEBHOOK_BATCH_SIZE
	Workers           int           // WEBHOOK_WORKERS, defaults to the CPU count
	MaxAttempts       int           // WEBHOOK_MAX_ATTEMPTS
	HTTPTimeout       time.Duration // WEBHOOK_HTTP_TIMEOUT, per request
	BackoffBase       time.Duration // WEBHOOK_BACKOFF_BASE
	BackoffCap        time.Duration // WEBHOOK_BACKOFF_CAP
	VisibilityTimeout time.Duration // WEBHOOK_VISIBILITY_TIMEOUT, 0 disables lease reclaim
	ErrorPause        time.Duration // WEBHOOK_ERROR_PAUSE, wait after a failed cycle
	RateRPS           float64       // WEBHOOK_RATE_RPS, 0 = unlimited
	RateBurst         int           // WEBHOOK_RATE_BURST
}

// AdmissionConfig tunes reservation admission.
type AdmissionConfig struct {
	MaxRetries int           // ADMISSION_MAX_RETRIES on serialization failures
	RetryBase  time.Duration // ADMISSION_RETRY_BASE, first backoff interval
	Provider   string        // PAYMENT_PROVIDER recorded on new intents
	Currencies []string      // ALLOWED_CURRENCIES (upper-case ISO codes)
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "booking-webhook-worker")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Ops listener (/metrics)
	OpsPort      string        // just the number
	ReadTimeout  time.Duration // e.g. 15s
	WriteTimeout time.Duration // e.g. 20s
	IdleTimeout  time.Duration // e.g. 60s
	GinMode      string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	DB        DBConfig
	Webhook   WebhookConfig
	Admission AdmissionConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		OpsPort:      getenv("OPS_PORT", "9090"),
		ReadTimeout:  getdur("READ_TIMEOUT", 15*time.Second),
		WriteTimeout: getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:  getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:      strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DB: DBConfig{
			Driver:          strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:             getenv("DB_DSN", ""),
			MaxOpenConns:    getint("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getint("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getdur("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},

		Webhook: WebhookConfig{
			WorkerName:        getenv("WEBHOOK_WORKER_NAME", "PaymentsWebhook"),
			URL:               strings.TrimSpace(getenv("WEBHOOK_URL", "")),
			PollInterval:      getdur("WEBHOOK_POLL_INTERVAL", 30*time.Second),
			BatchSize:         getint("WEBHOOK_BATCH_SIZE", 200),
			Workers:           getint("WEBHOOK_WORKERS", runtime.NumCPU()),
			MaxAttempts:       getint("WEBHOOK_MAX_ATTEMPTS", 6),
			HTTPTimeout:       getdur("WEBHOOK_HTTP_TIMEOUT", 10*time.Second),
			BackoffBase:       getdur("WEBHOOK_BACKOFF_BASE", 30*time.Second),
			BackoffCap:        getdur("WEBHOOK_BACKOFF_CAP", time.Hour),
			VisibilityTimeout: getdur("WEBHOOK_VISIBILITY_TIMEOUT", 5*time.Minute),
			ErrorPause:        getdur("WEBHOOK_ERROR_PAUSE", 5*time.Second),
			RateRPS:           getfloat("WEBHOOK_RATE_RPS", 0),
			RateBurst:         getint("WEBHOOK_RATE_BURST", 1),
		},

		Admission: AdmissionConfig{
			MaxRetries: getint("ADMISSION_MAX_RETRIES", 3),
			RetryBase:  getdur("ADMISSION_RETRY_BASE", 50*time.Millisecond),
			Provider:   getenv("PAYMENT_PROVIDER", "simulated"),
			Currencies: upperAll(splitCSV(getenv("ALLOWED_CURRENCIES", "BRL"))),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "booking-webhook-worker"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.OpsPort) == "" {
		return cfg, errors.New("OPS_PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	switch cfg.DB.Driver {
	case "sqlite", "postgres":
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.DB.DSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
	}
	if cfg.DB.MaxOpenConns < 1 || cfg.DB.MaxIdleConns < 0 {
		return cfg, errors.New("DB_MAX_OPEN_CONNS must be >= 1 and DB_MAX_IDLE_CONNS >= 0")
	}
	if cfg.Webhook.URL == "" {
		return cfg, errors.New("WEBHOOK_URL must not be empty")
	}
	if !strings.HasPrefix(cfg.Webhook.URL, "http://") && !strings.HasPrefix(cfg.Webhook.URL, "https://") {
		return cfg, errors.New("WEBHOOK_URL must be an http(s) URL")
	}
	if cfg.Webhook.PollInterval <= 0 || cfg.Webhook.HTTPTimeout <= 0 || cfg.Webhook.ErrorPause <= 0 {
		return cfg, errors.New("WEBHOOK_POLL_INTERVAL, WEBHOOK_HTTP_TIMEOUT and WEBHOOK_ERROR_PAUSE must be positive")
	}
	if cfg.Webhook.BatchSize < 1 {
		return cfg, errors.New("WEBHOOK_BATCH_SIZE must be >= 1")
	}
	if cfg.Webhook.Workers < 1 {
		return cfg, errors.New("WEBHOOK_WORKERS must be >= 1")
	}
	if cfg.Webhook.MaxAttempts < 1 {
		return cfg, errors.New("WEBHOOK_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Webhook.BackoffBase <= 0 || cfg.Webhook.BackoffCap < cfg.Webhook.BackoffBase {
		return cfg, errors.New("WEBHOOK_BACKOFF_BASE must be > 0 and <= WEBHOOK_BACKOFF_CAP")
	}
	if cfg.Webhook.VisibilityTimeout < 0 {
		return cfg, errors.New("WEBHOOK_VISIBILITY_TIMEOUT must be >= 0")
	}
	if v := cfg.Webhook.VisibilityTimeout; v > 0 && v <= cfg.Webhook.HTTPTimeout+WebhookAckTimeout {
		return cfg, errors.New("WEBHOOK_VISIBILITY_TIMEOUT must exceed WEBHOOK_HTTP_TIMEOUT plus 5s, or be 0")
	}
	if cfg.Webhook.RateRPS < 0 {
		return cfg, errors.New("WEBHOOK_RATE_RPS must be >= 0")
	}
	if cfg.Webhook.RateBurst < 1 {
		return cfg, errors.New("WEBHOOK_RATE_BURST must be >= 1")
	}
	if cfg.Admission.MaxRetries < 0 {
		return cfg, errors.New("ADMISSION_MAX_RETRIES must be >= 0")
	}
	if cfg.Admission.RetryBase <= 0 {
		return cfg, errors.New("ADMISSION_RETRY_BASE must be > 0")
	}
	if len(cfg.Admission.Currencies) == 0 {
		return cfg, errors.New("ALLOWED_CURRENCIES must list at least one currency")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func upperAll(in []string) []string {
	for i, s := range in {
		in[i] = strings.ToUpper(s)
	}
	return in
}
