// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, the automation worker
// endpoint, dispatch retry policy, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-queue-registration")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// WorkerConfig points at the remote automation worker.
type WorkerConfig struct {
	URL        string // WORKER_URL
	IntakePath string // WORKER_INTAKE_PATH
}

// DispatchConfig tunes the dispatch queue consumers and retry policy.
type DispatchConfig struct {
	Timeout         time.Duration // DISPATCH_TIMEOUT, per worker call
	MaxAttempts     int           // DISPATCH_MAX_ATTEMPTS, total worker calls
	Backoff         time.Duration // DISPATCH_BACKOFF, base retry delay
	BackoffStrategy string        // DISPATCH_BACKOFF_STRATEGY: constant|exponential
	Workers         int           // DISPATCH_WORKERS
	PollInterval    time.Duration // DISPATCH_POLL_INTERVAL
	Lease           time.Duration // DISPATCH_LEASE
	SweepInterval   time.Duration // SWEEP_INTERVAL
	SweepGrace      time.Duration // SWEEP_GRACE
}

// ChatConfig configures the intake conversation.
type ChatConfig struct {
	StartKeyword string        // CHAT_START_KEYWORD
	TTL          time.Duration // CONVERSATION_TTL
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// App
	DBPath       string // SQLite path
	APIToken     string // bearer token shared with the chat gateway and worker
	RedisAddress string // optional; enables the distributed sweep lock
	NotifyURL    string // optional chat gateway webhook for outcomes

	Worker   WorkerConfig
	Dispatch DispatchConfig
	Chat     ChatConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

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
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:       getenv("DB_PATH", "app.db"),
		APIToken:     strings.TrimSpace(getenv("API_TOKEN", "")),
		RedisAddress: strings.TrimSpace(getenv("REDIS_ADDRESS", "")),
		NotifyURL:    strings.TrimSpace(getenv("NOTIFY_URL", "")),

		Worker: WorkerConfig{
			URL:        strings.TrimRight(getenv("WORKER_URL", "http://localhost:3000"), "/"),
			IntakePath: getenv("WORKER_INTAKE_PATH", "/start-automation"),
		},
		Dispatch: DispatchConfig{
			Timeout:         getdur("DISPATCH_TIMEOUT", 10*time.Second),
			MaxAttempts:     getint("DISPATCH_MAX_ATTEMPTS", 3),
			Backoff:         getdur("DISPATCH_BACKOFF", 60*time.Second),
			BackoffStrategy: strings.ToLower(getenv("DISPATCH_BACKOFF_STRATEGY", "constant")),
			Workers:         getint("DISPATCH_WORKERS", 2),
			PollInterval:    getdur("DISPATCH_POLL_INTERVAL", time.Second),
			Lease:           getdur("DISPATCH_LEASE", 30*time.Second),
			SweepInterval:   getdur("SWEEP_INTERVAL", time.Minute),
			SweepGrace:      getdur("SWEEP_GRACE", 2*time.Minute),
		},
		Chat: ChatConfig{
			StartKeyword: strings.ToLower(strings.TrimSpace(getenv("CHAT_START_KEYWORD", "daftar"))),
			TTL:          getdur("CONVERSATION_TTL", 30*time.Minute),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 50.0),
		RateBurst: getint("RATE_BURST", 100),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-queue-registration"),
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

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.APIToken == "" {
		return cfg, errors.New("API_TOKEN must not be empty")
	}
	if !strings.HasPrefix(cfg.Worker.URL, "http://") && !strings.HasPrefix(cfg.Worker.URL, "https://") {
		return cfg, errors.New("WORKER_URL must be an http(s) URL")
	}
	switch cfg.Dispatch.BackoffStrategy {
	case "constant", "exponential":
	default:
		return cfg, errors.New("DISPATCH_BACKOFF_STRATEGY must be constant or exponential")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return cfg, errors.New("DISPATCH_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Dispatch.Workers < 1 {
		return cfg, errors.New("DISPATCH_WORKERS must be >= 1")
	}
	if cfg.Dispatch.Timeout <= 0 || cfg.Dispatch.PollInterval <= 0 || cfg.Dispatch.Lease <= 0 ||
		cfg.Dispatch.SweepInterval <= 0 || cfg.Dispatch.SweepGrace <= 0 {
		return cfg, errors.New("dispatch durations must be positive")
	}
	if cfg.Dispatch.Backoff < 0 {
		return cfg, errors.New("DISPATCH_BACKOFF must be >= 0")
	}
	if cfg.Dispatch.Lease <= cfg.Dispatch.Timeout {
		return cfg, errors.New("DISPATCH_LEASE must exceed DISPATCH_TIMEOUT")
	}
	if cfg.Chat.StartKeyword == "" {
		return cfg, errors.New("CHAT_START_KEYWORD must not be empty")
	}
	if cfg.Chat.TTL <= 0 {
		return cfg, errors.New("CONVERSATION_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
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

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
