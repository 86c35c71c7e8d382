// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, upstream inference settings, billing policy, guest
// sessions, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted by STORE_BACKEND.
const (
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "deepdive-relay")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// UpstreamConfig points at the inference service.
type UpstreamConfig struct {
	BaseURL        string        // UPSTREAM_BASE_URL
	APIKey         string        // UPSTREAM_API_KEY
	APIKeyParam    string        // UPSTREAM_API_KEY_PARAM (SSM parameter name, overrides APIKey)
	Timeout        time.Duration // UPSTREAM_TIMEOUT, bounds the whole streamed call
	ConnectTimeout time.Duration // UPSTREAM_CONNECT_TIMEOUT
}

// GuestConfig governs anonymous, token-keyed guest sessions.
type GuestConfig struct {
	TTL           time.Duration // GUEST_TTL (fixed 7 days by default)
	DailyCap      int           // GUEST_DAILY_CAP, free company lookups per home-timezone day
	Allocation    int           // GUEST_ALLOCATION, fixed non-resetting credit allocation
	SweepInterval time.Duration // GUEST_SWEEP_INTERVAL
}

// BillingConfig is the default policy applied to every conversation kind
// unless POLICY_FILE overrides it.
type BillingConfig struct {
	ChargeEvery       int // CHARGE_EVERY, charge once every N accepted turns
	ChargeCost        int // CHARGE_COST
	CompanyLookupCost int // COMPANY_LOOKUP_COST (0 = free for accounts)
	MonthlyAllocation int // MONTHLY_ALLOCATION
	ScoreThreshold    int // SCORE_THRESHOLD, all four dimensions must reach it
	MinTurns          int // MIN_TURNS, completion floor
	MaxTurnRunes      int // MAX_TURN_RUNES
}

// DynamoConfig configures the DynamoDB conversation store.
type DynamoConfig struct {
	Table  string // DYNAMO_TABLE
	Region string // AWS_REGION
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // 0 disables; streams outlive short write deadlines
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath       string // SQLite path
	StoreBackend string // sqlite|dynamodb (conversation store only)
	Dynamo       DynamoConfig
	ClaimWait    time.Duration // CLAIM_WAIT, how long a submission waits for a busy conversation

	// Identity
	SessionSecret string // SESSION_SECRET, HMAC key for account session tokens
	Guest         GuestConfig

	// Upstream inference service
	Upstream UpstreamConfig

	// Billing / completion policy
	Billing    BillingConfig
	PolicyFile string // POLICY_FILE, optional YAML overrides per conversation kind

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Per client IP, checked before identity so new guest tokens cannot
	// outrun it. IP_RATE_RPS=0 disables it.
	IPRateRPS   float64
	IPRateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath:       getenv("DB_PATH", "relay.db"),
		StoreBackend: strings.ToLower(getenv("STORE_BACKEND", StoreSQLite)),
		Dynamo: DynamoConfig{
			Table:  getenv("DYNAMO_TABLE", ""),
			Region: getenv("AWS_REGION", ""),
		},
		ClaimWait: getdur("CLAIM_WAIT", 60*time.Second),

		// Identity
		SessionSecret: getenv("SESSION_SECRET", ""),
		Guest: GuestConfig{
			TTL:           getdur("GUEST_TTL", 7*24*time.Hour),
			DailyCap:      getint("GUEST_DAILY_CAP", 3),
			Allocation:    getint("GUEST_ALLOCATION", 5),
			SweepInterval: getdur("GUEST_SWEEP_INTERVAL", time.Hour),
		},

		// Upstream
		Upstream: UpstreamConfig{
			BaseURL:        strings.TrimRight(getenv("UPSTREAM_BASE_URL", "http://localhost:9000"), "/"),
			APIKey:         getenv("UPSTREAM_API_KEY", ""),
			APIKeyParam:    getenv("UPSTREAM_API_KEY_PARAM", ""),
			Timeout:        getdur("UPSTREAM_TIMEOUT", 45*time.Second),
			ConnectTimeout: getdur("UPSTREAM_CONNECT_TIMEOUT", 5*time.Second),
		},

		// Billing
		Billing: BillingConfig{
			ChargeEvery:       getint("CHARGE_EVERY", 5),
			ChargeCost:        getint("CHARGE_COST", 1),
			CompanyLookupCost: getint("COMPANY_LOOKUP_COST", 0),
			MonthlyAllocation: getint("MONTHLY_ALLOCATION", 30),
			ScoreThreshold:    getint("SCORE_THRESHOLD", 80),
			MinTurns:          getint("MIN_TURNS", 5),
			MaxTurnRunes:      getint("MAX_TURN_RUNES", 2000),
		},
		PolicyFile: getenv("POLICY_FILE", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		IPRateRPS:   getfloat("IP_RATE_RPS", 20.0),
		IPRateBurst: getint("IP_RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "deepdive-relay"),
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
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.WriteTimeout < 0 {
		return cfg, errors.New("WRITE_TIMEOUT must be >= 0")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.StoreBackend {
	case StoreSQLite:
	case StoreDynamoDB:
		if strings.TrimSpace(cfg.Dynamo.Table) == "" {
			return cfg, errors.New("DYNAMO_TABLE must be set when STORE_BACKEND=dynamodb")
		}
	default:
		return cfg, errors.New("STORE_BACKEND must be one of: sqlite, dynamodb")
	}
	// The ledger always lives in SQLite, so DB_PATH is required for every backend.
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.ClaimWait <= 0 {
		return cfg, errors.New("CLAIM_WAIT must be > 0")
	}
	if cfg.Guest.TTL <= 0 {
		return cfg, errors.New("GUEST_TTL must be > 0")
	}
	if cfg.Guest.DailyCap < 0 || cfg.Guest.Allocation < 0 {
		return cfg, errors.New("GUEST_DAILY_CAP and GUEST_ALLOCATION must be >= 0")
	}
	if cfg.Guest.SweepInterval <= 0 {
		return cfg, errors.New("GUEST_SWEEP_INTERVAL must be > 0")
	}
	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		return cfg, errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if cfg.Upstream.Timeout <= 0 || cfg.Upstream.ConnectTimeout <= 0 {
		return cfg, errors.New("UPSTREAM_TIMEOUT and UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if err := cfg.Billing.Validate(); err != nil {
		return cfg, err
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.IPRateRPS < 0 {
		return cfg, errors.New("IP_RATE_RPS must be >= 0")
	}
	if cfg.IPRateBurst < 1 {
		return cfg, errors.New("IP_RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// Validate checks the billing knobs. It is shared by env loading and the
// YAML policy overrides.
func (b BillingConfig) Validate() error {
	if b.ChargeEvery < 1 {
		return errors.New("CHARGE_EVERY must be >= 1")
	}
	if b.ChargeCost < 0 || b.CompanyLookupCost < 0 {
		return errors.New("CHARGE_COST and COMPANY_LOOKUP_COST must be >= 0")
	}
	if b.MonthlyAllocation < 0 {
		return errors.New("MONTHLY_ALLOCATION must be >= 0")
	}
	if b.ScoreThreshold < 0 || b.ScoreThreshold > 100 {
		return errors.New("SCORE_THRESHOLD must be between 0 and 100")
	}
	if b.MinTurns < 1 {
		return errors.New("MIN_TURNS must be >= 1")
	}
	if b.MaxTurnRunes < 1 {
		return errors.New("MAX_TURN_RUNES must be >= 1")
	}
	return nil
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
