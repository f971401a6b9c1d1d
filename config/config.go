// Package config loads service configuration from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Certificate issuer backends.
const (
	IssuerLocal = "local"
	IssuerHTTP  = "http"
)

// Config is the full service configuration.
type Config struct {
	App           AppConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	HTTP          HTTPConfig
	Anthropic     AnthropicConfig
	Certificates  CertificatesConfig
	Recorder      RecorderConfig
	Events        EventsConfig
	Jobs          JobsConfig
	Features      *FeatureFlags
	Observability ObservabilityConfig
}

// AppConfig contains general application settings.
type AppConfig struct {
	Name            string
	Environment     Environment
	Debug           bool
	Version         string
	ShutdownTimeout time.Duration
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	// Store selects the enrollment store: "postgres" or "memory".
	Store string

	URL string

	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	// MigrateOnStart applies pending migrations before serving.
	MigrateOnStart bool
}

// RedisConfig contains Redis settings. Empty URL and host disable redis.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	CatalogTTL time.Duration

	Disabled bool
}

// HTTPConfig contains API server settings.
type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	AllowedOrigins  []string
	APIKeyHeader    string
	APIKeyHashes    []string
	RateLimitPerMin int
	RateLimitBurst  int
}

// AnthropicConfig contains tutor model settings.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	BaseURL     string
}

// CertificatesConfig contains certificate issuer settings.
type CertificatesConfig struct {
	// Issuer is "local" (postgres or memory) or "http" (remote service).
	Issuer string

	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// VerifyBaseURL prefixes verification links for locally issued
	// certificates.
	VerifyBaseURL string

	// SigningKey signs verification tokens. Links carry no token when empty.
	SigningKey string
}

// RecorderConfig contains achievement recorder settings.
type RecorderConfig struct {
	// CertificateMode is "async", "sync" or "disabled".
	CertificateMode    string
	CertificateTimeout time.Duration

	// CertificateClaimLease is how long one caller's certificate request
	// blocks the others. Keep it above CertificateTimeout.
	CertificateClaimLease time.Duration

	// TransactAttempts bounds serialization retries in the postgres store.
	TransactAttempts int
}

// EventsConfig contains event bus settings.
type EventsConfig struct {
	Async        bool
	Workers      int
	BufferSize   int
	RedisChannel string

	HandlerAttempts int
	HandlerTimeout  time.Duration
	DeadLetterSize  int
}

// JobsConfig contains background job settings.
type JobsConfig struct {
	Enabled bool

	// ReconcileSchedule is "@every <duration>" or a cron expression.
	ReconcileSchedule    string
	ReconcileBatchSize   int
	ReconcileConcurrency int
}

// ObservabilityConfig contains logging settings.
type ObservabilityConfig struct {
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, console
}

// Load reads the configuration. A .env file in the working directory is
// applied first when present; real environment variables win over it.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv paths. Missing files are skipped.
func LoadFiles(paths ...string) (*Config, error) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
	}

	cfg := &Config{
		App:           loadAppConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		HTTP:          loadHTTPConfig(),
		Anthropic:     loadAnthropicConfig(),
		Certificates:  loadCertificatesConfig(),
		Recorder:      loadRecorderConfig(),
		Events:        loadEventsConfig(),
		Jobs:          loadJobsConfig(),
		Features:      LoadFeatureFlags(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAppConfig() AppConfig {
	env := Environment(getEnv("APP_ENV", "development"))
	return AppConfig{
		Name:            getEnv("APP_NAME", "amu-competency"),
		Environment:     env,
		Debug:           env == EnvDevelopment || getEnvBool("APP_DEBUG", false),
		Version:         getEnv("APP_VERSION", "0.1.0"),
		ShutdownTimeout: getEnvDuration("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	url := getEnv("DATABASE_URL", "")
	if url == "" {
		host := getEnv("DB_HOST", "")
		user := getEnv("DB_USER", "")
		if host != "" && user != "" {
			url = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
				user,
				getEnv("DB_PASSWORD", ""),
				host,
				getEnv("DB_PORT", "5432"),
				getEnv("DB_NAME", "amu"),
				getEnv("DB_SSLMODE", "require"),
			)
		}
	}

	store := getEnv("ENROLLMENT_STORE", "")
	if store == "" {
		store = StoreMemory
		if url != "" {
			store = StorePostgres
		}
	}

	return DatabaseConfig{
		Store:           store,
		URL:             url,
		MaxConns:        getEnvInt("DB_MAX_CONNS", 25),
		MinConns:        getEnvInt("DB_MIN_CONNS", 2),
		ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Minute),
		ConnectTimeout:  getEnvDuration("DB_CONNECT_TIMEOUT", 10*time.Second),
		MigrateOnStart:  getEnvBool("DB_MIGRATE_ON_START", false),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:          getEnv("REDIS_URL", ""),
		Host:         getEnv("REDIS_HOST", ""),
		Port:         getEnvInt("REDIS_PORT", 6379),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           getEnvInt("REDIS_DB", 0),
		PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
		MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
		DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		CatalogTTL:   getEnvDuration("REDIS_CATALOG_TTL", 10*time.Minute),
		Disabled:     getEnvBool("REDIS_DISABLED", false),
	}
}

// Enabled reports whether a redis server is configured.
func (c RedisConfig) Enabled() bool {
	return !c.Disabled && (c.URL != "" || c.Host != "")
}

func loadHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Host:            getEnv("HTTP_HOST", "0.0.0.0"),
		Port:            getEnvInt("HTTP_PORT", 8080),
		ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 0),
		IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		AllowedOrigins:  getEnvSlice("HTTP_ALLOWED_ORIGINS", nil),
		APIKeyHeader:    getEnv("HTTP_API_KEY_HEADER", "X-API-Key"),
		APIKeyHashes:    getEnvSlice("HTTP_API_KEY_HASHES", nil),
		RateLimitPerMin: getEnvInt("HTTP_RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:  getEnvInt("HTTP_RATE_LIMIT_BURST", 20),
	}
}

func loadAnthropicConfig() AnthropicConfig {
	return AnthropicConfig{
		APIKey:      getEnv("ANTHROPIC_API_KEY", ""),
		Model:       getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		MaxTokens:   getEnvInt("ANTHROPIC_MAX_TOKENS", 1024),
		Temperature: getEnvFloat("ANTHROPIC_TEMPERATURE", 0.7),
		Timeout:     getEnvDuration("ANTHROPIC_TIMEOUT", 60*time.Second),
		MaxRetries:  getEnvInt("ANTHROPIC_MAX_RETRIES", 2),
		BaseURL:     getEnv("ANTHROPIC_BASE_URL", ""),
	}
}

func loadCertificatesConfig() CertificatesConfig {
	return CertificatesConfig{
		Issuer:           getEnv("CERT_ISSUER", IssuerLocal),
		BaseURL:          getEnv("CERT_SERVICE_URL", ""),
		APIKey:           getEnv("CERT_SERVICE_API_KEY", ""),
		Timeout:          getEnvDuration("CERT_SERVICE_TIMEOUT", 20*time.Second),
		BreakerThreshold: getEnvInt("CERT_BREAKER_THRESHOLD", 5),
		BreakerTimeout:   getEnvDuration("CERT_BREAKER_TIMEOUT", 60*time.Second),
		VerifyBaseURL:    getEnv("CERT_VERIFY_BASE_URL", "https://assetmanagementuniversity.org/verify"),
		SigningKey:       getEnv("CERT_SIGNING_KEY", ""),
	}
}

func loadRecorderConfig() RecorderConfig {
	return RecorderConfig{
		CertificateMode:       getEnv("RECORDER_CERTIFICATE_MODE", "async"),
		CertificateTimeout:    getEnvDuration("RECORDER_CERTIFICATE_TIMEOUT", 30*time.Second),
		CertificateClaimLease: getEnvDuration("RECORDER_CERTIFICATE_CLAIM_LEASE", 10*time.Minute),
		TransactAttempts:      getEnvInt("RECORDER_TRANSACT_ATTEMPTS", 5),
	}
}

func loadEventsConfig() EventsConfig {
	return EventsConfig{
		Async:           getEnvBool("EVENTS_ASYNC", true),
		Workers:         getEnvInt("EVENTS_WORKERS", 4),
		BufferSize:      getEnvInt("EVENTS_BUFFER_SIZE", 1000),
		RedisChannel:    getEnv("EVENTS_REDIS_CHANNEL", "amu:events"),
		HandlerAttempts: getEnvInt("EVENTS_HANDLER_ATTEMPTS", 3),
		HandlerTimeout:  getEnvDuration("EVENTS_HANDLER_TIMEOUT", 30*time.Second),
		DeadLetterSize:  getEnvInt("EVENTS_DEAD_LETTER_SIZE", 1000),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		Enabled:              getEnvBool("JOBS_ENABLED", true),
		ReconcileSchedule:    getEnv("JOBS_RECONCILE_SCHEDULE", "@every 10m"),
		ReconcileBatchSize:   getEnvInt("JOBS_RECONCILE_BATCH_SIZE", 100),
		ReconcileConcurrency: getEnvInt("JOBS_RECONCILE_CONCURRENCY", 4),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Database.Store {
	case StoreMemory:
		if c.App.Environment == EnvProduction {
			errs = append(errs, "ENROLLMENT_STORE=memory is not allowed in production")
		}
	case StorePostgres:
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres store")
		}
	default:
		errs = append(errs, fmt.Sprintf("ENROLLMENT_STORE must be %q or %q", StoreMemory, StorePostgres))
	}

	switch c.Recorder.CertificateMode {
	case "async", "sync", "disabled":
	default:
		errs = append(errs, "RECORDER_CERTIFICATE_MODE must be async, sync or disabled")
	}
	if c.Recorder.CertificateClaimLease <= c.Recorder.CertificateTimeout {
		errs = append(errs, "RECORDER_CERTIFICATE_CLAIM_LEASE must exceed RECORDER_CERTIFICATE_TIMEOUT")
	}
	if c.Recorder.TransactAttempts < 1 {
		errs = append(errs, "RECORDER_TRANSACT_ATTEMPTS must be at least 1")
	}

	switch c.Certificates.Issuer {
	case IssuerLocal:
	case IssuerHTTP:
		if c.Certificates.BaseURL == "" {
			errs = append(errs, "CERT_SERVICE_URL is required for the http issuer")
		}
	default:
		errs = append(errs, fmt.Sprintf("CERT_ISSUER must be %q or %q", IssuerLocal, IssuerHTTP))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, "HTTP_PORT must be 1-65535")
	}
	if c.App.Environment == EnvProduction && len(c.HTTP.APIKeyHashes) == 0 {
		errs = append(errs, "HTTP_API_KEY_HASHES is required in production")
	}

	if c.Jobs.Enabled && strings.TrimSpace(c.Jobs.ReconcileSchedule) == "" {
		errs = append(errs, "JOBS_RECONCILE_SCHEDULE is required when jobs are enabled")
	}

	if c.Features != nil && c.Features.IsEnabled(FeatureRedisEventFanout, nil) && !c.Redis.Enabled() {
		errs = append(errs, "FEATURE_EVENTS_REDIS_FANOUT requires REDIS_URL or REDIS_HOST")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// ══════════════════════════════════════════════════════════════════════════════
// ENV HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvSlice(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
