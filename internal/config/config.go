package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	Logger LoggerConfig

	OTLPEndpoint string
	OtelEnabled  bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	HTTPAddr string

	Registry  RegistryConfig
	Token     TokenConfig
	Scheduler SchedulerConfig
}

type LoggerConfig struct {
	Level string
}

// RegistryConfig points at the external consent registry.
type RegistryConfig struct {
	BaseURL     string
	TokenURL    string
	HTTPTimeout time.Duration
}

// TokenConfig controls token lifecycle behaviour.
type TokenConfig struct {
	// RefreshBuffer is how long before access expiry a refresh is attempted.
	RefreshBuffer time.Duration
	// LockGlobal serializes token acquisition across all tenants instead of
	// per tenant. Kept as a switch because the previous deployment bounded
	// total outbound refresh rate this way.
	LockGlobal bool
}

// SchedulerConfig sizes the periodic pipeline runs. Zero values fall back
// to the scheduler package defaults.
type SchedulerConfig struct {
	RunInterval      time.Duration
	DispatchMode     string
	SingleLimit      int
	BatchSize        int
	BatchCount       int
	ReconcileBatches int
	CheckAfter       time.Duration
	JobTimeout       time.Duration
	EnabledJobs      []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "consentflow"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		Logger: LoggerConfig{
			Level: getenv("LOG_LEVEL", "info"),
		},

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OtelEnabled:  getenvBool("OTEL_ENABLED", false),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "consentflow"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		Registry: RegistryConfig{
			BaseURL:     strings.TrimRight(getenv("REGISTRY_BASE_URL", "https://api.sandbox.iys.org.tr"), "/"),
			TokenURL:    getenv("REGISTRY_TOKEN_URL", "https://api.sandbox.iys.org.tr/oauth2/token"),
			HTTPTimeout: time.Duration(getenvInt("REGISTRY_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Token: TokenConfig{
			RefreshBuffer: time.Duration(getenvInt("TOKEN_REFRESH_BUFFER_SECONDS", 300)) * time.Second,
			LockGlobal:    getenvBool("TOKEN_LOCK_GLOBAL", false),
		},
		Scheduler: SchedulerConfig{
			RunInterval:      time.Duration(getenvInt("SCHEDULER_RUN_INTERVAL_SECONDS", 60)) * time.Second,
			DispatchMode:     getenv("SCHEDULER_DISPATCH_MODE", "batch"),
			SingleLimit:      getenvInt("SCHEDULER_SINGLE_LIMIT", 200),
			BatchSize:        getenvInt("SCHEDULER_BATCH_SIZE", 100),
			BatchCount:       getenvInt("SCHEDULER_BATCH_COUNT", 5),
			ReconcileBatches: getenvInt("SCHEDULER_RECONCILE_BATCHES", 20),
			CheckAfter:       time.Duration(getenvInt("SCHEDULER_CHECK_AFTER_SECONDS", 300)) * time.Second,
			JobTimeout:       time.Duration(getenvInt("SCHEDULER_JOB_TIMEOUT_SECONDS", 30)) * time.Second,
			EnabledJobs:      getenvList("SCHEDULER_ENABLED_JOBS"),
		},
	}
}

func getenvList(key string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
