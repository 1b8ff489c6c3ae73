package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Ledger backends
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Rule sources
const (
	RulesSourceFile     = "file"
	RulesSourcePostgres = "postgres"
)

// Evidence sinks
const (
	SinkFilesystem = "fs"
	SinkS3         = "s3"
	SinkGCS        = "gcs"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	LedgerDatabase *DatabaseConfig // Optional: separate DB for the audit ledger. When nil, the ledger uses the main DB.
	Ledger         LedgerConfig
	Authz          AuthzConfig
	Duty           DutyConfig
	Evidence       EvidenceConfig
	Auth           AuthConfig
	Observability  ObservabilityConfig
	Environment    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// LedgerConfig selects and tunes the audit ledger store
type LedgerConfig struct {
	Backend         string
	SQLitePath      string
	MonitorWorkers  int
	MonitorInterval time.Duration
	MonitorQueue    int
}

// AuthzConfig configures where authorization rules come from
type AuthzConfig struct {
	RulesSource string
	RulesFile   string
	CacheSize   int
	CacheTTL    time.Duration
}

// DutyConfig configures the duty calculation engine
type DutyConfig struct {
	ScheduleFile string
}

// EvidenceConfig configures where exported evidence is written
type EvidenceConfig struct {
	Sink       string
	Dir        string
	Bucket     string
	Prefix     string
	S3Region   string
	S3Endpoint string
}

// AuthConfig holds bearer token validation settings
type AuthConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel          string
	LogFormat         string // json or text
	MetricsEnabled    bool
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
	ServiceName       string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 60*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:       loadDatabaseConfig(),
		LedgerDatabase: loadLedgerDatabaseConfig(),
		Ledger: LedgerConfig{
			Backend:         getEnv("LEDGER_BACKEND", BackendPostgres),
			SQLitePath:      getEnv("LEDGER_SQLITE_PATH", "data/ledger.db"),
			MonitorWorkers:  getEnvAsInt("LEDGER_MONITOR_WORKERS", 2),
			MonitorInterval: getEnvAsDuration("LEDGER_MONITOR_INTERVAL", 30*time.Second),
			MonitorQueue:    getEnvAsInt("LEDGER_MONITOR_QUEUE", 64),
		},
		Authz: AuthzConfig{
			RulesSource: getEnv("AUTHZ_RULES_SOURCE", RulesSourceFile),
			RulesFile:   getEnv("AUTHZ_RULES_FILE", ""),
			CacheSize:   getEnvAsInt("AUTHZ_CACHE_SIZE", 256),
			CacheTTL:    getEnvAsDuration("AUTHZ_CACHE_TTL", 5*time.Minute),
		},
		Duty: DutyConfig{
			ScheduleFile: getEnv("DUTY_SCHEDULE_FILE", ""),
		},
		Evidence: EvidenceConfig{
			Sink:       getEnv("EVIDENCE_SINK", SinkFilesystem),
			Dir:        getEnv("EVIDENCE_DIR", "data/evidence"),
			Bucket:     getEnv("EVIDENCE_BUCKET", ""),
			Prefix:     getEnv("EVIDENCE_PREFIX", ""),
			S3Region:   getEnv("EVIDENCE_S3_REGION", "us-east-1"),
			S3Endpoint: getEnv("EVIDENCE_S3_ENDPOINT", ""),
		},
		Auth: AuthConfig{
			SigningKey: getEnv("JWT_SIGNING_KEY", ""),
			Issuer:     getEnv("JWT_ISSUER", ""),
			Audience:   getEnv("JWT_AUDIENCE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFormat:         getEnv("LOG_FORMAT", "json"),
			MetricsEnabled:    getEnvAsBool("METRICS_ENABLED", true),
			TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("TRACING_ENDPOINT", ""),
			TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
			ServiceName:       getEnv("SERVICE_NAME", "governed-core"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendPostgres, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Ledger.Backend == BackendSQLite && c.Ledger.SQLitePath == "" {
		return fmt.Errorf("LEDGER_SQLITE_PATH is required for the sqlite backend")
	}
	if c.IsProduction() && c.Ledger.Backend == BackendMemory {
		return fmt.Errorf("the memory ledger backend is not durable and cannot run in production")
	}

	switch c.Authz.RulesSource {
	case RulesSourceFile, RulesSourcePostgres:
	default:
		return fmt.Errorf("unknown rules source %q", c.Authz.RulesSource)
	}

	if c.NeedsDatabase() {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	switch c.Evidence.Sink {
	case SinkFilesystem:
		if c.Evidence.Dir == "" {
			return fmt.Errorf("EVIDENCE_DIR is required for the fs sink")
		}
	case SinkS3, SinkGCS:
		if c.Evidence.Bucket == "" {
			return fmt.Errorf("EVIDENCE_BUCKET is required for the %s sink", c.Evidence.Sink)
		}
	default:
		return fmt.Errorf("unknown evidence sink %q", c.Evidence.Sink)
	}

	if c.IsProduction() && c.Auth.SigningKey == "" {
		return fmt.Errorf("JWT signing key is required in production")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// NeedsDatabase reports whether any component is backed by PostgreSQL
func (c *Config) NeedsDatabase() bool {
	return c.Ledger.Backend == BackendPostgres || c.Authz.RulesSource == RulesSourcePostgres
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "governed"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "governed"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadLedgerDatabaseConfig loads the ledger DB config from DATABASE_URL_LEDGER.
// Returns nil when not set (the ledger uses the main DB).
func loadLedgerDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_LEDGER", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
