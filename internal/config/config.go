package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// Partial failure policies accepted by INGEST_PARTIAL_FAILURE_POLICY
const (
	PolicyHold    = "hold"
	PolicyAdvance = "advance"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Source   SourceConfig
	Ingest   IngestConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	DiscoveryTopic string // issuer discovery feed
	EventsTopic    string // ingestion notifications
	GroupID        string
}

// RedisConfig holds the issuer lease store configuration
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

// SourceConfig holds exchange client configuration
type SourceConfig struct {
	BaseURL        string
	Method         string
	RequestTimeout time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	RatePerSecond  float64
	Burst          int
	TableID        string
	DropZeroVolume bool
}

// IngestConfig holds orchestration configuration
type IngestConfig struct {
	Workers              int
	Epoch                string // MM/DD/YYYY start for never fetched issuers
	MaxSpanDays          int
	PartialFailurePolicy string
	Schedule             string // cron expression with a seconds field
	RunOnStart           bool
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "stockhistory"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Enabled:        getEnvAsBool("KAFKA_ENABLED", true),
			Brokers:        getEnvAsList("KAFKA_BROKERS", []string{"localhost:9092"}),
			DiscoveryTopic: getEnv("KAFKA_DISCOVERY_TOPIC", "issuer-discovery"),
			EventsTopic:    getEnv("KAFKA_EVENTS_TOPIC", "stock-history-events"),
			GroupID:        getEnv("KAFKA_GROUP_ID", "stock-history-ingestor"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			LockTTL:  getEnvAsDuration("REDIS_LOCK_TTL", 30*time.Minute),
		},
		Source: SourceConfig{
			BaseURL:        getEnv("SOURCE_BASE_URL", "https://www.mse.mk/page.aspx/stats/symbolhistory"),
			Method:         strings.ToUpper(getEnv("SOURCE_METHOD", "GET")),
			RequestTimeout: getEnvAsDuration("SOURCE_REQUEST_TIMEOUT", 30*time.Second),
			MaxRetries:     getEnvAsInt("SOURCE_MAX_RETRIES", 3),
			InitialBackoff: getEnvAsDuration("SOURCE_INITIAL_BACKOFF", time.Second),
			RatePerSecond:  getEnvAsFloat("SOURCE_RATE_PER_SECOND", 5),
			Burst:          getEnvAsInt("SOURCE_BURST", 5),
			TableID:        getEnv("SOURCE_TABLE_ID", "resultsTable"),
			DropZeroVolume: getEnvAsBool("SOURCE_DROP_ZERO_VOLUME", true),
		},
		Ingest: IngestConfig{
			Workers:              getEnvAsInt("INGEST_WORKERS", runtime.NumCPU()),
			Epoch:                getEnv("INGEST_EPOCH", "11/10/2014"),
			MaxSpanDays:          getEnvAsInt("INGEST_MAX_SPAN_DAYS", 364),
			PartialFailurePolicy: strings.ToLower(getEnv("INGEST_PARTIAL_FAILURE_POLICY", PolicyHold)),
			Schedule:             getEnv("INGEST_SCHEDULE", "0 0 18 * * MON-FRI"),
			RunOnStart:           getEnvAsBool("INGEST_RUN_ON_START", true),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvAsBool("LOG_PRETTY", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.MaxSpanDays < 1 {
		return fmt.Errorf("INGEST_MAX_SPAN_DAYS must be at least 1, got %d", c.Ingest.MaxSpanDays)
	}
	if _, err := c.Ingest.EpochDate(); err != nil {
		return fmt.Errorf("INGEST_EPOCH: %w", err)
	}
	switch c.Ingest.PartialFailurePolicy {
	case PolicyHold, PolicyAdvance:
	default:
		return fmt.Errorf("INGEST_PARTIAL_FAILURE_POLICY must be %q or %q, got %q",
			PolicyHold, PolicyAdvance, c.Ingest.PartialFailurePolicy)
	}
	if c.Source.BaseURL == "" {
		return fmt.Errorf("SOURCE_BASE_URL is required")
	}
	if c.Source.Method != "GET" && c.Source.Method != "POST" {
		return fmt.Errorf("SOURCE_METHOD must be GET or POST, got %q", c.Source.Method)
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("SOURCE_MAX_RETRIES must not be negative, got %d", c.Source.MaxRetries)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when Kafka is enabled")
	}
	return nil
}

// EpochDate parses the default resume date
func (i IngestConfig) EpochDate() (time.Time, error) {
	return models.ParseDate(i.Epoch)
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Address returns the HTTP listen address
func (s *ServerConfig) Address() string {
	return s.Host + ":" + s.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
