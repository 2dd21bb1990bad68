package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	Redis      RedisConfig
	Sync       SyncConfig
	Compliance ComplianceConfig
	Log        LogConfig
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Port         int
	Mode         string // gin mode: debug, release or test
	RequestLimit time.Duration
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Driver       string // postgres or memory
	Host         string
	Port         int
	Username     string
	Password     string
	DBName       string
	SSLMode      string
	TestDBName   string // Separate database for testing
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool // create tables on startup
}

// AuthConfig holds the authentication configuration
type AuthConfig struct {
	JWTSecret string
}

// RedisConfig enables distributed locking when URL is set.
type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

// SyncConfig tunes the push/pull coordinator.
type SyncConfig struct {
	MaxApplyAttempts int
	PullLimit        int
}

// ComplianceConfig holds the scan thresholds.
type ComplianceConfig struct {
	Timezone                 string
	DailyLookbackDays        int
	ConsecutiveMissThreshold int
	WeeklyWindowDays         int
	MonthlyQueryCap          int
	ScanWorkers              int
}

// Location resolves Timezone, falling back to UTC.
func (c ComplianceConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LogConfig controls the logrus logger.
type LogConfig struct {
	Level  string
	Format string // json or text
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// LoadConfig loads the configuration from environment variables, reading a
// .env file first when one is present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			Mode:         getEnv("GIN_MODE", "release"),
			RequestLimit: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:       strings.ToLower(getEnv("DB_DRIVER", "postgres")),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			Username:     getEnv("DB_USERNAME", "postgres"),
			Password:     getEnv("DB_PASSWORD", "password"),
			DBName:       getEnv("DB_NAME", "fieldops"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			TestDBName:   getEnv("TEST_DB_NAME", "fieldops_test"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			AutoMigrate:  getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "your-secret-key-here"),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			LockTTL: getEnvAsDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		Sync: SyncConfig{
			MaxApplyAttempts: getEnvAsInt("SYNC_MAX_APPLY_ATTEMPTS", 3),
			PullLimit:        getEnvAsInt("SYNC_PULL_LIMIT", 500),
		},
		Compliance: ComplianceConfig{
			Timezone:                 getEnv("COMPLIANCE_TIMEZONE", "UTC"),
			DailyLookbackDays:        getEnvAsInt("COMPLIANCE_DAILY_LOOKBACK_DAYS", 7),
			ConsecutiveMissThreshold: getEnvAsInt("COMPLIANCE_CONSECUTIVE_MISS_THRESHOLD", 2),
			WeeklyWindowDays:         getEnvAsInt("COMPLIANCE_WEEKLY_WINDOW_DAYS", 90),
			MonthlyQueryCap:          getEnvAsInt("COMPLIANCE_MONTHLY_QUERY_CAP", 3),
			ScanWorkers:              getEnvAsInt("COMPLIANCE_SCAN_WORKERS", 8),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
