package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string

	OTLPEndpoint string

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
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string

	// SchedulerSecret authenticates external scheduler invocations of the
	// reconciliation endpoint. Empty disables the endpoint.
	SchedulerSecret string

	SlackWebhookURL string
	SlackChannel    string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:         getenv("APP_SERVICE", "ptmeter"),
		AppVersion:      getenv("APP_VERSION", "0.1.0"),
		Environment:     getenv("ENVIRONMENT", "development"),
		HTTPPort:        getenv("HTTP_PORT", "8080"),
		OTLPEndpoint:    getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:          getenv("DATABASE_TYPE", "postgres"),
		DBHost:          getenv("DATABASE_HOST", "localhost"),
		DBPort:          getenv("DATABASE_PORT", "5432"),
		DBName:          getenv("DATABASE_NAME", "ptmeter"),
		DBUser:          getenv("DATABASE_USER", "postgres"),
		DBPassword:      getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:       getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:   getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:   getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		RedisAddr:       getenv("REDIS_ADDR", ""),
		RedisPassword:   getenv("REDIS_PASSWORD", ""),
		SchedulerSecret: strings.TrimSpace(getenv("SCHEDULER_SECRET", "")),
		SlackWebhookURL: strings.TrimSpace(getenv("SLACK_WEBHOOK_URL", "")),
		SlackChannel:    getenv("SLACK_CHANNEL", "#margin-alerts"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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
