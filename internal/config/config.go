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

	HTTPAddr string

	Provider ProviderConfig
	Poller   PollerConfig
}

// ProviderConfig carries upstream number-provider settings.
type ProviderConfig struct {
	Name        string
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
	BalanceTTL  time.Duration
}

// PollerConfig carries polling supervisor settings.
type PollerConfig struct {
	PollInterval      time.Duration
	CallTimeout       time.Duration
	MaxDuration       time.Duration
	MaxProviderErrors int
	RestartBaseDelay  time.Duration
	RestartMaxDelay   time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "veriline"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "veriline"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 25)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		Provider: ProviderConfig{
			Name:        getenv("PROVIDER_NAME", "smshub"),
			BaseURL:     getenv("PROVIDER_BASE_URL", "https://api.sms-hub.example/stubs/handler_api.php"),
			APIKey:      strings.TrimSpace(getenv("PROVIDER_API_KEY", "")),
			CallTimeout: getenvDuration("PROVIDER_CALL_TIMEOUT", 4*time.Second),
			BalanceTTL:  getenvDuration("PROVIDER_BALANCE_TTL", 30*time.Second),
		},
		Poller: PollerConfig{
			PollInterval:      getenvDuration("POLLER_INTERVAL", 5*time.Second),
			CallTimeout:       getenvDuration("POLLER_CALL_TIMEOUT", 4*time.Second),
			MaxDuration:       getenvDuration("POLLER_MAX_DURATION", 10*time.Minute),
			MaxProviderErrors: int(getenvInt64("POLLER_MAX_PROVIDER_ERRORS", 5)),
			RestartBaseDelay:  getenvDuration("POLLER_RESTART_BASE_DELAY", time.Second),
			RestartMaxDelay:   getenvDuration("POLLER_RESTART_MAX_DELAY", time.Minute),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
