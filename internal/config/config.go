package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Crawler   CrawlerConfig
	Browser   BrowserConfig
	RateLimit RateLimitConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Sync      SyncConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type CrawlerConfig struct {
	MaxPages            int
	PageTimeout         time.Duration
	MaxPageRetries      int
	MaxCaptchaRotations int
	QueueSize           int
	FlushEvery          int
	FailureRatePercent  int
}

type BrowserConfig struct {
	Headless       bool
	Timeout        time.Duration
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	MaxRequests    int
	UserAgents     []string
}

type RateLimitConfig struct {
	Burst            int
	RefillInterval   time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	BreakerThreshold int
	CoolDown         time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type RedisConfig struct {
	Addr          string
	Stream        string
	RelayInterval time.Duration
	RelayBatch    int
}

type SyncConfig struct {
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
	BatchTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Crawler: CrawlerConfig{
			MaxPages:            getIntOrDefault("CRAWLER_MAX_PAGES", 0),
			PageTimeout:         getDurationOrDefault("CRAWLER_PAGE_TIMEOUT", 45*time.Second),
			MaxPageRetries:      getIntOrDefault("CRAWLER_MAX_PAGE_RETRIES", 3),
			MaxCaptchaRotations: getIntOrDefault("CRAWLER_MAX_CAPTCHA_ROTATIONS", 3),
			QueueSize:           getIntOrDefault("CRAWLER_QUEUE_SIZE", 256),
			FlushEvery:          getIntOrDefault("CRAWLER_FLUSH_EVERY", 50),
			FailureRatePercent:  getIntOrDefault("CRAWLER_FAILURE_RATE_PERCENT", 50),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			Timeout:        getDurationOrDefault("BROWSER_TIMEOUT", 30*time.Second),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-IN,en;q=0.9,hi;q=0.8"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "Asia/Kolkata"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-IN"),
			MaxRequests:    getIntOrDefault("BROWSER_MAX_REQUESTS", 40),
			UserAgents:     getStringSliceOrDefault("BROWSER_USER_AGENTS", defaultUserAgents()),
		},
		RateLimit: RateLimitConfig{
			Burst:            getIntOrDefault("RATE_LIMIT_BURST", 3),
			RefillInterval:   getDurationOrDefault("RATE_LIMIT_REFILL_INTERVAL", 2*time.Second),
			BackoffBase:      getDurationOrDefault("RATE_LIMIT_BACKOFF_BASE", 2*time.Second),
			BackoffCap:       getDurationOrDefault("RATE_LIMIT_BACKOFF_CAP", 5*time.Minute),
			BreakerThreshold: getIntOrDefault("RATE_LIMIT_BREAKER_THRESHOLD", 3),
			CoolDown:         getDurationOrDefault("RATE_LIMIT_COOL_DOWN", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "assortment"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:          getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Stream:        getEnvOrDefault("REDIS_STREAM", "stream:assortment"),
			RelayInterval: getDurationOrDefault("REDIS_RELAY_INTERVAL", 5*time.Second),
			RelayBatch:    getIntOrDefault("REDIS_RELAY_BATCH", 50),
		},
		Sync: SyncConfig{
			BatchSize:    getIntOrDefault("SYNC_BATCH_SIZE", 25),
			MaxAttempts:  getIntOrDefault("SYNC_MAX_ATTEMPTS", 3),
			RetryDelay:   getDurationOrDefault("SYNC_RETRY_DELAY", 2*time.Second),
			BatchTimeout: getDurationOrDefault("SYNC_BATCH_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Crawler.QueueSize < 1 {
		return fmt.Errorf("CRAWLER_QUEUE_SIZE must be at least 1")
	}

	if c.Crawler.FlushEvery < 1 {
		return fmt.Errorf("CRAWLER_FLUSH_EVERY must be at least 1")
	}

	if c.Crawler.FailureRatePercent < 0 || c.Crawler.FailureRatePercent > 100 {
		return fmt.Errorf("CRAWLER_FAILURE_RATE_PERCENT must be between 0 and 100")
	}

	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}

	if c.RateLimit.BackoffBase > c.RateLimit.BackoffCap {
		return fmt.Errorf("RATE_LIMIT_BACKOFF_BASE cannot be greater than RATE_LIMIT_BACKOFF_CAP")
	}

	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be at least 1")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
}
