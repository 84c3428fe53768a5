package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Worker    WorkerConfig
	DB        DatabaseConfig
	Logging   LoggingConfig
	Notify    NotifyConfig
	SMTP      SMTPConfig
	Geocoding GeocodingConfig
	Storage   StorageConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	RateLimitRPS int
	BaseURL      string // absolute link base used in emails, may be empty
}

type WorkerConfig struct {
	Count      int
	BufferSize int
}

type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string
	URL    string
}

type LoggingConfig struct {
	Level string
}

type NotifyConfig struct {
	RadiusMeters float64
	StaleAfter   time.Duration
	ClaimTTL     time.Duration
	Concurrency  int

	// SweepInterval re-queues recent alerts so newly eligible users and abandoned
	// claims are picked up. Zero disables the sweeper.
	SweepInterval time.Duration
	SweepWindow   time.Duration
}

type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	UseTLS             bool
	Timeout            time.Duration
	AttachmentMaxBytes int64
}

type GeocodingConfig struct {
	Enabled      bool
	BaseURL      string
	Timeout      time.Duration
	UserAgent    string
	CacheMaxSize int
	RedisURL     string
	RedisTTL     time.Duration
}

type StorageConfig struct {
	LocalPath string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "localhost"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			RateLimitRPS: getEnvInt("RATE_LIMIT_RPS", 5),
			BaseURL:      getEnv("APP_BASE_URL", ""),
		},
		Worker: WorkerConfig{
			Count:      getEnvInt("WORKER_COUNT", 2),
			BufferSize: getEnvInt("WORKER_BUFFER_SIZE", 20),
		},
		DB: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite"),
			Path:   getEnv("DB_PATH", "./data/bear-alerts.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Notify: NotifyConfig{
			RadiusMeters: float64(getEnvInt("NOTIFY_RADIUS_METERS", 5000)),
			StaleAfter:   time.Duration(getEnvInt("NOTIFY_STALE_MINUTES", 30)) * time.Minute,
			ClaimTTL:     getEnvDuration("NOTIFY_CLAIM_TTL", 10*time.Minute),
			Concurrency:  getEnvInt("NOTIFY_CONCURRENCY", 1),

			SweepInterval: getEnvDuration("NOTIFY_SWEEP_INTERVAL", 5*time.Minute),
			SweepWindow:   getEnvDuration("NOTIFY_SWEEP_WINDOW", time.Hour),
		},
		SMTP: SMTPConfig{
			Host:               getEnv("SMTP_HOST", ""),
			Port:               getEnvInt("SMTP_PORT", 587),
			Username:           getEnv("SMTP_USERNAME", ""),
			Password:           getEnv("SMTP_PASSWORD", ""),
			From:               getEnv("SMTP_FROM", ""),
			UseTLS:             getEnvBool("SMTP_USE_TLS", true),
			Timeout:            getEnvDuration("SMTP_TIMEOUT", 15*time.Second),
			AttachmentMaxBytes: int64(getEnvInt("EMAIL_ATTACHMENT_MAX_BYTES", 5*1024*1024)),
		},
		Geocoding: GeocodingConfig{
			Enabled:      getEnvBool("GEOCODING_ENABLED", true),
			BaseURL:      getEnv("GEOCODING_BASE_URL", "https://nominatim.openstreetmap.org"),
			Timeout:      getEnvDuration("GEOCODING_TIMEOUT", 5*time.Second),
			UserAgent:    getEnv("GEOCODING_USER_AGENT", "kuma-eye-notifier/1.0"),
			CacheMaxSize: getEnvInt("GEOCODING_CACHE_MAX_SIZE", 1000),
			RedisURL:     getEnv("REDIS_URL", ""),
			RedisTTL:     getEnvDuration("GEOCODING_REDIS_TTL", 24*time.Hour),
		},
		Storage: StorageConfig{
			LocalPath: getEnv("LOCAL_STORAGE_PATH", "./storage"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RateLimitRPS < 1 {
		return fmt.Errorf("rate limit must be at least 1 req/s")
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	if c.Worker.BufferSize < 1 {
		return fmt.Errorf("worker buffer size must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("DB_PATH is required for sqlite")
		}
	case "postgres":
		if c.DB.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.DB.Driver)
	}

	if c.Notify.RadiusMeters <= 0 {
		return fmt.Errorf("notification radius must be positive")
	}
	if c.Notify.StaleAfter <= 0 {
		return fmt.Errorf("location staleness window must be positive")
	}
	if c.Notify.Concurrency < 1 {
		return fmt.Errorf("notify concurrency must be at least 1")
	}
	if c.Notify.SweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative")
	}
	if c.Notify.SweepInterval > 0 && c.Notify.SweepWindow <= 0 {
		return fmt.Errorf("sweep window must be positive when the sweeper is enabled")
	}
	if c.Notify.ClaimTTL <= c.SMTP.Timeout {
		return fmt.Errorf("claim TTL (%s) must be longer than SMTP timeout (%s)", c.Notify.ClaimTTL, c.SMTP.Timeout)
	}

	if c.SMTP.Host == "" {
		return fmt.Errorf("SMTP_HOST is not configured")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("SMTP_FROM is not configured")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid SMTP port: %d", c.SMTP.Port)
	}

	if c.Geocoding.Enabled && c.Geocoding.CacheMaxSize < 1 {
		return fmt.Errorf("geocoding cache size must be at least 1")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
