package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the geoaudit server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AuditAPI  AuditAPIConfig
	Poll      PollConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig

	// DenylistFile optionally extends the built-in domain denylist.
	DenylistFile string
	// BootstrapAPIKey, when set, is registered for the default tenant at startup.
	BootstrapAPIKey string
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig is optional; without a URL the server uses an in-process cache.
type RedisConfig struct {
	URL string
}

// AuditAPIConfig describes the remote analysis pipeline. Token takes
// precedence over the client-credentials settings.
type AuditAPIConfig struct {
	BaseURL      string
	Token        string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	RetryCount   int
	RetryDelay   time.Duration
	SnapshotTTL  time.Duration
}

type PollConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// KafkaConfig is optional; without brokers events are dropped.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GEOAUDIT_PORT", 8080),
			Env:  envString("GEOAUDIT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AuditAPI: AuditAPIConfig{
			BaseURL:      strings.TrimRight(os.Getenv("AUDIT_API_BASE_URL"), "/"),
			Token:        os.Getenv("AUDIT_API_TOKEN"),
			TokenURL:     os.Getenv("AUDIT_API_TOKEN_URL"),
			ClientID:     os.Getenv("AUDIT_API_CLIENT_ID"),
			ClientSecret: os.Getenv("AUDIT_API_CLIENT_SECRET"),
			Scopes:       envList("AUDIT_API_SCOPES"),
			Timeout:      envDuration("AUDIT_API_TIMEOUT", 30*time.Second),
			RetryCount:   envInt("AUDIT_API_RETRY_COUNT", 2),
			RetryDelay:   envDuration("AUDIT_API_RETRY_DELAY", 500*time.Millisecond),
			SnapshotTTL:  envDuration("AUDIT_API_SNAPSHOT_TTL", 10*time.Minute),
		},
		Poll: PollConfig{
			Interval:    envDuration("POLL_INTERVAL", 5*time.Second),
			Timeout:     envDuration("POLL_TIMEOUT", 10*time.Minute),
			MaxAttempts: envInt("POLL_MAX_ATTEMPTS", 60),
		},
		Kafka: KafkaConfig{
			Brokers: envList("KAFKA_BROKERS"),
			Topic:   envString("KAFKA_TOPIC", "geoaudit.audits"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		DenylistFile:    os.Getenv("DENYLIST_FILE"),
		BootstrapAPIKey: os.Getenv("BOOTSTRAP_API_KEY"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.AuditAPI.BaseURL == "" {
		return fmt.Errorf("AUDIT_API_BASE_URL is required")
	}
	if !strings.HasPrefix(c.AuditAPI.BaseURL, "http://") && !strings.HasPrefix(c.AuditAPI.BaseURL, "https://") {
		return fmt.Errorf("AUDIT_API_BASE_URL must start with http:// or https://, got %q", c.AuditAPI.BaseURL)
	}

	if c.AuditAPI.Token == "" {
		if c.AuditAPI.TokenURL == "" {
			return fmt.Errorf("AUDIT_API_TOKEN or AUDIT_API_TOKEN_URL is required")
		}
		if c.AuditAPI.ClientID == "" || c.AuditAPI.ClientSecret == "" {
			return fmt.Errorf("AUDIT_API_CLIENT_ID and AUDIT_API_CLIENT_SECRET are required with AUDIT_API_TOKEN_URL")
		}
	}
	if c.AuditAPI.RetryCount < 0 {
		return fmt.Errorf("AUDIT_API_RETRY_COUNT must not be negative, got %d", c.AuditAPI.RetryCount)
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.Timeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive, got %s", c.Poll.Timeout)
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive, got %d", c.Poll.MaxAttempts)
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.BootstrapAPIKey != "" && len(c.BootstrapAPIKey) < 16 {
		return fmt.Errorf("BOOTSTRAP_API_KEY must be at least 16 characters")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
