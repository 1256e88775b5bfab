package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ticketflow/internal/log"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

type Config struct {
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	KeyPrefix       string
	Topic           string
	ConsumerName    string
	AckDeadline     time.Duration
	MaxBatch        int
	RecoverBatch    int
	Workers         int
	CacheTTL        time.Duration
	OpTimeout       time.Duration
	RetentionWindow time.Duration
	SweepInterval   time.Duration
	AckOnRead       bool
	ArchiveDSN      string
	MailgunDomain   string
	MailgunAPIKey   string
	MailgunFrom     string
	NotifyTo        string
	JWTSecret       string
	HTTPAddr        string
	MetricsAddr     string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set elsewhere
		logger.Warn("Failed to load .env file", zap.Error(err))
	}

	cfg := &Config{
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:       envOr("CACHE_KEY_PREFIX", "TicketSystem:"),
		Topic:           envOr("TOPIC_NAME", "tickets-topic"),
		ConsumerName:    envOr("CONSUMER_NAME", hostnameOr("dispatcher-1")),
		ArchiveDSN:      envOr("ARCHIVE_DSN", "sqlite://ticketflow-archive.db"),
		MailgunDomain:   os.Getenv("MAILGUN_DOMAIN"),
		MailgunAPIKey:   os.Getenv("MAILGUN_API_KEY"),
		MailgunFrom:     os.Getenv("MAILGUN_FROM_EMAIL"),
		NotifyTo:        os.Getenv("NOTIFY_TO"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		HTTPAddr:        envOr("HTTP_ADDR", ":8080"),
		MetricsAddr:     envOr("METRICS_ADDR", ":2112"),
		AckDeadline:     60 * time.Second,
		MaxBatch:        10,
		RecoverBatch:    100,
		Workers:         4,
		CacheTTL:        7 * 24 * time.Hour,
		OpTimeout:       5 * time.Second,
		RetentionWindow: 7 * 24 * time.Hour,
		SweepInterval:   time.Hour,
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.AckDeadline, err = durationEnv("ACK_DEADLINE", cfg.AckDeadline); err != nil {
		return nil, err
	}
	if cfg.MaxBatch, err = intEnv("MAX_BATCH", cfg.MaxBatch); err != nil {
		return nil, err
	}
	if cfg.RecoverBatch, err = intEnv("RECOVER_BATCH", cfg.RecoverBatch); err != nil {
		return nil, err
	}
	if cfg.Workers, err = intEnv("DISPATCH_WORKERS", cfg.Workers); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = durationEnv("CACHE_TTL", cfg.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.OpTimeout, err = durationEnv("OP_TIMEOUT", cfg.OpTimeout); err != nil {
		return nil, err
	}
	if cfg.RetentionWindow, err = durationEnv("RETENTION_WINDOW", cfg.RetentionWindow); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}
	if v := os.Getenv("ACK_ON_READ"); v != "" {
		if cfg.AckOnRead, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid ACK_ON_READ %q: %w", v, err)
		}
	}

	// Secret retrieval: a mounted secret file wins over the plain variable.
	if path := os.Getenv("MAILGUN_API_KEY_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Error("Failed to read Mailgun API key file", zap.String("path", path), zap.Error(err))
			return nil, fmt.Errorf("read MAILGUN_API_KEY_FILE: %w", err)
		}
		cfg.MailgunAPIKey = strings.TrimSpace(string(data))
	}
	if cfg.MailgunFrom == "" && cfg.MailgunDomain != "" {
		cfg.MailgunFrom = "postmaster@" + cfg.MailgunDomain
	}

	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg.Normalize()
	logger.Info("Config loaded successfully",
		zap.String("topic", cfg.Topic),
		zap.String("consumer", cfg.ConsumerName),
		zap.Bool("ack_on_read", cfg.AckOnRead))
	return cfg, nil
}

// Normalize clamps tunables to usable values. Load calls it; tests that build
// a Config by hand should too.
func (c *Config) Normalize() {
	c.MaxBatch = atLeast(c.MaxBatch, 1)
	c.RecoverBatch = atLeast(c.RecoverBatch, c.MaxBatch)
	c.Workers = atLeast(c.Workers, 1)
	c.AckDeadline = atLeast(c.AckDeadline, time.Second)
	c.OpTimeout = atLeast(c.OpTimeout, 100*time.Millisecond)
	if c.CacheTTL <= 0 {
		c.CacheTTL = 7 * 24 * time.Hour
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 7 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "TicketSystem:"
	}
	if c.Topic == "" {
		c.Topic = "tickets-topic"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "dispatcher-1"
	}
}

func atLeast[T constraints.Ordered](v, floor T) T {
	if v < floor {
		return floor
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
