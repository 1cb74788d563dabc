package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

// Features mirrors the session feature flags. All default to off.
type Features struct {
	Presence      bool
	Typing        bool
	PullToRefresh bool
}

// Config aggregates application configuration values loaded from environment variables.
type Config struct {
	Env                string
	HTTPAddr           string
	StoreDriver        string
	MongoURI           string
	MongoDB            string
	KafkaBrokers       []string
	KafkaTopicPrefix   string
	OutboxPollInterval time.Duration
	RetryBackoff       []time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	ProfileCacheTTL    time.Duration
	S3Endpoint         string
	S3PublicEndpoint   string
	S3AccessKey        string
	S3SecretKey        string
	S3Bucket           string
	S3UseSSL           bool
	JWTSecret          string
	JWTIssuer          string
	Features           Features
	MessagesPageSize   int
	ListFallbackAfter  time.Duration
	ListGiveUpAfter    time.Duration
	SessionIdleTimeout time.Duration
	// AllowedOrigins restricts browser origins for CORS and websocket
	// upgrades. Empty allows any origin for CORS and only same-host upgrades.
	AllowedOrigins []string
}

// Load reads an optional .env file and parses configuration from the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Env:              getEnv("APP_ENV", "dev"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:      strings.ToLower(getEnv("STORE_DRIVER", StoreMemory)),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          getEnv("MONGO_DB", "chatsync"),
		KafkaTopicPrefix: getEnv("KAFKA_TOPIC_PREFIX", ""),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3PublicEndpoint: getEnv("S3_PUBLIC_ENDPOINT", ""),
		S3AccessKey:      getEnv("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:      getEnv("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:         getEnv("S3_BUCKET", "chat-attachments"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        getEnv("JWT_ISSUER", ""),
	}
	cfg.KafkaBrokers = parseListEnv("KAFKA_BROKERS")
	cfg.AllowedOrigins = parseListEnv("ALLOWED_ORIGINS")

	var err error
	if cfg.OutboxPollInterval, err = parseDurationEnv("OUTBOX_POLL_INTERVAL", 500*time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.ProfileCacheTTL, err = parseDurationEnv("PROFILE_CACHE_TTL", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.ListFallbackAfter, err = parseDurationEnv("LIST_FALLBACK_AFTER", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ListGiveUpAfter, err = parseDurationEnv("LIST_GIVE_UP_AFTER", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = parseDurationEnv("SESSION_IDLE_TIMEOUT", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = parseIntEnv("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.MessagesPageSize, err = parseIntEnv("MESSAGES_PAGE_SIZE", 50); err != nil {
		return Config{}, err
	}

	retryStr := getEnv("RETRY_BACKOFF", "1s,5s,30s")
	for _, raw := range strings.Split(retryStr, ",") {
		val := strings.TrimSpace(raw)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RETRY_BACKOFF component %q: %w", raw, err)
		}
		cfg.RetryBackoff = append(cfg.RetryBackoff, d)
	}

	if cfg.S3UseSSL, err = parseBoolEnv("S3_USE_SSL", false); err != nil {
		return Config{}, err
	}
	if cfg.S3PublicEndpoint == "" {
		cfg.S3PublicEndpoint = cfg.S3Endpoint
	}
	if cfg.Features.Presence, err = parseBoolEnv("FEATURE_PRESENCE", false); err != nil {
		return Config{}, err
	}
	if cfg.Features.Typing, err = parseBoolEnv("FEATURE_TYPING", false); err != nil {
		return Config{}, err
	}
	if cfg.Features.PullToRefresh, err = parseBoolEnv("FEATURE_PULL_TO_REFRESH", false); err != nil {
		return Config{}, err
	}

	switch cfg.StoreDriver {
	case StoreMemory:
	case StoreMongo:
		if cfg.MongoURI == "" {
			return Config{}, fmt.Errorf("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.ListGiveUpAfter < cfg.ListFallbackAfter {
		return Config{}, fmt.Errorf("LIST_GIVE_UP_AFTER must not be shorter than LIST_FALLBACK_AFTER")
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", key, err)
	}
	return d, nil
}

// parseListEnv splits a comma-separated variable and drops empty items.
func parseListEnv(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseIntEnv(key string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s integer: %w", key, err)
	}
	return n, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "t", "true", "yes", "y", "on":
		return true, nil
	case "0", "f", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid %s boolean: %q", key, raw)
	}
}

// Defaults is the in-memory development setup used when Load fails in dev.
func Defaults() Config {
	return Config{
		Env:                getEnv("APP_ENV", "dev"),
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		StoreDriver:        StoreMemory,
		MongoDB:            "chatsync",
		OutboxPollInterval: 500 * time.Millisecond,
		RetryBackoff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		ProfileCacheTTL:    10 * time.Minute,
		S3Bucket:           "chat-attachments",
		JWTSecret:          os.Getenv("JWT_SECRET"),
		MessagesPageSize:   50,
		ListFallbackAfter:  5 * time.Second,
		ListGiveUpAfter:    15 * time.Second,
		SessionIdleTimeout: 10 * time.Minute,
	}
}
