package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type HitEventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
}

type Config struct {
	Addr     string
	LogLevel string
	Console  bool

	BackendURL     string
	BackendToken   string
	BackendTimeout time.Duration

	// RedisAddr enables persistence of pending mutations; empty keeps
	// everything in process memory.
	RedisAddr string

	PinMaxAge     time.Duration
	CommentsTTL   time.Duration
	CommentsSize  int
	OptimisticTTL time.Duration
	Debounce      time.Duration

	PrewarmEnabled   bool
	PrewarmThreshold float64
	HotHalfLife      time.Duration

	UserID   string
	UserName string

	HitEvents HitEventsCfg
}

func FromEnv() Config {
	return Config{
		Addr:     getenv("ADDR", ":8091"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		Console:  getbool("LOG_CONSOLE", false),

		BackendURL:     getenv("BACKEND_URL", "http://localhost:8080/api"),
		BackendToken:   getenv("BACKEND_TOKEN", ""),
		BackendTimeout: getduration("BACKEND_TIMEOUT", 10*time.Second),

		RedisAddr: getenv("REDIS_ADDR", ""),

		PinMaxAge:     getduration("PIN_MAX_AGE", 2*time.Minute),
		CommentsTTL:   getduration("COMMENTS_TTL", time.Minute),
		CommentsSize:  getint("COMMENTS_CACHE_SIZE", 512),
		OptimisticTTL: getduration("OPTIMISTIC_TTL", 5*time.Minute),
		Debounce:      getduration("COUNT_DEBOUNCE", 500*time.Millisecond),

		PrewarmEnabled:   getbool("PREWARM_ENABLED", false),
		PrewarmThreshold: getfloat("PREWARM_THRESHOLD", 0),
		HotHalfLife:      getduration("HOT_HALF_LIFE", time.Minute),

		UserID:   getenv("USER_ID", "local"),
		UserName: getenv("USER_NAME", "local"),

		HitEvents: HitEventsCfg{
			Enabled: getbool("HIT_EVENTS_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "pincache-hits"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
