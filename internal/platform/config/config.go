package config

import (
	"os"
	"strconv"
	"time"
)

// Config aggregates process configuration. FromEnv builds it from environment
// variables so main stays lean.
type Config struct {
	Server    Server
	Postgres  Postgres
	Redis     Redis
	Kafka     Kafka
	Analytics Analytics
	Refresh   Refresh
}

// Analytics captures the materialized analytics backend endpoint. An empty
// URL disables the backend; criteria depending on it fail as unavailable.
type Analytics struct {
	BaseURL string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// Postgres captures connection settings for the relational store. An empty
// URL selects the in-memory stores.
type Postgres struct {
	URL string
}

// Redis captures connection settings for the backend result cache. An empty
// URL disables caching.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CacheTTL     time.Duration
}

// Kafka captures event intake settings. Empty brokers disable the consumer.
type Kafka struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// Refresh captures orchestrator tuning knobs.
type Refresh struct {
	Workers          int
	QueueSize        int
	LockTimeout      time.Duration
	MaxEventAttempts int
	RetryBaseDelay   time.Duration
	SweepResolution  time.Duration
}

// FromEnv builds the full configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr: getenv("COHORT_ADDR", ":8080"),
		},
		Postgres: Postgres{
			URL: os.Getenv("COHORT_POSTGRES_URL"),
		},
		Redis: Redis{
			URL:          os.Getenv("COHORT_REDIS_URL"),
			PoolSize:     getenvInt("COHORT_REDIS_POOL_SIZE", 10),
			MinIdleConns: getenvInt("COHORT_REDIS_MIN_IDLE", 2),
			DialTimeout:  getenvDuration("COHORT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getenvDuration("COHORT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getenvDuration("COHORT_REDIS_WRITE_TIMEOUT", 3*time.Second),
			CacheTTL:     getenvDuration("COHORT_BACKEND_CACHE_TTL", 5*time.Minute),
		},
		Kafka: Kafka{
			Brokers:       splitNonEmpty(os.Getenv("COHORT_KAFKA_BROKERS")),
			Topic:         getenv("COHORT_KAFKA_TOPIC", "cohort.domain.events"),
			ConsumerGroup: getenv("COHORT_KAFKA_GROUP", "cohort-refresh"),
		},
		Analytics: Analytics{
			BaseURL: os.Getenv("COHORT_ANALYTICS_URL"),
		},
		Refresh: Refresh{
			Workers:          getenvInt("COHORT_REFRESH_WORKERS", 8),
			QueueSize:        getenvInt("COHORT_REFRESH_QUEUE", 1024),
			LockTimeout:      getenvDuration("COHORT_LOCK_TIMEOUT", 10*time.Second),
			MaxEventAttempts: getenvInt("COHORT_EVENT_MAX_ATTEMPTS", 5),
			RetryBaseDelay:   getenvDuration("COHORT_RETRY_BASE_DELAY", 2*time.Second),
			SweepResolution:  getenvDuration("COHORT_SWEEP_RESOLUTION", time.Minute),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
