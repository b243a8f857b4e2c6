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
	HTTPAddr    string

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

	Snapshot SnapshotConfig
	Redis    RedisConfig
	Stripe   StripeConfig
	Kafka    KafkaConfig
	Sync     SyncConfig

	RateLimit RateLimitConfig
}

type SnapshotConfig struct {
	Backend string
	TTL     time.Duration
	LockTTL time.Duration
	// PopulateTimeout bounds one population of a customer's document.
	PopulateTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StripeConfig struct {
	SecretKey  string
	APIURL     string
	MeterEvent string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RateLimitConfig struct {
	Enabled bool
	// TrackOrgRate is the refill rate in requests per second per tenant.
	TrackOrgRate  float64
	TrackOrgBurst int
}

type SyncConfig struct {
	QueueSize    int
	BatchSize    int
	PollInterval time.Duration
}

const (
	SnapshotBackendRedis  = "redis"
	SnapshotBackendMemory = "memory"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "entitlements"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Snapshot: SnapshotConfig{
			Backend:         normalizeBackend(getenv("SNAPSHOT_BACKEND", SnapshotBackendRedis)),
			TTL:             getenvDuration("SNAPSHOT_TTL", 30*time.Minute),
			LockTTL:         getenvDuration("SNAPSHOT_LOCK_TTL", 5*time.Second),
			PopulateTimeout: getenvDuration("SNAPSHOT_POPULATE_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Stripe: StripeConfig{
			SecretKey:  strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			APIURL:     strings.TrimSpace(getenv("STRIPE_API_URL", "")),
			MeterEvent: strings.TrimSpace(getenv("STRIPE_METER_EVENT", "entitlement_usage")),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_BALANCE_TOPIC", "balance.deducted"),
		},
		Sync: SyncConfig{
			QueueSize:    getenvInt("SYNC_QUEUE_SIZE", 1024),
			BatchSize:    getenvInt("SYNC_BATCH_SIZE", 50),
			PollInterval: getenvDuration("SYNC_POLL_INTERVAL", 500*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			TrackOrgRate:  getenvFloat("RATE_LIMIT_TRACK_ORG_RATE", 200),
			TrackOrgBurst: getenvInt("RATE_LIMIT_TRACK_ORG_BURST", 400),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case SnapshotBackendMemory:
		return SnapshotBackendMemory
	default:
		return SnapshotBackendRedis
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

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
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

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
