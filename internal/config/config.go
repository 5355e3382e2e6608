package config

import (
	"os"
	"strings"
	"time"

	"github.com/fjod/tienda-cart/pkg/logger"
	"github.com/joho/godotenv"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

type Config struct {
	AppName    string
	AppVersion string
	AppEnv     string
	LogLevel   string

	HTTPPort string
	GRPCPort string

	CatalogDBPath string

	CartStore   string
	MongoURI    string
	MongoDBName string

	RedisAddr     string
	RedisPassword string
	CartCacheTTL  time.Duration

	CartIdleTTL       time.Duration
	CartEvictInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RequestTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxRequestBodySize int64
}

// Load reads an optional .env file, then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logger.L().Debug(".env file not found, using system environment variables")
	}

	return &Config{
		AppName:    getEnv("APP_NAME", "TiendaVue"),
		AppVersion: getEnv("APP_VERSION", "1.0.0"),
		AppEnv:     getEnv("APP_ENV", "development"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		HTTPPort: getEnv("HTTP_PORT", "8080"),
		GRPCPort: getEnv("GRPC_PORT", "50052"),

		CatalogDBPath: getEnv("CATALOG_DB_PATH", "./catalog.db"),

		CartStore:   getEnv("CART_STORE", StoreMemory),
		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName: getEnv("MONGO_DB_NAME", "cartdb"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		CartCacheTTL:  getDuration("CART_CACHE_TTL", 15*time.Minute),

		CartIdleTTL:       getDuration("CART_IDLE_TTL", 30*time.Minute),
		CartEvictInterval: getDuration("CART_EVICT_INTERVAL", time.Minute),

		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "checkout-outbox"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "tienda-cart-service"),

		RequestTimeout:     getDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxRequestBodySize: 1 << 20, // 1MB
	}
}

func (c *Config) IsDevelopment() bool { return c.AppEnv == "development" }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logger.L().Warn("invalid duration, using default", "key", key, "value", raw, "default", defaultValue.String())
		return defaultValue
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
