package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration for the curbwise backend.
type Server struct {
	Addr          string
	Namespace     string
	JWTSigningKey string

	// EmulatorMode enables the actorId auth bypass and namespace overrides on
	// submitted requests. Never enabled by default.
	EmulatorMode bool

	// AllowRecursiveDelete gates the test-only docstore wipe operation.
	AllowRecursiveDelete bool

	PostgresDSN  string
	Redis        RedisConfig
	KafkaBrokers []string
	AuditTopic   string
}

// RedisConfig holds connection settings for the optional flag cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	addr := os.Getenv("CURBWISE_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	namespace := os.Getenv("CURBWISE_NAMESPACE")
	if namespace == "" {
		namespace = "production"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	var brokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		brokers = strings.Split(raw, ",")
	}
	auditTopic := os.Getenv("AUDIT_TOPIC")
	if auditTopic == "" {
		auditTopic = "curbwise.completed-actions"
	}

	return Server{
		Addr:                 addr,
		Namespace:            namespace,
		JWTSigningKey:        jwtSigningKey,
		EmulatorMode:         os.Getenv("CURBWISE_EMULATOR") == "true",
		AllowRecursiveDelete: os.Getenv("CURBWISE_ALLOW_RECURSIVE_DELETE") == "true",
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		KafkaBrokers: brokers,
		AuditTopic:   auditTopic,
	}
}

func envInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}
