package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. Per-tenant identity provider
// settings are data, not configuration; nothing here can weaken tenant
// isolation guarantees.
type Server struct {
	Addr string

	// Token lifecycle.
	JWTSigningKey   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Issuer          string
	Audience        string

	// Federation.
	StateTTL time.Duration

	// Credential lockout and MFA.
	LockoutThreshold int
	LockoutCooldown  time.Duration
	BackupCodeCount  int

	// 32-byte key for at-rest encryption of TOTP seeds and IdP credentials.
	EncryptionKey string

	// Backing stores. Empty values select in-memory implementations.
	RedisURL    string
	DatabaseURL string

	// Audit cold-storage stream.
	KafkaBrokers []string
	AuditTopic   string
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Server{
		Addr:             envOr("AEGIS_ADDR", ":8080"),
		JWTSigningKey:    envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		AccessTokenTTL:   durationOr("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:  durationOr("REFRESH_TOKEN_TTL", 720*time.Hour),
		Issuer:           envOr("AEGIS_ISSUER", "https://aegis.local"),
		Audience:         envOr("AEGIS_AUDIENCE", "aegis"),
		StateTTL:         durationOr("SSO_STATE_TTL", 10*time.Minute),
		LockoutThreshold: intOr("LOCKOUT_THRESHOLD", 5),
		LockoutCooldown:  durationOr("LOCKOUT_COOLDOWN", 15*time.Minute),
		BackupCodeCount:  intOr("BACKUP_CODE_COUNT", 10),
		EncryptionKey:    os.Getenv("AEGIS_ENCRYPTION_KEY"),
		RedisURL:         os.Getenv("REDIS_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		AuditTopic:       envOr("AUDIT_TOPIC", "aegis.audit.v1"),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
