// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	AuthAddr    string // auth-service
	SigningAddr string // signing-service
	PolicyAddr  string // policy-service
	AgentID     string // agent this policy-service instance guards (optional)

	// Identity credentials (JWT)
	JWTSecret       string
	JWTAlgorithm    string
	JWTKeyID        string
	JWTPreviousKeys string // kid:secret,kid:secret (verify only)
	JWTTTL          time.Duration
	JWTIssuer       string
	ClockSkew       time.Duration
	IdentitySeed    string

	// Artifact signing (JWS)
	JWSSecret       string
	JWSKeyID        string
	JWSPreviousKeys string
	JWSIssuer       string
	JWSDefaultTTL   time.Duration
	PolicyVersion   string

	// Policy evaluation
	PolicySeedFile string
	GeminiAPIKey   string
	GeminiBaseURL  string
	VerdictModel   string
	VerdictTimeout time.Duration
	StoreTimeout   time.Duration

	// Audit
	LogSinkURL     string
	AuditTimeout   time.Duration
	AuditRetries   int
	AuditQueueSize int

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:             env("ATTAGER_ENV", "dev"),
		AuthAddr:        env("AUTH_HTTP_ADDR", ":8000"),
		SigningAddr:     env("SIGNING_HTTP_ADDR", ":8001"),
		PolicyAddr:      env("POLICY_HTTP_ADDR", ":8002"),
		AgentID:         env("AGENT_ID", ""),
		JWTSecret:       env("JWT_SECRET", ""),
		JWTAlgorithm:    env("JWT_ALGORITHM", "HS256"),
		JWTKeyID:        env("JWT_KID", "jwt-1"),
		JWTPreviousKeys: env("JWT_PREVIOUS_KEYS", ""),
		JWTTTL:          envDur("JWT_TTL_MINUTES", 30) * time.Minute,
		JWTIssuer:       env("JWT_ISSUER", "attager-auth"),
		ClockSkew:       envDur("CLOCK_SKEW_SEC", 0) * time.Second,
		IdentitySeed:    env("IDENTITY_SEED_JSON", ""),
		JWSSecret:       env("JWS_SECRET", ""),
		JWSKeyID:        env("JWS_KID", "jws-1"),
		JWSPreviousKeys: env("JWS_PREVIOUS_KEYS", ""),
		JWSIssuer:       env("JWS_ISSUER", "attager-signing"),
		JWSDefaultTTL:   envDur("JWS_DEFAULT_TTL_SEC", 600) * time.Second,
		PolicyVersion:   env("POLICY_VERSION", "1"),
		PolicySeedFile:  env("POLICY_SEED_FILE", ""),
		GeminiAPIKey:    env("GEMINI_API_KEY", ""),
		GeminiBaseURL:   env("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		VerdictModel:    env("VERDICT_MODEL", "gemini-1.5-flash"),
		VerdictTimeout:  envDur("VERDICT_TIMEOUT_MS", 10000) * time.Millisecond,
		StoreTimeout:    envDur("STORE_TIMEOUT_MS", 2000) * time.Millisecond,
		LogSinkURL:      env("LOG_SINK_URL", ""),
		AuditTimeout:    envDur("AUDIT_TIMEOUT_MS", 2000) * time.Millisecond,
		AuditRetries:    envInt("AUDIT_RETRIES", 3),
		AuditQueueSize:  envInt("AUDIT_QUEUE_SIZE", 1024),
		RedisURL:        env("REDIS_URL", ""),
		DatabaseURL:     env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set, using in-memory identity provider for dev")
	}
	if cfg.RedisURL == "" {
		log.Println("[WARN] REDIS_URL not set, policies and rate counters are process-local")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
