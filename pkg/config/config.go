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
	Env       string
	HTTPAddr  string // launch-service
	AdminAddr string // admin-api-service

	// LMS identity, used as the actor homePage
	LMSBaseURL string

	// OIDC / JWT for learner and admin callers
	Issuer     string
	Audience   string
	JWKSURL    string
	AdminScope string
	ClockSkew  time.Duration

	// Accept X-Learner-* headers from a trusted LMS proxy outside dev
	TrustLearnerHeaders bool

	// Settings storage
	SettingsBackend  string // auto | memory | postgres | redis
	SettingsSeedFile string
	EncryptionKey    string

	// Outbound calls to Percipio
	ConnectTimeout time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
	DBMaxConns  int // 0 keeps the pgx default
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                 env("PERCIPIO_ENV", "dev"),
		HTTPAddr:            env("PERCIPIO_HTTP_ADDR", ":8080"),
		AdminAddr:           env("ADMIN_HTTP_ADDR", ":8082"),
		LMSBaseURL:          env("LMS_BASE_URL", "http://localhost:8080"),
		Issuer:              env("OIDC_ISSUER", ""),
		Audience:            env("OIDC_AUDIENCE", "percipio-launch"),
		JWKSURL:             env("JWKS_URL", ""),
		AdminScope:          env("ADMIN_SCOPE", "percipio:admin"),
		ClockSkew:           envDur("JWT_CLOCK_SKEW_SEC", 60) * time.Second,
		TrustLearnerHeaders: envBool("TRUST_LEARNER_HEADERS", false),
		SettingsBackend:     env("SETTINGS_BACKEND", "auto"),
		SettingsSeedFile:    env("SETTINGS_SEED_FILE", ""),
		EncryptionKey:       env("ENCRYPTION_KEY", ""),
		ConnectTimeout:      envDur("HTTP_CONNECT_TIMEOUT_SEC", 10) * time.Second,
		RedisURL:            env("REDIS_URL", ""),
		DatabaseURL:         env("DATABASE_URL", ""),
		DBMaxConns:          envInt("DB_MAX_CONNS", 0),
	}
	if cfg.DatabaseURL == "" && cfg.RedisURL == "" {
		log.Println("[WARN] DATABASE_URL and REDIS_URL not set, settings live in memory only")
	}
	return cfg
}

// IsDev reports whether unauthenticated dev shortcuts are allowed.
func (c Config) IsDev() bool { return c.Env == "dev" }

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil || i < 0 {
			log.Printf("[WARN] %s=%q is not a non-negative integer, using %d", k, v, def)
			return def
		}
		return i
	}
	return def
}
func envDur(k string, def int) time.Duration {
	return time.Duration(envInt(k, def))
}
