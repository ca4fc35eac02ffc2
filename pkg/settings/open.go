package settings

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"percipio/pkg/config"
)

// Open selects the backend named by cfg.SettingsBackend. "auto" prefers
// Postgres, then Redis, then memory, depending on which connections exist.
// Secrets are sealed when cfg.EncryptionKey is set, and the seed file (if any)
// fills keys that are still absent.
func Open(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, rdb *redis.Client, log *zap.SugaredLogger) (Store, error) {
	backend := cfg.SettingsBackend
	if backend == "" || backend == "auto" {
		switch {
		case pool != nil:
			backend = "postgres"
		case rdb != nil:
			backend = "redis"
		default:
			backend = "memory"
		}
	}

	var s Store
	switch backend {
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("settings backend postgres requires DATABASE_URL")
		}
		if err := EnsureSchema(ctx, pool); err != nil {
			return nil, fmt.Errorf("ensure settings schema: %w", err)
		}
		s = NewPostgresStore(pool)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("settings backend redis requires REDIS_URL")
		}
		s = NewRedisStore(rdb, "")
	case "memory":
		s = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown settings backend %q", backend)
	}

	if cfg.EncryptionKey != "" && backend != "memory" {
		c, err := NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		s = Encrypted(s, c)
	}
	log.Infow("settings store ready", "backend", backend, "encrypted", cfg.EncryptionKey != "" && backend != "memory")

	if cfg.SettingsSeedFile != "" {
		vals, err := LoadSeedFile(cfg.SettingsSeedFile)
		if err != nil {
			return nil, fmt.Errorf("load settings seed: %w", err)
		}
		if _, err := Seed(ctx, s, vals, log); err != nil {
			return nil, fmt.Errorf("seed settings: %w", err)
		}
	}
	return s, nil
}
