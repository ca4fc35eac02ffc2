// pkg/settings/postgres.go
package settings

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore implements Store backed by PostgreSQL.
type pgStore struct {
	dbPool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgreSQL-backed settings store. Call
// EnsureSchema first.
func NewPostgresStore(dbPool *pgxpool.Pool) Store {
	return &pgStore{dbPool: dbPool}
}

// EnsureSchema creates the settings table if it does not already exist.
// Safe to call repeatedly.
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS plugin_settings (
  name text PRIMARY KEY,
  value text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

func (p *pgStore) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := p.dbPool.QueryRow(ctx, `SELECT value FROM plugin_settings WHERE name=$1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (p *pgStore) GetMany(ctx context.Context, keys []string) (map[string]string, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT name, value FROM plugin_settings WHERE name = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	return collect(rows, len(keys))
}

func (p *pgStore) Set(ctx context.Context, key, value string) error {
	return p.SetMany(ctx, map[string]string{key: value})
}

// SetMany upserts all values in one transaction so readers never see a
// half-written token record.
func (p *pgStore) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, p.dbPool, func(tx pgx.Tx) error {
		for k, v := range values {
			if _, err := tx.Exec(ctx, `INSERT INTO plugin_settings(name, value, updated_at) VALUES ($1, $2, NOW())
			  ON CONFLICT (name) DO UPDATE SET value=EXCLUDED.value, updated_at=EXCLUDED.updated_at`, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *pgStore) All(ctx context.Context) (map[string]string, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT name, value FROM plugin_settings`)
	if err != nil {
		return nil, err
	}
	return collect(rows, 0)
}

func collect(rows pgx.Rows, size int) (map[string]string, error) {
	defer rows.Close()
	out := make(map[string]string, size)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
