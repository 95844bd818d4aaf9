package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createStateTable = `CREATE TABLE IF NOT EXISTS epubforge_state (
	key        text PRIMARY KEY,
	data       jsonb NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now()
)`

// PostgresBackend はブロブを epubforge_state テーブルに保存します。
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend は接続プールを作成し、テーブルがなければ作成します。
func NewPostgresBackend(ctx context.Context, dbURL string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, createStateTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (b *PostgresBackend) Read(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := b.pool.QueryRow(ctx, `SELECT data::text FROM epubforge_state WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(data), nil
}

func (b *PostgresBackend) Write(ctx context.Context, key string, data []byte) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO epubforge_state (key, data, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		key, string(data))
	return err
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
