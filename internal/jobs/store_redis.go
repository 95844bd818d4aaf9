package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "epubforge:state:"

// RedisBackend はブロブを Redis の文字列キーに保存します。
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend は URL から接続を作成し、疎通を確認します。
func NewRedisBackend(ctx context.Context, redisURL string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

// NewRedisBackendWithClient は既存のクライアントを使います。
func NewRedisBackendWithClient(rdb *redis.Client) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

func (b *RedisBackend) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := b.rdb.Get(ctx, stateKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Write(ctx context.Context, key string, data []byte) error {
	return b.rdb.Set(ctx, stateKey(key), data, 0).Err()
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

func stateKey(key string) string {
	return stateKeyPrefix + key
}
