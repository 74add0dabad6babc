package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacks-network/sbtc-signer/config"
	"github.com/stacks-network/sbtc-signer/contexthelper"
)

// RedisStorage backs the ephemeral protocol state that does not belong in
// postgres: gossip duplicate suppression. It is a cache; losing it costs only
// duplicate work.
type RedisStorage struct {
	cfg    config.Config
	client *redis.Client
}

func NewRedisStorage(cfg config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return &RedisStorage{
		cfg:    cfg,
		client: client,
	}, nil
}

// Client exposes the underlying connection for the gossip pub/sub binding.
func (r *RedisStorage) Client() *redis.Client {
	return r.client
}

// MarkMessageSeen records a message id and reports whether it was already
// seen. Entries expire after ttl so the set stays bounded.
func (r *RedisStorage) MarkMessageSeen(ctx context.Context, messageID [32]byte, ttl time.Duration) (bool, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return false, ctx.Err()
	}
	key := fmt.Sprintf("gossip:seen:%x", messageID)
	fresh, err := r.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("fail to mark message seen, err: %w", err)
	}
	return !fresh, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
