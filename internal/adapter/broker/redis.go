package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/agent-relay/internal/domain"
)

// RedisClient implements Client on top of a single go-redis connection pool.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedis parses a redis:// URL and returns a connected client. Connectivity
// is verified lazily via Ping.
func NewRedis(redisURL string) (*RedisClient, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=broker.NewRedis: %w", err)
	}
	return &RedisClient{rdb: redis.NewClient(opt)}, nil
}

// NewRedisFromClient wraps an existing client; used by tests with miniredis.
func NewRedisFromClient(rdb *redis.Client) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func wrap(op string, err error) error {
	return fmt.Errorf("op=%s: %w: %w", op, domain.ErrBrokerUnavailable, err)
}

func (c *RedisClient) RPush(ctx context.Context, key string, value []byte) error {
	if err := c.rdb.RPush(ctx, key, value).Err(); err != nil {
		return wrap("broker.RPush", err)
	}
	return nil
}

func (c *RedisClient) BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("broker.BLPop", err)
	}
	// BLPOP returns [key, value].
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (c *RedisClient) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := c.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return wrap("broker.HSet", err)
	}
	return nil
}

func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("broker.HGetAll", err)
	}
	return res, nil
}

func (c *RedisClient) HGet(ctx context.Context, key, field string) (string, bool, error) {
	res, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("broker.HGet", err)
	}
	return res, true, nil
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return wrap("broker.Expire", err)
	}
	return nil
}

func (c *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrap("broker.ZAdd", err)
	}
	return nil
}

func (c *RedisClient) ZRem(ctx context.Context, key string, member string) error {
	if err := c.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return wrap("broker.ZRem", err)
	}
	return nil
}

func (c *RedisClient) ZRangeByScoreMax(ctx context.Context, key string, max float64) ([]string, error) {
	res, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, wrap("broker.ZRangeByScore", err)
	}
	return res, nil
}

func (c *RedisClient) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return wrap("broker.Publish", err)
	}
	return nil
}

func (c *RedisClient) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, channel)
	// Wait for the SUBSCRIBE confirmation so a snapshot read performed after
	// this call cannot race ahead of the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, wrap("broker.Subscribe", err)
	}
	sub := &redisSubscription{pubsub: pubsub, out: make(chan []byte, 16)}
	go sub.pump()
	return sub, nil
}

func (c *RedisClient) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return wrap("broker.Del", err)
	}
	return nil
}

func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return wrap("broker.Ping", err)
	}
	return nil
}

func (c *RedisClient) Close() error { return c.rdb.Close() }

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

// pump forwards raw payloads until the underlying channel closes. go-redis
// closes its channel on unsubscribe and on unrecoverable connection errors;
// either way subscribers observe end-of-stream and may reopen.
func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }
