// Package broker wraps the key/value + pub/sub broker behind a small client
// interface. Each operation is a single broker round-trip; no business logic
// lives here.
package broker

import (
	"context"
	"time"
)

// Client is the set of broker primitives the task queue requires: a FIFO list
// with blocking pop, hashes with per-key TTL, one sorted set, and pub/sub
// channels without replay.
type Client interface {
	RPush(ctx context.Context, key string, value []byte) error
	// BLPop blocks up to timeout for a list element. A nil slice with nil
	// error means the timeout elapsed with nothing to pop.
	BLPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HGet returns ok=false when the field or key is absent.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	// ZRangeByScoreMax returns members with score <= max, ascending.
	ZRangeByScoreMax(ctx context.Context, key string, max float64) ([]string, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe attaches to a channel and confirms the subscription before
	// returning, so messages published afterwards are guaranteed to be seen.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is one open pub/sub channel. Messages closes on unsubscribe or
// on a transient broker disconnect; callers treat end-of-stream as a signal to
// reopen if they still need events.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}
