// Package lease makes sure only one process trades a symbol at a time.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	ErrHeld = errors.New("lease held by another instance")
	ErrLost = errors.New("lease lost")
)

type Lease interface {
	Acquire(ctx context.Context) error
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Only the holder's token may extend or delete the key.
var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

type RedisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    key,
		token:  generateToken(),
		ttl:    ttl,
	}
}

func generateToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func (l *RedisLease) TTL() time.Duration { return l.ttl }

func (l *RedisLease) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrHeld, l.key)
	}
	return nil
}

func (l *RedisLease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("redis eval failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLost, l.key)
	}
	return nil
}

// Nop is the lease used when no coordination store is configured.
type Nop struct{}

func (Nop) Acquire(context.Context) error { return nil }
func (Nop) Renew(context.Context) error   { return nil }
func (Nop) Release(context.Context) error { return nil }

// Keep renews l every interval until ctx ends. onLost runs once if the lease
// cannot be renewed, after which Keep returns. A non-positive interval
// disables renewal.
func Keep(ctx context.Context, l Lease, interval time.Duration, logger *logrus.Logger, onLost func(error)) {
	if interval <= 0 {
		logger.WithField("interval", interval).Warn("Lease renewal disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).Error("Failed to renew lease")
				if errors.Is(err, ErrLost) {
					onLost(err)
					return
				}
			}
		}
	}
}
