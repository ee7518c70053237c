package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/logging"
)

// Cache abstracts the Redis operations used by the publisher to make testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Publish sends message to a pub/sub channel.
func (c *RedisCache) Publish(ctx context.Context, channel string, message interface{}) error {
	return c.client.Publish(ctx, channel, message).Err()
}

// RedisPublisher publishes each event on a channel and keeps the latest one under
// "<channel>:latest" for late subscribers.
type RedisPublisher struct {
	cache          Cache
	channel        string
	latestTTL      time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRedisPublisher constructs a publisher for channel.
func NewRedisPublisher(cache Cache, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		cache:          cache,
		channel:        channel,
		latestTTL:      10 * time.Minute,
		logger:         logger.Named("redis_publisher"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (p *RedisPublisher) Name() string { return "redis" }

// LatestKey is where the most recent event is stored.
func (p *RedisPublisher) LatestKey() string { return p.channel + ":latest" }

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return logging.NewOperationError("statebus.redis.marshal", event.SubmissionID, err)
	}
	if err := p.withRedisRetry(ctx, event.SubmissionID, "statebus.redis.set_latest", func() error {
		return p.cache.Set(ctx, p.LatestKey(), string(payload), p.latestTTL)
	}); err != nil {
		return err
	}
	return p.withRedisRetry(ctx, event.SubmissionID, "statebus.redis.publish", func() error {
		return p.cache.Publish(ctx, p.channel, string(payload))
	})
}

// withRedisRetry retries transient failures with exponential backoff, up to
// retryAttempts calls in total. Other errors are returned at once.
func (p *RedisPublisher) withRedisRetry(ctx context.Context, submissionID, operation string, fn func() error) error {
	opLogger := logging.WithOperation(p.logger, operation, submissionID)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.initialBackoff
	exp.MaxInterval = p.maxBackoff
	exp.MaxElapsedTime = 0
	retries := p.retryAttempts - 1
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !isTransientError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retry_in", wait))
	})
	if err != nil {
		opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt))
		return logging.NewOperationError(operation, submissionID, err)
	}
	if attempt > 1 {
		opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt))
	}
	return nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
