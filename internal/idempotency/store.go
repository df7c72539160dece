package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"payrecon/internal/apperr"
)

// Config holds Redis and TTL settings.
type Config struct {
	RedisURL  string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0" validate:"required"`
	TTL       time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"72h" validate:"gt=0"`
	LockTTL   time.Duration `envconfig:"IDEMPOTENCY_LOCK_TTL" default:"10s" validate:"gt=0"`
	LockWait  time.Duration `envconfig:"IDEMPOTENCY_LOCK_WAIT" default:"5s" validate:"gt=0"`
	KeyPrefix string        `envconfig:"IDEMPOTENCY_KEY_PREFIX" default:"payrecon"`
}

// ErrLockTimeout is returned (wrapped as retryable) when a lock could not be
// acquired within the configured wait.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ScopePayment serialises all work on one provider payment id, whether it
// comes from a webhook delivery or a reconciliation run.
const ScopePayment = "tenant:payment"

// pollInterval bounds how long a waiter sleeps when no release notification
// arrives, e.g. because the holder crashed and the key expired.
const pollInterval = 200 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("DEL", KEYS[1])
	redis.call("PUBLISH", KEYS[2], "released")
	return 1
end
return 0
`)

// NewClient connects to Redis and verifies connectivity.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("redis connection established", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}

// Store is the processed-event set and lock service shared by every
// webhook delivery.
type Store struct {
	rdb      redis.UniversalClient
	prefix   string
	lockWait time.Duration
	logger   *slog.Logger
}

// NewStore creates a store on top of an existing client.
func NewStore(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) *Store {
	return &Store{
		rdb:      rdb,
		prefix:   cfg.KeyPrefix,
		lockWait: cfg.LockWait,
		logger:   logger,
	}
}

func (s *Store) eventKey(eventType, eventID string) string {
	return fmt.Sprintf("%s:event:%s:%s", s.prefix, eventType, eventID)
}

func (s *Store) lockKey(scope, key string) string {
	return fmt.Sprintf("%s:lock:%s:%s", s.prefix, scope, key)
}

// IsDuplicate reports whether eventType:eventID was already marked processed.
func (s *Store) IsDuplicate(ctx context.Context, eventType, eventID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.eventKey(eventType, eventID)).Result()
	if err != nil {
		return false, apperr.Retry(fmt.Errorf("checking event %s:%s: %w", eventType, eventID, err))
	}
	return n > 0, nil
}

// MarkProcessed records eventType:eventID as processed for ttl.
func (s *Store) MarkProcessed(ctx context.Context, eventType, eventID string, ttl time.Duration) error {
	processedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.rdb.Set(ctx, s.eventKey(eventType, eventID), processedAt, ttl).Err(); err != nil {
		return apperr.Retry(fmt.Errorf("marking event %s:%s: %w", eventType, eventID, err))
	}
	return nil
}

// WithLock runs fn while holding the lock scope:key. Acquisition waits for a
// release notification rather than spinning and gives up after the configured
// wait with a retryable ErrLockTimeout. The lock expires after ttl even if
// the holder never releases it.
func (s *Store) WithLock(ctx context.Context, scope, key string, ttl time.Duration, fn func() error) error {
	lockKey := s.lockKey(scope, key)
	token := ulid.Make().String()

	if err := s.acquire(ctx, lockKey, token, ttl); err != nil {
		return err
	}

	defer func() {
		// The caller's context may already be cancelled; the lock must still go.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		released, err := releaseScript.Run(releaseCtx, s.rdb, []string{lockKey, releaseChannel(lockKey)}, token).Int()
		switch {
		case err != nil:
			s.logger.Error("failed to release lock", "lock", lockKey, "error", err)
		case released == 0:
			s.logger.Warn("lock expired before release", "lock", lockKey, "ttl", ttl)
		}
	}()

	return fn()
}

func (s *Store) acquire(ctx context.Context, lockKey, token string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return apperr.Retry(fmt.Errorf("acquiring lock %s: %w", lockKey, err))
	}
	if ok {
		return nil
	}

	sub := s.rdb.Subscribe(ctx, releaseChannel(lockKey))
	defer sub.Close()
	released := sub.Channel()

	deadline := time.NewTimer(s.lockWait)
	defer deadline.Stop()

	for {
		// Retry before waiting: the holder may have released between SETNX
		// and SUBSCRIBE.
		ok, err := s.rdb.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return apperr.Retry(fmt.Errorf("acquiring lock %s: %w", lockKey, err))
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return apperr.Retry(fmt.Errorf("acquiring lock %s: %w", lockKey, ctx.Err()))
		case <-deadline.C:
			s.logger.Warn("lock wait exceeded", "lock", lockKey, "wait", s.lockWait)
			return apperr.Retry(fmt.Errorf("%w: %s", ErrLockTimeout, lockKey))
		case <-released:
		case <-time.After(pollInterval):
		}
	}
}

func releaseChannel(lockKey string) string {
	return lockKey + ":released"
}
