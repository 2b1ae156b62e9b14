package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	ErrEmptyKey         = errors.New("lock: key is required")
	ErrEmptyToken       = errors.New("lock: token is required")
	ErrInvalidTTL       = errors.New("lock: ttl must be positive")
	ErrStoreUnavailable = errors.New("lock: store unavailable")
)

// Store is a key/value store offering set-if-absent with expiry and
// token-checked delete. Implementations never block or retry internally.
type Store interface {
	// Acquire sets key to token with the given ttl only if key is absent.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only if it still holds token. A mismatch is a no-op.
	Release(ctx context.Context, key, token string) error
}

// Deletes KEYS[1] only while it holds ARGV[1]; returns the number of keys removed.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStoreConfig bounds every round trip and tunes the circuit breaker.
type RedisStoreConfig struct {
	OpTimeout           time.Duration
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// RedisStore implements Store on redis with SET NX PX and a Lua compare-and-delete.
type RedisStore struct {
	client    redis.UniversalClient
	breaker   *gobreaker.CircuitBreaker
	opTimeout time.Duration
	logger    *zap.Logger
}

func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 2 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	threshold := cfg.ConsecutiveFailures
	log := logger.With(zap.String("component", "lock_store"))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lock-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			var gone callerError
			return err == nil || errors.As(err, &gone)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &RedisStore{
		client:    client,
		breaker:   breaker,
		opTimeout: cfg.OpTimeout,
		logger:    log,
	}
}

func (s *RedisStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token); err != nil {
		return false, err
	}
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	res, err := s.breaker.Execute(func() (interface{}, error) {
		acquired, err := s.client.SetNX(opCtx, key, token, ttl).Result()
		return acquired, blame(ctx, err)
	})
	if err != nil {
		var gone callerError
		if errors.As(err, &gone) {
			return false, fmt.Errorf("lock: acquire %s: %w", key, gone.err)
		}
		return false, fmt.Errorf("%w: acquire %s: %w", ErrStoreUnavailable, key, err)
	}
	acquired, _ := res.(bool)
	return acquired, nil
}

// Release bypasses the breaker so held keys are still deleted while
// acquisitions are being refused.
func (s *RedisStore) Release(ctx context.Context, key, token string) error {
	if err := validate(key, token); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	removed, err := releaseScript.Run(opCtx, s.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrStoreUnavailable, key, err)
	}
	if removed == 0 {
		s.logger.Debug("lock release skipped, token no longer owns key", zap.String("key", key))
	}
	return nil
}

// callerError is a failure caused by the caller's own context. It does not
// count against the breaker.
type callerError struct {
	err error
}

func (e callerError) Error() string { return e.err.Error() }

func (e callerError) Unwrap() error { return e.err }

// blame attributes err to the caller when the caller's context has ended.
// An expired op timeout with a live caller stays a store failure.
func blame(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return callerError{err: ctx.Err()}
	}
	return err
}

func validate(key, token string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	if token == "" {
		return ErrEmptyToken
	}
	return nil
}
