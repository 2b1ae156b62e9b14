package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSamePair = errors.New("lock: pair members must differ")

// Side identifies a lock of the ordered pair.
type Side string

const (
	SideFirst  Side = "first"
	SideSecond Side = "second"
)

// ContentionError means another holder owns one of the pair's keys.
type ContentionError struct {
	Side Side
	Key  string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock: %s lock %s is held by another operation", e.Side, e.Key)
}

// UnavailableError means the store failed while acquiring one of the pair's keys.
// The key is treated as not acquired.
type UnavailableError struct {
	Side Side
	Key  string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("lock: %s lock %s not acquired: %v", e.Side, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// PairLocker serializes work over an unordered pair of owners. Keys are
// always taken lowest owner first, so opposite-direction callers cannot
// wait on each other.
type PairLocker struct {
	store    Store
	prefix   string
	logger   *zap.Logger
	newToken func() string
}

func NewPairLocker(store Store, prefix string, logger *zap.Logger) *PairLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "transfer-lock"
	}
	return &PairLocker{
		store:    store,
		prefix:   prefix,
		logger:   logger.With(zap.String("component", "pair_locker")),
		newToken: uuid.NewString,
	}
}

// Key returns the lock key of a single owner.
func (p *PairLocker) Key(ownerID int64) string {
	return fmt.Sprintf("%s:%d", p.prefix, ownerID)
}

// WithPairLock runs body while holding the locks of both x and y. A lock that
// is not obtained fails the call without retrying. Both locks are released on
// every exit path, second then first, and release failures never replace the
// body's result.
func (p *PairLocker) WithPairLock(ctx context.Context, x, y int64, ttl time.Duration, body func(ctx context.Context) error) error {
	if x == y {
		return ErrSamePair
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	first, second := x, y
	if second < first {
		first, second = second, first
	}
	firstKey, secondKey := p.Key(first), p.Key(second)
	token := p.newToken()

	if err := p.acquire(ctx, SideFirst, firstKey, token, ttl); err != nil {
		return err
	}
	if err := p.acquire(ctx, SideSecond, secondKey, token, ttl); err != nil {
		p.release(ctx, firstKey, token)
		return err
	}
	defer func() {
		p.release(ctx, secondKey, token)
		p.release(ctx, firstKey, token)
	}()

	return body(ctx)
}

func (p *PairLocker) acquire(ctx context.Context, side Side, key, token string, ttl time.Duration) error {
	ok, err := p.store.Acquire(ctx, key, token, ttl)
	if err != nil {
		return &UnavailableError{Side: side, Key: key, Err: err}
	}
	if !ok {
		return &ContentionError{Side: side, Key: key}
	}
	return nil
}

// release outlives a cancelled caller so a finished body never strands its locks.
func (p *PairLocker) release(ctx context.Context, key, token string) {
	if err := p.store.Release(context.WithoutCancel(ctx), key, token); err != nil {
		p.logger.Warn("failed to release transfer lock; it will expire after its ttl",
			zap.String("key", key), zap.Error(err))
	}
}
