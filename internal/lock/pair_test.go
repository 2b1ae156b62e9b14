package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingStore is an in-memory Store that records every call in order.
type recordingStore struct {
	mu         sync.Mutex
	held       map[string]string
	calls      []string
	refuse     map[string]bool
	acquireErr map[string]error
	releaseErr map[string]error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		held:       map[string]string{},
		refuse:     map[string]bool{},
		acquireErr: map[string]error{},
		releaseErr: map[string]error{},
	}
}

func (s *recordingStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "acquire "+key)
	if err := s.acquireErr[key]; err != nil {
		return false, err
	}
	if s.refuse[key] {
		return false, nil
	}
	if _, taken := s.held[key]; taken {
		return false, nil
	}
	s.held[key] = token
	return true, nil
}

func (s *recordingStore) Release(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "release "+key)
	if err := s.releaseErr[key]; err != nil {
		return err
	}
	if s.held[key] == token {
		delete(s.held, key)
	}
	return nil
}

func (s *recordingStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestWithPairLockOrdersKeysAndReleasesInReverse(t *testing.T) {
	for _, dir := range [][2]int64{{5, 2}, {2, 5}} {
		store := newRecordingStore()
		locker := NewPairLocker(store, "transfer-lock", zap.NewNop())

		ran := false
		err := locker.WithPairLock(context.Background(), dir[0], dir[1], time.Second, func(ctx context.Context) error {
			ran = true
			assert.Len(t, store.held, 2)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, []string{
			"acquire transfer-lock:2",
			"acquire transfer-lock:5",
			"release transfer-lock:5",
			"release transfer-lock:2",
		}, store.recorded(), "direction %v", dir)
		assert.Empty(t, store.held)
	}
}

func TestWithPairLockUsesOneTokenForBothKeys(t *testing.T) {
	store := newRecordingStore()
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())

	err := locker.WithPairLock(context.Background(), 1, 2, time.Second, func(ctx context.Context) error {
		assert.Equal(t, store.held["transfer-lock:1"], store.held["transfer-lock:2"])
		assert.NotEmpty(t, store.held["transfer-lock:1"])
		return nil
	})
	require.NoError(t, err)
}

func TestWithPairLockFirstKeyContendedNeverTriesSecond(t *testing.T) {
	store := newRecordingStore()
	store.refuse["transfer-lock:1"] = true
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())

	err := locker.WithPairLock(context.Background(), 2, 1, time.Second, func(ctx context.Context) error {
		t.Fatal("body must not run")
		return nil
	})

	var contention *ContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, SideFirst, contention.Side)
	assert.Equal(t, []string{"acquire transfer-lock:1"}, store.recorded())
}

func TestWithPairLockSecondKeyContendedReleasesFirst(t *testing.T) {
	store := newRecordingStore()
	store.refuse["transfer-lock:8"] = true
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())

	err := locker.WithPairLock(context.Background(), 3, 8, time.Second, func(ctx context.Context) error {
		t.Fatal("body must not run")
		return nil
	})

	var contention *ContentionError
	require.ErrorAs(t, err, &contention)
	assert.Equal(t, SideSecond, contention.Side)
	assert.Equal(t, []string{
		"acquire transfer-lock:3",
		"acquire transfer-lock:8",
		"release transfer-lock:3",
	}, store.recorded())
	assert.Empty(t, store.held)
}

func TestWithPairLockStoreErrorIsNotAcquired(t *testing.T) {
	store := newRecordingStore()
	store.acquireErr["transfer-lock:8"] = fmt.Errorf("%w: dial tcp", ErrStoreUnavailable)
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())

	err := locker.WithPairLock(context.Background(), 3, 8, time.Second, func(ctx context.Context) error {
		t.Fatal("body must not run")
		return nil
	})

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, SideSecond, unavailable.Side)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Empty(t, store.held, "partially acquired first lock must be released")
}

func TestWithPairLockReleasesWhenBodyFails(t *testing.T) {
	store := newRecordingStore()
	store.releaseErr["transfer-lock:4"] = errors.New("release timeout")
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())
	bodyErr := errors.New("insufficient funds")

	err := locker.WithPairLock(context.Background(), 4, 6, time.Second, func(ctx context.Context) error {
		return bodyErr
	})

	assert.Same(t, bodyErr, err)
	assert.Equal(t, []string{
		"acquire transfer-lock:4",
		"acquire transfer-lock:6",
		"release transfer-lock:6",
		"release transfer-lock:4",
	}, store.recorded())
}

func TestWithPairLockReleasesWhenBodyPanics(t *testing.T) {
	store := newRecordingStore()
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())

	assert.Panics(t, func() {
		_ = locker.WithPairLock(context.Background(), 1, 2, time.Second, func(ctx context.Context) error {
			panic("boom")
		})
	})
	assert.Empty(t, store.held)
}

func TestWithPairLockReleasesAfterCallerCancels(t *testing.T) {
	store := newRecordingStore()
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	err := locker.WithPairLock(ctx, 1, 2, time.Second, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.held)
}

func TestWithPairLockRejectsSameOwner(t *testing.T) {
	store := newRecordingStore()
	locker := NewPairLocker(store, "transfer-lock", zap.NewNop())

	err := locker.WithPairLock(context.Background(), 7, 7, time.Second, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrSamePair)
	assert.Empty(t, store.recorded())
}

func TestWithPairLockSerializesOppositeDirections(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewPairLocker(NewRedisStore(client, RedisStoreConfig{}, zap.NewNop()), "transfer-lock", zap.NewNop())

	var inside, maxInside, succeeded int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := int64(10), int64(20)
			if i%2 == 1 {
				x, y = y, x
			}
			err := locker.WithPairLock(context.Background(), x, y, 5*time.Second, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err == nil {
				atomic.AddInt32(&succeeded, 1)
				return
			}
			var contention *ContentionError
			assert.ErrorAs(t, err, &contention)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&succeeded), int32(1))
	assert.False(t, mr.Exists("transfer-lock:10"))
	assert.False(t, mr.Exists("transfer-lock:20"))
}
