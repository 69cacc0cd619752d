package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/contamx/contamx/internal/shared"
)

// ErrLockTimeout indicates the company lock could not be acquired in time.
var ErrLockTimeout = shared.NewError(shared.KindTransient, "LockTimeout", "tenant: company ledger lock not acquired")

// Locker serialises ledger writes of a single company. The returned release
// function is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, companyID int64) (release func(), err error)
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[int64]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker constructs an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[int64]*lockSlot)}
}

// Lock blocks until the company slot is free or ctx ends.
func (l *LocalLocker) Lock(ctx context.Context, companyID int64) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[companyID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[companyID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(companyID, slot)
		return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			l.releaseRef(companyID, slot)
		})
	}, nil
}

func (l *LocalLocker) releaseRef(companyID int64, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, companyID)
	}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker coordinates ledger writers across processes.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewRedisLocker constructs a Redis backed locker. ttl bounds how long a
// crashed holder can block the company.
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{client: client, ttl: ttl, poll: 25 * time.Millisecond, logger: logger}
}

// Lock polls SET NX until the key is acquired or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, companyID int64) (func(), error) {
	key := shared.LedgerLockKey(companyID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
			}
			return nil, shared.Transient("LockUnavailable", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Warn("release company lock", slog.Int64("company_id", companyID), slog.Any("error", err))
			}
		})
	}, nil
}
