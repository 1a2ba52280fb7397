package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pbxlink/internal/task"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var leaseAcquireScript = redis.NewScript(`
-- KEYS[1] = lease key
-- ARGV[1] = owner token
-- ARGV[2] = ttl_ms
--
-- Returns 1 when the caller owns the lease afterwards, 0 otherwise.
local owner = redis.call('GET', KEYS[1])
if not owner then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
if owner == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

var leaseReleaseScript = redis.NewScript(`
-- KEYS[1] = lease key
-- ARGV[1] = owner token
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

var (
	ErrLeaseHeld = errors.New("relay: lease held by another process")
	ErrLeaseLost = errors.New("relay: lease lost")
)

// LeaseKey is the lease key for one login.
func LeaseKey(prefix, login string) string {
	return prefix + "lease:" + login
}

// Lease is an exclusive, expiring claim on a key, renewed in the background
// while held. The TTL bounds how long a crashed holder blocks others.
type Lease struct {
	rdb   redis.Scripter
	key   string
	token string
	ttl   time.Duration
	log   *slog.Logger

	// OnLost is called from the renewal goroutine when renewal finds the
	// lease owned by someone else.
	OnLost func(err error)

	mu    sync.Mutex
	renew *task.Task
}

func NewLease(rdb redis.Scripter, key string, ttl time.Duration, log *slog.Logger) (*Lease, error) {
	if rdb == nil {
		return nil, errors.New("relay: redis client is nil")
	}
	if key == "" {
		return nil, errors.New("relay: lease key is required")
	}
	if ttl <= 0 {
		return nil, errors.New("relay: lease ttl must be > 0")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lease{rdb: rdb, key: key, token: uuid.NewString(), ttl: ttl, log: log.With("lease", key)}, nil
}

func (l *Lease) Key() string { return l.key }

// TryAcquire claims or extends the lease. It reports whether this process owns it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	res, err := leaseAcquireScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("relay: lease acquire: %w", err)
	}
	return res == 1, nil
}

// Hold acquires the lease and keeps renewing it every third of the TTL
// until Release. It returns ErrLeaseHeld if another process owns it.
func (l *Lease) Hold(ctx context.Context) error {
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseHeld
	}

	period := l.ttl / 3
	step := func(ctx context.Context) error {
		if err := task.Sleep(ctx, period); err != nil {
			return err
		}
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Redis hiccup: keep trying until the TTL runs out.
			l.log.Warn("lease renewal failed", "err", err)
			return nil
		}
		if !ok {
			return ErrLeaseLost
		}
		return nil
	}

	renew := task.New("lease-renewal", step, task.WithLogger(l.log), task.WithOnExit(func(err error) {
		if l.OnLost != nil {
			l.OnLost(err)
		}
	}))

	l.mu.Lock()
	l.renew = renew
	l.mu.Unlock()

	if err := renew.Start(ctx); err != nil {
		return err
	}
	l.log.Info("lease acquired", "ttl_ms", l.ttl.Milliseconds())
	return nil
}

// Release stops renewal and deletes the key if this process still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	renew := l.renew
	l.renew = nil
	l.mu.Unlock()

	if renew != nil {
		_ = renew.Stop()
	}
	if _, err := leaseReleaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("relay: lease release: %w", err)
	}
	l.log.Info("lease released")
	return nil
}
