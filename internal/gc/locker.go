package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"niyya/api/internal/common"
	"niyya/api/internal/util"
)

// Locker hands out the maintenance lease. Acquire returns common.ErrConflict
// while another holder has it.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

var errRunInProgress = fmt.Errorf("maintenance run already in progress: %w", common.ErrConflict)

// MutexLocker serializes runs within one process.
type MutexLocker struct {
	mu sync.Mutex
}

func NewMutexLocker() *MutexLocker {
	return &MutexLocker{}
}

func (l *MutexLocker) Acquire(context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, errRunInProgress
	}
	return l.mu.Unlock, nil
}

const (
	DefaultLeaseKey = "niyya:gc:lease"
	DefaultLeaseTTL = 15 * time.Minute
)

// Only the holder that wrote the token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a lease shared by every process pointed at the same Redis.
// The lease expires after ttl so a crashed holder cannot wedge maintenance.
type RedisLocker struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLocker{client: client, key: key, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	token := util.NewID()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w: %v", common.ErrBackendUnavailable, err)
	}
	if !ok {
		return nil, errRunInProgress
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	}, nil
}
