package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a single-holder lease backed by Redis SET NX.
// Used to keep exactly one sweeper instance running the daily pass;
// it is not a general mutual-exclusion primitive for hot paths.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lease or returns ErrNotAcquired.
// A nil client always acquires (single-instance deployments without Redis).
func Acquire(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*Lock, error) {
	l := &Lock{client: client, key: key, token: uuid.NewString()}
	if client == nil {
		return l, nil
	}

	ok, err := client.SetNX(ctx, key, l.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return l, nil
}

// Release gives the lease back. Safe to call if the TTL already expired:
// the compare-and-delete script never removes another holder's lease.
func (l *Lock) Release(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
