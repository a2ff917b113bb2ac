package lease

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
)

// RedisManager takes the lease with SET NX PX and releases it with a
// token-checked script, so a run never frees a lease it lost to expiry.
type RedisManager struct {
	client redis.UniversalClient
}

func NewRedisManager(client redis.UniversalClient) (*RedisManager, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisManager{client: client}, nil
}

func (m *RedisManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*RunLease, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lease %s: %w", key, err)
	}
	if !ok {
		return nil, common.ErrRunLeaseHeld
	}
	return &RunLease{Key: key, Token: token, ExpiresAt: now.Add(ttl)}, nil
}

// Release ignores the caller's context: a cancelled run must still free the
// lease instead of blocking the next one until the TTL runs out.
func (m *RedisManager) Release(_ context.Context, lease *RunLease) error {
	if lease == nil || lease.Token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := releaseScript.Run(ctx, m.client, []string{lease.Key}, lease.Token).Int(); err != nil {
		return fmt.Errorf("release run lease %s: %w", lease.Key, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)
