package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
)

func TestManagers(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T) Manager
	}{
		{
			name:  "memory",
			build: func(t *testing.T) Manager { return NewMemoryManager() },
		},
		{
			name: "redis",
			build: func(t *testing.T) Manager {
				mr := miniredis.RunT(t)
				rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				t.Cleanup(func() { _ = rdb.Close() })
				m, err := NewRedisManager(rdb)
				require.NoError(t, err)
				return m
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := tt.build(t)

			first, err := m.Acquire(ctx, "sync", time.Minute)
			require.NoError(t, err)
			require.NotEmpty(t, first.Token)

			_, err = m.Acquire(ctx, "sync", time.Minute)
			assert.ErrorIs(t, err, common.ErrRunLeaseHeld)

			// A stale holder cannot release someone else's lease.
			require.NoError(t, m.Release(ctx, &RunLease{Key: "sync", Token: "stale"}))
			_, err = m.Acquire(ctx, "sync", time.Minute)
			assert.ErrorIs(t, err, common.ErrRunLeaseHeld)

			require.NoError(t, m.Release(ctx, first))
			second, err := m.Acquire(ctx, "sync", time.Minute)
			require.NoError(t, err)
			assert.NotEqual(t, first.Token, second.Token)
		})
	}
}

func TestRedisLeaseExpires(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	m, err := NewRedisManager(rdb)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "sync", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = m.Acquire(ctx, "sync", time.Second)
	require.NoError(t, err)
}

func TestMemoryLeaseExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryManager()
	m.now = func() time.Time { return now }

	_, err := m.Acquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = m.Acquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
}
