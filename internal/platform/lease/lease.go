// Package lease serializes sync runs across replicas that share one trigger
// queue. The persisted task status stays the source of truth; the lease only
// keeps two workers from starting the same run at once.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lblod/gelinkt-notuleren-consumer/internal/common"
)

// RunLease is held for the duration of one sync run. Token proves ownership
// on release.
type RunLease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Manager returns common.ErrRunLeaseHeld when another run owns key.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*RunLease, error)
	Release(ctx context.Context, lease *RunLease) error
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryManager is the single-process variant.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]memoryEntry
	now    func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{leases: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*RunLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if held, ok := m.leases[key]; ok && now.Before(held.expiresAt) {
		return nil, common.ErrRunLeaseHeld
	}
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	entry := memoryEntry{token: token, expiresAt: now.Add(ttl)}
	m.leases[key] = entry
	return &RunLease{Key: key, Token: token, ExpiresAt: entry.expiresAt}, nil
}

func (m *MemoryManager) Release(_ context.Context, lease *RunLease) error {
	if lease == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.leases[lease.Key]; ok && held.token == lease.Token {
		delete(m.leases, lease.Key)
	}
	return nil
}
