package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryManager is the single-process lock backend.
type MemoryManager struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && e.expiresAt.After(now) {
		return "", ErrBusy
	}

	token := uuid.NewString()
	m.entries[key] = memoryEntry{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (m *MemoryManager) Renew(ctx context.Context, key, token string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(now) || e.token != token {
		return ErrLost
	}
	e.expiresAt = now.Add(ttl)
	m.entries[key] = e
	return nil
}

func (m *MemoryManager) Release(ctx context.Context, key, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || !e.expiresAt.After(m.now()) {
		// Expired leases are already absent; releasing one is a no-op.
		delete(m.entries, key)
		return nil
	}
	if e.token != token {
		return ErrNotOwner
	}
	delete(m.entries, key)
	return nil
}
