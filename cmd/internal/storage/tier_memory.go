package storage

import (
	"context"
	"sync"
)

// MemoryTier is a process-scoped key-value tier. Its contents die with the
// process, the equivalent of a browsing session ending.
type MemoryTier struct {
	name string

	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryTier constructs an empty MemoryTier.
func NewMemoryTier(name string) *MemoryTier {
	if name == "" {
		name = "memory"
	}
	return &MemoryTier{name: name, values: make(map[string][]byte)}
}

func (t *MemoryTier) Name() string { return t.name }

func (t *MemoryTier) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	v, ok := t.values[key]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *MemoryTier) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.values[key] = append([]byte(nil), value...)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.values, key)
	t.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (t *MemoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}
