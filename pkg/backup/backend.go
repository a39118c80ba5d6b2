package backup

import (
	"context"
	"fmt"
	"sync"
)

// Backend stores snapshot payloads. Write returns the location later
// passed to Read and Verify.
type Backend interface {
	Write(ctx context.Context, key string, payload []byte) (string, error)
	Read(ctx context.Context, location string) ([]byte, error)
	Verify(ctx context.Context, location string, manifest *Manifest) (bool, error)
}

// MemoryBackend keeps payloads in process memory. Suitable for tests and
// single-node development.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: map[string][]byte{}}
}

func (b *MemoryBackend) Write(_ context.Context, key string, payload []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	b.items[key] = buf
	return key, nil
}

func (b *MemoryBackend) Read(_ context.Context, location string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	payload, ok := b.items[location]
	if !ok {
		return nil, fmt.Errorf("snapshot payload %s not found", location)
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return buf, nil
}

func (b *MemoryBackend) Verify(ctx context.Context, location string, manifest *Manifest) (bool, error) {
	payload, err := b.Read(ctx, location)
	if err != nil {
		return false, err
	}
	return VerifyPayload(payload, manifest)
}

// Corrupt overwrites a stored payload. Test helper.
func (b *MemoryBackend) Corrupt(location string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[location] = payload
}
