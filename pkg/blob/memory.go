package blob

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and local development
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string

	// FailDownloads lists keys whose download should fail with a
	// transport error (for asset-failure tests).
	FailDownloads map[string]bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:       make(map[string][]byte),
		types:         make(map[string]string),
		FailDownloads: make(map[string]bool),
	}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// Download fetches an object's bytes
func (m *MemoryStore) Download(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailDownloads[key] {
		return nil, fmt.Errorf("simulated transport failure for %s", key)
	}
	data, ok := m.objects[objectKey(bucket, key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Upload stores an object
func (m *MemoryStore) Upload(_ context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[objectKey(bucket, key)] = cp
	m.types[objectKey(bucket, key)] = contentType
	return nil
}

// Sign returns a deterministic fake URL for the object
func (m *MemoryStore) Sign(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.objects[objectKey(bucket, key)]; !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return fmt.Sprintf("memory://%s/%s?expires=%d", bucket, key, int64(ttl.Seconds())), nil
}

// Get returns stored object bytes and whether they exist (test helper)
func (m *MemoryStore) Get(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectKey(bucket, key)]
	return data, ok
}

// ContentType returns the stored content type for an object (test helper)
func (m *MemoryStore) ContentType(bucket, key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[objectKey(bucket, key)]
}
