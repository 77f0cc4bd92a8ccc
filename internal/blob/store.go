// Package blob stores payload bytes in an object store under content-derived
// keys, uploading each distinct hash at most once.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ObjectStore is the minimal object-store surface the importer needs.
type ObjectStore interface {
	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
	// Put stores size bytes from r at key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// StoreProvider hands out stores authorized for a bucket. Credential
// resolution lives behind this interface.
type StoreProvider interface {
	Store(ctx context.Context, bucket string) (ObjectStore, error)
}

// MemoryStore is an in-process ObjectStore. It backs --dry-run and tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	puts    int
	heads   int

	// FailPut, when set, is consulted before every Put; a non-nil return
	// fails that attempt.
	FailPut func(key string, attempt int) error
	// FailExists, when set, is consulted before every Exists.
	FailExists func(key string) error

	attempts map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		types:    make(map[string]string),
		attempts: make(map[string]int),
	}
}

// Exists implements ObjectStore.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads++
	if m.FailExists != nil {
		if err := m.FailExists(key); err != nil {
			return false, err
		}
	}
	_, ok := m.objects[key]
	return ok, nil
}

// Put implements ObjectStore.
func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.attempts[key]++
	attempt := m.attempts[key]
	failPut := m.FailPut
	m.mu.Unlock()

	if failPut != nil {
		if err := failPut(key, attempt); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	if err != nil {
		return err
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short body for %s: got %d bytes, want %d", key, n, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.objects[key] = buf.Bytes()
	m.types[key] = contentType
	return nil
}

// Get returns a stored object.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// ContentType returns the content type an object was stored with.
func (m *MemoryStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types[key]
}

// Keys returns all stored keys, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// Puts is the number of successful Put calls.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// Heads is the number of Exists calls.
func (m *MemoryStore) Heads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heads
}

// MemoryProvider serves a single MemoryStore for any bucket.
type MemoryProvider struct {
	Memory *MemoryStore
}

// Store implements StoreProvider.
func (p MemoryProvider) Store(ctx context.Context, bucket string) (ObjectStore, error) {
	return p.Memory, nil
}
