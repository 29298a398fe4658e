package gcs

import (
	"context"
	"sync"

	"github.com/phrazzld/canvas-api/internal/store"
)

// Object is an artifact held by MemoryStore.
type Object struct {
	Data        []byte
	ContentType string
}

// MemoryStore is an in-process ArtifactStore for tests and local runs
// without a storage emulator. FailPuts makes every Put return the error.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]Object
	FailPuts error
}

var _ store.ArtifactStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]Object{}}
}

func (m *MemoryStore) Put(_ context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts != nil {
		return m.FailPuts
	}
	m.objects[bucket+"/"+key] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, store.ErrArtifactNotFound
	}
	return append([]byte(nil), obj.Data...), nil
}

// Object returns the stored object and whether it exists.
func (m *MemoryStore) Object(bucket, key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[bucket+"/"+key]
	return obj, ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
