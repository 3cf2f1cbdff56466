package objects

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// MemoryObjectStore keeps objects in a map. Test use only.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]*memoryObject
}

type memoryObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// NewMemoryObjectStore creates an empty in-memory store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects: make(map[string]*memoryObject),
	}
}

// Put stores an object in memory
func (m *MemoryObjectStore) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	if err := m.validateKey(key); err != nil {
		return err
	}

	dataBytes, err := io.ReadAll(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = &memoryObject{
		data:         dataBytes,
		contentType:  contentType,
		lastModified: time.Now(),
	}
	return nil
}

// Get retrieves an object from memory
func (m *MemoryObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := m.validateKey(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, exists := m.objects[key]
	if !exists {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// GetURL is unsupported for the memory store
func (m *MemoryObjectStore) GetURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := m.validateKey(key); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, exists := m.objects[key]; !exists {
		return "", ErrNotFound
	}
	return "", ErrNotSupported
}

// Delete removes an object from memory
func (m *MemoryObjectStore) Delete(ctx context.Context, key string) error {
	if err := m.validateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[key]; !exists {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

// Exists checks whether key is present
func (m *MemoryObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.validateKey(key); err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.objects[key]
	return exists, nil
}

// List returns objects under prefix
func (m *MemoryObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var objects []ObjectInfo
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				LastModified: obj.lastModified,
				ContentType:  obj.contentType,
			})
		}
	}
	return objects, nil
}

func (m *MemoryObjectStore) validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.Contains(key, "..") {
		return ErrInvalidKey
	}
	return nil
}

// Clear drops every object. Test helper.
func (m *MemoryObjectStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = make(map[string]*memoryObject)
}

// Size returns the number of stored objects. Test helper.
func (m *MemoryObjectStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
