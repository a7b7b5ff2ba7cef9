// Package blob provides storage backends for opaque artifacts, primarily the
// resumption cursors written at checkpoint time.
package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomhaitao/LibreCrawl/internal/crawl"
)

// Memory is an in-memory blob store for development and testing.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory constructs a Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Save stores a copy of data under objectName.
func (m *Memory) Save(_ context.Context, objectName string, data []byte) error {
	if objectName == "" {
		return fmt.Errorf("object name is required")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectName] = cp
	return nil
}

// Load returns a copy of the stored data.
func (m *Memory) Load(_ context.Context, objectName string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[objectName]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", objectName, crawl.ErrNotFound)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Delete removes the object; deleting an absent object is a no-op.
func (m *Memory) Delete(_ context.Context, objectName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectName)
	return nil
}
