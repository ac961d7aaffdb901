package stores

import (
	"context"
	"strconv"
	"sync"
)

type memoryEntry struct {
	data    []byte
	version int64
}

// MemoryGraphBackend keeps persistent graphs in process memory. It is used
// for single-process runs and tests.
type MemoryGraphBackend struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	seq     int64
}

// NewMemoryGraphBackend creates an empty in-memory backend.
func NewMemoryGraphBackend() *MemoryGraphBackend {
	return &MemoryGraphBackend{
		entries: make(map[string]memoryEntry),
	}
}

// Load returns the stored graph for namespace.
func (m *MemoryGraphBackend) Load(_ context.Context, namespace string) (*GraphBlob, Version, error) {
	m.mu.Lock()
	entry, ok := m.entries[namespace]
	m.mu.Unlock()

	if !ok {
		return emptyGraphBlob(), "", nil
	}

	blob, err := DecodeGraphBlob(entry.data)
	if err != nil {
		return nil, "", err
	}
	return blob, Version(strconv.FormatInt(entry.version, 10)), nil
}

// Store writes blob if expected matches the current version.
func (m *MemoryGraphBackend) Store(_ context.Context, namespace string, blob *GraphBlob, expected Version) (Version, error) {
	data, err := EncodeGraphBlob(blob)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[namespace]
	switch {
	case !ok && expected != "":
		return "", ErrVersionConflict
	case ok && Version(strconv.FormatInt(entry.version, 10)) != expected:
		return "", ErrVersionConflict
	}

	// Versions are never reused, even after Delete.
	m.seq++
	m.entries[namespace] = memoryEntry{data: data, version: m.seq}
	return Version(strconv.FormatInt(m.seq, 10)), nil
}

// Delete removes the stored graph.
func (m *MemoryGraphBackend) Delete(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, namespace)
	return nil
}

// Close is a no-op.
func (m *MemoryGraphBackend) Close() error {
	return nil
}
