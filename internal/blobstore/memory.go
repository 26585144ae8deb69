package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by the mock
// backend mode. It counts reads per path and supports failure injection.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]memoryDoc
	reads    map[string]int
	readErr  error
	writeErr error

	// BeforeWrite, when set, runs between the transform and the
	// conditional write while the lock is released. Tests use it to
	// force version races.
	BeforeWrite func(path string)

	// BeforeRead, when set, runs at the top of Read outside the lock.
	// Tests use it to hold a read open while concurrent callers pile up.
	BeforeRead func(path string)
}

type memoryDoc struct {
	data    json.RawMessage
	version int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:  make(map[string]memoryDoc),
		reads: make(map[string]int),
	}
}

// Seed installs a document without bumping read counters. v is marshalled
// to JSON.
func (m *MemoryStore) Seed(path string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("blobstore: seed %q: %v", path, err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[path]
	m.docs[path] = memoryDoc{data: data, version: doc.version + 1}
}

// ReadCount reports how many Read calls were made for path.
func (m *MemoryStore) ReadCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[path]
}

// ResetReadCounts zeroes all read counters.
func (m *MemoryStore) ResetReadCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads = make(map[string]int)
}

// FailReads makes subsequent reads return err (nil clears).
func (m *MemoryStore) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes subsequent updates return err (nil clears).
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Get unmarshals the current document into out, returning false when it
// does not exist. Test helper; bypasses read counting.
func (m *MemoryStore) Get(path string, out any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[path]
	if !ok {
		return false
	}
	if err := json.Unmarshal(doc.data, out); err != nil {
		panic(fmt.Sprintf("blobstore: get %q: %v", path, err))
	}
	return true
}

// Read implements Store.
func (m *MemoryStore) Read(ctx context.Context, path string) (json.RawMessage, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: read %q: %v", ErrUnavailable, path, err)
	}
	if m.BeforeRead != nil {
		m.BeforeRead(path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[path]++
	if m.readErr != nil {
		return nil, false, fmt.Errorf("%w: read %q: %v", ErrUnavailable, path, m.readErr)
	}
	doc, ok := m.docs[path]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(doc.data))
	copy(out, doc.data)
	return out, true, nil
}

// OptimisticUpdate implements Store.
func (m *MemoryStore) OptimisticUpdate(ctx context.Context, path string, transform Transform) (json.RawMessage, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: update %q: %v", ErrUnavailable, path, err)
		}

		m.mu.Lock()
		if m.writeErr != nil {
			err := m.writeErr
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: update %q: %v", ErrUnavailable, path, err)
		}
		doc, exists := m.docs[path]
		m.mu.Unlock()

		var current json.RawMessage
		if exists {
			current = make(json.RawMessage, len(doc.data))
			copy(current, doc.data)
		}

		next, err := transform(current)
		if err != nil {
			return nil, fmt.Errorf("transform %q: %w", path, err)
		}

		if m.BeforeWrite != nil {
			m.BeforeWrite(path)
		}

		m.mu.Lock()
		latest, nowExists := m.docs[path]
		if nowExists != exists || (exists && latest.version != doc.version) {
			m.mu.Unlock()
			continue // lost the race, retry from scratch
		}
		m.docs[path] = memoryDoc{data: next, version: doc.version + 1}
		m.mu.Unlock()
		return next, nil
	}
	return nil, fmt.Errorf("%w: update %q", ErrContention, path)
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
