package legacy

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store used by tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	cases []Case
	docs  []Document

	// Err, when set, is returned by every call.
	Err error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AddCase appends a case.
func (m *MemoryStore) AddCase(c Case) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases = append(m.cases, c)
}

// AddDocument appends a document.
func (m *MemoryStore) AddDocument(d Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, d)
}

func (m *MemoryStore) ListCases(_ context.Context, owner string) ([]Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []Case
	for _, c := range m.cases {
		if c.OwnerSourceID == owner {
			c.DocumentIDs = slices.Clone(c.DocumentIDs)
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, owner string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []Document
	for _, d := range m.docs {
		if d.OwnerSourceID == owner {
			out = append(out, d)
		}
	}
	return out, nil
}
