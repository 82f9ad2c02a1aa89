package record

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilnhq/kiln/pkg/types"
)

// MemoryStore is an in-process Store used in tests
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*types.Compilation

	// Updates records every patch applied, in order, for assertions
	// about terminal-write counts.
	Updates []Patch

	// FailUpdates injects a transport error on Update when set.
	FailUpdates bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*types.Compilation)}
}

// Create inserts a new compilation row
func (m *MemoryStore) Create(_ context.Context, c *types.Compilation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.rows[c.ID] = &cp
	return nil
}

// Get fetches a compilation row by id
func (m *MemoryStore) Get(_ context.Context, id string) (*types.Compilation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// Update applies a partial patch
func (m *MemoryStore) Update(_ context.Context, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdates {
		return fmt.Errorf("simulated transport failure updating %s", id)
	}
	c, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.PDFURL != nil {
		c.PDFURL = *patch.PDFURL
	}
	if patch.SynctexURL != nil {
		c.SynctexURL = *patch.SynctexURL
	}
	if patch.Log != nil {
		c.Log = *patch.Log
	}
	if patch.DurationMS != nil {
		c.DurationMS = *patch.DurationMS
	}
	m.Updates = append(m.Updates, patch)
	return nil
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }

// TerminalUpdates counts patches that set a terminal status (test helper)
func (m *MemoryStore) TerminalUpdates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.Updates {
		if p.Status != nil && p.Status.IsTerminal() {
			n++
		}
	}
	return n
}
