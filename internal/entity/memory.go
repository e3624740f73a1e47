package entity

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"farmops.io/bulkops/internal/domain"
)

type memKey struct {
	farmID string
	typ    domain.EntityType
	id     string
}

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[memKey]map[string]any
	updates int

	// beforeUpdate, when set, runs before every Update and may fail it.
	beforeUpdate func(ctx context.Context, id string) error
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[memKey]map[string]any)}
}

// Put inserts or replaces a record.
func (m *Memory) Put(farmID string, t domain.EntityType, id string, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := maps.Clone(attrs)
	if cp == nil {
		cp = make(map[string]any)
	}
	m.records[memKey{farmID, t, id}] = cp
}

// Get returns a copy of a record's attributes.
func (m *Memory) Get(farmID string, t domain.EntityType, id string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attrs, ok := m.records[memKey{farmID, t, id}]
	return maps.Clone(attrs), ok
}

// Updates returns how many updates were attempted.
func (m *Memory) Updates() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

// SetBeforeUpdate installs a hook that runs before each Update. Returning an
// error fails that update with it.
func (m *Memory) SetBeforeUpdate(fn func(ctx context.Context, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeUpdate = fn
}

// ReadMany implements Store.
func (m *Memory) ReadMany(_ context.Context, farmID string, t domain.EntityType, ids []string) ([]Record, error) {
	if _, ok := TableFor(t); !ok {
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if attrs, ok := m.records[memKey{farmID, t, id}]; ok {
			out = append(out, Record{ID: id, FarmID: farmID, Type: t, Attributes: maps.Clone(attrs)})
		}
	}
	return out, nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, farmID, id string, change domain.ChangeSet) error {
	m.mu.Lock()
	m.updates++
	hook := m.beforeUpdate
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.records[memKey{farmID, change.EntityType, id}]
	if !ok {
		return domain.NewItemError(domain.ItemErrNotFound, fmt.Sprintf("%s %s not found", change.EntityType, id))
	}
	for _, col := range change.Columns() {
		if !writable(change.EntityType, col.Name) {
			return domain.NewItemError(domain.ItemErrInvalidChange, fmt.Sprintf("column %s is not writable", col.Name))
		}
		attrs[col.Name] = col.Value
	}
	return nil
}
