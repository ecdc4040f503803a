package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/local/renewalcal/internal/contract"
)

// Memory keeps records in process. Records are cloned on the way in and out.
type Memory struct {
	mu    sync.RWMutex
	byID  map[string]*contract.Record
	order []string
}

func NewMemory() *Memory {
	return &Memory{byID: make(map[string]*contract.Record)}
}

func (m *Memory) CreatePending(_ context.Context, r *contract.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; ok {
		return fmt.Errorf("contract %s already exists", r.ID)
	}
	m.byID[r.ID] = r.Clone()
	m.order = append(m.order, r.ID)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*contract.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*contract.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*contract.Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id].Clone())
	}
	return out, nil
}

func (m *Memory) Update(_ context.Context, r *contract.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ID]; !ok {
		return ErrNotFound
	}
	m.byID[r.ID] = r.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	delete(m.byID, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) DeleteAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.order)
	m.byID = make(map[string]*contract.Record)
	m.order = nil
	return n, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }
