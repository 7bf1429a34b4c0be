// Package table hosts the live-table registry, the timer fabric, the
// join/leave service and the lifecycle controller.
package table

import (
	"errors"
	"sync"

	"pokerarena/holdem"
)

var ErrTableExists = errors.New("table already exists")

// ManagedTable pairs a runtime with its timers. The manager is the single
// source of truth for "table is live in this process".
type ManagedTable struct {
	ID      string
	Runtime *holdem.Game
	Timers  *Timers
}

type Manager struct {
	mu     sync.RWMutex
	tables map[string]*ManagedTable
}

func NewManager() *Manager {
	return &Manager{tables: make(map[string]*ManagedTable)}
}

func (m *Manager) Create(id string, runtime *holdem.Game, timers *Timers) (*ManagedTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[id]; ok {
		return nil, ErrTableExists
	}
	mt := &ManagedTable{ID: id, Runtime: runtime, Timers: timers}
	m.tables[id] = mt
	return mt, nil
}

func (m *Manager) Get(id string) (*ManagedTable, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.tables[id]
	return mt, ok
}

func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[id]
	return ok
}

// Destroy clears the table's timers and removes it. Idempotent.
func (m *Manager) Destroy(id string) {
	m.mu.Lock()
	mt, ok := m.tables[id]
	delete(m.tables, id)
	m.mu.Unlock()
	if ok && mt.Timers != nil {
		mt.Timers.StopAll()
	}
}

func (m *Manager) List() []*ManagedTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedTable, 0, len(m.tables))
	for _, mt := range m.tables {
		out = append(out, mt)
	}
	return out
}
