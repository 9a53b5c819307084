// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for callers that do not persist
// backends, including the tests of packages above this one.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]Descriptor
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]Descriptor)}
}

func (m *MemoryStore) Get(ctx context.Context, owner string, id int64) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.rows[id]
	if !ok || d.Owner != owner {
		return Descriptor{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) List(ctx context.Context, owner string) ([]Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(owner), nil
}

func (m *MemoryStore) listLocked(owner string) []Descriptor {
	var out []Descriptor
	for _, d := range m.rows {
		if d.Owner == owner {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) Create(ctx context.Context, d Descriptor) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(d), nil
}

func (m *MemoryStore) createLocked(d Descriptor) Descriptor {
	m.nextID++
	d.ID = m.nextID
	d.IsDefault = len(m.listLocked(d.Owner)) == 0
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.rows[d.ID] = d
	return d
}

func (m *MemoryStore) Update(ctx context.Context, owner string, id int64, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.rows[id]
	if !ok || d.Owner != owner {
		return ErrNotFound
	}
	if u.Name != nil {
		d.Name = *u.Name
	}
	if u.BaseURL != nil {
		d.BaseURL = *u.BaseURL
	}
	if u.APIKey != nil {
		d.APIKey = *u.APIKey
	}
	if u.MakeDefault {
		for _, other := range m.listLocked(owner) {
			other.IsDefault = false
			m.rows[other.ID] = other
		}
		d.IsDefault = true
	}
	m.rows[id] = d
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, owner string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.rows[id]
	if !ok || d.Owner != owner {
		return ErrNotFound
	}
	delete(m.rows, id)
	if d.IsDefault {
		if rest := m.listLocked(owner); len(rest) > 0 {
			first := rest[0]
			first.IsDefault = true
			m.rows[first.ID] = first
		}
	}
	return nil
}

func (m *MemoryStore) EnsureDefault(ctx context.Context, owner string, fallback Descriptor) (Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.listLocked(owner)
	for _, d := range rows {
		if d.IsDefault {
			return d, nil
		}
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	fallback.Owner = owner
	return m.createLocked(fallback), nil
}
