// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package settings persists named categories of string key/value pairs.
//
// The server stores its configuration under a single category so several
// servers can share one backend. Three backends are provided: a JSON file,
// an in-memory map and an S3 bucket.
package settings

import (
	"context"
	"errors"
	"maps"
	"sync"
)

// ErrCategoryNotFound is returned by Load when nothing was saved under the category.
var ErrCategoryNotFound = errors.New("settings category not found")

// Store loads and saves settings categories.
type Store interface {
	// Load returns the values saved under category.
	Load(ctx context.Context, category string) (map[string]string, error)

	// Save replaces the values saved under category.
	Save(ctx context.Context, category string, values map[string]string) error
}

// MemoryStore keeps settings in memory.
type MemoryStore struct {
	mu         sync.RWMutex
	categories map[string]map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{categories: make(map[string]map[string]string)}
}

func (m *MemoryStore) Load(_ context.Context, category string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, ok := m.categories[category]
	if !ok {
		return nil, ErrCategoryNotFound
	}
	return maps.Clone(values), nil
}

func (m *MemoryStore) Save(_ context.Context, category string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.categories[category] = maps.Clone(values)
	return nil
}
