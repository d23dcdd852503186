// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps every category in a single JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by the JSON file at path. The file
// is created empty on first use when it does not exist.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load(_ context.Context, category string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.read()
	if err != nil {
		return nil, err
	}
	values, ok := all[category]
	if !ok {
		return nil, ErrCategoryNotFound
	}
	return values, nil
}

func (f *FileStore) Save(_ context.Context, category string, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	all, err := f.read()
	if err != nil {
		return err
	}
	all[category] = values
	return f.write(all)
}

func (f *FileStore) read() (map[string]map[string]string, error) {
	all := make(map[string]map[string]string)

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		if err := f.write(all); err != nil {
			return nil, fmt.Errorf("failed creating settings file: %w", err)
		}
		return all, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed reading settings file: %w", err)
	}
	if len(data) == 0 {
		return all, nil
	}
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("failed unmarshalling settings file: %w", err)
	}
	return all, nil
}

// write replaces the file atomically through a temporary sibling.
func (f *FileStore) write(all map[string]map[string]string) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed marshalling settings: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed creating settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed creating temp settings file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed writing settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed replacing settings file: %w", err)
	}
	return nil
}
