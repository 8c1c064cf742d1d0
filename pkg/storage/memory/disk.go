// Package memory implements an in-process storage.Disk.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// Disk keeps blobs in a map. Stored slices are copied on the way in and out.
type Disk struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ storage.Disk = (*Disk)(nil)

func New() *Disk {
	return &Disk{blobs: make(map[string][]byte)}
}

func (d *Disk) Close() error { return nil }

func (d *Disk) Get(_ context.Context, key string) ([]byte, error) {
	key = normalize(key)
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.blobs[key]
	if !ok {
		return nil, &storage.StorageError{Op: "Get", Backend: storage.BackendMemory, Key: key, Err: storage.ErrNotFound}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *Disk) Put(_ context.Context, key string, data []byte) error {
	key = normalize(key)
	if key == "" {
		return &storage.StorageError{Op: "Put", Backend: storage.BackendMemory, Err: storage.ErrInvalidKey}
	}
	b := make([]byte, len(data))
	copy(b, data)
	d.mu.Lock()
	d.blobs[key] = b
	d.mu.Unlock()
	return nil
}

func (d *Disk) Exists(_ context.Context, key string) (bool, error) {
	key = normalize(key)
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.blobs[key]
	return ok, nil
}

// Keys returns all stored keys in sorted order.
func (d *Disk) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.blobs))
	for k := range d.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalize(key string) string {
	return strings.TrimPrefix(strings.TrimSpace(key), "/")
}
