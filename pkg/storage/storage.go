// Package storage defines the blob store used by the verification pipeline.
//
// Blobs are addressed by a disk name plus a key. A disk is a named backend
// (local filesystem, S3-compatible bucket, in-memory) registered with a
// Registry. Pipeline stages only depend on the Store interface.
package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
)

// Disk is a single blob backend.
//
// Implementations should:
//   - Treat keys as opaque, slash separated paths
//   - Return ErrNotFound (wrapped) from Get when the key does not exist
//   - Be safe for concurrent use
type Disk interface {
	// Get returns the full content stored at key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data at key, replacing any previous content.
	Put(ctx context.Context, key string, data []byte) error

	// Exists reports whether key holds a blob.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources held by the disk.
	Close() error
}

// Opener can stream a blob instead of loading it fully.
//
// This is an optional capability; Registry.Open falls back to Get.
type Opener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Store is the disk+key blob contract consumed by the pipeline.
type Store interface {
	Get(ctx context.Context, disk, key string) ([]byte, error)
	Put(ctx context.Context, disk, key string, data []byte) error
	Exists(ctx context.Context, disk, key string) (bool, error)
}

// BackendType identifies a disk implementation.
type BackendType string

const (
	// BackendFile stores blobs under a local directory.
	BackendFile BackendType = "file"

	// BackendS3 stores blobs in an S3 or S3-compatible bucket.
	BackendS3 BackendType = "s3"

	// BackendMemory keeps blobs in process memory (tests, dry runs).
	BackendMemory BackendType = "memory"
)

// String returns the string representation of the backend type.
func (b BackendType) String() string {
	return string(b)
}

// Registry maps disk names to Disk implementations.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	disks       map[string]Disk
	defaultDisk string
}

var _ Store = (*Registry)(nil)

// NewRegistry creates an empty registry. defaultDisk is used when callers
// pass an empty disk name.
func NewRegistry(defaultDisk string) *Registry {
	return &Registry{
		disks:       make(map[string]Disk),
		defaultDisk: strings.TrimSpace(defaultDisk),
	}
}

// Register adds or replaces a named disk.
func (r *Registry) Register(name string, d Disk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disks[strings.TrimSpace(name)] = d
}

// DefaultDisk returns the disk name used for empty disk arguments.
func (r *Registry) DefaultDisk() string {
	return r.defaultDisk
}

// Names returns the registered disk names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.disks))
	for name := range r.disks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Disk resolves a disk by name.
func (r *Registry) Disk(name string) (Disk, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = r.defaultDisk
	}
	r.mu.RLock()
	d, ok := r.disks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &StorageError{Op: "Resolve", Disk: name, Err: ErrUnknownDisk}
	}
	return d, nil
}

// Get reads a blob.
func (r *Registry) Get(ctx context.Context, disk, key string) ([]byte, error) {
	d, err := r.Disk(disk)
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, key)
}

// Put writes a blob.
func (r *Registry) Put(ctx context.Context, disk, key string, data []byte) error {
	d, err := r.Disk(disk)
	if err != nil {
		return err
	}
	return d.Put(ctx, key, data)
}

// Exists reports whether a blob exists.
func (r *Registry) Exists(ctx context.Context, disk, key string) (bool, error) {
	d, err := r.Disk(disk)
	if err != nil {
		return false, err
	}
	return d.Exists(ctx, key)
}

// Open streams a blob when the disk supports it, otherwise it loads the
// blob fully and wraps it in a reader.
func (r *Registry) Open(ctx context.Context, disk, key string) (io.ReadCloser, error) {
	d, err := r.Disk(disk)
	if err != nil {
		return nil, err
	}
	if o, ok := d.(Opener); ok {
		return o.Open(ctx, key)
	}
	data, err := d.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Close closes every registered disk and returns the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, d := range r.disks {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open streams a blob from any Store, using the Opener capability of a
// Registry when available.
func Open(ctx context.Context, s Store, disk, key string) (io.ReadCloser, error) {
	if r, ok := s.(*Registry); ok {
		return r.Open(ctx, disk, key)
	}
	data, err := s.Get(ctx, disk, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
