// Package file implements a storage.Disk backed by a local directory.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ASTGD/ValidEmailVerifierGUI-sub000/pkg/storage"
)

// Disk stores blobs as files under BaseDir.
//
// Keys are treated as relative paths under BaseDir. Writes go through a
// temp file and rename so readers never observe a partial blob.
type Disk struct {
	baseDir string
}

var (
	_ storage.Disk   = (*Disk)(nil)
	_ storage.Opener = (*Disk)(nil)
)

type Config struct {
	BaseDir string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return fmt.Errorf("base dir is required")
	}
	return nil
}

func New(cfg Config) (*Disk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Disk{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

func (d *Disk) Close() error { return nil }

// BaseDir returns the root directory of the disk.
func (d *Disk) BaseDir() string { return d.baseDir }

func (d *Disk) Get(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	full, err := d.fullPath(key)
	if err != nil {
		return nil, d.wrapError("Get", key, err)
	}
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, d.wrapError("Get", key, err)
	}
	return b, nil
}

func (d *Disk) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	_ = ctx
	full, err := d.fullPath(key)
	if err != nil {
		return nil, d.wrapError("Open", key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, d.wrapError("Open", key, err)
	}
	return f, nil
}

func (d *Disk) Put(ctx context.Context, key string, data []byte) error {
	_ = ctx
	full, err := d.fullPath(key)
	if err != nil {
		return d.wrapError("Put", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return d.wrapError("Put", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".verifier-put-*")
	if err != nil {
		return d.wrapError("Put", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return d.wrapError("Put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return d.wrapError("Put", key, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return d.wrapError("Put", key, err)
	}
	return nil
}

func (d *Disk) Exists(ctx context.Context, key string) (bool, error) {
	_ = ctx
	full, err := d.fullPath(key)
	if err != nil {
		return false, d.wrapError("Exists", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, d.wrapError("Exists", key, err)
	}
	return !st.IsDir(), nil
}

func (d *Disk) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", storage.ErrInvalidKey
	}
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", storage.ErrInvalidKey
	}
	return filepath.Join(d.baseDir, filepath.FromSlash(clean)), nil
}

func (d *Disk) wrapError(op, key string, err error) error {
	wrapped := &storage.StorageError{Op: op, Backend: storage.BackendFile, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to storage sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = storage.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = storage.ErrAccessDenied
	}
	return wrapped
}
