package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for storage operations.
var (
	// ErrNotFound indicates the requested blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the backend service is unavailable.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")

	// ErrUnknownDisk indicates no disk is registered under the given name.
	ErrUnknownDisk = errors.New("unknown disk")

	// ErrInvalidKey indicates a key that escapes the disk root or is empty.
	ErrInvalidKey = errors.New("invalid key")
)

// StorageError wraps backend-specific errors with context.
type StorageError struct {
	// Op is the operation that failed (e.g., "Get", "Put").
	Op string

	// Backend is the disk implementation type.
	Backend BackendType

	// Disk is the registry name, if known.
	Disk string

	// Key is the blob key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	prefix := e.Op
	if e.Backend != "" {
		prefix = fmt.Sprintf("%s %s", e.Backend, e.Op)
	}
	if e.Key != "" {
		return fmt.Sprintf("%s: %s:%s: %v", prefix, e.Disk, e.Key, e.Err)
	}
	if e.Disk != "" {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Disk, e.Err)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a blob was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsUnavailable returns true if the backend is temporarily unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
