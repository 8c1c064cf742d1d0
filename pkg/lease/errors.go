package lease

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict indicates a report disagrees with the recorded chunk state.
	ErrConflict = errors.New("conflict")

	// ErrStaleLease indicates the caller's claim token no longer holds the
	// chunk. Stale lease errors also match ErrConflict.
	ErrStaleLease = errors.New("stale lease")
)

// ConflictError describes a rejected worker report. The recorded chunk
// state is left untouched.
type ConflictError struct {
	ChunkID string
	Status  string
	Reason  string
	Stale   bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("chunk %s (%s): %s", e.ChunkID, e.Status, e.Reason)
}

// Is matches ErrConflict, and ErrStaleLease for stale tokens.
func (e *ConflictError) Is(target error) bool {
	if target == ErrConflict {
		return true
	}
	return e.Stale && target == ErrStaleLease
}
