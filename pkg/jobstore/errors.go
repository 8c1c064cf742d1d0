package jobstore

import "errors"

var (
	// ErrNotFound indicates the job or chunk does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownColumn indicates a Fields or Condition entry names a column
	// that may not be written through the conditional update API.
	ErrUnknownColumn = errors.New("unknown column")
)
