package state

import (
	"errors"
	"fmt"
)

// #region sentinel-errors
var (
	// ErrNotFound covers a missing state file, record, query or probability cache.
	ErrNotFound = errors.New("not found")
	// ErrQueryNotFound is returned for a query number beyond the completed queries.
	ErrQueryNotFound = fmt.Errorf("query %w", ErrNotFound)
	// ErrReadOnly is returned by every mutation on a read-only handle.
	ErrReadOnly = errors.New("state is read-only")
	// ErrLocked is returned when another read-write handle holds the state file.
	ErrLocked = errors.New("state is locked by another writer")
	// ErrIncompatibleVersion is returned when the stored format version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible state version")
	// ErrDuplicateRecord is returned when a record id is already present.
	ErrDuplicateRecord = errors.New("duplicate record")
	// ErrLengthMismatch is returned for parallel arrays or vectors of the wrong length.
	ErrLengthMismatch = errors.New("length mismatch")
	// ErrAlreadySet is returned when write-once data is written a second time.
	ErrAlreadySet = errors.New("already set")
	// ErrClosed is returned by any call on a closed handle.
	ErrClosed = errors.New("state is closed")

	ErrUnknownRecord      = errors.New("record not in record table")
	ErrInvalidLabel       = errors.New("label must be 0 or 1")
	ErrInvalidTrainingSet = errors.New("training set must be -1 or non-negative")
	ErrNonMonotonicTime   = errors.New("time earlier than the latest logged time")
	ErrInvalidProbability = errors.New("probability is NaN")
	ErrInvalidMatrix      = errors.New("malformed feature matrix")
	ErrUnknownColumn      = errors.New("unknown results column")
)

// #endregion sentinel-errors
