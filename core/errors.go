package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSegmentExists is returned by the metadata store when adding a
	// segment name that is already part of the live set.
	ErrSegmentExists = errors.New("segment name already registered")
	// ErrSegmentNotFound is returned when removing or resolving a segment
	// name that is not part of the live set.
	ErrSegmentNotFound = errors.New("segment name not registered")
	// ErrIndexClosed is returned by ingestion and query entry points after
	// the index has been shut down.
	ErrIndexClosed = errors.New("search index is closed")
	// ErrMergeAbandoned signals that a merge could not complete its atomic
	// replace (typically because shutdown holds the exclusive lock). It is
	// internal to the merger's retry loop and never reaches callers.
	ErrMergeAbandoned = errors.New("merge abandoned")
	// ErrCorrupted marks persisted state that failed a checksum or magic
	// check. Readers fall back (older generation, full recompute) rather
	// than propagating it as fatal.
	ErrCorrupted = errors.New("corrupted index file")
)

// InvalidQueryError reports a query that cannot be translated: an unknown
// selector, an unresolvable bind variable, a malformed path, or an
// unsupported operand combination. It is never retried.
type InvalidQueryError struct {
	Message string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Message)
}

// IsInvalidQuery checks if an error (or any error in its chain) is an
// InvalidQueryError.
func IsInvalidQuery(err error) bool {
	var iq *InvalidQueryError
	return errors.As(err, &iq)
}

// Invalidf builds an InvalidQueryError with a formatted message.
func Invalidf(format string, args ...any) error {
	return &InvalidQueryError{Message: fmt.Sprintf(format, args...)}
}

// UnsupportedTypeError reports a value type the index cannot encode.
type UnsupportedTypeError struct {
	Message string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported type value: %s", e.Message)
}

// IsUnsupportedError checks if an error is an UnsupportedTypeError.
func IsUnsupportedError(err error) bool {
	var ut *UnsupportedTypeError
	return errors.As(err, &ut)
}
