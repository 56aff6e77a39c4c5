package replay

import "errors"

// BufferError implements errors unique to a replay buffer.
type BufferError struct {
	Op  string
	Err error
}

// Error satisfies the error interface
func (e *BufferError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying sentinel error
func (e *BufferError) Unwrap() error {
	return e.Err
}

var errEmptyBuffer error = errors.New("buffer empty")

var errOutOfRange = errors.New("index out of range")

var errShapeMismatch = errors.New("field shape mismatch")

var errInvalidConfig = errors.New("invalid configuration")

// unwrap strips a BufferError wrapper, if present
func unwrap(err error) error {
	if bufErr, ok := err.(*BufferError); ok {
		return bufErr.Err
	}
	return err
}

// IsEmptyBuffer returns whether or not an error reports that a replay
// buffer holds no valid entries to read or sample.
func IsEmptyBuffer(err error) bool {
	return unwrap(err) == errEmptyBuffer
}

// IsOutOfRange returns whether or not an error reports a read or
// update at an index outside the buffer's valid range.
func IsOutOfRange(err error) bool {
	return unwrap(err) == errOutOfRange
}

// IsShapeMismatch returns whether or not an error reports that a
// field's shape differs from the shape declared for it at buffer
// construction.
func IsShapeMismatch(err error) bool {
	return unwrap(err) == errShapeMismatch
}

// IsInvalidConfig returns whether or not an error reports an invalid
// buffer configuration.
func IsInvalidConfig(err error) bool {
	return unwrap(err) == errInvalidConfig
}
