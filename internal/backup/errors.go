package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrIO means the source could not be read or the store could not be written.
	// It points at the environment rather than one file, so it aborts the run.
	ErrIO = errors.New("io error")

	// ErrDigestMismatch means the store reports a different ETag than the one computed locally
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrRemoteMetadata means listing, HEAD or delete calls against the store failed
	ErrRemoteMetadata = errors.New("remote metadata error")
)

// CopyError describes a failed copy with the file and key it concerns.
// Err wraps one of ErrIO, ErrDigestMismatch or ErrRemoteMetadata.
type CopyError struct {
	Op   string
	Path string
	Key  string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s: %s -> %s: %v", e.Op, e.Path, e.Key, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

func newCopyError(op string, params *CopyParams, kind error, cause error) *CopyError {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &CopyError{
		Op:   op,
		Path: params.SourcePath,
		Key:  params.Key,
		Err:  err,
	}
}
