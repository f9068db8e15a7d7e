package modules

import (
	"fmt"

	"gitlab.com/NebulousLabs/errors"
)

// Sentinel errors surfaced by the download subsystem. Components wrap these
// with errors.AddContext/errors.Extend rather than constructing ad hoc error
// strings, so callers can always recover the underlying kind with
// errors.Contains.
var (
	// ErrCancelled indicates the caller aborted an acquisition. The
	// associated state remains resumable.
	ErrCancelled = errors.New("acquisition was cancelled")

	// ErrValidatorChanged indicates the server's entity validator no longer
	// matches the one recorded against previously-stored chunks.
	ErrValidatorChanged = errors.New("resource validator changed since the partial download began")

	// ErrStorageFull indicates the persistent chunk store rejected a write
	// because it has exhausted its quota.
	ErrStorageFull = errors.New("persistent chunk store is full")

	// ErrStorageUnavailable indicates the persistent chunk store cannot be
	// used at all, forcing memory-only operation.
	ErrStorageUnavailable = errors.New("persistent chunk store is unavailable")

	// ErrIntegrity indicates a completed job's stored byte count does not
	// match its expected total, or a checksum comparison failed.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrNetwork indicates a transport failure before a job could complete.
	ErrNetwork = errors.New("network error")
)

// ErrHTTPStatus wraps a response status that the job declined to handle
// internally: any status other than 200, 206 or 416, or a 416 that recurs
// after the job has already restarted from byte zero.
type ErrHTTPStatus struct {
	Status int
}

// Error implements the error interface.
func (e ErrHTTPStatus) Error() string {
	return fmt.Sprintf("unexpected http status: %d", e.Status)
}

// ErrMissingChunk indicates finalization found a gap in the chunk sequence
// for a resource that was expected to be complete.
type ErrMissingChunk struct {
	Index uint64
}

// Error implements the error interface.
func (e ErrMissingChunk) Error() string {
	return fmt.Sprintf("missing chunk at index %d", e.Index)
}
