package store

import "fmt"

// integrityError signals a checksum mismatch during a write or verify.
// Fatal to the specific attempt; never retried with the same bytes.
type integrityError struct {
	id    string
	shard int
}

func (e integrityError) Error() string {
	return fmt.Sprintf("integrity error: artifact %s shard %d checksum mismatch", e.id, e.shard)
}

// ErrIntegrity constructs an integrity error for the given artifact shard.
func ErrIntegrity(id string, shard int) error { return integrityError{id: id, shard: shard} }

// IsIntegrity reports whether err indicates a checksum mismatch.
func IsIntegrity(err error) bool {
	_, ok := err.(integrityError)
	return ok
}

// notFoundError signals a missing artifact.
type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "artifact not found: " + e.id }

// ErrArtifactNotFound returns an error for a missing artifact id.
func ErrArtifactNotFound(id string) error { return notFoundError{id: id} }

// IsNotFound reports whether err indicates a missing artifact.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// rangeError signals an out-of-bounds read request.
type rangeError struct {
	id          string
	off, length int64
	size        int64
}

func (e rangeError) Error() string {
	return fmt.Sprintf("invalid range [%d,+%d) for artifact %s (%d bytes)", e.off, e.length, e.id, e.size)
}

// IsInvalidRange reports whether err indicates an out-of-bounds read.
func IsInvalidRange(err error) bool {
	_, ok := err.(rangeError)
	return ok
}

// alreadyStoredError marks a re-put of a committed artifact. Artifacts are
// content addressed, so callers treat this as a successful no-op.
type alreadyStoredError struct{ id string }

func (e alreadyStoredError) Error() string { return "artifact already stored: " + e.id }

// IsAlreadyStored reports whether err indicates a duplicate put.
func IsAlreadyStored(err error) bool {
	_, ok := err.(alreadyStoredError)
	return ok
}

// noUploadError signals data arriving for an artifact with no pending manifest.
type noUploadError struct{ id string }

func (e noUploadError) Error() string { return "no pending upload for artifact: " + e.id }

// IsNoUpload reports whether err indicates a data write without a manifest.
func IsNoUpload(err error) bool {
	_, ok := err.(noUploadError)
	return ok
}
