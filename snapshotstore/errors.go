package snapshotstore

import "errors"

// Sentinel error kinds returned (possibly wrapped with %w) from the store's
// completions. Callers should match with errors.Is, not string comparison.
var (
	// ErrNotValid is returned when persisting an empty, never-created, or
	// invalidated (purged) staging directory.
	ErrNotValid = errors.New("snapshotstore: staging snapshot is not valid")

	// ErrTakeFailed is returned when the writer passed to Take returns false
	// or an error.
	ErrTakeFailed = errors.New("snapshotstore: snapshot writer failed")

	// ErrAlreadyTaken is returned on a second call to Take on the same handle.
	ErrAlreadyTaken = errors.New("snapshotstore: snapshot already taken")

	// ErrAlreadyExists is returned when a rename target directory is
	// unexpectedly present mid-persist and the ids don't match (so the
	// idempotent-persist path doesn't apply).
	ErrAlreadyExists = errors.New("snapshotstore: snapshot already exists")

	// ErrCorrupt is returned internally when a checksum fails to verify;
	// the store's completions never return it (affected candidates are
	// deleted by bootstrap and simply don't become the latest snapshot).
	// The read-only Inspect reports it in SnapshotInfo.Err.
	ErrCorrupt = errors.New("snapshotstore: checksum verification failed")

	// ErrClosed is returned by operations submitted after Close.
	ErrClosed = errors.New("snapshotstore: store is closed")
)
