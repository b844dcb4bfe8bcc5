package snapshotstore

import "path/filepath"

// Writer populates the (not-yet-created) staging directory passed to it. It
// returns false to abandon the snapshot, or an error if it couldn't even
// attempt that; either way Take removes the staging directory and fails with
// ErrTakeFailed.
type Writer func(path string) (bool, error)

// TransientSnapshot is a staging handle for a snapshot under construction.
// It uniquely owns a pending directory for the lifetime of the staging
// transaction and ends in exactly one of: persisted, aborted, or
// invalidated by a store-wide purge. It is not safe to hand to a second
// writer, and every method call runs on the owning store's executor.
type TransientSnapshot struct {
	id         SnapshotId
	store      *SnapshotStore
	stagingDir string

	taken       bool
	terminal    bool
	invalidated bool
	result      *PersistedSnapshot
}

func newTransientSnapshot(store *SnapshotStore, id SnapshotId) *TransientSnapshot {
	return &TransientSnapshot{
		id:         id,
		store:      store,
		stagingDir: filepath.Join(store.pendingDir, id.String()),
	}
}

// Id returns the snapshot identifier this handle was allocated for.
func (t *TransientSnapshot) Id() SnapshotId { return t.id }

func (t *TransientSnapshot) sidecarTmpPath() string {
	return filepath.Join(t.store.pendingDir, t.id.String()+".checksum")
}

// Take invokes writer with the staging path and waits for it to populate
// the snapshot. The store does not create the directory beforehand; writer
// is responsible for that (a writer that decides to skip snapshotting can
// simply return true without writing anything, and persist will then fail
// cleanly with ErrNotValid).
func (t *TransientSnapshot) Take(writer Writer) *Future[struct{}] {
	return submit(t.store.executor, func() (struct{}, error) {
		if t.terminal || t.invalidated {
			return struct{}{}, ErrNotValid
		}
		if t.taken {
			return struct{}{}, ErrAlreadyTaken
		}
		t.taken = true

		ok, err := writer(t.stagingDir)
		if err != nil || !ok {
			recursiveDelete(t.store.logger, t.stagingDir)
			t.terminal = true
			t.store.forgetPending(t.id)
			return struct{}{}, ErrTakeFailed
		}
		return struct{}{}, nil
	})
}

// Persist computes the snapshot's checksum, durably commits the staging
// directory into snapshots/, retires the previous latest snapshot and any
// now-stale pending entries, and publishes the result as the new latest.
// Repeated calls are idempotent: they return the same PersistedSnapshot
// without re-renaming anything.
func (t *TransientSnapshot) Persist() *Future[*PersistedSnapshot] {
	return submit(t.store.executor, func() (*PersistedSnapshot, error) {
		if t.terminal {
			if t.result != nil {
				return t.result, nil
			}
			return nil, ErrNotValid
		}
		if !t.taken || t.invalidated {
			recursiveDelete(t.store.logger, t.stagingDir)
			t.terminal = true
			t.store.forgetPending(t.id)
			return nil, ErrNotValid
		}

		empty, err := dirIsEmpty(t.stagingDir)
		if err != nil {
			return nil, err
		}
		if empty {
			recursiveDelete(t.store.logger, t.stagingDir)
			t.terminal = true
			t.store.forgetPending(t.id)
			return nil, ErrNotValid
		}

		checksum, err := t.store.computeChecksumCached(t.stagingDir)
		if err != nil {
			return nil, err
		}
		if err := writeChecksumFile(t.sidecarTmpPath(), checksum); err != nil {
			return nil, err
		}
		if err := fsyncAllFiles(t.stagingDir); err != nil {
			return nil, err
		}

		persisted, err := t.store.commitPersist(t, checksum)
		if err != nil {
			return nil, err
		}
		t.result = persisted
		t.terminal = true
		return persisted, nil
	})
}

// Abort discards the staging directory and marks the handle terminal.
// Aborting a never-taken or already-terminal (persisted or aborted) handle
// is a no-op that reports success.
func (t *TransientSnapshot) Abort() *Future[struct{}] {
	return submit(t.store.executor, func() (struct{}, error) {
		if t.terminal {
			return struct{}{}, nil
		}
		recursiveDelete(t.store.logger, t.stagingDir)
		recursiveDelete(t.store.logger, t.sidecarTmpPath())
		t.terminal = true
		t.store.forgetPending(t.id)
		return struct{}{}, nil
	})
}
