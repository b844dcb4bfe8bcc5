package snapshotstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/log"
)

// SnapshotListener is notified whenever the store publishes a new latest
// snapshot. Implementations must not call back into the owning store's
// mutating API (Take/Persist/Abort/PurgePendingSnapshots) from inside
// OnNewSnapshot: the store's executor is single-threaded, and the
// notification itself runs on it.
type SnapshotListener interface {
	OnNewSnapshot(snapshot *PersistedSnapshot)
}

// SnapshotStore is the per-partition coordinator: it tracks the current
// latest snapshot, enforces uniqueness and monotonicity of new ones,
// recovers from a crash on open, dispatches listeners, and purges pending
// state on demand. One instance owns its root directory exclusively for the
// lifetime of the process; running two instances over the same root is
// undefined behavior.
type SnapshotStore struct {
	root         string
	snapshotsDir string
	pendingDir   string

	executor            *executor
	logger              log.Logger
	checksumConcurrency int
	checksumCache       *fastcache.Cache

	latestPtr atomic.Pointer[PersistedSnapshot]

	// pending, listeners and closed are only ever touched from within a
	// task running on executor, so they need no lock of their own.
	pending   map[SnapshotId]*TransientSnapshot
	listeners []SnapshotListener
	closed    bool

	closeOnce sync.Once
}

// Open opens (or initializes) a snapshot store rooted at root, running
// crash recovery synchronously before returning.
func Open(root string) (*SnapshotStore, error) {
	return OpenWithConfig(DefaultStoreConfig(root))
}

// OpenWithConfig is Open with explicit tuning, e.g. loaded via
// LoadStoreConfig.
func OpenWithConfig(cfg StoreConfig) (*SnapshotStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("snapshotstore: empty root directory")
	}
	snapshotsDir := filepath.Join(cfg.Root, "snapshots")
	pendingDir := filepath.Join(cfg.Root, "pending")
	if err := os.MkdirAll(snapshotsDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(pendingDir, 0755); err != nil {
		return nil, err
	}

	concurrency := cfg.ChecksumConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	queueSize := cfg.TaskQueueSize
	if queueSize < 1 {
		queueSize = 1
	}

	s := &SnapshotStore{
		root:                cfg.Root,
		snapshotsDir:        snapshotsDir,
		pendingDir:          pendingDir,
		executor:            newExecutor(queueSize),
		logger:              log.New("partition", filepath.Base(cfg.Root)),
		checksumConcurrency: concurrency,
		checksumCache:       fastcache.New(8 * 1024 * 1024),
		pending:             make(map[SnapshotId]*TransientSnapshot),
	}

	if _, err := submit(s.executor, func() (struct{}, error) {
		return struct{}{}, s.bootstrap()
	}).Join(); err != nil {
		s.executor.close()
		return nil, err
	}
	return s, nil
}

// bootstrap recovers the latest valid snapshot on open: it scans snapshots/
// for directories paired with a checksum sidecar, verifies each pair,
// discards anything unpaired or that fails verification, keeps only the
// id-maximal survivor, and clears pending/ entirely. It must run exactly
// once, before the store accepts any other operation, which OpenWithConfig
// guarantees by submitting it as the first executor task.
func (s *SnapshotStore) bootstrap() error {
	type candidate struct {
		dir      string
		sidecar  string
		checksum Checksum
	}
	survivors := make(map[SnapshotId]candidate)

	names, err := listDir(s.snapshotsDir)
	if err != nil {
		return err
	}

	dirIds := make(map[SnapshotId]string)
	sidecarIds := make(map[SnapshotId]string)
	for _, name := range names {
		full := filepath.Join(s.snapshotsDir, name)
		if rest, ok := trimChecksumSuffix(name); ok {
			info, statErr := os.Stat(full)
			if statErr == nil && !info.IsDir() && info.Size() == 8 {
				if id, ok := ParseSnapshotId(rest); ok {
					sidecarIds[id] = full
					continue
				}
			}
			s.logger.Warn("Removing invalid snapshot sidecar during bootstrap", "path", full)
			recursiveDelete(s.logger, full)
			continue
		}
		info, statErr := os.Stat(full)
		if statErr == nil && info.IsDir() {
			if id, ok := ParseSnapshotId(name); ok {
				dirIds[id] = full
				continue
			}
		}
		s.logger.Warn("Removing invalid snapshot entry during bootstrap", "path", full)
		recursiveDelete(s.logger, full)
	}

	for id, dir := range dirIds {
		sidecar, ok := sidecarIds[id]
		if !ok {
			s.logger.Warn("Removing unpaired snapshot directory during bootstrap", "dir", dir)
			recursiveDelete(s.logger, dir)
			continue
		}
		checksum, err := readChecksumFile(sidecar)
		if err != nil {
			s.logger.Warn("Removing snapshot with unreadable checksum during bootstrap", "dir", dir, "err", err)
			recursiveDelete(s.logger, dir)
			recursiveDelete(s.logger, sidecar)
			continue
		}
		if err := verifyChecksum(dir, checksum, s.checksumConcurrency); err != nil {
			s.logger.Warn("Discarding corrupt snapshot during bootstrap", "dir", dir)
			recursiveDelete(s.logger, dir)
			recursiveDelete(s.logger, sidecar)
			continue
		}
		survivors[id] = candidate{dir: dir, sidecar: sidecar, checksum: checksum}
	}
	for id, sidecar := range sidecarIds {
		if _, ok := dirIds[id]; !ok {
			s.logger.Warn("Removing unpaired snapshot checksum during bootstrap", "path", sidecar)
			recursiveDelete(s.logger, sidecar)
		}
	}

	var winner *SnapshotId
	for id := range survivors {
		id := id
		if winner == nil || winner.Less(id) {
			winner = &id
		}
	}
	for id, c := range survivors {
		if winner != nil && id == *winner {
			continue
		}
		recursiveDelete(s.logger, c.dir)
		recursiveDelete(s.logger, c.sidecar)
	}

	pendingNames, err := listDir(s.pendingDir)
	if err != nil {
		return err
	}
	for _, name := range pendingNames {
		recursiveDelete(s.logger, filepath.Join(s.pendingDir, name))
	}

	if winner != nil {
		c := survivors[*winner]
		s.latestPtr.Store(newPersistedSnapshot(s.snapshotsDir, *winner, c.checksum))
		s.logger.Info("Recovered latest snapshot", "id", winner.String())
	} else {
		s.logger.Info("No valid snapshot found during recovery")
	}

	if err := fsyncDir(s.snapshotsDir); err != nil {
		return err
	}
	return fsyncDir(s.root)
}

func trimChecksumSuffix(name string) (string, bool) {
	const suffix = ".checksum"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}

// NewTransientSnapshot allocates a staging handle for (index, term,
// processed, exported), refusing to do so if it would regress or
// duplicate the current latest snapshot. The directory is not created
// here; see TransientSnapshot.Take.
func (s *SnapshotStore) NewTransientSnapshot(index, term, processed, exported uint64) (*TransientSnapshot, bool) {
	id := SnapshotId{Index: index, Term: term, ProcessedPosition: processed, ExportedPosition: exported}

	handle, _ := submit(s.executor, func() (*TransientSnapshot, error) {
		if s.closed {
			return nil, ErrClosed
		}
		if latest := s.latestPtr.Load(); latest != nil && id.Compare(latest.id) <= 0 {
			return nil, nil
		}
		if _, exists := s.pending[id]; exists {
			return nil, nil
		}
		t := newTransientSnapshot(s, id)
		s.pending[id] = t
		return t, nil
	}).Join()

	return handle, handle != nil
}

// PurgePendingSnapshots recursively deletes all contents of pending/ and
// invalidates every outstanding transient handle: a subsequent Persist on
// any of them fails with ErrNotValid.
func (s *SnapshotStore) PurgePendingSnapshots() *Future[struct{}] {
	return submit(s.executor, func() (struct{}, error) {
		names, err := listDir(s.pendingDir)
		if err != nil {
			return struct{}{}, err
		}
		for _, name := range names {
			recursiveDelete(s.logger, filepath.Join(s.pendingDir, name))
		}
		for _, t := range s.pending {
			t.invalidated = true
		}
		s.pending = make(map[SnapshotId]*TransientSnapshot)
		return struct{}{}, nil
	})
}

// AddSnapshotListener registers l to be notified (in registration order)
// whenever a new snapshot is persisted. Duplicate registrations of the same
// listener are permitted.
func (s *SnapshotStore) AddSnapshotListener(l SnapshotListener) {
	submit(s.executor, func() (struct{}, error) {
		s.listeners = append(s.listeners, l)
		return struct{}{}, nil
	}).Join()
}

// RemoveSnapshotListener removes the first registration of l, if any.
func (s *SnapshotStore) RemoveSnapshotListener(l SnapshotListener) {
	submit(s.executor, func() (struct{}, error) {
		for i, existing := range s.listeners {
			if existing == l {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				break
			}
		}
		return struct{}{}, nil
	}).Join()
}

// GetLatestSnapshot returns the committed snapshot, if any. It may be called
// from any goroutine; the result is published via a lock-free atomic
// handoff and PersistedSnapshot is itself immutable.
func (s *SnapshotStore) GetLatestSnapshot() (*PersistedSnapshot, bool) {
	p := s.latestPtr.Load()
	return p, p != nil
}

// Close cancels outstanding pending transients (marking them invalidated,
// the same as a purge) without deleting any on-disk state, then stops the
// executor. Close is idempotent.
func (s *SnapshotStore) Close() error {
	s.closeOnce.Do(func() {
		submit(s.executor, func() (struct{}, error) {
			for _, t := range s.pending {
				t.invalidated = true
			}
			s.closed = true
			return struct{}{}, nil
		}).Join()
		s.executor.close()
	})
	return nil
}

func (s *SnapshotStore) forgetPending(id SnapshotId) {
	delete(s.pending, id)
}

// computeChecksumCached memoizes computeChecksum per staging directory,
// keyed by the directory's modification time, so a persist retried after a
// transient fsync error doesn't redo a full content walk.
func (s *SnapshotStore) computeChecksumCached(dir string) (Checksum, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Checksum{}, err
	}
	key := []byte(dir + "#" + strconv.FormatInt(info.ModTime().UnixNano(), 10))

	if cached := s.checksumCache.Get(nil, key); len(cached) == 8 {
		var c Checksum
		copy(c[:], cached)
		return c, nil
	}
	c, err := computeChecksum(dir, s.checksumConcurrency)
	if err != nil {
		return Checksum{}, err
	}
	s.checksumCache.Set(key, c.Bytes())
	return c, nil
}

// commitPersist performs the durable half of a persist for t: resolving
// against the current latest (idempotent replay or regression refusal),
// renaming staging into place, retiring the previous latest and any
// now-stale pending entries, and publishing the new latest to listeners. It
// assumes the caller has already computed and fsynced checksum as the
// staging sidecar. It runs on the executor, inside the same task as
// TransientSnapshot.Persist.
func (s *SnapshotStore) commitPersist(t *TransientSnapshot, checksum Checksum) (*PersistedSnapshot, error) {
	id := t.id
	current := s.latestPtr.Load()

	if current != nil {
		switch cmp := id.Compare(current.id); {
		case cmp == 0:
			// Idempotent persist: someone else already committed this id.
			recursiveDelete(s.logger, t.stagingDir)
			recursiveDelete(s.logger, t.sidecarTmpPath())
			s.forgetPending(id)
			return current, nil
		case cmp < 0:
			// Would regress latest; can only happen via a race between two
			// concurrently-taken handles whose ids straddle the committed
			// one.
			recursiveDelete(s.logger, t.stagingDir)
			recursiveDelete(s.logger, t.sidecarTmpPath())
			s.forgetPending(id)
			return nil, ErrNotValid
		}
	}

	dest := filepath.Join(s.snapshotsDir, id.String())
	if err := atomicRename(t.stagingDir, dest); err != nil {
		if err == ErrAlreadyExists {
			recursiveDelete(s.logger, t.stagingDir)
			recursiveDelete(s.logger, t.sidecarTmpPath())
			s.forgetPending(id)
			if existing := s.latestPtr.Load(); existing != nil && existing.id == id {
				return existing, nil
			}
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	checksumDest := filepath.Join(s.snapshotsDir, id.String()+".checksum")
	if err := atomicRename(t.sidecarTmpPath(), checksumDest); err != nil {
		// The directory rename above already landed; without its sidecar it
		// would be an orphan that violates invariant 1, so undo it rather
		// than wait for the next bootstrap to notice.
		recursiveDelete(s.logger, dest)
		return nil, err
	}
	if err := fsyncDir(s.snapshotsDir); err != nil {
		return nil, err
	}

	persisted := newPersistedSnapshot(s.snapshotsDir, id, checksum)

	if current != nil {
		recursiveDelete(s.logger, current.Path())
		recursiveDelete(s.logger, current.ChecksumPath())
	}

	s.removeStalePending(id)
	s.forgetPending(id)

	s.latestPtr.Store(persisted)
	s.logger.Info("Persisted new latest snapshot", "id", id.String())
	s.notifyListeners(persisted)

	return persisted, nil
}

// removeStalePending deletes every pending/ entry whose id is less than or
// equal to committed and invalidates any tracked handle among them. Entries
// with a strictly greater id are left alone: they still represent future
// progress that hasn't landed yet.
func (s *SnapshotStore) removeStalePending(committed SnapshotId) {
	names, err := listDir(s.pendingDir)
	if err != nil {
		s.logger.Warn("Failed to list pending directory during stale cleanup", "err", err)
		return
	}
	for _, name := range names {
		if id, ok := ParseSnapshotId(stripChecksumSuffix(name)); ok && id.Compare(committed) <= 0 {
			recursiveDelete(s.logger, filepath.Join(s.pendingDir, name))
			if t, ok := s.pending[id]; ok {
				t.invalidated = true
				s.forgetPending(id)
			}
		}
	}
}

func stripChecksumSuffix(name string) string {
	if rest, ok := trimChecksumSuffix(name); ok {
		return rest
	}
	return name
}

func (s *SnapshotStore) notifyListeners(p *PersistedSnapshot) {
	for _, l := range s.listeners {
		s.notifyOne(l, p)
	}
}

func (s *SnapshotStore) notifyOne(l SnapshotListener, p *PersistedSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("Snapshot listener panicked", "err", r)
		}
	}()
	l.OnNewSnapshot(p)
}
