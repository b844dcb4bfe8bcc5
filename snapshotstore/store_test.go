package snapshotstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*SnapshotStore, string) {
	t.Helper()
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, root
}

type recordingListener struct {
	got []*PersistedSnapshot
}

func (l *recordingListener) OnNewSnapshot(p *PersistedSnapshot) {
	l.got = append(l.got, p)
}

func writerThatWrites(name, content string) Writer {
	return func(path string) (bool, error) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return false, err
		}
		return true, os.WriteFile(filepath.Join(path, name), []byte(content), 0644)
	}
}

// Scenario 1: happy path.
func TestStoreHappyPath(t *testing.T) {
	s, root := openTestStore(t)

	listener := &recordingListener{}
	s.AddSnapshotListener(listener)

	handle, ok := s.NewTransientSnapshot(1, 2, 3, 4)
	require.True(t, ok)

	_, err := handle.Take(writerThatWrites("file1.txt", "Hello")).Join()
	require.NoError(t, err)

	persisted, err := handle.Persist().Join()
	require.NoError(t, err)
	require.Equal(t, SnapshotId{1, 2, 3, 4}, persisted.Id())

	data, err := os.ReadFile(filepath.Join(root, "snapshots", "1-2-3-4", "file1.txt"))
	require.NoError(t, err)
	require.Equal(t, "Hello", string(data))

	info, err := os.Stat(filepath.Join(root, "snapshots", "1-2-3-4.checksum"))
	require.NoError(t, err)
	require.Equal(t, int64(8), info.Size())

	names, err := listDir(filepath.Join(root, "pending"))
	require.NoError(t, err)
	require.Empty(t, names)

	require.Len(t, listener.got, 1)
	require.True(t, listener.got[0].Equal(persisted))

	latest, ok := s.GetLatestSnapshot()
	require.True(t, ok)
	require.True(t, latest.Equal(persisted))
}

// Scenario 2: replacement.
func TestStoreReplacement(t *testing.T) {
	s, root := openTestStore(t)

	h1, ok := s.NewTransientSnapshot(1, 2, 3, 4)
	require.True(t, ok)
	_, err := h1.Take(writerThatWrites("file1.txt", "Hello")).Join()
	require.NoError(t, err)
	_, err = h1.Persist().Join()
	require.NoError(t, err)

	h2, ok := s.NewTransientSnapshot(2, 2, 3, 4)
	require.True(t, ok)
	_, err = h2.Take(writerThatWrites("file1.txt", "World")).Join()
	require.NoError(t, err)
	persisted2, err := h2.Persist().Join()
	require.NoError(t, err)
	require.Equal(t, SnapshotId{2, 2, 3, 4}, persisted2.Id())

	snapshotNames, err := listDir(filepath.Join(root, "snapshots"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"2-2-3-4", "2-2-3-4.checksum"}, snapshotNames)
}

// Scenario 3: abort after take.
func TestStoreAbortAfterTake(t *testing.T) {
	s, root := openTestStore(t)

	handle, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := handle.Take(writerThatWrites("file1.txt", "data")).Join()
	require.NoError(t, err)

	_, err = handle.Abort().Join()
	require.NoError(t, err)

	pendingNames, err := listDir(filepath.Join(root, "pending"))
	require.NoError(t, err)
	require.Empty(t, pendingNames)

	snapshotNames, err := listDir(filepath.Join(root, "snapshots"))
	require.NoError(t, err)
	require.Empty(t, snapshotNames)

	_, ok = s.GetLatestSnapshot()
	require.False(t, ok)
}

// Scenario 4: purge invalidates.
func TestStorePurgeInvalidatesPendingPersist(t *testing.T) {
	s, root := openTestStore(t)

	handle, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := handle.Take(writerThatWrites("file1.txt", "data")).Join()
	require.NoError(t, err)

	_, err = s.PurgePendingSnapshots().Join()
	require.NoError(t, err)

	_, err = handle.Persist().Join()
	require.ErrorIs(t, err, ErrNotValid)

	pendingNames, err := listDir(filepath.Join(root, "pending"))
	require.NoError(t, err)
	require.Empty(t, pendingNames)
	snapshotNames, err := listDir(filepath.Join(root, "snapshots"))
	require.NoError(t, err)
	require.Empty(t, snapshotNames)
}

// Scenario 5: a pending snapshot with a higher id than the one just
// committed survives the commit.
func TestStorePendingHigherThanCommittedSurvives(t *testing.T) {
	s, root := openTestStore(t)

	higher, ok := s.NewTransientSnapshot(2, 0, 1, 0)
	require.True(t, ok)
	_, err := higher.Take(writerThatWrites("file1.txt", "higher")).Join()
	require.NoError(t, err)

	lower, ok := s.NewTransientSnapshot(1, 0, 1, 0)
	require.True(t, ok)
	_, err = lower.Take(writerThatWrites("file1.txt", "lower")).Join()
	require.NoError(t, err)

	_, err = lower.Persist().Join()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "snapshots", "1-0-1-0"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "pending", "2-0-1-0"))
	require.NoError(t, err)
}

// Scenario 6: duplicate id refusal.
func TestStoreDuplicateIdRefused(t *testing.T) {
	s, _ := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 2, 3)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)
	_, err = h.Persist().Join()
	require.NoError(t, err)

	_, ok = s.NewTransientSnapshot(1, 0, 2, 3)
	require.False(t, ok)
}

func TestStoreRefusesToRegress(t *testing.T) {
	s, _ := openTestStore(t)

	h, ok := s.NewTransientSnapshot(5, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)
	_, err = h.Persist().Join()
	require.NoError(t, err)

	_, ok = s.NewTransientSnapshot(4, 9, 9, 9)
	require.False(t, ok)
}

func TestPersistIsIdempotent(t *testing.T) {
	s, root := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)

	first, err := h.Persist().Join()
	require.NoError(t, err)
	second, err := h.Persist().Join()
	require.NoError(t, err)
	require.True(t, first.Equal(second))
	require.Equal(t, first.Checksum(), second.Checksum())

	snapshotNames, err := listDir(filepath.Join(root, "snapshots"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"1-0-0-0", "1-0-0-0.checksum"}, snapshotNames)
}

// Boundary: writer returns true but creates no directory.
func TestPersistFailsWhenWriterCreatesNothing(t *testing.T) {
	s, root := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(func(path string) (bool, error) { return true, nil }).Join()
	require.NoError(t, err)

	_, err = h.Persist().Join()
	require.ErrorIs(t, err, ErrNotValid)

	snapshotNames, err := listDir(filepath.Join(root, "snapshots"))
	require.NoError(t, err)
	require.Empty(t, snapshotNames)
}

// Boundary: writer creates an empty directory.
func TestPersistFailsWhenStagingIsEmpty(t *testing.T) {
	s, root := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(func(path string) (bool, error) {
		return true, os.MkdirAll(path, 0755)
	}).Join()
	require.NoError(t, err)

	_, err = h.Persist().Join()
	require.ErrorIs(t, err, ErrNotValid)

	snapshotNames, err := listDir(filepath.Join(root, "snapshots"))
	require.NoError(t, err)
	require.Empty(t, snapshotNames)
}

// Boundary: writer returns false.
func TestTakeFailsWhenWriterDeclines(t *testing.T) {
	s, root := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(func(path string) (bool, error) {
		require.NoError(t, os.MkdirAll(path, 0755))
		return false, nil
	}).Join()
	require.ErrorIs(t, err, ErrTakeFailed)

	pendingNames, err := listDir(filepath.Join(root, "pending"))
	require.NoError(t, err)
	require.Empty(t, pendingNames)
}

// Boundary: writer returns an error.
func TestTakeFailsWhenWriterErrors(t *testing.T) {
	s, _ := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	boom := errors.New("disk full")
	_, err := h.Take(func(path string) (bool, error) {
		return false, boom
	}).Join()
	require.ErrorIs(t, err, ErrTakeFailed)
}

func TestTakeTwiceFails(t *testing.T) {
	s, _ := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)

	_, err = h.Take(writerThatWrites("f.txt", "v")).Join()
	require.ErrorIs(t, err, ErrAlreadyTaken)
}

func TestAbortBeforeTakeIsNoop(t *testing.T) {
	s, _ := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Abort().Join()
	require.NoError(t, err)
}

func TestAbortAfterPersistIsNoop(t *testing.T) {
	s, _ := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)
	_, err = h.Persist().Join()
	require.NoError(t, err)

	_, err = h.Abort().Join()
	require.NoError(t, err)

	_, ok = s.GetLatestSnapshot()
	require.True(t, ok)
}

func TestRemoveSnapshotListener(t *testing.T) {
	s, _ := openTestStore(t)

	listener := &recordingListener{}
	s.AddSnapshotListener(listener)
	s.RemoveSnapshotListener(listener)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)
	_, err = h.Persist().Join()
	require.NoError(t, err)

	require.Empty(t, listener.got)
}

func TestListenerPanicDoesNotFailPersist(t *testing.T) {
	s, _ := openTestStore(t)

	s.AddSnapshotListener(panicListener{})
	ok2 := &recordingListener{}
	s.AddSnapshotListener(ok2)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)
	_, err = h.Persist().Join()
	require.NoError(t, err)

	require.Len(t, ok2.got, 1)
}

type panicListener struct{}

func (panicListener) OnNewSnapshot(*PersistedSnapshot) { panic("listener exploded") }

// Bootstrap: a committed directory with no sidecar is discarded.
func TestBootstrapDiscardsUnpairedDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "snapshots", "1-0-0-0", "f.txt"), "x")

	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.GetLatestSnapshot()
	require.False(t, ok)
	_, err = os.Stat(filepath.Join(root, "snapshots", "1-0-0-0"))
	require.True(t, os.IsNotExist(err))
}

// Bootstrap: a sidecar that doesn't match recomputed content is discarded
// along with its directory.
func TestBootstrapDiscardsCorruptSnapshot(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "snapshots", "1-0-0-0")
	writeFile(t, filepath.Join(dir, "f.txt"), "original")
	require.NoError(t, writeChecksumFile(filepath.Join(root, "snapshots", "1-0-0-0.checksum"), checksumFromUint64(0xdeadbeef)))

	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.GetLatestSnapshot()
	require.False(t, ok)
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

// Bootstrap: among several valid survivors, only the id-maximal one is kept.
func TestBootstrapKeepsOnlyMaximalSurvivor(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"1-0-0-0", "2-0-0-0", "3-0-0-0"} {
		dir := filepath.Join(root, "snapshots", name)
		writeFile(t, filepath.Join(dir, "f.txt"), "content-"+name)
		sum, err := computeChecksum(dir, 2)
		require.NoError(t, err)
		require.NoError(t, writeChecksumFile(filepath.Join(root, "snapshots", name+".checksum"), sum))
	}
	writeFile(t, filepath.Join(root, "pending", "9-0-0-0", "stale.txt"), "junk")

	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	latest, ok := s.GetLatestSnapshot()
	require.True(t, ok)
	require.Equal(t, SnapshotId{3, 0, 0, 0}, latest.Id())

	remaining, err := listDir(filepath.Join(root, "snapshots"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"3-0-0-0", "3-0-0-0.checksum"}, remaining)

	pendingNames, err := listDir(filepath.Join(root, "pending"))
	require.NoError(t, err)
	require.Empty(t, pendingNames)
}

func TestCloseInvalidatesPendingWithoutTouchingDisk(t *testing.T) {
	s, root := openTestStore(t)

	h, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.True(t, ok)
	_, err := h.Take(writerThatWrites("f.txt", "v")).Join()
	require.NoError(t, err)

	require.NoError(t, s.Close())
	// Close must be idempotent.
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(root, "pending", "1-0-0-0"))
	require.NoError(t, err)
}

func TestNewTransientSnapshotAfterCloseFails(t *testing.T) {
	s, _ := openTestStore(t)
	require.NoError(t, s.Close())

	_, ok := s.NewTransientSnapshot(1, 0, 0, 0)
	require.False(t, ok)
}
