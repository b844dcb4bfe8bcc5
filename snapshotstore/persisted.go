package snapshotstore

import "path/filepath"

// PersistedSnapshot is an immutable handle to a committed, checksum-verified
// snapshot directory. It is created by a successful persist (or by crash
// recovery on open, for the surviving snapshot), never mutated, and superseded (never edited in place) by the next
// persisted snapshot.
type PersistedSnapshot struct {
	id           SnapshotId
	dir          string
	checksumPath string
	checksum     Checksum
}

func newPersistedSnapshot(snapshotsDir string, id SnapshotId, checksum Checksum) *PersistedSnapshot {
	name := id.String()
	return &PersistedSnapshot{
		id:           id,
		dir:          filepath.Join(snapshotsDir, name),
		checksumPath: filepath.Join(snapshotsDir, name+".checksum"),
		checksum:     checksum,
	}
}

// Id returns the snapshot's identifier.
func (p *PersistedSnapshot) Id() SnapshotId { return p.id }

// Index returns the log index this snapshot was taken at.
func (p *PersistedSnapshot) Index() uint64 { return p.id.Index }

// Term returns the leader term this snapshot was taken at.
func (p *PersistedSnapshot) Term() uint64 { return p.id.Term }

// ProcessedPosition returns the processed-event position captured by this
// snapshot.
func (p *PersistedSnapshot) ProcessedPosition() uint64 { return p.id.ProcessedPosition }

// ExportedPosition returns the exported-event position captured by this
// snapshot.
func (p *PersistedSnapshot) ExportedPosition() uint64 { return p.id.ExportedPosition }

// Path returns the committed snapshot directory.
func (p *PersistedSnapshot) Path() string { return p.dir }

// ChecksumPath returns the path of the checksum sidecar file.
func (p *PersistedSnapshot) ChecksumPath() string { return p.checksumPath }

// Checksum returns the snapshot's integrity tag.
func (p *PersistedSnapshot) Checksum() Checksum { return p.checksum }

// Equal reports whether p and other identify the same snapshot.
func (p *PersistedSnapshot) Equal(other *PersistedSnapshot) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.id == other.id
}
