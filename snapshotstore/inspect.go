package snapshotstore

import (
	"path/filepath"
)

// SnapshotInfo summarizes one entry found under a partition's snapshots/
// directory during a read-only inspection.
type SnapshotInfo struct {
	Id       SnapshotId
	Dir      string
	Sidecar  string
	Checksum Checksum
	Verified bool
	Err      error
}

// PendingInfo summarizes one entry found under a partition's pending/
// directory during a read-only inspection.
type PendingInfo struct {
	Id  SnapshotId
	Dir string
}

// Inspect reports every committed snapshot directory found under root,
// paired with its checksum sidecar and re-verified against it, without
// mutating anything on disk. Unlike Open/OpenWithConfig it never deletes an
// unpaired, unparsable or corrupt entry, which is what makes it safe to run
// against a store that is concurrently owned by a live process. Unpaired and
// corrupt entries are reported; entries whose name doesn't parse as a
// snapshot id are skipped and not reported.
func Inspect(root string) ([]SnapshotInfo, error) {
	snapshotsDir := filepath.Join(root, "snapshots")
	names, err := listDir(snapshotsDir)
	if err != nil {
		return nil, err
	}

	byId := make(map[SnapshotId]*SnapshotInfo)
	var order []SnapshotId
	for _, name := range names {
		if rest, ok := trimChecksumSuffix(name); ok {
			id, ok := ParseSnapshotId(rest)
			if !ok {
				continue
			}
			info := byId[id]
			if info == nil {
				info = &SnapshotInfo{Id: id}
				byId[id] = info
				order = append(order, id)
			}
			info.Sidecar = filepath.Join(snapshotsDir, name)
			continue
		}
		id, ok := ParseSnapshotId(name)
		if !ok {
			continue
		}
		info := byId[id]
		if info == nil {
			info = &SnapshotInfo{Id: id}
			byId[id] = info
			order = append(order, id)
		}
		info.Dir = filepath.Join(snapshotsDir, name)
	}

	results := make([]SnapshotInfo, 0, len(order))
	for _, id := range order {
		info := byId[id]
		if info.Dir == "" || info.Sidecar == "" {
			results = append(results, *info)
			continue
		}
		checksum, err := readChecksumFile(info.Sidecar)
		if err != nil {
			info.Err = err
			results = append(results, *info)
			continue
		}
		info.Checksum = checksum
		if err := verifyChecksum(info.Dir, checksum, 4); err != nil {
			info.Err = err
		} else {
			info.Verified = true
		}
		results = append(results, *info)
	}
	return results, nil
}

// InspectPending reports every staging directory found under root's pending/
// directory, without touching it.
func InspectPending(root string) ([]PendingInfo, error) {
	pendingDir := filepath.Join(root, "pending")
	names, err := listDir(pendingDir)
	if err != nil {
		return nil, err
	}
	var results []PendingInfo
	for _, name := range names {
		if _, ok := trimChecksumSuffix(name); ok {
			continue
		}
		id, ok := ParseSnapshotId(name)
		if !ok {
			continue
		}
		results = append(results, PendingInfo{Id: id, Dir: filepath.Join(pendingDir, name)})
	}
	return results, nil
}
