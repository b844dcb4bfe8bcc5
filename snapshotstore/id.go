package snapshotstore

import (
	"fmt"
	"strconv"
	"strings"
)

// SnapshotId identifies a snapshot of a partition's state machine at a
// particular point in its replicated log. The four fields together form a
// total order: index is primary, ties broken by term, then processed
// position, then exported position.
type SnapshotId struct {
	Index             uint64
	Term              uint64
	ProcessedPosition uint64
	ExportedPosition  uint64
}

// ParseSnapshotId parses the canonical "<index>-<term>-<processed>-<exported>"
// filename grammar. It returns ok == false for anything that isn't exactly
// four non-negative decimal components, including empty strings, extra
// separators, leading '+'/'-' signs, or overflow.
func ParseSnapshotId(name string) (id SnapshotId, ok bool) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return SnapshotId{}, false
	}
	fields := make([]uint64, 4)
	for i, p := range parts {
		if p == "" {
			return SnapshotId{}, false
		}
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return SnapshotId{}, false
		}
		fields[i] = v
	}
	return SnapshotId{
		Index:             fields[0],
		Term:              fields[1],
		ProcessedPosition: fields[2],
		ExportedPosition:  fields[3],
	}, true
}

// String formats the canonical filename for id. ParseSnapshotId is its left
// inverse: ParseSnapshotId(id.String()) always returns (id, true).
func (id SnapshotId) String() string {
	return fmt.Sprintf("%d-%d-%d-%d", id.Index, id.Term, id.ProcessedPosition, id.ExportedPosition)
}

// Compare returns -1, 0 or 1 as id is less than, equal to, or greater than
// other under the 4-tuple lexicographic order (index, term, processed,
// exported).
func (id SnapshotId) Compare(other SnapshotId) int {
	if c := compareUint64(id.Index, other.Index); c != 0 {
		return c
	}
	if c := compareUint64(id.Term, other.Term); c != 0 {
		return c
	}
	if c := compareUint64(id.ProcessedPosition, other.ProcessedPosition); c != 0 {
		return c
	}
	return compareUint64(id.ExportedPosition, other.ExportedPosition)
}

// Less reports whether id sorts strictly before other.
func (id SnapshotId) Less(other SnapshotId) bool {
	return id.Compare(other) < 0
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
