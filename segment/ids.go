package segment

import (
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
)

// IdGenerator mints segment file identifiers, injected so callers can
// control naming (e.g. to keep it deterministic in tests).
type IdGenerator interface {
	NextSegmentID() string
}

// UUIDSegmentIDs is the default IdGenerator: a random UUID per segment.
type UUIDSegmentIDs struct{}

func (UUIDSegmentIDs) NextSegmentID() string { return uuid.NewString() }

// PathsDistributor hands out the directory a new segment file should live
// in, injected so callers can spread segments across multiple disks.
type PathsDistributor interface {
	Next() string
}

// FixedPathsDistributor round-robins a fixed list of directories.
type FixedPathsDistributor struct {
	dirs []string
	next atomic.Uint64
}

// NewFixedPathsDistributor returns a PathsDistributor that cycles through dirs.
func NewFixedPathsDistributor(dirs ...string) *FixedPathsDistributor {
	return &FixedPathsDistributor{dirs: dirs}
}

func (d *FixedPathsDistributor) Next() string {
	if len(d.dirs) == 0 {
		return "."
	}
	i := d.next.Add(1) - 1
	return d.dirs[i%uint64(len(d.dirs))]
}

// SegmentPath joins a distributor's chosen directory with a generated id
// to produce the new segment file's path.
func SegmentPath(paths PathsDistributor, ids IdGenerator) string {
	return filepath.Join(paths.Next(), ids.NextSegmentID()+".seg")
}
