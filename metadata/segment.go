package metadata

import (
	"math"
	"sync"
)

// SegmentHandle is an opaque numeric handle used to identify individual segments within a
// RegionMetadata. Handles are never reused, so a handle that has been freed (or merged away
// during coalescing) stops resolving rather than silently aliasing another segment.
type SegmentHandle uint64

const (
	// NoSegment is the SegmentHandle value that does not map to any segment
	NoSegment SegmentHandle = math.MaxUint64
)

var segmentAllocator = sync.Pool{
	New: func() any {
		return &segment{}
	},
}

// segment is one contiguous byte range within the managed region. Segments tile the region
// with no gaps or overlaps: prevNeighbor/nextNeighbor chain them in address order, while
// prevFree/nextFree link only the free ones, also in address order.
type segment struct {
	offset int
	size   int

	// committedSize is the size the allocation request was committed with. It trails size on
	// the unsplittable-remainder path, where the remainder stays with the allocation as
	// internal fragmentation. It is meaningless for free segments.
	committedSize int

	prevNeighbor *segment
	nextNeighbor *segment

	prevFree *segment
	nextFree *segment

	userData any
	handle   SegmentHandle
}

func (s *segment) MarkFree() {
	s.prevFree = nil
}

func (s *segment) MarkTaken() {
	s.prevFree = s
}

func (s *segment) IsFree() bool {
	return s.prevFree != s
}
