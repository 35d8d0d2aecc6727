package metadata

import (
	"math"
	"sync/atomic"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/segfit/segfit"
	"golang.org/x/exp/slog"
)

const (
	// SegmentHeaderSize is the number of bytes reserved at the start of every segment for its
	// header: two 32-bit size/flag words and two 64-bit links. Segment records live out of
	// band, but the header still participates in every size computation so that payload
	// offsets match an in-band layout exactly.
	SegmentHeaderSize = 24
	// PayloadAlignment is the guaranteed alignment of every payload offset. Segment sizes are
	// always a multiple of this value.
	PayloadAlignment uint = 8
)

// ErrAlreadyFree is wrapped by the error returned from FreeListMetadata.Free when the segment
// behind the provided handle is already free. Callers that want release to be idempotent can
// match it with errors.Is and ignore it.
var ErrAlreadyFree = errors.New("segment is already free")

// FreeListMetadata is a RegionMetadata implementation that manages segments through a single
// address-ordered doubly linked free list. Allocations use a first-fit search from the head of
// the list, so the lowest qualifying offset always wins and allocation patterns are
// deterministic. Searches and ordered inserts are O(n) in the free-list length; this is the
// cost of managing the region as one flat list rather than size-class buckets.
//
// FreeListMetadata is not synchronized. Callers using one from multiple goroutines must
// serialize access themselves.
type FreeListMetadata struct {
	MetadataBase

	allocCount int
	freeCount  int
	freeSize   int

	freeHead     *segment
	firstSegment *segment

	nextSegmentHandle SegmentHandle
	handleKey         *swiss.Map[SegmentHandle, *segment]
}

var _ RegionMetadata = &FreeListMetadata{}

func NewFreeListMetadata() *FreeListMetadata {
	return &FreeListMetadata{}
}

func (m *FreeListMetadata) allocateSegment() *segment {
	s := segmentAllocator.Get().(*segment)
	s.offset = 0
	s.size = 0
	s.committedSize = 0
	s.prevNeighbor = nil
	s.nextNeighbor = nil
	s.prevFree = nil
	s.nextFree = nil
	s.userData = nil
	s.handle = SegmentHandle(atomic.AddUint64((*uint64)(&m.nextSegmentHandle), 1))
	m.handleKey.Put(s.handle, s)
	return s
}

func (m *FreeListMetadata) releaseSegment(s *segment) {
	m.handleKey.Delete(s.handle)
	segmentAllocator.Put(s)
}

func (m *FreeListMetadata) getSegment(handle SegmentHandle) (*segment, error) {
	s, ok := m.handleKey.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that was incompatible with this metadata")
	}
	return s, nil
}

func (m *FreeListMetadata) Init(size int) {
	m.MetadataBase.Init(size)
	m.handleKey = swiss.NewMap[SegmentHandle, *segment](42)

	spanning := m.allocateSegment()
	spanning.size = size
	spanning.MarkTaken()
	m.firstSegment = spanning
	m.insertFreeSegment(spanning)
}

func (m *FreeListMetadata) Validate() error {
	if m.firstSegment == nil {
		return errors.New("metadata has not been initialized")
	}

	if m.firstSegment.offset != 0 {
		return errors.Errorf("the first segment should have an offset of 0, but instead it has an offset of %d", m.firstSegment.offset)
	}

	if m.firstSegment.prevNeighbor != nil {
		return errors.New("the first segment has a neighbor before it")
	}

	var calculatedSize, calculatedFreeSize int
	var allocCount, freeCount int
	nextOffset := 0

	for s := m.firstSegment; s != nil; s = s.nextNeighbor {
		if s.offset != nextOffset {
			return errors.Errorf("segment at offset %d does not start at the previous segment's end offset %d", s.offset, nextOffset)
		}

		if s.size < SegmentHeaderSize {
			return errors.Errorf("segment at offset %d has size %d, which cannot cover its own header", s.offset, s.size)
		}

		if s.size%int(PayloadAlignment) != 0 {
			return errors.Errorf("segment at offset %d has size %d, which is not a multiple of %d", s.offset, s.size, PayloadAlignment)
		}

		if s.nextNeighbor != nil && s.nextNeighbor.prevNeighbor != s {
			return errors.Errorf("segment at offset %d has a next neighbor, but the reverse reference is broken", s.offset)
		}

		if s.IsFree() && s.nextNeighbor != nil && s.nextNeighbor.IsFree() {
			return errors.Errorf("segments at offsets %d and %d are adjacent but both free", s.offset, s.nextNeighbor.offset)
		}

		if s.IsFree() {
			freeCount++
			calculatedFreeSize += s.size
		} else {
			allocCount++
		}

		nextOffset = s.offset + s.size
		calculatedSize += s.size
	}

	var freeListCount int
	lastOffset := -1

	for s := m.freeHead; s != nil; s = s.nextFree {
		if !s.IsFree() {
			return errors.Errorf("segment at offset %d is in the free list but is not free", s.offset)
		}

		if s == m.freeHead && s.prevFree != nil {
			return errors.Errorf("segment at offset %d is the head of the free list but has a previous free segment", s.offset)
		}

		if s.offset <= lastOffset {
			return errors.Errorf("free list is not strictly ordered by offset: segment at offset %d follows offset %d", s.offset, lastOffset)
		}

		if s.nextFree != nil && s.nextFree.prevFree != s {
			return errors.Errorf("segment at offset %d lists the segment at offset %d as its next free segment, but the reverse reference is broken", s.offset, s.nextFree.offset)
		}

		lastOffset = s.offset
		freeListCount++
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free segments in the neighbor chain and the number of segments in the free list do not match! free list size: %d, neighbor chain free segments: %d", freeListCount, freeCount)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the segments only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.freeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free segments only added up to %d", m.freeSize, calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken segments only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.freeCount {
		return errors.Errorf("the free segment count of the metadata is %d, but there were only %d free segments", m.freeCount, freeCount)
	}

	return nil
}

func (m *FreeListMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *FreeListMetadata) FreeRegionsCount() int {
	return m.freeCount
}

func (m *FreeListMetadata) SumFreeSize() int {
	return m.freeSize
}

func (m *FreeListMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *FreeListMetadata) AddDetailedStatistics(stats *segfit.DetailedStatistics) {
	stats.RegionCount++
	stats.RegionBytes += m.size

	for s := m.firstSegment; s != nil; s = s.nextNeighbor {
		if s.IsFree() {
			stats.AddUnusedRange(s.size)
		} else {
			stats.AddAllocation(s.size)
		}
	}
}

func (m *FreeListMetadata) AddStatistics(stats *segfit.Statistics) {
	stats.RegionCount++
	stats.AllocationCount += m.allocCount
	stats.RegionBytes += m.size
	stats.AllocationBytes += m.size - m.freeSize
}

// findFirstFit walks the free list head to tail and returns the first segment that can hold
// requiredSize, along with the number of segments inspected before it. When nothing fits, it
// returns nil and the full list length.
func (m *FreeListMetadata) findFirstFit(requiredSize int) (*segment, int) {
	hops := 0
	for s := m.freeHead; s != nil; s = s.nextFree {
		if s.size >= requiredSize {
			return s, hops
		}
		hops++
	}

	return nil, hops
}

func (m *FreeListMetadata) FindAllocation(payloadSize int) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if payloadSize < 0 {
		return false, request, errors.Errorf("invalid payload size: %d", payloadSize)
	}

	segfit.DebugValidate(m)

	// A payload this large would overflow the required-size computation below, so it cannot
	// fit in any region.
	if payloadSize > math.MaxInt-SegmentHeaderSize-segfit.DebugMargin-int(PayloadAlignment-1) {
		return false, request, nil
	}

	requiredSize := segfit.AlignUp(SegmentHeaderSize+payloadSize+segfit.DebugMargin, PayloadAlignment)

	// Is the region big enough at all?
	if requiredSize > m.freeSize {
		return false, request, nil
	}

	s, hops := m.findFirstFit(requiredSize)
	if s == nil {
		return false, request, nil
	}

	request.SegmentHandle = s.handle
	request.Size = requiredSize
	request.Hops = hops

	return true, request, nil
}

func (m *FreeListMetadata) Alloc(request AllocationRequest, userData any) error {
	s, err := m.getSegment(request.SegmentHandle)
	if err != nil {
		return err
	}

	if !s.IsFree() {
		return errors.Errorf("allocation request named the segment at offset %d, which is no longer free", s.offset)
	}

	if s.size < request.Size {
		return errors.Errorf("allocation request named the segment at offset %d, which is no longer large enough for the request", s.offset)
	}

	m.removeFreeSegment(s)

	remainder := s.size - request.Size

	// Split only when the remainder can cover a header of its own- otherwise the whole
	// segment stays with the allocation as internal fragmentation.
	if remainder >= SegmentHeaderSize {
		newSegment := m.allocateSegment()
		newSegment.offset = s.offset + request.Size
		newSegment.size = remainder
		newSegment.prevNeighbor = s
		newSegment.nextNeighbor = s.nextNeighbor
		if newSegment.nextNeighbor != nil {
			newSegment.nextNeighbor.prevNeighbor = newSegment
		}
		s.nextNeighbor = newSegment
		s.size = request.Size
		newSegment.MarkTaken()

		// A remainder bordering an already-free successor merges right away, the same as it
		// would on release.
		next := newSegment.nextNeighbor
		if next != nil && next.IsFree() {
			m.removeFreeSegment(next)
			m.absorbNextNeighbor(newSegment)
		}

		m.insertFreeSegment(newSegment)
	}

	s.userData = userData
	s.committedSize = request.Size
	m.allocCount++

	return nil
}

func (m *FreeListMetadata) Free(allocHandle SegmentHandle) error {
	s, err := m.getSegment(allocHandle)
	if err != nil {
		return err
	}

	if s.IsFree() {
		return errors.Wrapf(ErrAlreadyFree, "segment at offset %d", s.offset)
	}

	m.allocCount--
	s.userData = nil

	// Backward merge is a direct neighbor lookup rather than a free-list scan.
	prev := s.prevNeighbor
	if prev != nil && prev.IsFree() {
		m.removeFreeSegment(prev)
		m.absorbNextNeighbor(prev)
		s = prev
	}

	next := s.nextNeighbor
	if next != nil && next.IsFree() {
		m.removeFreeSegment(next)
		m.absorbNextNeighbor(s)
	}

	m.insertFreeSegment(s)

	return nil
}

// removeFreeSegment unlinks a segment from the free list in O(1) and marks it taken.
func (m *FreeListMetadata) removeFreeSegment(s *segment) {
	if !s.IsFree() {
		panic("provided segment is not free")
	}

	if s.nextFree != nil {
		s.nextFree.prevFree = s.prevFree
	}
	if s.prevFree != nil {
		s.prevFree.nextFree = s.nextFree
	} else {
		if m.freeHead != s {
			panic("segment has no previous free segment but is not the free-list head")
		}
		m.freeHead = s.nextFree
	}

	s.MarkTaken()
	s.nextFree = nil
	m.freeCount--
	m.freeSize -= s.size
}

// insertFreeSegment marks a segment free and links it into the free list at the position that
// keeps the list strictly ordered by ascending offset. O(n) in the list length.
func (m *FreeListMetadata) insertFreeSegment(s *segment) {
	if s.IsFree() {
		panic("segment is already free")
	}

	s.MarkFree()
	s.nextFree = nil

	if m.freeHead == nil {
		m.freeHead = s
	} else if s.offset < m.freeHead.offset {
		s.nextFree = m.freeHead
		m.freeHead.prevFree = s
		m.freeHead = s
	} else {
		runner := m.freeHead
		for runner.nextFree != nil && runner.nextFree.offset < s.offset {
			runner = runner.nextFree
		}
		s.nextFree = runner.nextFree
		if s.nextFree != nil {
			s.nextFree.prevFree = s
		}
		runner.nextFree = s
		s.prevFree = runner
	}

	m.freeCount++
	m.freeSize += s.size
}

// absorbNextNeighbor extends s over its next neighbor and destroys the neighbor's record. The
// neighbor must already have been removed from the free list.
func (m *FreeListMetadata) absorbNextNeighbor(s *segment) {
	next := s.nextNeighbor
	if next == nil {
		panic("segment has no next neighbor to absorb")
	}
	if next.IsFree() {
		panic("cannot absorb a segment that still belongs to the free list")
	}

	s.size += next.size
	s.nextNeighbor = next.nextNeighbor
	if s.nextNeighbor != nil {
		s.nextNeighbor.prevNeighbor = s
	}

	m.releaseSegment(next)
}

func (m *FreeListMetadata) VisitAllSegments(handleSegment func(handle SegmentHandle, offset int, size int, userData any, free bool) error) error {
	for s := m.firstSegment; s != nil; s = s.nextNeighbor {
		err := handleSegment(s.handle, s.offset, s.size, s.userData, s.IsFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListMetadata) Clear() {
	s := m.firstSegment
	for s != nil {
		next := s.nextNeighbor
		m.releaseSegment(s)
		s = next
	}

	m.allocCount = 0
	m.freeCount = 0
	m.freeSize = 0
	m.freeHead = nil

	spanning := m.allocateSegment()
	spanning.size = m.size
	spanning.MarkTaken()
	m.firstSegment = spanning
	m.insertFreeSegment(spanning)
}

func (m *FreeListMetadata) RegionJsonData(json jwriter.ObjectState) {
	m.MetadataBase.RegionJsonData(json, m.freeSize, m.allocCount, m.freeCount)
}

func (m *FreeListMetadata) CheckCorruption(regionData []byte) error {
	for s := m.firstSegment; s != nil; s = s.nextNeighbor {
		if !s.IsFree() {
			// The marker sits at the end of the committed size, not the segment size: an
			// unsplittable remainder extends the segment past the bytes the allocation ever
			// touched.
			if !segfit.ValidateMagicValue(regionData, s.offset+s.committedSize-segfit.DebugMargin) {
				return errors.New("memory corruption detected after validated allocation")
			}
		}
	}

	return nil
}

func (m *FreeListMetadata) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any)) {
	for s := m.firstSegment; s != nil; s = s.nextNeighbor {
		if !s.IsFree() {
			logFunc(logger, s.offset, s.size, s.userData)
		}
	}
}

func (m *FreeListMetadata) AllocationOffset(allocHandle SegmentHandle) (int, error) {
	s, err := m.getSegment(allocHandle)
	if err != nil {
		return 0, err
	}

	return s.offset, nil
}

func (m *FreeListMetadata) PayloadOffset(allocHandle SegmentHandle) (int, error) {
	s, err := m.getSegment(allocHandle)
	if err != nil {
		return 0, err
	}

	if s.IsFree() {
		return 0, errors.New("a payload offset cannot be retrieved for a free segment")
	}

	return s.offset + SegmentHeaderSize, nil
}

func (m *FreeListMetadata) AllocationUserData(allocHandle SegmentHandle) (any, error) {
	s, err := m.getSegment(allocHandle)
	if err != nil {
		return nil, err
	}

	if s.IsFree() {
		return nil, errors.New("user data cannot be retrieved for a free segment")
	}

	return s.userData, nil
}

func (m *FreeListMetadata) SetAllocationUserData(allocHandle SegmentHandle, userData any) error {
	s, err := m.getSegment(allocHandle)
	if err != nil {
		return err
	}

	if s.IsFree() {
		return errors.New("user data cannot be set for a free segment")
	}

	s.userData = userData
	return nil
}
