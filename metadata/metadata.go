package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/segfit/segfit"
)

// RegionMetadata represents a single reserved region of memory within some system. It manages
// segments within the region, allowing allocations to be requested and freed, as well as
// enumerated and queried.
type RegionMetadata interface {
	// Init must be called before the RegionMetadata is used. It gives the implementation an
	// opportunity to ensure that metadata structures are prepared for allocations, as well as
	// allows the consumer to inform the implementation of the size in bytes of the region it
	// will be managing, via the size parameter.
	Init(size int)
	// Size retrieves the size in bytes that the region was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be
	// expensive. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the
	// implementation.
	Validate() error
	// AllocationCount returns the number of segments currently handed out to callers. This
	// number should generally be the number of successful allocations minus the number of
	// successful frees.
	AllocationCount() int
	// FreeRegionsCount returns the number of unique regions of free memory in the region.
	// Adjacent regions of free memory are always merged into a single region, so this is also
	// the free-list length.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the region.
	SumFreeSize() int
	// IsEmpty will return true if this region has no live allocations
	IsEmpty() bool

	// VisitAllSegments will call the provided callback once for each allocated and free
	// segment in the region, in address order.
	VisitAllSegments(handleSegment func(handle SegmentHandle, offset int, size int, userData any, free bool) error) error
	// AllocationOffset accepts a SegmentHandle that maps to a live segment (allocated or free)
	// within the region and returns the offset in bytes within the region for that segment.
	//
	// The implementation must return an error if the provided handle does not map to a live
	// segment within this region.
	AllocationOffset(allocHandle SegmentHandle) (int, error)
	// PayloadOffset accepts a SegmentHandle that maps to a live allocation within the region
	// and returns the offset in bytes of its payload, which begins immediately after the
	// segment header.
	PayloadOffset(allocHandle SegmentHandle) (int, error)
	// AllocationUserData accepts a SegmentHandle that maps to a live allocation within the
	// region and returns the userdata value provided by the consumer for that allocation.
	AllocationUserData(allocHandle SegmentHandle) (any, error)
	// SetAllocationUserData accepts a SegmentHandle that maps to a live allocation within the
	// region and a userData value. The allocation's userData is changed to the provided value.
	SetAllocationUserData(allocHandle SegmentHandle, userData any) error

	// AddDetailedStatistics sums this region's allocation statistics into the statistics
	// currently present in the provided segfit.DetailedStatistics object.
	AddDetailedStatistics(stats *segfit.DetailedStatistics)
	// AddStatistics sums this region's allocation statistics into the statistics currently
	// present in the provided segfit.Statistics object.
	AddStatistics(stats *segfit.Statistics)

	// Clear instantly frees all allocations, restoring the single spanning free segment the
	// region started with
	Clear()
	// RegionJsonData populates a json object with information about this region
	RegionJsonData(json jwriter.ObjectState)

	// CheckCorruption accepts the underlying byte slice that this region manages. It will
	// return nil if anti-corruption memory markers are present for every allocation in the
	// region. This method is fairly expensive and so should only be run as part of some sort
	// of diagnostic regime.
	//
	// Bear in mind that anti-corruption memory markers are only written when segfit is built
	// with the build flag `debug_segfit`. This method will not return an error when that flag
	// is not present, but it is expensive regardless of build flags and so should only be run
	// when segfit.DebugMargin is not 0.
	//
	// It is the responsibility of consumers to write the debug markers themselves after
	// allocation, by calling segfit.WriteMagicValue against the same byte slice sent to
	// CheckCorruption.
	CheckCorruption(regionData []byte) error

	// FindAllocation retrieves an AllocationRequest object indicating where the implementation
	// would place an allocation with the requested payload size. That object can be passed to
	// Alloc to commit the allocation. The boolean return is false if no free segment can hold
	// the request.
	//
	// FindAllocation does not mutate the metadata.
	FindAllocation(payloadSize int) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, carving the allocation out of the free
	// segment named in the request. The implementation must return an error if the request is
	// no longer valid- i.e. the chosen segment no longer exists, is not free, or is no longer
	// large enough to support the request.
	Alloc(request AllocationRequest, userData any) error

	// Free releases an allocation, causing its segment to become a free region once again and
	// merging it with any adjacent free segments.
	//
	// The implementation must return an error wrapping ErrAlreadyFree if the segment behind
	// the handle is free, and some other error if the handle does not map to a live segment
	// within this region.
	Free(allocHandle SegmentHandle) error
}

// MetadataBase is a simple struct that provides a few shared utilities for RegionMetadata
// implementations in the segfit module.
type MetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *MetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *MetadataBase) Size() int { return m.size }

// RegionJsonData populates a json object with information about this region
func (m *MetadataBase) RegionJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
