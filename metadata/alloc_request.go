package metadata

// AllocationRequest is a type returned from RegionMetadata.FindAllocation which indicates where
// the metadata intends to place a new allocation. It can be committed to the metadata with
// RegionMetadata.Alloc once the consumer has prepared any backing memory it needs to prepare.
type AllocationRequest struct {
	// SegmentHandle is the handle of the free segment the allocation will be carved from
	SegmentHandle SegmentHandle
	// Size is the total size in bytes of the segment that will be taken: header plus payload
	// plus padding, possibly larger than what was originally requested
	Size int
	// Hops is the number of free-list entries the first-fit search inspected before settling
	// on this segment, for instrumentation. A fit at the head of the free list reports 0.
	Hops int
}
