package allocator

import (
	"github.com/cockroachdb/errors"
	"github.com/segfit/segfit/metadata"
)

// Allocation is one payload handed out by an Allocator. It stays valid until it is freed or
// its parent allocator is closed.
type Allocation struct {
	parentAllocator *Allocator
	handle          metadata.SegmentHandle
	payloadOffset   int
	payloadSize     int
	name            string
	released        bool
}

// PayloadOffset returns the byte offset of the payload from the region base. It is always a
// multiple of 8.
func (a *Allocation) PayloadOffset() int {
	return a.payloadOffset
}

// Size returns the payload size in bytes that was requested from Alloc. The segment backing
// the allocation may be somewhat larger due to alignment padding or an unsplittable remainder.
func (a *Allocation) Size() int {
	return a.payloadSize
}

// Bytes returns the payload as a slice of the region's backing memory. Callers own these bytes
// until the allocation is freed and must not write outside them.
func (a *Allocation) Bytes() ([]byte, error) {
	if a.released {
		return nil, errors.New("allocation has been freed")
	}
	if a.parentAllocator.region == nil {
		return nil, errors.New("the parent allocator has been closed")
	}

	data := a.parentAllocator.region.Bytes()
	return data[a.payloadOffset : a.payloadOffset+a.payloadSize : a.payloadOffset+a.payloadSize], nil
}

// SetName applies a name to the allocation that shows up in diagnostics. It has no effect on
// allocator behavior.
func (a *Allocation) SetName(name string) error {
	a.name = name
	return a.parentAllocator.metadata.SetAllocationUserData(a.handle, name)
}

// Name returns the name applied with SetName, if any.
func (a *Allocation) Name() string {
	return a.name
}
