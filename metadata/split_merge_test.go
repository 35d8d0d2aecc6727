package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Committing an allocation must run the same forward merge over the split remainder that
// release runs, so a remainder bordering an already-free successor coalesces immediately
// instead of lingering until some later release touches it. That state cannot be reached
// through the public API while coalescing is complete, so this test fabricates it directly.
func TestFreeListSplitRemainderMerges(t *testing.T) {
	freeList := NewFreeListMetadata()
	freeList.Init(4096)

	// Carve the spanning segment into two adjacent free segments by hand
	first := freeList.firstSegment
	freeList.removeFreeSegment(first)
	first.size = 1024

	second := freeList.allocateSegment()
	second.offset = 1024
	second.size = 3072
	second.prevNeighbor = first
	first.nextNeighbor = second
	second.MarkTaken()

	freeList.insertFreeSegment(first)
	freeList.insertFreeSegment(second)
	require.Equal(t, 2, freeList.FreeRegionsCount())

	// Allocate out of the first segment: required size 128, remainder 896 borders the free
	// second segment
	success, req, err := freeList.FindAllocation(100)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, req.Hops)

	err = freeList.Alloc(req, nil)
	require.NoError(t, err)

	// The remainder and the successor must have merged into one free segment
	require.Equal(t, 1, freeList.FreeRegionsCount())
	require.Equal(t, 4096-128, freeList.SumFreeSize())
	require.NoError(t, freeList.Validate())
}
