//go:build debug_segfit

package metadata_test

import (
	"testing"

	"github.com/segfit/segfit"
	"github.com/segfit/segfit/metadata"
	"github.com/stretchr/testify/require"
)

// An unsplittable remainder leaves the segment larger than the size the allocation was
// committed with, so the corruption marker sits before the segment end. CheckCorruption must
// look for it where the consumer wrote it.
func TestFreeListCheckCorruptionUnsplitRemainder(t *testing.T) {
	freeList := metadata.NewFreeListMetadata()
	freeList.Init(4096)

	data := make([]byte, 4096)

	success, req, err := freeList.FindAllocation(4040)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 4080, req.Size)

	require.NoError(t, freeList.Alloc(req, nil))
	require.NoError(t, freeList.Validate())

	// The remainder of 16 bytes cannot cover a header, so the whole region stays with the
	// allocation
	require.Equal(t, 0, freeList.FreeRegionsCount())

	offset, err := freeList.AllocationOffset(req.SegmentHandle)
	require.NoError(t, err)
	segfit.WriteMagicValue(data, offset+req.Size-segfit.DebugMargin)

	require.NoError(t, freeList.CheckCorruption(data))

	// Smashing the marker itself must still be detected
	data[offset+req.Size-segfit.DebugMargin]++
	require.Error(t, freeList.CheckCorruption(data))
}
