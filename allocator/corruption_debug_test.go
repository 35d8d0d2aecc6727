//go:build debug_segfit

package allocator_test

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// A payload whose required size leaves an unsplittable remainder keeps the whole region, so
// the anti-corruption marker is not at the segment end. A healthy allocation must still pass
// the corruption check.
func TestAllocatorCheckCorruptionUnsplitRemainder(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, status, err := a.Alloc(4040)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	require.True(t, status.Success)

	require.NoError(t, a.CheckCorruption())
	require.NoError(t, a.Validate())
}
