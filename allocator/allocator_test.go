package allocator_test

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/segfit/segfit"
	"github.com/segfit/segfit/allocator"
	"github.com/stretchr/testify/require"
)

type failingProvider struct{}

func (failingProvider) Reserve(size int) ([]byte, error) {
	return nil, errors.New("out of address space")
}

func (failingProvider) Release(mem []byte) error {
	return nil
}

type heapProvider struct{}

func (heapProvider) Reserve(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (heapProvider) Release(mem []byte) error {
	return nil
}

func newTestAllocator(t *testing.T, regionSize int) *allocator.Allocator {
	t.Helper()

	alloc, err := allocator.New(nil, regionSize, allocator.CreateOptions{Provider: heapProvider{}})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, alloc.Close())
	})

	return alloc
}

func TestAllocatorRegionSizes(t *testing.T) {
	a := newTestAllocator(t, 4096)
	require.Equal(t, 4096, a.RegionSize())

	rounded := newTestAllocator(t, 5000)
	require.Equal(t, 8192, rounded.RegionSize())
}

func TestAllocatorReservationFailure(t *testing.T) {
	_, err := allocator.New(nil, 4096, allocator.CreateOptions{Provider: failingProvider{}})
	require.Error(t, err)
	require.ErrorContains(t, err, "out of address space")
}

func TestAllocatorBasicAllocSplits(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, status, err := a.Alloc(100)
	require.NoError(t, err)
	require.NotNil(t, alloc)
	require.Equal(t, allocator.Status{
		Success:       true,
		PayloadOffset: 24,
		Hops:          0,
	}, status)
	require.Equal(t, 24, alloc.PayloadOffset())
	require.NoError(t, a.Validate())

	// required = alignUp(24+100, 8) = 128; a single free remainder of 3968 is left
	var stats segfit.DetailedStatistics
	stats.Clear()
	a.CalculateDetailedStatistics(&stats)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 3968, stats.UnusedRangeSizeMax)
	require.Equal(t, 128, stats.AllocationBytes)
}

func TestAllocatorFreeRestoresRegion(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, _, err := a.Alloc(100)
	require.NoError(t, err)

	require.NoError(t, a.Free(alloc))
	require.NoError(t, a.Validate())

	var stats segfit.DetailedStatistics
	stats.Clear()
	a.CalculateDetailedStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 4096, stats.UnusedRangeSizeMax)
}

func TestAllocatorOutOfMemory(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, status, err := a.Alloc(5000)
	require.NoError(t, err)
	require.Nil(t, alloc)
	require.Equal(t, allocator.Status{
		Success:       false,
		PayloadOffset: -1,
		Hops:          -1,
	}, status)

	// The failed allocation must leave the region untouched
	var stats segfit.Statistics
	stats.Clear()
	a.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0, stats.AllocationBytes)
	require.NoError(t, a.Validate())
}

func TestAllocatorFirstFitReuse(t *testing.T) {
	a := newTestAllocator(t, 4096)

	allocA, statusA, err := a.Alloc(100)
	require.NoError(t, err)
	_, _, err = a.Alloc(100)
	require.NoError(t, err)

	require.NoError(t, a.Free(allocA))

	// The third allocation fits in the first freed segment, so first-fit reuses its address
	// rather than extending into the tail
	allocC, statusC, err := a.Alloc(50)
	require.NoError(t, err)
	require.Equal(t, statusA.PayloadOffset, statusC.PayloadOffset)
	require.Equal(t, 0, statusC.Hops)
	require.NotNil(t, allocC)
	require.NoError(t, a.Validate())
}

func TestAllocatorDoubleFree(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, _, err := a.Alloc(100)
	require.NoError(t, err)

	require.NoError(t, a.Free(alloc))
	require.NoError(t, a.Free(alloc))
	require.NoError(t, a.Free(nil))
	require.NoError(t, a.Validate())
}

func TestAllocatorPayloadBytes(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, _, err := a.Alloc(64)
	require.NoError(t, err)

	payload, err := alloc.Bytes()
	require.NoError(t, err)
	require.Len(t, payload, 64)

	// Fresh payloads come from zero-filled memory and are writable
	for _, b := range payload {
		require.Zero(t, b)
	}
	for i := range payload {
		payload[i] = 0xAB
	}

	require.NoError(t, a.Free(alloc))

	_, err = alloc.Bytes()
	require.Error(t, err)
}

func TestAllocatorSizeInvariantUnderChurn(t *testing.T) {
	a := newTestAllocator(t, 8192)

	var live []*allocator.Allocation
	for _, payloadSize := range []int{1, 500, 64, 2000, 8, 300} {
		alloc, status, err := a.Alloc(payloadSize)
		require.NoError(t, err)
		require.True(t, status.Success)
		require.Zero(t, status.PayloadOffset%8)
		live = append(live, alloc)
		require.NoError(t, a.Validate())
	}

	// Free in a mixed order so merges fire in both directions
	for _, index := range []int{1, 4, 0, 5, 2, 3} {
		require.NoError(t, a.Free(live[index]))
		require.NoError(t, a.Validate())

		var stats segfit.Statistics
		stats.Clear()
		a.CalculateStatistics(&stats)
		require.Equal(t, 8192, stats.RegionBytes)
	}

	var stats segfit.DetailedStatistics
	stats.Clear()
	a.CalculateDetailedStatistics(&stats)
	require.Equal(t, 1, stats.UnusedRangeCount)
	require.Equal(t, 8192, stats.UnusedRangeSizeMax)
}

func TestAllocatorIndependentRegions(t *testing.T) {
	first := newTestAllocator(t, 4096)
	second := newTestAllocator(t, 8192)

	allocFirst, statusFirst, err := first.Alloc(100)
	require.NoError(t, err)
	_, statusSecond, err := second.Alloc(100)
	require.NoError(t, err)

	// Both regions hand out their own lowest address
	require.Equal(t, 24, statusFirst.PayloadOffset)
	require.Equal(t, 24, statusSecond.PayloadOffset)

	require.NoError(t, first.Free(allocFirst))
	require.NoError(t, first.Validate())
	require.NoError(t, second.Validate())

	var stats segfit.Statistics
	stats.Clear()
	second.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)
}

func TestAllocatorClosedBehavior(t *testing.T) {
	a, err := allocator.New(nil, 4096, allocator.CreateOptions{Provider: heapProvider{}})
	require.NoError(t, err)

	alloc, _, err := a.Alloc(100)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	// A closed allocator fails allocations the silent, sentinel-valued way
	afterClose, status, err := a.Alloc(100)
	require.NoError(t, err)
	require.Nil(t, afterClose)
	require.False(t, status.Success)
	require.Equal(t, -1, status.PayloadOffset)
	require.Equal(t, -1, status.Hops)

	require.NoError(t, a.Free(alloc))
}

func TestAllocatorStatsString(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, _, err := a.Alloc(100)
	require.NoError(t, err)
	require.NoError(t, alloc.SetName("index cache"))
	require.Equal(t, "index cache", alloc.Name())

	statsString, err := a.BuildStatsString(true)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(statsString), &parsed))
	require.EqualValues(t, 4096, parsed["TotalBytes"])
	require.EqualValues(t, 1, parsed["Allocations"])

	segments, ok := parsed["Segments"].([]any)
	require.True(t, ok)
	require.Len(t, segments, 2)
	require.Contains(t, statsString, "index cache")
}

func TestAllocatorCheckCorruption(t *testing.T) {
	a := newTestAllocator(t, 4096)

	alloc, _, err := a.Alloc(100)
	require.NoError(t, err)

	payload, err := alloc.Bytes()
	require.NoError(t, err)
	for i := range payload {
		payload[i] = 0xCD
	}

	// Staying inside the payload never trips the corruption check
	require.NoError(t, a.CheckCorruption())
}
