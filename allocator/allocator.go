// Package allocator ties a reserved memory region to the free-list allocation engine behind a
// caller-owned allocator value. Each Allocator is fully independent, so multiple regions can
// coexist in one process and tests can run hermetically.
//
// An Allocator is single-threaded by contract: no operation suspends or retries, and no
// internal synchronization is performed. Callers that share one Allocator across goroutines
// must serialize access themselves, for example with a mutex. Distinct Allocators are
// independent and safe to use concurrently with each other.
package allocator

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/segfit/segfit"
	"github.com/segfit/segfit/metadata"
	"github.com/segfit/segfit/region"
	"golang.org/x/exp/slog"
)

// Status describes the outcome of a single Alloc call, for observability. PayloadOffset and
// Hops are -1 when the allocation did not succeed.
type Status struct {
	// Success is true when a payload was handed out
	Success bool
	// PayloadOffset is the byte offset of the payload from the region base
	PayloadOffset int
	// Hops is the number of free-list entries the first-fit search inspected strictly before
	// the chosen segment
	Hops int
}

var failureStatus = Status{Success: false, PayloadOffset: -1, Hops: -1}

// Allocator hands out payloads carved from a single reserved region, using a first-fit search
// over an address-ordered free list. The zero value is not usable; create one with New.
type Allocator struct {
	logger   *slog.Logger
	region   *region.Region
	metadata metadata.RegionMetadata
}

// Alloc carves a payload of payloadSize bytes out of the region and returns it along with a
// Status record. Payload offsets are always 8-byte aligned.
//
// An exhausted region is not an error: Alloc returns a nil Allocation and a failure Status,
// and the caller may retry after freeing. Allocating from a closed or zero-value Allocator
// fails the same silent way. The returned error is reserved for invalid use, such as a
// negative payloadSize.
func (a *Allocator) Alloc(payloadSize int) (*Allocation, Status, error) {
	if a.region == nil {
		return nil, failureStatus, nil
	}

	found, request, err := a.metadata.FindAllocation(payloadSize)
	if err != nil {
		return nil, failureStatus, errors.Wrap(err, "failed to search for a free segment")
	}

	if !found {
		a.logger.Debug("Allocator::Alloc out of memory", slog.Int("PayloadSize", payloadSize))
		return nil, failureStatus, nil
	}

	err = a.metadata.Alloc(request, nil)
	if err != nil {
		return nil, failureStatus, errors.Wrap(err, "failed to commit an allocation request")
	}

	payloadOffset, err := a.metadata.PayloadOffset(request.SegmentHandle)
	if err != nil {
		return nil, failureStatus, errors.Wrap(err, "failed to locate the payload of a committed allocation")
	}

	if segfit.DebugMargin > 0 {
		segmentOffset, offsetErr := a.metadata.AllocationOffset(request.SegmentHandle)
		if offsetErr != nil {
			return nil, failureStatus, offsetErr
		}
		segfit.WriteMagicValue(a.region.Bytes(), segmentOffset+request.Size-segfit.DebugMargin)
	}

	a.logger.Debug("Allocator::Alloc",
		slog.Int("PayloadSize", payloadSize),
		slog.Int("PayloadOffset", payloadOffset),
		slog.Int("Hops", request.Hops))

	alloc := &Allocation{
		parentAllocator: a,
		handle:          request.SegmentHandle,
		payloadOffset:   payloadOffset,
		payloadSize:     payloadSize,
	}

	return alloc, Status{
		Success:       true,
		PayloadOffset: payloadOffset,
		Hops:          request.Hops,
	}, nil
}

// Free releases an allocation back to the region and merges it with any adjacent free
// segments. Freeing nil or an already-freed allocation is a no-op. Freeing an allocation that
// did not come from this allocator returns an error.
func (a *Allocator) Free(alloc *Allocation) error {
	if alloc == nil || alloc.released {
		return nil
	}
	if a.region == nil {
		return nil
	}

	err := a.metadata.Free(alloc.handle)
	if errors.Is(err, metadata.ErrAlreadyFree) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to free allocation")
	}

	alloc.released = true
	a.logger.Debug("Allocator::Free", slog.Int("PayloadOffset", alloc.payloadOffset))

	return nil
}

// RegionSize returns the page-rounded size of the managed region in bytes.
func (a *Allocator) RegionSize() int {
	if a.region == nil {
		return 0
	}
	return a.region.Size()
}

// Validate runs the metadata's full consistency checks. It should never fail; it exists for
// diagnostics and tests.
func (a *Allocator) Validate() error {
	return a.metadata.Validate()
}

// CalculateStatistics sums usage numbers for the managed region into stats.
func (a *Allocator) CalculateStatistics(stats *segfit.Statistics) {
	a.metadata.AddStatistics(stats)
}

// CalculateDetailedStatistics walks the full segment chain and sums per-segment extremes into
// stats. Better suited to diagnostics than to hot paths.
func (a *Allocator) CalculateDetailedStatistics(stats *segfit.DetailedStatistics) {
	a.metadata.AddDetailedStatistics(stats)
}

// CheckCorruption verifies the anti-corruption markers written after each payload. It only
// has teeth when segfit is built with the debug_segfit build tag; see
// metadata.RegionMetadata.CheckCorruption.
func (a *Allocator) CheckCorruption() error {
	if a.region == nil {
		return errors.New("allocator is closed or was never initialized")
	}
	return a.metadata.CheckCorruption(a.region.Bytes())
}

// BuildStatsString builds a JSON string documenting the state of the region. When detailed is
// true, every segment is listed individually.
func (a *Allocator) BuildStatsString(detailed bool) (string, error) {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	a.metadata.RegionJsonData(obj)

	if detailed {
		a.printDetailedMap(obj)
	}

	obj.End()

	if writer.Error() != nil {
		return "", errors.Wrap(writer.Error(), "failed to build stats json")
	}

	return string(writer.Bytes()), nil
}

func (a *Allocator) printDetailedMap(json jwriter.ObjectState) {
	arrayState := json.Name("Segments").Array()
	defer arrayState.End()

	_ = a.metadata.VisitAllSegments(
		func(handle metadata.SegmentHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			obj.Name("Free").Bool(free)

			if userData != nil {
				obj.Name("Name").String(fmt.Sprintf("%v", userData))
			}

			return nil
		})
}

// DebugLogAllAllocations writes one Debug record per live allocation to the allocator's
// logger.
func (a *Allocator) DebugLogAllAllocations() {
	md, ok := a.metadata.(*metadata.FreeListMetadata)
	if !ok {
		return
	}

	md.DebugLogAllAllocations(a.logger, func(log *slog.Logger, offset int, size int, userData any) {
		log.Debug("Live allocation", slog.Int("Offset", offset), slog.Int("Size", size))
	})
}

// Close releases the region's backing memory. Any outstanding allocations become invalid. It
// is a no-op on an allocator that has already been closed.
func (a *Allocator) Close() error {
	if a.region == nil {
		return nil
	}

	err := a.region.Close()
	a.region = nil

	return err
}
