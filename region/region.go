// Package region reserves the single contiguous block of memory that a segfit allocator
// manages. The reservation is made once, page-granular and zero-filled; the region is never
// grown or shrunk afterward.
package region

import (
	"github.com/cockroachdb/errors"
	"github.com/segfit/segfit"
)

// PageSize is the granularity of region reservations. Requested sizes are rounded up to the
// next multiple of it.
const PageSize uint = 4096

// Provider is the OS primitive that reserves a zero-filled, readable-writable block of memory.
// It exists as an interface so that reservation failures can be exercised in tests; outside of
// tests the default provider is the right choice.
type Provider interface {
	// Reserve returns a zero-filled byte slice of exactly size bytes, or an error if the
	// reservation cannot be satisfied.
	Reserve(size int) ([]byte, error)
	// Release returns a slice previously produced by Reserve. It must be passed the same
	// slice, not a derived one.
	Release(mem []byte) error
}

// Region is one contiguous reserved block of memory. A Region value owns its mapping: callers
// that are done with it should call Close, although leaving teardown to process exit also
// works.
type Region struct {
	provider Provider
	data     []byte
}

// New reserves a region of at least requestedSize bytes using the default provider for the
// platform. The reservation is rounded up to the next multiple of PageSize.
func New(requestedSize int) (*Region, error) {
	return NewWithProvider(requestedSize, defaultProvider{})
}

// NewWithProvider reserves a region of at least requestedSize bytes from the given provider.
// The reservation is rounded up to the next multiple of PageSize.
func NewWithProvider(requestedSize int, provider Provider) (*Region, error) {
	if requestedSize <= 0 {
		return nil, errors.Newf("region size must be positive, but %d was requested", requestedSize)
	}

	size := segfit.AlignUp(requestedSize, PageSize)
	if size < requestedSize {
		return nil, errors.Newf("region size %d cannot be rounded up to a whole number of pages", requestedSize)
	}

	data, err := provider.Reserve(size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve a region of %d bytes", size)
	}

	return &Region{
		provider: provider,
		data:     data,
	}, nil
}

// Size returns the page-rounded size of the region in bytes.
func (r *Region) Size() int {
	return len(r.data)
}

// Bytes returns the region's backing memory. Callers must only write inside payload ranges
// handed out by an allocator managing this region.
func (r *Region) Bytes() []byte {
	return r.data
}

// Close releases the region's backing memory. The region must not be used afterward. Close is
// a no-op on a region that has already been closed.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}

	err := r.provider.Release(r.data)
	r.data = nil
	if err != nil {
		return errors.Wrap(err, "failed to release region memory")
	}

	return nil
}
