package allocator

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/segfit/segfit/metadata"
	"github.com/segfit/segfit/region"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// Provider is the OS primitive used to reserve the region's memory. When nil, the default
	// provider for the platform is used. Mainly useful for tests.
	Provider region.Provider
}

// New reserves a region of at least regionSize bytes and returns an Allocator managing it.
// The reservation is rounded up to the next multiple of region.PageSize and is made exactly
// once; it fails with an error if the OS cannot satisfy it.
//
// logger - Debug-level diagnostics are written here. nil is valid and disables them.
//
// regionSize - The requested region size in bytes. Must be positive.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, regionSize int, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(nopHandler{})
	}

	provider := options.Provider

	var r *region.Region
	var err error
	if provider == nil {
		r, err = region.New(regionSize)
	} else {
		r, err = region.NewWithProvider(regionSize, provider)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize allocator region")
	}

	md := metadata.NewFreeListMetadata()
	md.Init(r.Size())

	return &Allocator{
		logger:   logger,
		region:   r,
		metadata: md,
	}, nil
}

// nopHandler drops every record. It keeps the logger non-nil so call sites stay unguarded.
type nopHandler struct{}

func (nopHandler) Enabled(_ context.Context, _ slog.Level) bool  { return false }
func (nopHandler) Handle(_ context.Context, _ slog.Record) error { return nil }
func (h nopHandler) WithAttrs(_ []slog.Attr) slog.Handler        { return h }
func (h nopHandler) WithGroup(_ string) slog.Handler             { return h }
