//go:build !plan9 && !windows && !js

package region

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// defaultProvider reserves regions from anonymous memory maps, which the kernel hands out
// zero-filled and page-granular.
type defaultProvider struct{}

func (defaultProvider) Reserve(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrap(err, "mmap failed")
	}

	return mem, nil
}

func (defaultProvider) Release(mem []byte) error {
	err := unix.Munmap(mem)
	if err != nil {
		return errors.Wrap(err, "munmap failed")
	}

	return nil
}
