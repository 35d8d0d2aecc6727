//go:build plan9 || windows || js

package region

// defaultProvider falls back to zero-filled heap slices on platforms without anonymous memory
// maps. The Go runtime guarantees fresh slices are zeroed, so the region contract holds.
type defaultProvider struct{}

func (defaultProvider) Reserve(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (defaultProvider) Release(mem []byte) error {
	return nil
}
