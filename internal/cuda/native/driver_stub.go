//go:build !cuda

// Package native binds cuda.Driver to the CUDA driver API through cgo. This
// build was made without the "cuda" tag, so only the stub is available.
package native

import (
	"errors"

	"github.com/yuuki/cudaipc/internal/cuda"
)

// ErrNotBuilt is returned by Open when the binary was built without CUDA.
var ErrNotBuilt = errors.New("cuda support not built in (rebuild with -tags cuda)")

// Driver is unavailable in this build. It satisfies cuda.Driver so callers
// compile identically with and without the build tag.
type Driver struct {
	cuda.Driver
}

// Open always fails without the "cuda" build tag.
func Open(device int) (*Driver, error) {
	return nil, ErrNotBuilt
}

// Close is a no-op.
func (d *Driver) Close() error {
	return nil
}
