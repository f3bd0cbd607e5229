//go:build !unix

package sim

import "errors"

var errNoSharedMemory = errors.New("simulated device memory requires a unix platform")

func createBacking(path string, size uint64) ([]byte, error) {
	return nil, errNoSharedMemory
}

func openBacking(path string, size uint64) ([]byte, error) {
	return nil, errNoSharedMemory
}

func releaseBacking(mem []byte) error {
	return errNoSharedMemory
}
