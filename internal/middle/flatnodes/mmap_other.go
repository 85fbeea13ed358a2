//go:build !unix

package flatnodes

import "fmt"

// Memory mapping is not supported on non-Unix platforms, so Open fails
// there; Store has no plain-file fallback.
func mmapFile(fd uintptr, size int) ([]byte, error) {
	return nil, fmt.Errorf("flatnodes: memory mapping is not supported on this platform")
}

func mmapReadOnly(fd uintptr, size int) ([]byte, error) {
	return nil, fmt.Errorf("flatnodes: memory mapping is not supported on this platform")
}

func munmapFile(data []byte) error {
	return nil
}
