//go:build unix

package flatnodes

import "golang.org/x/sys/unix"

// mmapFile memory-maps fd read-write for the flat-node file's stage-1
// growth phase.
func mmapFile(fd uintptr, size int) ([]byte, error) {
	return unix.Mmap(int(fd), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// mmapReadOnly remaps fd read-only for stage 2, per §5's "memory-mapped
// read-only during stage 2".
func mmapReadOnly(fd uintptr, size int) ([]byte, error) {
	return unix.Mmap(int(fd), 0, size, unix.PROT_READ, unix.MAP_SHARED)
}

// munmapFile releases a mapping created by mmapFile or mmapReadOnly.
func munmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
