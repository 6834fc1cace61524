//go:build linux

package dma

import "golang.org/x/sys/unix"

// allocate maps an anonymous region. Descriptor buffers are read and written
// from the submission path and read by the device layer, so the mapping is
// shared and populated up front to avoid page faults on the hot path.
func allocate(size int) ([]byte, bool, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

func release(buf []byte, mapped bool) error {
	if !mapped {
		return nil
	}
	return unix.Munmap(buf)
}
