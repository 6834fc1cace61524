// Package dma manages the page-aligned memory backing the per-slot command
// descriptor buffers. On Linux the arena is an anonymous mapping so the
// hardware-programming layer gets stable, page-aligned addresses; elsewhere
// it falls back to heap memory.
package dma

import (
	"fmt"
	"os"
	"unsafe"
)

// Arena is a fixed-size region carved into equally sized descriptor buffers.
type Arena struct {
	buf      []byte
	slotSize int
	mapped   bool
}

// New allocates an arena holding count buffers of slotSize bytes each.
// The total size is rounded up to a whole number of pages.
func New(count, slotSize int) (*Arena, error) {
	if count <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("dma: invalid arena geometry count=%d slot_size=%d", count, slotSize)
	}

	size := count * slotSize
	pageSize := os.Getpagesize()
	if rem := size % pageSize; rem != 0 {
		size += pageSize - rem
	}

	buf, mapped, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("dma: failed to allocate %d bytes: %w", size, err)
	}

	return &Arena{
		buf:      buf,
		slotSize: slotSize,
		mapped:   mapped,
	}, nil
}

// Slot returns the descriptor buffer for the given index.
func (a *Arena) Slot(index int) []byte {
	off := index * a.slotSize
	return a.buf[off : off+a.slotSize : off+a.slotSize]
}

// SlotAddress returns the address of the descriptor buffer for the given
// index. In this userspace rendition the device-visible address and the
// virtual address are identity-mapped.
func (a *Arena) SlotAddress(index int) uintptr {
	return uintptr(unsafe.Pointer(&a.buf[index*a.slotSize]))
}

// Size returns the total arena size in bytes, after page rounding.
func (a *Arena) Size() int {
	return len(a.buf)
}

// Close releases the arena. The caller must guarantee no slot buffer is in
// use; descriptor buffers are invalid after Close.
func (a *Arena) Close() error {
	if a.buf == nil {
		return nil
	}
	err := release(a.buf, a.mapped)
	a.buf = nil
	return err
}
