//go:build linux

package catpt

import (
	"fmt"

	"periph.io/x/host/v3/pmem"
)

// PhysAllocator hands out physically contiguous, page aligned buffers from the kernel.
// It needs root and a kernel that exposes /proc/self/pagemap.
type PhysAllocator struct{}

type physBuffer struct {
	mem  *pmem.MemAlloc
	size int
}

// Alloc allocates size bytes rounded up to whole pages.
func (PhysAllocator) Alloc(size int) (DMABuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pmem alloc %d bytes: %w", size, ErrInvalidParameter)
	}

	mem, err := pmem.Alloc((size + PageSize - 1) &^ (PageSize - 1))
	if err != nil {
		return nil, fmt.Errorf("pmem alloc %d bytes: %w", size, err)
	}

	return &physBuffer{mem: mem, size: size}, nil
}

func (b *physBuffer) Bytes() []byte {
	return b.mem.Bytes()[:b.size]
}

func (b *physBuffer) PhysAddr() uint64 {
	return b.mem.PhysAddr()
}

func (b *physBuffer) Close() error {
	return b.mem.Close()
}
