package catpt

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
	"unsafe"
)

// Window is a mapped device memory range: 32-bit registers plus bulk byte access.
type Window interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
	io.ReaderAt
	io.WriterAt
}

// DMABuffer is a physically contiguous buffer visible to the device.
type DMABuffer interface {
	Bytes() []byte
	PhysAddr() uint64
	Close() error
}

// Allocator hands out DMABuffers.
type Allocator interface {
	Alloc(size int) (DMABuffer, error)
}

// PageSize is the granularity of ring buffer pages, page tables and DMA descriptor pages.
const PageSize = 4096

// allocBelow4G allocates size bytes and rejects buffers the DSP cannot address.
func allocBelow4G(a Allocator, size int) (DMABuffer, error) {
	buf, err := a.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w: %w", size, ErrNoMemory, err)
	}

	if buf.PhysAddr()+uint64(size) > 1<<32 {
		_ = buf.Close()

		return nil, fmt.Errorf("alloc %d bytes at %#x: above 4GB: %w", size, buf.PhysAddr(), ErrNoMemory)
	}

	return buf, nil
}

// MemWindow is a Window over memory mapped from a device.
type MemWindow struct {
	mem []byte
}

// MapWindow wraps b, which must be 4-byte aligned, as a Window.
func MapWindow(b []byte) *MemWindow {
	return &MemWindow{mem: b}
}

// Bytes returns the underlying mapping.
func (w *MemWindow) Bytes() []byte {
	return w.mem
}

// Read32 reads one 32-bit register.
func (w *MemWindow) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&w.mem[off])))
}

// Write32 writes one 32-bit register.
func (w *MemWindow) Write32(off uint32, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w.mem[off])), v)
}

// ReadAt copies from the mapping into p.
func (w *MemWindow) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(w.mem)) {
		return 0, io.EOF
	}

	n := copy(p, w.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt copies p into the mapping.
func (w *MemWindow) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(w.mem)) {
		return 0, fmt.Errorf("write %d bytes at %#x: outside window of %#x bytes", len(p), off, len(w.mem))
	}

	return copy(w.mem[off:], p), nil
}

// regs addresses a register block at a fixed offset of a Window.
type regs struct {
	w    Window
	base uint32
}

func (r regs) read(off uint32) uint32 {
	return r.w.Read32(r.base + off)
}

func (r regs) write(off uint32, v uint32) {
	r.w.Write32(r.base+off, v)
}

func (r regs) update(off, mask, val uint32) {
	r.write(off, r.read(off)&^mask|val&mask)
}

// read64 reads two successive 32-bit registers, low word first.
func (r regs) read64(off uint32) uint64 {
	lo := uint64(r.read(off))
	hi := uint64(r.read(off + 4))

	return hi<<32 | lo
}

// poll rereads off every interval until reg&mask == want or timeout elapses.
func (r regs) poll(off, mask, want uint32, interval, timeout time.Duration) (uint32, error) {
	deadline := time.Now().Add(timeout)
	for {
		v := r.read(off)
		if v&mask == want {
			return v, nil
		}

		if time.Now().After(deadline) {
			return v, fmt.Errorf("register %#x: %#x & %#x != %#x after %v: %w", r.base+off, v, mask, want, timeout, ErrTimeout)
		}

		time.Sleep(interval)
	}
}
