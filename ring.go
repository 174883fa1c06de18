package catpt

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"unsafe"
)

// Ring is a DMA ring buffer shared with a stream. Offsets are in bytes and wrap at Size.
type Ring struct {
	buf  DMABuffer
	size int
}

// NewRing allocates a ring of size bytes, trimmed to whole frames, in DSP-addressable memory.
func NewRing(alloc Allocator, size int) (*Ring, error) {
	size -= size % FrameBytes
	if size <= 0 {
		return nil, fmt.Errorf("ring of %d bytes: %w", size, ErrInvalidParameter)
	}

	pages := (size + PageSize - 1) / PageSize

	buf, err := allocBelow4G(alloc, pages*PageSize)
	if err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}

	if buf.PhysAddr()%PageSize != 0 {
		_ = buf.Close()

		return nil, fmt.Errorf("ring at %#x: not page aligned: %w", buf.PhysAddr(), ErrNoMemory)
	}

	return &Ring{buf: buf, size: size}, nil
}

// Close frees the ring memory.
func (r *Ring) Close() error {
	if r == nil || r.buf == nil {
		return nil
	}

	err := r.buf.Close()
	r.buf = nil

	return err
}

// Size returns the ring size in bytes.
func (r *Ring) Size() int {
	if r == nil {
		return 0
	}

	return r.size
}

// Pages returns the DMA address of every page backing the ring, for Program.
func (r *Ring) Pages() []uint64 {
	if r == nil || r.buf == nil {
		return nil
	}

	n := (r.size + PageSize - 1) / PageSize
	pages := make([]uint64, n)
	for i := range pages {
		pages[i] = r.buf.PhysAddr() + uint64(i*PageSize)
	}

	return pages
}

// Program programs the stream of dir with this ring.
func (r *Ring) Program(d *Device, dir Direction) error {
	if r == nil || r.buf == nil {
		return fmt.Errorf("program %s: ring closed: %w", dir, ErrInvalidParameter)
	}

	return d.Program(dir, r.size, r.Pages())
}

// WriteAt copies interleaved samples from data into the ring starting at byte offset off, wrapping at the end.
// The provided `data` argument must be a slice of a supported numeric type (e.g., []int16, []float32).
// Returns the number of bytes written.
func (r *Ring) WriteAt(data any, off int) (int, error) {
	ptr, byteLen, err := checkSliceAndGetData(data)
	if err != nil {
		return 0, fmt.Errorf("invalid data type for WriteAt: %w", err)
	}

	defer runtime.KeepAlive(data)

	if byteLen == 0 {
		return 0, nil
	}

	return r.copyRing(unsafe.Slice((*byte)(ptr), byteLen), off, true)
}

// ReadAt copies interleaved samples out of the ring starting at byte offset off into data.
// The provided `data` must be a slice of a supported numeric type. Returns the number of bytes read.
func (r *Ring) ReadAt(data any, off int) (int, error) {
	ptr, byteLen, err := checkSliceAndGetData(data)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer type for ReadAt: %w", err)
	}

	defer runtime.KeepAlive(data)

	if byteLen == 0 {
		return 0, nil
	}

	return r.copyRing(unsafe.Slice((*byte)(ptr), byteLen), off, false)
}

func (r *Ring) copyRing(p []byte, off int, write bool) (int, error) {
	if r == nil || r.buf == nil {
		return 0, fmt.Errorf("ring closed: %w", ErrInvalidParameter)
	}

	if len(p) > r.size {
		return 0, fmt.Errorf("%d bytes exceed ring of %d: %w", len(p), r.size, ErrBufferOverflow)
	}

	mem := r.buf.Bytes()[:r.size]
	off %= r.size
	if off < 0 {
		off += r.size
	}

	n := 0
	for n < len(p) {
		var c int
		if write {
			c = copy(mem[off:], p[n:])
		} else {
			c = copy(p[n:], mem[off:])
		}

		n += c
		off = (off + c) % r.size
	}

	return n, nil
}

// Avail returns the bytes between the host offset hostPos and the DSP offset linkPos, as returned by
// CurrentPosition. For playback that is the room the host may fill, for capture the data it may consume.
// Equal offsets report 0.
func (r *Ring) Avail(hostPos, linkPos int) int {
	if r == nil || r.size == 0 {
		return 0
	}

	avail := (linkPos - hostPos) % r.size
	if avail < 0 {
		avail += r.size
	}

	return avail
}

// checkSlice validates that the input is a slice of a supported numeric type.
// It returns the total length of the slice data in bytes.
func checkSlice(data any) (byteLen uint32, err error) {
	if data == nil {
		return 0, errors.New("data cannot be nil")
	}

	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Slice {
		return 0, fmt.Errorf("expected a slice, got %T", data)
	}

	if rv.Len() == 0 {
		return 0, nil
	}

	switch rv.Type().Elem().Kind() {
	case reflect.Int8, reflect.Uint8,
		reflect.Int16, reflect.Uint16,
		reflect.Int32, reflect.Uint32,
		reflect.Float32, reflect.Float64:
	default:
		return 0, fmt.Errorf("unsupported slice element type: %s", rv.Type().Elem().Kind())
	}

	return uint32(rv.Len()) * uint32(rv.Type().Elem().Size()), nil
}

// checkSliceAndGetData is a helper that combines slice validation and getting the data pointer.
func checkSliceAndGetData(data any) (ptr unsafe.Pointer, byteLen uint32, err error) {
	byteLen, err = checkSlice(data)
	if err != nil {
		return nil, 0, err
	}

	if byteLen > 0 {
		ptr = unsafe.Pointer(reflect.ValueOf(data).Index(0).Addr().Pointer())
	}

	return ptr, byteLen, nil
}
