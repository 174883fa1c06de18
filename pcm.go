package catpt

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/platinasystems/log"
)

// stream is the runtime state of one stream slot.
type stream struct {
	allocated  bool
	prepared   bool
	info       StreamInfo
	persistent Region
	pageTable  DMABuffer
	byteCount  int
	numPages   int
}

// StreamStatus is a snapshot of a stream slot.
type StreamStatus struct {
	Allocated     bool
	Prepared      bool
	Info          StreamInfo
	Persistent    Region
	PageTableAddr uint64
	ByteCount     int
	NumPages      int
}

// Stereo map: LEFT in channel 0, RIGHT in channel 1, the rest unused.
const stereoChannelMap = 0xFFFFFF00 | CATPT_CHANNEL_RIGHT<<4 | CATPT_CHANNEL_LEFT

// streamFormat is the fixed format every stream is programmed with.
var streamFormat = audioFormat{
	SampleRate:    StreamRate,
	BitDepth:      StreamBits,
	ChannelMap:    stereoChannelMap,
	ChannelConfig: CATPT_CHANNEL_CONFIG_STEREO,
	Interleaving:  CATPT_INTERLEAVING_PER_CHANNEL,
	NumChannels:   StreamChannels,
	ValidBitDepth: StreamBits,
}

func (d *Device) stream(dir Direction) (*stream, error) {
	if d == nil {
		return nil, ErrNoSuchDevice
	}

	if dir != StreamOut && dir != StreamIn {
		return nil, fmt.Errorf("stream %s: %w", dir, ErrInvalidParameter)
	}

	return d.streams[dir], nil
}

// buildPageTable packs the 20-bit page frame numbers of pages into table, two entries per 5 bytes.
func buildPageTable(table []byte, pages []uint64) error {
	clear(table)

	for i, addr := range pages {
		pfn := uint32(addr >> 12)
		off := (i<<2 + i) >> 1
		if off+4 > len(table) {
			return fmt.Errorf("page table: %d pages do not fit %d bytes: %w", len(pages), len(table), ErrInvalidParameter)
		}

		v := binary.LittleEndian.Uint32(table[off:])
		if i&1 != 0 {
			v |= pfn << 4
		} else {
			v |= pfn
		}
		binary.LittleEndian.PutUint32(table[off:], v)
	}

	return nil
}

// Program allocates the stream of dir on the DSP for a ring buffer of byteCount bytes backed by pages,
// the page aligned DMA addresses of the ring. On failure the slot is left unallocated.
func (d *Device) Program(dir Direction, byteCount int, pages []uint64) error {
	s, err := d.stream(dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if s.allocated {
		return fmt.Errorf("program %s: already allocated: %w", dir, ErrInvalidParameter)
	}

	if byteCount <= 0 || len(pages) == 0 || len(pages)*PageSize < byteCount {
		return fmt.Errorf("program %s: %d bytes in %d pages: %w", dir, byteCount, len(pages), ErrInvalidParameter)
	}

	for _, p := range pages {
		if p%PageSize != 0 || p >= 1<<32 {
			return fmt.Errorf("program %s: page %#x: %w", dir, p, ErrInvalidParameter)
		}
	}

	if err := d.program(s, dir, byteCount, pages); err != nil {
		d.forceStop(s)

		return fmt.Errorf("program %s: %w", dir, err)
	}

	return nil
}

func (d *Device) program(s *stream, dir Direction, byteCount int, pages []uint64) error {
	t := d.template(dir)

	if s.pageTable == nil {
		pt, err := allocBelow4G(d.alloc, PageSize)
		if err != nil {
			return fmt.Errorf("page table: %w", err)
		}
		s.pageTable = pt
	}

	if err := buildPageTable(s.pageTable.Bytes(), pages); err != nil {
		return err
	}

	if !d.tree.Live(s.persistent) && t.persistentSize > 0 {
		res, ok := d.tree.RequestFirstFit(d.dram, uint64(t.persistentSize))
		if !ok {
			return fmt.Errorf("persistent memory of %d bytes: %w", t.persistentSize, ErrDeviceBusy)
		}
		s.persistent = res

		d.UpdateSRAMPGE(d.dram, d.spec.DRAMMask)
	}

	req := &allocStreamRequest{
		path:   t.path,
		typ:    t.typ,
		format: streamFormat,
		ring: ringInfo{
			PageTableAddr: uint32(s.pageTable.PhysAddr()),
			NumPages:      uint32(len(pages)),
			Size:          uint32(byteCount),
			FirstPFN:      uint32(pages[0] >> 12),
		},
		modules: t.entries,
	}

	if d.tree.Live(s.persistent) {
		req.persistent = memoryInfo{
			Offset: toDSPOffset(d.tree.Start(s.persistent)),
			Size:   uint32(d.tree.Size(s.persistent)),
		}
	}

	if d.tree.Live(d.scratch) {
		req.scratch = memoryInfo{
			Offset: toDSPOffset(d.tree.Start(d.scratch)),
			Size:   uint32(d.tree.Size(d.scratch)),
		}
	}

	info, err := d.ipcAllocStream(req)
	if err != nil {
		return err
	}

	s.info = info
	s.byteCount = byteCount
	s.numPages = len(pages)
	s.allocated = true

	d.notifyMu.Lock()
	d.positions[uint8(info.StreamHwID)] = NotifyPosition{}
	d.notifyMu.Unlock()

	log.Printf("debug", "catpt: %s stream allocated, hw id %d", dir, info.StreamHwID)

	return nil
}

// Play resets the stream, pauses it and resumes it, voting for the high clock in between.
func (d *Device) Play(dir Direction) error {
	s, err := d.stream(dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.allocated {
		return fmt.Errorf("play %s: not allocated: %w", dir, ErrInvalidParameter)
	}

	hwID := uint8(s.info.StreamHwID)

	if err := d.ipcResetStream(hwID); err != nil {
		return fmt.Errorf("play %s: %w", dir, err)
	}

	if err := d.ipcPauseStream(hwID); err != nil {
		return fmt.Errorf("play %s: %w", dir, err)
	}

	s.prepared = true
	d.updateLPClock()

	if err := d.ipcResumeStream(hwID); err != nil {
		s.prepared = false
		d.updateLPClock()

		return fmt.Errorf("play %s: %w", dir, err)
	}

	return nil
}

// Pause halts a playing stream without releasing it.
func (d *Device) Pause(dir Direction) error {
	s, err := d.stream(dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.allocated {
		return fmt.Errorf("pause %s: not allocated: %w", dir, ErrInvalidParameter)
	}

	if err := d.ipcPauseStream(uint8(s.info.StreamHwID)); err != nil {
		return fmt.Errorf("pause %s: %w", dir, err)
	}

	return nil
}

// Stop pauses and frees the stream and releases its host resources. Stopping a stream that is not
// allocated only runs the cleanup. The host side is cleaned up even if the DSP rejects pause or free.
func (d *Device) Stop(dir Direction) error {
	s, err := d.stream(dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.allocated {
		d.forceStop(s)
		d.updateLPClock()

		return nil
	}

	hwID := uint8(s.info.StreamHwID)

	pauseErr := d.ipcPauseStream(hwID)
	s.prepared = false
	d.updateLPClock()

	freeErr := d.ipcFreeStream(hwID)
	d.forceStop(s)

	if err := errors.Join(pauseErr, freeErr); err != nil {
		return fmt.Errorf("stop %s: %w", dir, err)
	}

	return nil
}

// ForceStop releases the host resources of a stream without talking to the DSP.
func (d *Device) ForceStop(dir Direction) error {
	s, err := d.stream(dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.forceStop(s)

	return nil
}

// forceStop is idempotent and safe on a partially programmed stream. Callers hold d.mu.
func (d *Device) forceStop(s *stream) {
	if d.tree.Live(s.persistent) {
		if err := d.tree.Release(s.persistent); err != nil {
			log.Printf("err", "catpt: release persistent memory: %v", err)
		}
		d.UpdateSRAMPGE(d.dram, d.spec.DRAMMask)
	}
	s.persistent = Region{}

	if s.pageTable != nil {
		if err := s.pageTable.Close(); err != nil {
			log.Printf("err", "catpt: free page table: %v", err)
		}
		s.pageTable = nil
	}

	if s.allocated {
		d.notifyMu.Lock()
		delete(d.positions, uint8(s.info.StreamHwID))
		d.notifyMu.Unlock()
	}

	s.allocated = false
	s.prepared = false
	s.info = StreamInfo{}
	s.byteCount = 0
	s.numPages = 0
}

// CurrentPosition reads the stream's position registers straight from DSP memory.
// linkPos is the byte offset in the ring the DSP reads or writes next; linearPos is the running
// presentation position in bytes.
func (d *Device) CurrentPosition(dir Direction) (linkPos uint32, linearPos uint64, err error) {
	s, err := d.stream(dir)
	if err != nil {
		return 0, 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.allocated {
		return 0, 0, fmt.Errorf("position %s: not allocated: %w", dir, ErrInvalidParameter)
	}

	var buf [8]byte
	if _, err := d.lpe.ReadAt(buf[:4], int64(dspToHost(s.info.ReadPosRegAddr))); err != nil {
		return 0, 0, fmt.Errorf("position %s: %w", dir, err)
	}
	linkPos = binary.LittleEndian.Uint32(buf[:4])

	if _, err := d.lpe.ReadAt(buf[:], int64(dspToHost(s.info.PresPosRegAddr))); err != nil {
		return 0, 0, fmt.Errorf("position %s: %w", dir, err)
	}
	linearPos = binary.LittleEndian.Uint64(buf[:])

	return linkPos, linearPos, nil
}

// LastNotifiedPosition returns the payload of the most recent position notification of the stream.
func (d *Device) LastNotifiedPosition(dir Direction) (NotifyPosition, error) {
	s, err := d.stream(dir)
	if err != nil {
		return NotifyPosition{}, err
	}

	d.mu.Lock()
	allocated, hwID := s.allocated, uint8(s.info.StreamHwID)
	d.mu.Unlock()

	if !allocated {
		return NotifyPosition{}, fmt.Errorf("notified position %s: not allocated: %w", dir, ErrInvalidParameter)
	}

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	return d.positions[hwID], nil
}

// SetWritePosition tells the firmware how far the host has filled the ring.
func (d *Device) SetWritePosition(dir Direction, pos uint32, endOfBuffer, lowLatency bool) error {
	s, err := d.stream(dir)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.allocated {
		return fmt.Errorf("write position %s: not allocated: %w", dir, ErrInvalidParameter)
	}

	return d.ipcSetWritePos(uint8(s.info.StreamHwID), pos, endOfBuffer, lowLatency)
}

// MuteLoopback mutes or unmutes the reference stream with hardware id hwID.
func (d *Device) MuteLoopback(hwID uint8, mute bool) error {
	if d == nil {
		return ErrNoSuchDevice
	}

	return d.ipcMuteLoopback(hwID, mute)
}

// Status returns a snapshot of the stream slot.
func (d *Device) Status(dir Direction) (StreamStatus, error) {
	s, err := d.stream(dir)
	if err != nil {
		return StreamStatus{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st := StreamStatus{
		Allocated:  s.allocated,
		Prepared:   s.prepared,
		Info:       s.info,
		Persistent: s.persistent,
		ByteCount:  s.byteCount,
		NumPages:   s.numPages,
	}
	if s.pageTable != nil {
		st.PageTableAddr = s.pageTable.PhysAddr()
	}

	return st, nil
}
