package catpt_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gen2brain/catpt"
)

// simWindow is a byte-backed catpt.Window. Hooks run after each Write32 with the lock released.
type simWindow struct {
	mu    sync.Mutex
	mem   []byte
	read  func(off, v uint32) uint32
	hooks []func(off, old, v uint32)
	reads []simRead // every ReadAt, in order
}

// simRead is one ReadAt on a simWindow.
type simRead struct {
	Off int64
	Len int
}

func newSimWindow(size int) *simWindow {
	return &simWindow{mem: make([]byte, size)}
}

func (w *simWindow) Read32(off uint32) uint32 {
	v := w.peek(off)
	if w.read != nil {
		v = w.read(off, v)
	}

	return v
}

func (w *simWindow) Write32(off uint32, v uint32) {
	w.mu.Lock()
	old := binary.LittleEndian.Uint32(w.mem[off:])
	binary.LittleEndian.PutUint32(w.mem[off:], v)
	w.mu.Unlock()

	for _, hook := range w.hooks {
		hook(off, old, v)
	}
}

func (w *simWindow) ReadAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(w.mem)) {
		return 0, fmt.Errorf("read %d bytes at %#x: out of window", len(p), off)
	}
	w.reads = append(w.reads, simRead{Off: off, Len: len(p)})

	return copy(p, w.mem[off:]), nil
}

// readLog returns the ReadAt calls since the last clearReads.
func (w *simWindow) readLog() []simRead {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]simRead(nil), w.reads...)
}

func (w *simWindow) clearReads() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.reads = nil
}

func (w *simWindow) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(w.mem)) {
		return 0, fmt.Errorf("write %d bytes at %#x: out of window", len(p), off)
	}

	return copy(w.mem[off:], p), nil
}

// peek and poke access a register without running hooks.
func (w *simWindow) peek(off uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return binary.LittleEndian.Uint32(w.mem[off:])
}

func (w *simWindow) poke(off, v uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	binary.LittleEndian.PutUint32(w.mem[off:], v)
}

func (w *simWindow) modify(off, clear, set uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := binary.LittleEndian.Uint32(w.mem[off:])
	binary.LittleEndian.PutUint32(w.mem[off:], v&^clear|set)
}

func (w *simWindow) bytesAt(off, n int) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()

	return bytes.Clone(w.mem[off : off+n])
}

// simAllocator hands out buffers at synthetic, page aligned physical addresses.
type simAllocator struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]*simBuffer
	fail bool
}

type simBuffer struct {
	a    *simAllocator
	b    []byte
	phys uint64
}

func newSimAllocator() *simAllocator {
	return &simAllocator{next: 0x10000000, live: make(map[uint64]*simBuffer)}
}

func (a *simAllocator) Alloc(size int) (catpt.DMABuffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fail {
		return nil, fmt.Errorf("simulated allocation failure")
	}

	pages := (size + catpt.PageSize - 1) / catpt.PageSize
	buf := &simBuffer{a: a, b: make([]byte, size), phys: a.next}
	a.next += uint64(pages+1) * catpt.PageSize
	a.live[buf.phys] = buf

	return buf, nil
}

func (a *simAllocator) setFail(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fail = fail
}

// Live returns the number of buffers not yet closed.
func (a *simAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.live)
}

// read copies n bytes at a physical address out of the buffer that holds it.
func (a *simAllocator) read(phys uint64, n int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for base, buf := range a.live {
		if phys >= base && phys+uint64(n) <= base+uint64(len(buf.b)) {
			off := phys - base

			return bytes.Clone(buf.b[off : off+uint64(n)]), true
		}
	}

	return nil, false
}

func (b *simBuffer) Bytes() []byte    { return b.b }
func (b *simBuffer) PhysAddr() uint64 { return b.phys }

func (b *simBuffer) Close() error {
	b.a.mu.Lock()
	defer b.a.mu.Unlock()

	delete(b.a.live, b.phys)

	return nil
}

// dmaModel emulates a DesignWare controller in a window: enabling a channel walks its descriptor chain,
// copies from allocator memory into the window and raises the transfer-complete status.
type dmaModel struct {
	w     *simWindow
	base  uint32
	alloc *simAllocator

	mu     sync.Mutex
	stuck  bool
	copies int
}

func newDMAModel(w *simWindow, base uint32, alloc *simAllocator, channels int, llp bool) *dmaModel {
	m := &dmaModel{w: w, base: base, alloc: alloc}

	w.poke(base+catpt.DW_PARAMS, 1<<catpt.DW_PARAMS_EN|uint32(channels-1)<<catpt.DW_PARAMS_NR_CHAN)
	w.poke(base+catpt.DW_MAX_BLK_SIZE, 0xAAAAAAAA)
	for i := range catpt.DW_DMA_MAX_NR_CHANNELS {
		var params uint32
		if llp {
			params = 1 << catpt.DWC_PARAMS_MBLK_EN
		}
		w.poke(base+catpt.DW_DWC_PARAMS+uint32(i)*4, params)
	}

	w.hooks = append(w.hooks, m.write)

	return m
}

func (m *dmaModel) setStuck(stuck bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stuck = stuck
}

func (m *dmaModel) Copies() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.copies
}

func (m *dmaModel) write(off, old, v uint32) {
	if off < m.base || off >= m.base+0x400 {
		return
	}

	switch reg := off - m.base; {
	case reg == catpt.DW_CH_EN || reg >= catpt.DW_MASK && reg < catpt.DW_MASK+0x28:
		we := v >> 8 & 0xFF
		val := old&^we | v&we
		m.w.poke(off, val)

		if reg != catpt.DW_CH_EN {
			return
		}

		started := val &^ old & we
		for i := range catpt.DW_DMA_MAX_NR_CHANNELS {
			if started&(1<<i) != 0 {
				m.run(i)
			}
		}

	case reg >= catpt.DW_CLEAR && reg < catpt.DW_CLEAR+0x28:
		raw := m.base + catpt.DW_RAW + (reg - catpt.DW_CLEAR)
		m.w.modify(raw, v, 0)
	}
}

func (m *dmaModel) run(ch int) {
	m.mu.Lock()
	stuck := m.stuck
	m.mu.Unlock()

	if stuck {
		return
	}

	cb := m.base + uint32(ch)*catpt.DW_CHAN_STRIDE
	llp := catpt.DWC_LLP_LOC(m.w.peek(cb + catpt.DWC_LLP))

	for range 4096 {
		lli, ok := m.alloc.read(uint64(llp), catpt.DW_LLI_SIZE)
		if !ok {
			return
		}

		sar := binary.LittleEndian.Uint32(lli[0:])
		dar := binary.LittleEndian.Uint32(lli[4:])
		next := binary.LittleEndian.Uint32(lli[8:])
		ctllo := binary.LittleEndian.Uint32(lli[12:])
		ctlhi := binary.LittleEndian.Uint32(lli[16:])

		width := ctllo >> 1 & 7
		n := int(ctlhi&catpt.DWC_CTLH_BLOCK_TS_MASK) << width

		data, ok := m.alloc.read(uint64(sar), n)
		if !ok {
			return
		}

		if _, err := m.w.WriteAt(data, int64(dar&^catpt.DSP_ADDR_MASK)); err != nil {
			return
		}

		m.mu.Lock()
		m.copies++
		m.mu.Unlock()

		if ctllo&(catpt.DWC_CTLL_LLP_D_EN|catpt.DWC_CTLL_LLP_S_EN) == 0 {
			break
		}
		llp = catpt.DWC_LLP_LOC(next)
	}

	m.w.modify(m.base+catpt.DW_RAW+catpt.DW_IRQ_XFER, 0, 1<<ch)
	m.w.modify(m.base+catpt.DW_CH_EN, 1<<ch, 0)
}

// Mailbox layout the simulated firmware publishes, all in the top DRAM block.
const (
	simMailbox    = 0x9F000
	simInbox      = 0x9F100
	simOutbox     = 0x9F500
	simBoxSize    = 0x400
	simPosRegs    = 0x9E000
	simMixerHwID  = 5
	simFwInfo     = "sim firmware 8.4.1"
	simDelayedGap = 5 * time.Millisecond
)

// simFwReady mirrors the fw-ready mailbox structure.
type simFwReady struct {
	InboxOffset  uint32
	OutboxOffset uint32
	InboxSize    uint32
	OutboxSize   uint32
	FwInfoSize   uint32
	FwInfo       [100]byte
}

// simMsg is one request the simulated firmware received.
type simMsg struct {
	Header  catpt.MsgHeader
	Payload []byte // outbox snapshot
}

// simReply tells the simulated firmware how to answer a request.
type simReply struct {
	Status  catpt.ReplyStatus
	Payload []byte
	Pending bool // answer PENDING, deliver the result on the DSP doorbell
	Silent  bool // never answer
}

// sim is a complete simulated DSP behind a catpt.Device.
type sim struct {
	t     *testing.T
	spec  *catpt.PlatformSpec
	lpe   *simWindow
	pci   *simWindow
	alloc *simAllocator
	dma   *dmaModel
	dev   *catpt.Device
	fw    string

	mu       sync.Mutex
	msgs     []simMsg
	respond  func(h catpt.MsgHeader, payload []byte) (simReply, bool)
	noBoot   bool
	nextHwID uint32
	boots    int
}

type simOption func(s *sim, cfg *catpt.Config)

func withFirmware(image []byte) simOption {
	return func(s *sim, cfg *catpt.Config) {
		s.fw = writeFirmware(s.t, image)
		cfg.FirmwarePath = s.fw
	}
}

func withoutBoot() simOption {
	return func(s *sim, _ *catpt.Config) {
		s.noBoot = true
	}
}

func withConfig(fn func(cfg *catpt.Config)) simOption {
	return func(_ *sim, cfg *catpt.Config) {
		fn(cfg)
	}
}

// newSim builds the simulated hardware and an uninitialized device on top of it.
func newSim(t *testing.T, opts ...simOption) *sim {
	t.Helper()

	spec := catpt.SpecFor(catpt.PlatformWPT)
	s := &sim{
		t:        t,
		spec:     spec,
		lpe:      newSimWindow(0x100000),
		pci:      newSimWindow(0x100),
		alloc:    newSimAllocator(),
		nextHwID: 1,
	}

	s.dma = newDMAModel(s.lpe, spec.HostDMAOffset[1], s.alloc, 8, true)
	s.lpe.hooks = append(s.lpe.hooks, s.shimWrite)
	s.lpe.read = func(off, v uint32) uint32 {
		if off == spec.HostShimOffset+catpt.SHIM_ISD {
			return v | catpt.ISD_DCPWM
		}

		return v
	}

	cfg := catpt.Config{
		Platform:       catpt.PlatformWPT,
		IPCTimeout:     200 * time.Millisecond,
		FwReadyTimeout: 200 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(s, &cfg)
	}

	if cfg.FirmwarePath == "" {
		s.fw = writeFirmware(t, buildImage(defaultModules()))
		cfg.FirmwarePath = s.fw
	}

	dev, err := catpt.New(s.lpe, s.pci, s.alloc, cfg)
	require.NoError(t, err, "New should succeed")
	s.dev = dev

	t.Cleanup(func() {
		_ = dev.Close()
	})

	return s
}

// newReadySim returns a simulated device that completed Init.
func newReadySim(t *testing.T, opts ...simOption) *sim {
	t.Helper()

	s := newSim(t, opts...)
	require.NoError(t, s.dev.Init(), "Init should succeed")

	return s
}

func (s *sim) shim(off uint32) uint32 {
	return s.lpe.peek(s.spec.HostShimOffset + off)
}

func (s *sim) setShim(off, clear, set uint32) {
	s.lpe.modify(s.spec.HostShimOffset+off, clear, set)
}

func (s *sim) setRespond(fn func(h catpt.MsgHeader, payload []byte) (simReply, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.respond = fn
}

// Messages returns the requests received so far.
func (s *sim) Messages() []simMsg {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]simMsg(nil), s.msgs...)
}

// MessagesOf returns the requests of global type t.
func (s *sim) MessagesOf(t catpt.GlobalMsgType) []simMsg {
	var out []simMsg
	for _, m := range s.Messages() {
		if m.Header.GlobalType() == t {
			out = append(out, m)
		}
	}

	return out
}

// StreamOps returns the stream message types sent to hwID, in order.
func (s *sim) StreamOps(hwID uint8) []catpt.StreamMsgType {
	var out []catpt.StreamMsgType
	for _, m := range s.MessagesOf(catpt.CATPT_GLB_STREAM_MESSAGE) {
		if m.Header.HwID() == hwID {
			out = append(out, m.Header.StreamType())
		}
	}

	return out
}

func (s *sim) clearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = nil
}

func (s *sim) Boots() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.boots
}

func (s *sim) shimWrite(off, old, v uint32) {
	base := s.spec.HostShimOffset
	if off < base || off >= base+0x100 {
		return
	}

	switch off - base {
	case catpt.SHIM_CS1:
		if old&catpt.CS_STALL != 0 && v&catpt.CS_STALL == 0 {
			s.boot()
		}

	case catpt.SHIM_IPCC:
		if v&catpt.IPCC_BUSY != 0 {
			s.request(catpt.MsgHeader(v &^ catpt.IPCC_BUSY))
		} else if old&catpt.IPCC_DONE != 0 && v&catpt.IPCC_DONE == 0 {
			s.setShim(catpt.SHIM_ISC, catpt.ISC_IPCCD, 0)
		}

	case catpt.SHIM_IPCD:
		if old&catpt.IPCD_BUSY != 0 && v&catpt.IPCD_BUSY == 0 {
			s.setShim(catpt.SHIM_ISC, catpt.ISC_IPCDB, 0)
		}
	}
}

func (s *sim) boot() {
	s.mu.Lock()
	noBoot := s.noBoot
	s.boots++
	s.mu.Unlock()

	if noBoot {
		return
	}

	ready := simFwReady{
		InboxOffset:  simInbox,
		OutboxOffset: simOutbox,
		InboxSize:    simBoxSize,
		OutboxSize:   simBoxSize,
		FwInfoSize:   uint32(len(simFwInfo)),
	}
	copy(ready.FwInfo[:], simFwInfo)

	b, err := binary.Append(nil, binary.LittleEndian, &ready)
	if err != nil {
		panic(err)
	}
	_, _ = s.lpe.WriteAt(b, simMailbox)

	go s.doorbell(uint32(simMailbox>>3)|1<<29, nil)
}

// doorbell raises the DSP to host doorbell once the previous one was acknowledged.
func (s *sim) doorbell(header uint32, payload []byte) {
	deadline := time.Now().Add(time.Second)
	for s.shim(catpt.SHIM_IPCD)&catpt.IPCD_BUSY != 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Microsecond)
	}

	if payload != nil {
		_, _ = s.lpe.WriteAt(payload, simInbox)
	}

	s.setShim(catpt.SHIM_IPCD, ^uint32(0), header|catpt.IPCD_BUSY)
	s.setShim(catpt.SHIM_ISC, 0, catpt.ISC_IPCDB)
	s.dev.Interrupt()
}

func (s *sim) request(h catpt.MsgHeader) {
	payload := s.lpe.bytesAt(simOutbox, simBoxSize)

	s.mu.Lock()
	s.msgs = append(s.msgs, simMsg{Header: h, Payload: payload})
	respond := s.respond
	s.mu.Unlock()

	rep, ok := simReply{}, false
	if respond != nil {
		rep, ok = respond(h, payload)
	}
	if !ok {
		rep = s.defaultReply(h)
	}

	if rep.Silent {
		return
	}

	if rep.Payload != nil {
		_, _ = s.lpe.WriteAt(rep.Payload, simOutbox)
	}

	status := rep.Status
	if rep.Pending {
		status = catpt.CATPT_REPLY_PENDING
	}

	hdr := uint32(h) &^ 0x1F
	s.setShim(catpt.SHIM_IPCC, ^uint32(0), hdr|uint32(status)|catpt.IPCC_DONE)
	s.setShim(catpt.SHIM_ISC, 0, catpt.ISC_IPCCD)
	go s.dev.Interrupt()

	if rep.Pending {
		go func() {
			time.Sleep(simDelayedGap)
			s.doorbell(hdr|uint32(rep.Status), nil)
		}()
	}
}

func (s *sim) defaultReply(h catpt.MsgHeader) simReply {
	switch h.GlobalType() {
	case catpt.CATPT_GLB_GET_FW_VERSION:
		ver := catpt.FwVersion{Major: 8, Minor: 4, Build: 1}
		copy(ver.BuildHash[:], "0123456789abcdef")

		return simReply{Payload: encode(&ver)}

	case catpt.CATPT_GLB_GET_MIXER_STREAM_INFO:
		info := catpt.MixerStreamInfo{MixerHwID: simMixerHwID}
		for i := range info.VolumeRegAddr {
			info.VolumeRegAddr[i] = catpt.DSP_ADDR_MASK | uint32(simPosRegs+0x400+i*4)
		}

		return simReply{Payload: encode(&info)}

	case catpt.CATPT_GLB_ALLOCATE_STREAM:
		s.mu.Lock()
		id := s.nextHwID
		s.nextHwID++
		s.mu.Unlock()

		info := catpt.StreamInfo{
			StreamHwID:     id,
			ReadPosRegAddr: catpt.DSP_ADDR_MASK | uint32(simPosRegs+id*0x40),
			PresPosRegAddr: catpt.DSP_ADDR_MASK | uint32(simPosRegs+id*0x40+8),
		}

		return simReply{Payload: encode(&info)}

	case catpt.CATPT_GLB_ENTER_DX_STATE:
		return simReply{Payload: make([]byte, 4+14*12)}
	}

	return simReply{}
}

// setPosition writes the position registers of stream hwID.
func (s *sim) setPosition(hwID uint32, link uint32, linear uint64) {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:], link)
	binary.LittleEndian.PutUint64(b[8:], linear)
	_, _ = s.lpe.WriteAt(b[:], int64(simPosRegs+hwID*0x40))
}

// notify sends a stream notification.
func (s *sim) notify(hwID uint8, reason catpt.NotifyReason, payload any) {
	h := uint32(catpt.CATPT_GLB_STREAM_MESSAGE)<<24 |
		uint32(catpt.CATPT_STRM_NOTIFICATION)<<20 |
		uint32(hwID)<<16 |
		uint32(reason)<<12

	s.doorbell(h, encode(payload))
}

func encode(v any) []byte {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(err)
	}

	return b
}

// Firmware image fixtures.

type fwBlock struct {
	ramType catpt.RAMType
	offset  uint32
	data    []byte
}

type fwModule struct {
	id         catpt.ModuleID
	entry      uint32
	persistent uint32
	scratch    uint32
	blocks     []fwBlock
	signature  string
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}

	return b
}

// defaultModules returns every module the stream templates need.
func defaultModules() []fwModule {
	type sizes struct {
		id                  catpt.ModuleID
		persistent, scratch uint32
	}

	var mods []fwModule
	for i, m := range []sizes{
		{catpt.CATPT_MODID_PCM, 0x800, 0x1000},
		{catpt.CATPT_MODID_PCM_SYSTEM, 0x1000, 0x2000},
		{catpt.CATPT_MODID_PCM_CAPTURE, 0x1000, 0x1000},
		{catpt.CATPT_MODID_PCM_REFERENCE, 0x400, 0},
		{catpt.CATPT_MODID_BLUETOOTH_RENDER, 0x400, 0x800},
		{catpt.CATPT_MODID_BLUETOOTH_CAPTURE, 0x400, 0x800},
	} {
		mods = append(mods, fwModule{
			id:         m.id,
			entry:      0x1004 + uint32(i)*0x400,
			persistent: m.persistent,
			scratch:    m.scratch,
			blocks: []fwBlock{
				{catpt.CATPT_RAM_TYPE_IRAM, uint32(i) * 0x400, pattern(0x100, byte(i))},
				{catpt.CATPT_RAM_TYPE_DRAM, uint32(i) * 0x200, pattern(0x80, byte(0x80+i))},
			},
		})
	}

	mods[1].blocks = append(mods[1].blocks, fwBlock{catpt.CATPT_RAM_TYPE_INSTANCE, 0x3000, pattern(0x40, 0x40)})

	return mods
}

func buildImage(mods []fwModule) []byte {
	var body []byte
	for _, m := range mods {
		var blocks []byte
		for _, b := range m.blocks {
			blocks = binary.LittleEndian.AppendUint32(blocks, uint32(b.ramType))
			blocks = binary.LittleEndian.AppendUint32(blocks, uint32(len(b.data)))
			blocks = binary.LittleEndian.AppendUint32(blocks, b.offset)
			blocks = binary.LittleEndian.AppendUint32(blocks, 0)
			blocks = append(blocks, b.data...)
		}

		sig := m.signature
		if sig == "" {
			sig = catpt.FwSignature
		}

		body = append(body, sig...)
		body = binary.LittleEndian.AppendUint32(body, uint32(len(blocks)))
		body = binary.LittleEndian.AppendUint32(body, uint32(len(m.blocks)))
		body = binary.LittleEndian.AppendUint16(body, 0)
		body = binary.LittleEndian.AppendUint16(body, uint16(m.id))
		body = binary.LittleEndian.AppendUint32(body, m.entry)
		body = binary.LittleEndian.AppendUint32(body, m.persistent)
		body = binary.LittleEndian.AppendUint32(body, m.scratch)
		body = append(body, blocks...)
	}

	img := []byte(catpt.FwSignature)
	img = binary.LittleEndian.AppendUint32(img, uint32(32+len(body)))
	img = binary.LittleEndian.AppendUint32(img, uint32(len(mods)))
	img = binary.LittleEndian.AppendUint32(img, 1)
	img = append(img, make([]byte, 16)...)

	return append(img, body...)
}

func writeFirmware(t *testing.T, image []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "IntcSST2.bin")
	require.NoError(t, os.WriteFile(path, image, 0o644))

	return path
}
