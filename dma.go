package catpt

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/platinasystems/log"
)

// Priority selects how channel priorities are assigned.
type Priority int

const (
	// PriorityAscending gives channel 0 the highest priority.
	PriorityAscending Priority = iota
	// PriorityDescending gives the last channel the highest priority.
	PriorityDescending
)

const (
	dmaPollInterval    = 100 * time.Microsecond
	dmaTimeout         = time.Second
	dmaDisableInterval = 10 * time.Microsecond
	dmaDisableTimeout  = 100 * time.Millisecond
)

// dwChan is one DMA channel.
type dwChan struct {
	mu        sync.Mutex
	regs      regs
	mask      uint32
	priority  uint32
	blockSize uint32 // max elements per block
	maxBurst  uint32
	nollp     bool
}

// DMAEngine drives a DesignWare DMA controller for memory to memory copies.
type DMAEngine struct {
	regs     regs
	alloc    Allocator
	prio     Priority
	chans    []dwChan
	allMask  uint32
	widths   []uint32 // data width of each master in bytes
	ready    bool
	inFlight sync.Mutex
}

// NewDMAEngine returns an engine for the controller at base in w. Init must be called before Transfer.
func NewDMAEngine(w Window, base uint32, alloc Allocator, prio Priority) *DMAEngine {
	return &DMAEngine{
		regs:  regs{w: w, base: base},
		alloc: alloc,
		prio:  prio,
	}
}

// Channels returns the number of channels discovered by Init.
func (e *DMAEngine) Channels() int {
	return len(e.chans)
}

// BlockSize returns the maximum number of elements one descriptor of channel ch moves.
func (e *DMAEngine) BlockSize(ch int) uint32 {
	return e.chans[ch].blockSize
}

// Init reads the encoded hardware parameters, sets up the channels and leaves the controller disabled.
func (e *DMAEngine) Init() error {
	params := e.regs.read(DW_PARAMS)
	log.Printf("debug", "dw_dmac: DW_PARAMS: %#08x", params)

	if params>>DW_PARAMS_EN&1 == 0 {
		return fmt.Errorf("dw_dmac: encoded parameters not present: %w", ErrInvalidConfig)
	}

	nrChannels := int(params>>DW_PARAMS_NR_CHAN&7) + 1
	nrMasters := int(params>>DW_PARAMS_NR_MASTER&3) + 1

	e.widths = make([]uint32, nrMasters)
	for i := range e.widths {
		e.widths[i] = 4 << (params >> DW_PARAMS_DATA_WIDTH(i) & 3)
	}

	maxBlk := e.regs.read(DW_MAX_BLK_SIZE)

	e.chans = make([]dwChan, nrChannels)
	e.allMask = 1<<nrChannels - 1

	e.Disable()

	for i := range e.chans {
		c := &e.chans[i]

		// 7 is the highest priority, 0 the lowest.
		if e.prio == PriorityAscending {
			c.priority = uint32(nrChannels - i - 1)
		} else {
			c.priority = uint32(i)
		}

		c.regs = regs{w: e.regs.w, base: e.regs.base + uint32(i)*DW_CHAN_STRIDE}
		c.mask = 1 << i

		e.channelClearBit(DW_CH_EN, c.mask)

		r := DW_DMA_MAX_NR_CHANNELS - i - 1
		dwcParams := e.regs.read(DW_DWC_PARAMS + uint32(r)*4)
		log.Printf("debug", "dw_dmac: DWC_PARAMS[%d]: %#08x", i, dwcParams)

		// 0x0 encodes 3 elements up to 0xa for 4095.
		c.blockSize = 4<<(maxBlk>>(4*i)&0xF) - 1
		c.nollp = dwcParams>>DWC_PARAMS_MBLK_EN&1 == 0 || dwcParams>>DWC_PARAMS_HC_LLP&1 == 1
		c.maxBurst = 4 << (dwcParams >> DWC_PARAMS_MSIZE & 7)
	}

	for _, irq := range []uint32{DW_IRQ_XFER, DW_IRQ_BLOCK, DW_IRQ_SRC_TRAN, DW_IRQ_DST_TRAN, DW_IRQ_ERROR} {
		e.regs.write(DW_CLEAR+irq, e.allMask)
	}

	e.ready = true

	return nil
}

// channelSetBit sets mask in a channel bitmap register. The upper byte is the write enable.
func (e *DMAEngine) channelSetBit(off, mask uint32) {
	e.regs.write(off, mask<<8|mask)
}

func (e *DMAEngine) channelClearBit(off, mask uint32) {
	e.regs.write(off, mask<<8)
}

func (e *DMAEngine) enable() {
	e.regs.write(DW_CFG, DW_CFG_DMA_EN)
}

// Disable turns the controller off, masks every channel interrupt and waits for the enable bit to drop.
func (e *DMAEngine) Disable() {
	e.regs.write(DW_CFG, 0)

	for _, irq := range []uint32{DW_IRQ_XFER, DW_IRQ_BLOCK, DW_IRQ_SRC_TRAN, DW_IRQ_DST_TRAN, DW_IRQ_ERROR} {
		e.channelClearBit(DW_MASK+irq, e.allMask)
	}

	if _, err := e.regs.poll(DW_CFG, DW_CFG_DMA_EN, 0, dmaDisableInterval, dmaDisableTimeout); err != nil {
		log.Printf("err", "dw_dmac: disable: %v", err)
	}
}

// Close disables the controller and every channel.
func (e *DMAEngine) Close() {
	if !e.ready {
		return
	}

	e.Disable()
	for i := range e.chans {
		e.channelClearBit(DW_CH_EN, e.chans[i].mask)
	}

	e.ready = false
}

// bytes2block returns the element count of the next block and the number of bytes it moves.
func (c *dwChan) bytes2block(bytes uint32, width uint32) (block, n uint32) {
	if bytes>>width > c.blockSize {
		return c.blockSize, c.blockSize << width
	}

	return bytes >> width, bytes
}

// buildChain writes the descriptors for an n byte copy into page and returns how many were written.
func (c *dwChan) buildChain(page DMABuffer, dst, src, n, width, ctllo uint32) (int, error) {
	mem := page.Bytes()
	base := uint32(page.PhysAddr())
	lms := DWC_LLP_LMS(0)

	var prev []byte
	count := 0
	for off, xfer := uint32(0), uint32(0); off < n; off += xfer {
		var block uint32
		block, xfer = c.bytes2block(n-off, width)

		pos := count * DW_LLI_SIZE
		if pos+DW_LLI_SIZE > len(mem) {
			return count, fmt.Errorf("dw_dmac: %d byte copy needs more than %d descriptors: %w",
				n, len(mem)/DW_LLI_SIZE, ErrNoMemory)
		}

		cur := mem[pos : pos+DW_LLI_SIZE]
		lli := dwLLI{
			SAR:   src + off,
			DAR:   dst + off,
			CTLLo: ctllo,
			CTLHi: block,
		}
		if _, err := binary.Encode(cur, binary.LittleEndian, &lli); err != nil {
			return count, err
		}

		if prev != nil {
			binary.LittleEndian.PutUint32(prev[8:], base+uint32(pos)|lms)
		}

		prev = cur
		count++
	}

	if prev != nil {
		lo := binary.LittleEndian.Uint32(prev[12:])
		binary.LittleEndian.PutUint32(prev[12:], lo&^(DWC_CTLL_LLP_D_EN|DWC_CTLL_LLP_S_EN))
	}

	return count, nil
}

// Transfer copies n bytes from src to dst, both DMA addresses, on the first idle channel.
// It blocks until the controller reports completion or a one second deadline passes.
func (e *DMAEngine) Transfer(dst, src uint32, n int) error {
	if e == nil || !e.ready {
		return fmt.Errorf("dw_dmac: not initialized: %w", ErrNoSuchDevice)
	}

	if n <= 0 || uint64(n) > 1<<32-1 {
		return fmt.Errorf("dw_dmac: transfer of %d bytes: %w", n, ErrInvalidParameter)
	}

	e.inFlight.Lock()
	defer e.inFlight.Unlock()

	e.enable()
	defer e.Disable()

	busy := e.regs.read(DW_CH_EN) & e.allMask
	for i := range e.chans {
		if e.chans[i].nollp {
			busy |= e.chans[i].mask
		}
	}

	idx := findNextClearBit(busy, len(e.chans), 0)
	if idx == len(e.chans) {
		return fmt.Errorf("dw_dmac: no idle channel, busy %#x: %w", busy, ErrResourceBusy)
	}
	c := &e.chans[idx]

	c.mu.Lock()
	defer c.mu.Unlock()

	const master = 0
	width := uint32(ffs(e.widths[master] | src | dst | uint32(n)))

	ctllo := DWC_CTLL_LLP_D_EN | DWC_CTLL_LLP_S_EN |
		DWC_CTLL_DST_MSIZE(0) | DWC_CTLL_SRC_MSIZE(0) |
		DWC_CTLL_DMS(master) | DWC_CTLL_SMS(master) |
		DWC_CTLL_DST_WIDTH(width) | DWC_CTLL_SRC_WIDTH(width) |
		DWC_CTLL_DST_INC | DWC_CTLL_SRC_INC | DWC_CTLL_FC_M2M

	page, err := allocBelow4G(e.alloc, PageSize)
	if err != nil {
		return fmt.Errorf("dw_dmac: descriptor page: %w", err)
	}
	defer page.Close()

	clear(page.Bytes())

	if _, err := c.buildChain(page, dst, src, uint32(n), width, ctllo); err != nil {
		return err
	}

	c.regs.write(DWC_CFG_LO, DWC_CFGL_CH_PRIOR(c.priority))
	c.regs.write(DWC_CFG_HI, DWC_CFGH_FIFO_MODE|DWC_CFGH_DST_PER(0)|DWC_CFGH_SRC_PER(0)|DWC_CFGH_PROTCTL(0))

	e.channelSetBit(DW_MASK+DW_IRQ_XFER, c.mask)
	e.channelSetBit(DW_MASK+DW_IRQ_ERROR, c.mask)

	c.regs.write(DWC_LLP, uint32(page.PhysAddr())|DWC_LLP_LMS(0))
	c.regs.write(DWC_CTL_LO, DWC_CTLL_LLP_D_EN|DWC_CTLL_LLP_S_EN)
	c.regs.write(DWC_CTL_HI, 0)
	e.channelSetBit(DW_CH_EN, c.mask)

	deadline := time.Now().Add(dmaTimeout)
	for {
		if e.regs.read(DW_RAW+DW_IRQ_XFER)&c.mask != 0 {
			break
		}

		if time.Now().After(deadline) {
			log.Printf("err", "dw_dmac: transfer timed out, SAR: %#x DAR: %#x LLP: %#x CTL: %#x:%08x",
				c.regs.read(DWC_SAR), c.regs.read(DWC_DAR), c.regs.read(DWC_LLP),
				c.regs.read(DWC_CTL_HI), c.regs.read(DWC_CTL_LO))

			return fmt.Errorf("dw_dmac: %d bytes %#x -> %#x: after %v: %w", n, src, dst, dmaTimeout, ErrTimeout)
		}

		time.Sleep(dmaPollInterval)
	}

	e.regs.write(DW_CLEAR+DW_IRQ_XFER, c.mask)

	if e.regs.read(DW_CH_EN)&c.mask != 0 {
		log.Printf("err", "dw_dmac: channel mask %#x still enabled after transfer", c.mask)
	}

	return nil
}
