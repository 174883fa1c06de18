package catpt

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/platinasystems/log"
)

// Device is one audio DSP. It owns the register windows, the SRAM allocators, the firmware load DMA
// controller, the IPC mailbox and the two stream slots.
type Device struct {
	cfg  Config
	spec *PlatformSpec

	lpe   Window
	pci   regs
	shim  regs
	ssp   [2]regs
	alloc Allocator
	dma   *DMAEngine

	ipc ipc

	mu          sync.Mutex // serializes Init, Deinit and the stream operations
	clockMu     sync.Mutex
	initialized bool

	tree    Tree
	dram    Region
	iram    Region
	scratch Region

	modules   [CATPT_MODULE_COUNT]Module
	templates [len(topology)]streamTemplate
	streams   [2]*stream
	mixer     MixerStreamInfo
	fwVersion FwVersion

	notifyMu  sync.Mutex
	positions map[uint8]NotifyPosition // last position per allocated stream hw id

	irqWork   chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	backend   io.Closer
}

// New returns a device driving the LPE window lpe and the private PCI config window pci.
// DMA-visible memory comes from alloc. The device is powered down until Init.
func New(lpe, pci Window, alloc Allocator, cfg Config) (*Device, error) {
	if lpe == nil || pci == nil || alloc == nil {
		return nil, fmt.Errorf("new device: missing window or allocator: %w", ErrInvalidParameter)
	}

	cfg, spec, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	d := &Device{
		cfg:       cfg,
		spec:      spec,
		lpe:       lpe,
		pci:       regs{w: pci},
		shim:      regs{w: lpe, base: spec.HostShimOffset},
		alloc:     alloc,
		templates: topology,
		positions: make(map[uint8]NotifyPosition),
		irqWork:   make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	for i := range d.ssp {
		d.ssp[i] = regs{w: lpe, base: spec.HostSSPOffset[i]}
	}

	for i := range d.streams {
		d.streams[i] = &stream{}
	}

	d.ipc.reset()

	go d.irqThread()

	return d, nil
}

// Config returns the effective configuration.
func (d *Device) Config() Config {
	if d == nil {
		return Config{}
	}

	return d.cfg
}

// Spec returns the platform layout.
func (d *Device) Spec() *PlatformSpec {
	if d == nil {
		return nil
	}

	return d.spec
}

// FwVersion returns the firmware version queried at Init.
func (d *Device) FwVersion() FwVersion {
	if d == nil {
		return FwVersion{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.fwVersion
}

// IsReady reports whether Init completed and Deinit has not run since.
func (d *Device) IsReady() bool {
	if d == nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.initialized
}

// Init powers the DSP up, boots the firmware and prepares the stream templates.
// On failure the DSP is powered down again.
func (d *Device) Init() error {
	if d == nil {
		return ErrNoSuchDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.initialized {
		return nil
	}

	if err := d.init(); err != nil {
		d.deinit()

		return fmt.Errorf("init: %w", err)
	}

	d.initialized = true

	return nil
}

func (d *Device) init() error {
	d.ipc.reset()

	d.tree = Tree{}
	var err error
	if d.dram, err = d.tree.Init(uint64(d.spec.HostDRAMOffset), d.spec.DRAMSize()); err != nil {
		return fmt.Errorf("dram: %w", err)
	}
	if d.iram, err = d.tree.Init(uint64(d.spec.HostIRAMOffset), d.spec.IRAMSize()); err != nil {
		return fmt.Errorf("iram: %w", err)
	}

	if err := d.PowerUp(); err != nil {
		return err
	}

	d.dma = NewDMAEngine(d.lpe, d.spec.HostDMAOffset[1], d.alloc, d.cfg.DMAPriority)
	if err := d.dma.Init(); err != nil {
		return err
	}

	if err := d.bootFirmware(); err != nil {
		return err
	}

	ver, err := d.GetFwVersion()
	if err != nil {
		return err
	}
	d.fwVersion = ver
	log.Printf("info", "catpt: firmware version %s", ver)

	if d.mixer, err = d.GetMixerStreamInfo(); err != nil {
		return err
	}

	if err := d.armTemplates(); err != nil {
		return err
	}

	err = d.SetDeviceFormat(CATPT_SSP_IFACE_0, CATPT_MCLK_FREQ_24_MHZ, CATPT_SSP_MODE_I2S_PROVIDER,
		d.cfg.SSPClockDivider, StreamChannels)
	if err != nil {
		return err
	}

	return nil
}

// Deinit stops both streams, asks the firmware to enter D3 and powers the DSP down.
func (d *Device) Deinit() error {
	if d == nil {
		return ErrNoSuchDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return nil
	}

	d.deinit()
	d.initialized = false

	return nil
}

// deinit is safe on a partially initialized device. Callers hold d.mu.
func (d *Device) deinit() {
	for _, s := range d.streams {
		d.forceStop(s)
	}

	if d.tree.Live(d.scratch) {
		if err := d.tree.Release(d.scratch); err != nil {
			log.Printf("err", "catpt: release scratch: %v", err)
		}
	}
	d.scratch = Region{}

	if d.Ready() {
		if _, err := d.ipcEnterDxState(CATPT_DX_STATE_D3); err != nil {
			log.Printf("warn", "catpt: enter d3: %v", err)
		}
	}
	d.invalidateIPC()

	if d.dma != nil {
		d.dma.Close()
		d.dma = nil
	}

	if err := d.PowerDown(); err != nil {
		log.Printf("err", "catpt: %v", err)
	}

	for _, r := range []Region{d.dram, d.iram} {
		if d.tree.Live(r) {
			d.tree.FreeSubtree(r)
		}
	}
	d.dram, d.iram = Region{}, Region{}

	d.modules = [CATPT_MODULE_COUNT]Module{}
	d.templates = topology
	d.mixer = MixerStreamInfo{}
	d.fwVersion = FwVersion{}
}

// Close deinitializes the device, stops the interrupt worker and releases the backend, if any.
func (d *Device) Close() error {
	if d == nil {
		return nil
	}

	err := d.Deinit()

	d.closeOnce.Do(func() {
		close(d.quit)

		if d.backend != nil {
			err = errors.Join(err, d.backend.Close())
		}
	})

	return err
}
