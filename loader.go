package catpt

import (
	"fmt"
	"os"

	"github.com/platinasystems/log"
)

// Module is what the loader learned about one firmware module.
type Module struct {
	Loaded         bool
	EntryPoint     uint32 // reset vector as the DSP expects it
	PersistentSize uint32
	ScratchSize    uint32
	StateOffset    uint32 // saved-state window, from the module's INSTANCE block
	StateSize      uint32
}

// Module returns the descriptor of id.
func (d *Device) Module(id ModuleID) (Module, bool) {
	if d == nil || int(id) >= CATPT_MODULE_COUNT {
		return Module{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.modules[id], true
}

// loadBlock reserves the block's SRAM range when alloc is set and copies its payload there by DMA.
// phys is the DMA address of the image copy.
func (d *Device) loadBlock(phys uint64, blk *ImageBlock, alloc bool) error {
	sram := d.dram
	if blk.RAMType == CATPT_RAM_TYPE_IRAM {
		sram = d.iram
	}

	if blk.Size == 0 {
		return nil
	}

	dst := d.tree.Start(sram) + uint64(blk.RAMOffset)

	var res Region
	if alloc {
		var err error
		res, err = d.tree.Request(sram, dst, uint64(blk.Size), 0)
		if err != nil {
			return fmt.Errorf("reserve %s [%#x+%#x]: %w", blk.RAMType, dst, blk.Size, err)
		}
	}

	src := phys + uint64(blk.PayloadOffset())
	if err := d.dma.Transfer(hostToDSP(uint32(dst)), uint32(src), int(blk.Size)); err != nil {
		if alloc {
			_ = d.tree.Release(res)
		}

		return fmt.Errorf("copy %s block to %#x: %w", blk.RAMType, dst, err)
	}

	return nil
}

func (d *Device) loadModule(phys uint64, m *ImageModule) error {
	desc := &d.modules[m.ModuleID]

	for i := range m.Blocks {
		blk := &m.Blocks[i]
		if err := d.loadBlock(phys, blk, true); err != nil {
			return fmt.Errorf("module %s block %d: %w", m.ModuleID, i, err)
		}

		if blk.RAMType == CATPT_RAM_TYPE_INSTANCE {
			desc.StateOffset = blk.RAMOffset
			desc.StateSize = blk.Size
		}
	}

	desc.Loaded = true
	// Module headers store the entry point 4 bytes past what the DSP expects.
	desc.EntryPoint = m.EntryPoint - 4
	desc.PersistentSize = m.PersistentSize
	desc.ScratchSize = m.ScratchSize

	return nil
}

// loadFirmware loads every module of image, whose DMA address is phys. It stops at the first bad module;
// modules loaded before it stay loaded.
func (d *Device) loadFirmware(phys uint64, image []byte) error {
	if _, err := parseHeader(image); err != nil {
		return err
	}

	return walkModules(image, func(m *ImageModule) error {
		return d.loadModule(phys, m)
	})
}

// loadImage reads the firmware file and loads it from a DMA-visible copy.
func (d *Device) loadImage(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("firmware: %w", err)
	}

	if _, err := parseHeader(data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	buf, err := allocBelow4G(d.alloc, len(data))
	if err != nil {
		return fmt.Errorf("firmware copy: %w", err)
	}
	defer buf.Close()

	image := buf.Bytes()[:len(data)]
	copy(image, data)

	if err := d.loadFirmware(buf.PhysAddr(), image); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return nil
}

// BootFirmware stalls the DSP, loads the firmware, releases the core and waits for the fw-ready message.
// SRAM gating and the clock vote are then recomputed for the loaded image.
func (d *Device) BootFirmware() error {
	if d == nil {
		return ErrNoSuchDevice
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.bootFirmware()
}

func (d *Device) bootFirmware() error {
	if err := d.Stall(true); err != nil {
		log.Printf("warn", "catpt: %v", err)
	}

	if err := d.loadImage(d.cfg.FirmwarePath); err != nil {
		log.Printf("err", "catpt: load binaries failed: %v", err)

		return err
	}

	d.ipc.reset()

	if err := d.Stall(false); err != nil {
		log.Printf("warn", "catpt: %v", err)
	}

	if err := d.waitFwReady(d.cfg.FwReadyTimeout); err != nil {
		log.Printf("err", "catpt: %v", err)

		return err
	}

	log.Printf("info", "catpt: firmware ready: %s", d.FwInfo())

	d.updateAllSRAMPGE()
	d.updateLPClock()

	return nil
}
