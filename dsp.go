package catpt

import (
	"fmt"
	"time"

	"github.com/platinasystems/log"
)

// selectLPClock switches the DSP core between the low power and the high clock.
// With waiti set the switch first waits for the DSP to enter WAIT; without that signal only the high
// clock may be selected, so a low power request is dropped.
func (d *Device) selectLPClock(lp, waiti bool) {
	d.clockMu.Lock()
	defer d.clockMu.Unlock()

	var val uint32
	if lp {
		val = CS_LPCS
	}

	reg := d.shim.read(SHIM_CS1) & CS_LPCS
	log.Printf("debug", "catpt: LPCS [%#08x] %#08x -> %#08x", CS_LPCS, reg, val)

	if reg == val {
		return
	}

	if waiti {
		if _, err := d.shim.poll(SHIM_ISD, ISD_DCPWM, ISD_DCPWM, regPollInterval, regPollTimeout); err != nil {
			log.Printf("warn", "catpt: await WAITI: %v", err)
			if lp {
				return
			}
		}
	}

	if _, err := d.shim.poll(SHIM_CLKCTL, CLKCTL_CFCIP, 0, regPollInterval, regPollTimeout); err != nil {
		log.Printf("warn", "catpt: clock change still in progress: %v", err)
	}

	// DSP core and audio fabric default to the high clock.
	d.shim.update(SHIM_CS1, CS_LPCS|CS_DCS, val|CS_DCS_HIGH)

	if _, err := d.shim.poll(SHIM_CLKCTL, CLKCTL_CFCIP, 0, regPollInterval, regPollTimeout); err != nil {
		log.Printf("warn", "catpt: clock change still in progress: %v", err)
	}

	pll := uint32(0)
	if lp {
		pll = d.spec.PLLShutdownBit
	}
	d.pci.update(d.spec.PLLShutdownReg, d.spec.PLLShutdownBit, pll)
}

// updateLPClock votes for the low power clock unless a stream is prepared. Callers hold d.mu.
func (d *Device) updateLPClock() {
	for _, s := range d.streams {
		if s != nil && s.prepared {
			d.selectLPClock(false, true)

			return
		}
	}

	d.selectLPClock(true, true)
}

// setRegsDefaults restores the shim and SSP registers, which do not reset with the DSP.
func (d *Device) setRegsDefaults() {
	for _, r := range shimDefaults {
		d.shim.write(r.off, r.val)
	}

	for i := range d.ssp {
		for _, r := range sspDefaults {
			d.ssp[i].write(r.off, r.val)
		}
	}
}

// setSRAMPGE writes the gating bits of the SRAM window at host offset start. A set bit gates the block off.
// Each block that goes from gated to powered is read once before any real access.
func (d *Device) setSRAMPGE(start uint64, mask, val uint32) {
	old := d.pci.read(PCI_VDRTCTL0) & mask
	log.Printf("debug", "catpt: SRAMPGE [%#08x] %#08x -> %#08x", mask, old, val)

	if old == val {
		return
	}

	d.pci.update(PCI_VDRTCTL0, mask, val)
	time.Sleep(srampgeDelay)

	first := ffs(mask)
	var buf [4]byte
	for bit := first; bit <= fls(mask); bit++ {
		if val>>bit&1 != 0 || old>>bit&1 == 0 {
			continue
		}

		off := start + uint64(bit-first)*MemBlockSize
		log.Printf("debug", "catpt: sanitize block %d: off %#08x", bit-first, off)
		if _, err := d.lpe.ReadAt(buf[:], int64(off)); err != nil {
			log.Printf("err", "catpt: sanitize block %d: %v", bit-first, err)
		}
	}
}

// sramBusyMask returns the window's gating value for its current reservations, in register position.
func (d *Device) sramBusyMask(sram Region, mask uint32) uint32 {
	start := d.tree.Start(sram)

	var busy uint32
	for c := range d.tree.Children(sram) {
		h := int((d.tree.End(c) - start) / MemBlockSize)
		l := int((d.tree.Start(c) - start) / MemBlockSize)
		busy |= genmask(h, l)
	}

	return ^(busy << ffs(mask)) & mask
}

// UpdateSRAMPGE powers exactly the blocks of sram that hold a reservation.
func (d *Device) UpdateSRAMPGE(sram Region, mask uint32) {
	if d == nil {
		return
	}

	val := d.sramBusyMask(sram, mask)

	d.pci.update(PCI_VDRTCTL2, VDRTCTL2_DCLCGE, 0)
	d.setSRAMPGE(d.tree.Start(sram), mask, val)
	d.pci.update(PCI_VDRTCTL2, VDRTCTL2_DCLCGE, VDRTCTL2_DCLCGE)
}

func (d *Device) updateAllSRAMPGE() {
	d.UpdateSRAMPGE(d.dram, d.spec.DRAMMask)
	d.UpdateSRAMPGE(d.iram, d.spec.IRAMMask)
}

// Stall halts or releases the DSP core.
func (d *Device) Stall(stall bool) error {
	if d == nil {
		return ErrNoSuchDevice
	}

	var val uint32
	if stall {
		val = CS_STALL
	}

	d.shim.update(SHIM_CS1, CS_STALL, val)
	if _, err := d.shim.poll(SHIM_CS1, CS_STALL, val, regPollInterval, regPollTimeout); err != nil {
		return fmt.Errorf("stall %v: %w", stall, err)
	}

	return nil
}

// Reset asserts or releases the DSP core reset.
func (d *Device) Reset(reset bool) error {
	if d == nil {
		return ErrNoSuchDevice
	}

	var val uint32
	if reset {
		val = CS_RST
	}

	d.shim.update(SHIM_CS1, CS_RST, val)
	if _, err := d.shim.poll(SHIM_CS1, CS_RST, val, regPollInterval, regPollTimeout); err != nil {
		return fmt.Errorf("reset %v: %w", reset, err)
	}

	return nil
}

// PowerUp brings the DSP to D0 with all SRAM powered, the high clock selected and the core out of reset.
func (d *Device) PowerUp() error {
	if d == nil {
		return ErrNoSuchDevice
	}

	d.pci.update(PCI_VDRTCTL2, VDRTCTL2_DCLCGE, 0)

	mask := VDRTCTL2_CGEALL &^ VDRTCTL2_DCLCGE
	d.pci.update(PCI_VDRTCTL2, mask, mask&^VDRTCTL2_DTCGE)

	d.pci.update(PCI_PMCS, PMCS_PS_MASK, PMCS_PS_D0)

	mask = d.spec.D3SRAMPGD | d.spec.D3PGD
	d.pci.update(PCI_VDRTCTL0, mask, mask)
	d.setSRAMPGE(uint64(d.spec.HostDRAMOffset), d.spec.DRAMMask, 0)
	d.setSRAMPGE(uint64(d.spec.HostIRAMOffset), d.spec.IRAMMask, 0)

	d.setRegsDefaults()

	d.shim.update(SHIM_CLKCTL, CLKCTL_SMOS, CLKCTL_SMOS)
	d.selectLPClock(false, false)
	d.shim.update(SHIM_CS1, CS_SBCS0|CS_SBCS1, CS_SBCS0|CS_SBCS1)

	if err := d.Reset(false); err != nil {
		log.Printf("warn", "catpt: power up: %v", err)
	}

	d.pci.update(PCI_VDRTCTL2, VDRTCTL2_DCLCGE, VDRTCTL2_DCLCGE)

	// Deassert message for the inverted interrupt logic.
	d.shim.update(SHIM_IMC, IMC_IPCDB|IMC_IPCCD, 0)

	return nil
}

// PowerDown resets the DSP, gates all SRAM and puts the function in D3hot.
func (d *Device) PowerDown() error {
	if d == nil {
		return ErrNoSuchDevice
	}

	d.pci.update(PCI_VDRTCTL2, VDRTCTL2_DCLCGE, 0)

	if err := d.Reset(true); err != nil {
		log.Printf("warn", "catpt: power down: %v", err)
	}

	d.shim.update(SHIM_CS1, CS_SBCS0|CS_SBCS1, CS_SBCS0|CS_SBCS1)
	d.selectLPClock(true, false)
	d.shim.update(SHIM_CLKCTL, CLKCTL_SMOS, 0)

	d.setRegsDefaults()

	mask := VDRTCTL2_CGEALL &^ VDRTCTL2_DCLCGE
	d.pci.update(PCI_VDRTCTL2, mask, mask&^VDRTCTL2_DTCGE)
	d.pci.update(PCI_VDRTCTL2, VDRTCTL2_DTCGE, VDRTCTL2_DTCGE)

	d.setSRAMPGE(uint64(d.spec.HostDRAMOffset), d.spec.DRAMMask, d.spec.DRAMMask)
	d.setSRAMPGE(uint64(d.spec.HostIRAMOffset), d.spec.IRAMMask, d.spec.IRAMMask)
	mask = d.spec.D3SRAMPGD | d.spec.D3PGD
	d.pci.update(PCI_VDRTCTL0, mask, d.spec.D3PGD)

	d.pci.update(PCI_PMCS, PMCS_PS_MASK, PMCS_PS_D3HOT)
	time.Sleep(powerDelay)

	d.pci.update(PCI_VDRTCTL2, VDRTCTL2_DCLCGE, VDRTCTL2_DCLCGE)
	time.Sleep(powerDelay)

	return nil
}
