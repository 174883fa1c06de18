package catpt_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/catpt"
)

func TestPowerUp(t *testing.T) {
	s := newSim(t)
	spec := s.spec

	require.NoError(t, s.dev.PowerUp())

	assert.Equal(t, catpt.PMCS_PS_D0, s.pci.peek(catpt.PCI_PMCS)&catpt.PMCS_PS_MASK, "D0")

	vdrtctl0 := s.pci.peek(catpt.PCI_VDRTCTL0)
	assert.Equal(t, spec.D3SRAMPGD|spec.D3PGD, vdrtctl0&(spec.D3SRAMPGD|spec.D3PGD))
	assert.Zero(t, vdrtctl0&(spec.DRAMMask|spec.IRAMMask), "all SRAM powered")

	vdrtctl2 := s.pci.peek(catpt.PCI_VDRTCTL2)
	assert.NotZero(t, vdrtctl2&catpt.VDRTCTL2_DCLCGE, "dynamic clock gating restored")
	assert.Zero(t, vdrtctl2&catpt.VDRTCTL2_DTCGE)
	assert.Zero(t, vdrtctl2&spec.PLLShutdownBit, "audio PLL running")

	cs1 := s.shim(catpt.SHIM_CS1)
	assert.Zero(t, cs1&catpt.CS_RST, "core out of reset")
	assert.Zero(t, cs1&catpt.CS_LPCS, "high clock")
	assert.Equal(t, catpt.CS_DCS_HIGH, cs1&catpt.CS_DCS)
	assert.Equal(t, catpt.CS_SBCS0|catpt.CS_SBCS1, cs1&(catpt.CS_SBCS0|catpt.CS_SBCS1))
	assert.NotZero(t, cs1&catpt.CS_STALL, "core still stalled until firmware is loaded")

	assert.Equal(t, catpt.CLKCTL_SMOS, s.shim(catpt.SHIM_CLKCTL)&catpt.CLKCTL_SMOS)
	assert.Zero(t, s.shim(catpt.SHIM_IMC)&(catpt.IMC_IPCDB|catpt.IMC_IPCCD), "IPC interrupts unmasked")

	for i, base := range spec.HostSSPOffset {
		assert.Equal(t, uint32(0x0000F004), s.lpe.peek(base+catpt.SSP_SSS), "SSP%d SSS default", i)
		assert.Equal(t, uint32(0xC43893A3), s.lpe.peek(base+catpt.SSP_SSD), "SSP%d SSD default", i)
	}
}

func TestPowerUpSRAMRetention(t *testing.T) {
	s := newSim(t)
	spec := s.spec

	// DRAM blocks 0 and 1 and IRAM block 0 are already powered.
	gated := (spec.DRAMMask | spec.IRAMMask) &^ (1<<12 | 1<<13 | 1<<2)
	s.pci.poke(catpt.PCI_VDRTCTL0, gated)
	s.lpe.clearReads()

	require.NoError(t, s.dev.PowerUp())

	var want []simRead
	for blk := 2; blk < 20; blk++ {
		want = append(want, simRead{Off: int64(spec.HostDRAMOffset) + int64(blk)*catpt.MemBlockSize, Len: 4})
	}
	for blk := 1; blk < 10; blk++ {
		want = append(want, simRead{Off: int64(spec.HostIRAMOffset) + int64(blk)*catpt.MemBlockSize, Len: 4})
	}

	assert.Equal(t, want, s.lpe.readLog(), "one word read from each block that was powered on")

	t.Run("AlreadyPowered", func(t *testing.T) {
		s.lpe.clearReads()
		require.NoError(t, s.dev.PowerUp())
		assert.Empty(t, s.lpe.readLog(), "no block changed state")
	})

	t.Run("PowerDown", func(t *testing.T) {
		s.lpe.clearReads()
		require.NoError(t, s.dev.PowerDown())
		assert.Empty(t, s.lpe.readLog(), "gating a block needs no read")
	})
}

func TestPowerDown(t *testing.T) {
	s := newSim(t)
	spec := s.spec

	require.NoError(t, s.dev.PowerUp())
	require.NoError(t, s.dev.PowerDown())

	assert.Equal(t, catpt.PMCS_PS_D3HOT, s.pci.peek(catpt.PCI_PMCS)&catpt.PMCS_PS_MASK, "D3hot")

	vdrtctl0 := s.pci.peek(catpt.PCI_VDRTCTL0)
	assert.Equal(t, spec.DRAMMask|spec.IRAMMask, vdrtctl0&(spec.DRAMMask|spec.IRAMMask), "all SRAM gated")
	assert.Equal(t, spec.D3PGD, vdrtctl0&(spec.D3SRAMPGD|spec.D3PGD))

	vdrtctl2 := s.pci.peek(catpt.PCI_VDRTCTL2)
	assert.NotZero(t, vdrtctl2&catpt.VDRTCTL2_DTCGE)
	assert.NotZero(t, vdrtctl2&catpt.VDRTCTL2_DCLCGE)
	assert.NotZero(t, vdrtctl2&spec.PLLShutdownBit, "audio PLL shut down")

	cs1 := s.shim(catpt.SHIM_CS1)
	assert.NotZero(t, cs1&catpt.CS_RST, "core held in reset")
	assert.NotZero(t, cs1&catpt.CS_LPCS, "low power clock")
	assert.Zero(t, s.shim(catpt.SHIM_CLKCTL)&catpt.CLKCTL_SMOS)
}

func TestStallReset(t *testing.T) {
	s := newSim(t, withoutBoot())

	require.NoError(t, s.dev.Stall(true))
	assert.NotZero(t, s.shim(catpt.SHIM_CS1)&catpt.CS_STALL)

	require.NoError(t, s.dev.Stall(false))
	assert.Zero(t, s.shim(catpt.SHIM_CS1)&catpt.CS_STALL)
	assert.Equal(t, 1, s.Boots(), "releasing the stall starts the core")

	require.NoError(t, s.dev.Reset(true))
	assert.NotZero(t, s.shim(catpt.SHIM_CS1)&catpt.CS_RST)

	require.NoError(t, s.dev.Reset(false))
	assert.Zero(t, s.shim(catpt.SHIM_CS1)&catpt.CS_RST)
}

func TestClockVote(t *testing.T) {
	s := newReadySim(t)
	out := newTestRing(t, s, 2*catpt.PageSize)
	in := newTestRing(t, s, 2*catpt.PageSize)

	require.NoError(t, out.Program(s.dev, catpt.StreamOut))
	require.NoError(t, in.Program(s.dev, catpt.StreamIn))
	assert.True(t, lowPowerClock(s), "allocated but not prepared")

	require.NoError(t, s.dev.Play(catpt.StreamOut))
	require.NoError(t, s.dev.Play(catpt.StreamIn))
	assert.False(t, lowPowerClock(s))

	require.NoError(t, s.dev.Stop(catpt.StreamOut))
	assert.False(t, lowPowerClock(s), "capture still prepared")
	assert.Zero(t, s.pci.peek(catpt.PCI_VDRTCTL2)&s.spec.PLLShutdownBit)

	require.NoError(t, s.dev.Stop(catpt.StreamIn))
	assert.True(t, lowPowerClock(s), "last stream stopped")
	assert.NotZero(t, s.pci.peek(catpt.PCI_VDRTCTL2)&s.spec.PLLShutdownBit)
}
