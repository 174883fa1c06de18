package catpt

import "time"

// DSP shim registers, offsets from the shim base.
const (
	SHIM_CS1    = 0x00 // clock and reset control
	SHIM_ISC    = 0x18 // interrupt status (host)
	SHIM_ISD    = 0x20 // interrupt status (DSP)
	SHIM_IMC    = 0x28 // interrupt mask (host)
	SHIM_IMD    = 0x30 // interrupt mask (DSP)
	SHIM_IPCC   = 0x38 // host to DSP doorbell
	SHIM_IPCD   = 0x40 // DSP to host doorbell
	SHIM_CLKCTL = 0x78
	SHIM_CS2    = 0x80
	SHIM_LTRC   = 0xE0
	SHIM_HMDC   = 0xE8
)

// CS1 bits.
const (
	CS_LPCS     uint32 = 1 << 31 // low power clock select
	CS_SBCS0    uint32 = 1 << 2  // SSP0 24MHz clock select
	CS_SBCS1    uint32 = 1 << 3  // SSP1 24MHz clock select
	CS_DCS      uint32 = 0x7 << 4
	CS_DCS_HIGH uint32 = 0x4 << 4 // 320MHz/2
	CS_STALL    uint32 = 1 << 10
	CS_RST      uint32 = 1 << 1
)

// Shim interrupt, doorbell and clock control bits.
const (
	ISC_IPCDB uint32 = 1 << 1 // DSP doorbell pending
	ISC_IPCCD uint32 = 1 << 0 // host command done

	ISD_DCPWM uint32 = 1 << 31 // DSP core in WAIT

	IMC_IPCDB uint32 = 1 << 1
	IMC_IPCCD uint32 = 1 << 0

	IPCC_BUSY uint32 = 1 << 31
	IPCC_DONE uint32 = 1 << 30
	IPCD_BUSY uint32 = 1 << 31
	IPCD_DONE uint32 = 1 << 30

	CLKCTL_CFCIP uint32 = 1 << 31 // clock frequency change in progress
	CLKCTL_SMOS  uint32 = 0x3 << 24
)

// Private PCI configuration registers, offsets from the PCI window base.
const (
	PCI_PMCS     = 0x84
	PCI_VDRTCTL0 = 0xA0
	PCI_VDRTCTL2 = 0xA8
)

// PCI register bits.
const (
	PMCS_PS_MASK  uint32 = 0x3
	PMCS_PS_D0    uint32 = 0x0
	PMCS_PS_D3HOT uint32 = 0x3

	VDRTCTL2_DTCGE  uint32 = 1 << 10 // delay transition clock gating
	VDRTCTL2_DCLCGE uint32 = 1 << 1  // dynamic core-link clock gating
	VDRTCTL2_CGEALL uint32 = 0xF7F
	VDRTCTL2_APLLSE uint32 = 1 << 31 // WPT audio PLL shutdown
	VDRTCTL0_APLLSE uint32 = 1 << 0  // LPT audio PLL shutdown
)

// SSP registers, offsets from an SSP base.
const (
	SSP_SSC0  = 0x00
	SSP_SSC1  = 0x04
	SSP_SSS   = 0x08
	SSP_SSIT  = 0x0C
	SSP_SSD   = 0x10
	SSP_SSTO  = 0x28
	SSP_SSPSP = 0x2C
	SSP_SSTSA = 0x30
	SSP_SSRSA = 0x34
	SSP_SSTSS = 0x38
	SSP_SSC2  = 0x40
	SSP_SPSP2 = 0x44
)

// SRAM geometry and fixed delays.
const (
	MemBlockSize = 0x8000 // one power-gated SRAM block

	DSP_ADDR_MASK = uint32(0xFFF00000) // DSP-side address space selector

	regPollInterval = 500 * time.Microsecond
	regPollTimeout  = 10 * time.Millisecond
	srampgeDelay    = 60 * time.Microsecond
	powerDelay      = 50 * time.Microsecond
)

// dspToHost strips the DSP address-space selector from a DSP-visible address.
func dspToHost(addr uint32) uint32 {
	return addr &^ DSP_ADDR_MASK
}

// hostToDSP applies the DSP address-space selector to a local SRAM offset.
func hostToDSP(off uint32) uint32 {
	return off | DSP_ADDR_MASK
}

// shim register defaults restored on every power transition.
var shimDefaults = []struct {
	off uint32
	val uint32
}{
	{SHIM_CS1, 0x8480040E},
	{SHIM_ISC, 0},
	{SHIM_ISD, 0},
	{SHIM_IMC, 0x7FFF0003},
	{SHIM_IMD, 0x7FFF0003},
	{SHIM_IPCC, 0},
	{SHIM_IPCD, 0},
	{SHIM_CLKCTL, 0x000007FF},
	{SHIM_CS2, 0},
	{SHIM_LTRC, 0},
	{SHIM_HMDC, 0},
}

var sspDefaults = []struct {
	off uint32
	val uint32
}{
	{SSP_SSC0, 0},
	{SSP_SSC1, 0},
	{SSP_SSS, 0x0000F004},
	{SSP_SSIT, 0},
	{SSP_SSD, 0xC43893A3},
	{SSP_SSTO, 0},
	{SSP_SSPSP, 0},
	{SSP_SSTSA, 0},
	{SSP_SSRSA, 0},
	{SSP_SSTSS, 0},
	{SSP_SSC2, 0},
	{SSP_SPSP2, 0},
}

// Platform selects the register layout of a DSP generation.
type Platform int

// Supported platforms.
const (
	PlatformWPT Platform = iota // Wildcatpoint (Broadwell)
	PlatformLPT                 // Lynxpoint (Haswell)
)

// String returns the platform name.
func (p Platform) String() string {
	switch p {
	case PlatformLPT:
		return "lpt"
	case PlatformWPT:
		return "wpt"
	default:
		return "unknown"
	}
}

// PlatformSpec describes where things live in the LPE window of one platform.
type PlatformSpec struct {
	Platform       Platform
	DefaultFw      string
	HostDRAMOffset uint32
	HostIRAMOffset uint32
	HostShimOffset uint32
	HostDMAOffset  [2]uint32
	HostSSPOffset  [2]uint32
	DRAMMask       uint32 // VDRTCTL0 gating bits covering DRAM blocks
	IRAMMask       uint32 // VDRTCTL0 gating bits covering IRAM blocks
	D3SRAMPGD      uint32
	D3PGD          uint32
	PLLShutdownReg uint32
	PLLShutdownBit uint32
}

var platformSpecs = map[Platform]*PlatformSpec{
	PlatformLPT: {
		Platform:       PlatformLPT,
		DefaultFw:      "/lib/firmware/intel/IntcPP01.bin",
		HostDRAMOffset: 0x000000,
		HostIRAMOffset: 0x080000,
		HostShimOffset: 0x0E7000,
		HostDMAOffset:  [2]uint32{0x0F0000, 0x0F8000},
		HostSSPOffset:  [2]uint32{0x0E8000, 0x0E9000},
		DRAMMask:       genmask(31, 16),
		IRAMMask:       genmask(15, 6),
		D3SRAMPGD:      bit(2),
		D3PGD:          bit(1),
		PLLShutdownReg: PCI_VDRTCTL0,
		PLLShutdownBit: VDRTCTL0_APLLSE,
	},
	PlatformWPT: {
		Platform:       PlatformWPT,
		DefaultFw:      "/lib/firmware/intel/IntcSST2.bin",
		HostDRAMOffset: 0x000000,
		HostIRAMOffset: 0x0A0000,
		HostShimOffset: 0x0FB000,
		HostDMAOffset:  [2]uint32{0x0FE000, 0x0FF000},
		HostSSPOffset:  [2]uint32{0x0FC000, 0x0FD000},
		DRAMMask:       genmask(31, 12),
		IRAMMask:       genmask(11, 2),
		D3SRAMPGD:      bit(1),
		D3PGD:          bit(0),
		PLLShutdownReg: PCI_VDRTCTL2,
		PLLShutdownBit: VDRTCTL2_APLLSE,
	},
}

// SpecFor returns the layout of p, or nil if p is unknown.
func SpecFor(p Platform) *PlatformSpec {
	return platformSpecs[p]
}

// DRAMSize returns the size of the DRAM window in bytes.
func (s *PlatformSpec) DRAMSize() uint64 {
	return uint64(hweight32(s.DRAMMask)) * MemBlockSize
}

// IRAMSize returns the size of the IRAM window in bytes.
func (s *PlatformSpec) IRAMSize() uint64 {
	return uint64(hweight32(s.IRAMMask)) * MemBlockSize
}
