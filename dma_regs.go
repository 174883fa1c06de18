package catpt

// DesignWare AHB DMA controller registers. Every register occupies 8 bytes, the upper word unused.
const (
	DW_DMA_MAX_NR_MASTERS  = 4
	DW_DMA_MAX_NR_CHANNELS = 8

	DW_CHAN_STRIDE = 0x58
)

// Channel registers, offsets from the channel base.
const (
	DWC_SAR     = 0x00
	DWC_DAR     = 0x08
	DWC_LLP     = 0x10
	DWC_CTL_LO  = 0x18
	DWC_CTL_HI  = 0x1C
	DWC_SSTAT   = 0x20
	DWC_DSTAT   = 0x28
	DWC_SSTATAR = 0x30
	DWC_DSTATAR = 0x38
	DWC_CFG_LO  = 0x40
	DWC_CFG_HI  = 0x44
	DWC_SGR     = 0x48
	DWC_DSR     = 0x50
)

// Interrupt register groups. Each group holds XFER, BLOCK, SRC_TRAN, DST_TRAN and ERROR.
const (
	DW_RAW    = 0x2C0
	DW_STATUS = 0x2E8
	DW_MASK   = 0x310
	DW_CLEAR  = 0x338

	DW_IRQ_XFER     = 0x00
	DW_IRQ_BLOCK    = 0x08
	DW_IRQ_SRC_TRAN = 0x10
	DW_IRQ_DST_TRAN = 0x18
	DW_IRQ_ERROR    = 0x20
)

// Controller registers.
const (
	DW_STATUS_INT     = 0x360
	DW_CFG            = 0x398
	DW_CH_EN          = 0x3A0
	DW_ID             = 0x3A8
	DW_DWC_PARAMS     = 0x3CC // [DW_DMA_MAX_NR_CHANNELS]uint32, highest channel first
	DW_MULTI_BLK_TYPE = 0x3EC
	DW_MAX_BLK_SIZE   = 0x3F0
	DW_PARAMS         = 0x3F4
	DW_COMP_TYPE      = 0x3F8
)

// DW_PARAMS bit positions.
const (
	DW_PARAMS_NR_CHAN   = 8
	DW_PARAMS_NR_MASTER = 11
	DW_PARAMS_EN        = 28
)

// DW_PARAMS_DATA_WIDTH returns the bit position of the data width of master n.
func DW_PARAMS_DATA_WIDTH(n int) int {
	return 15 + 2*n
}

// DWC_PARAMS bit positions.
const (
	DWC_PARAMS_MBLK_EN = 11
	DWC_PARAMS_HC_LLP  = 13
	DWC_PARAMS_MSIZE   = 16
)

// CTL_LO bits.
const (
	DWC_CTLL_INT_EN    uint32 = 1 << 0
	DWC_CTLL_DST_INC   uint32 = 0 << 7
	DWC_CTLL_SRC_INC   uint32 = 0 << 9
	DWC_CTLL_S_GATH_EN uint32 = 1 << 17
	DWC_CTLL_D_SCAT_EN uint32 = 1 << 18
	DWC_CTLL_FC_M2M    uint32 = 0 << 20
	DWC_CTLL_LLP_D_EN  uint32 = 1 << 27
	DWC_CTLL_LLP_S_EN  uint32 = 1 << 28

	DWC_CTLH_BLOCK_TS_MASK uint32 = 0xFFF
	DWC_CTLH_DONE          uint32 = 1 << 12

	DWC_CFGL_CH_SUSP    uint32 = 1 << 8
	DWC_CFGL_HS_DST_POL uint32 = 1 << 18
	DWC_CFGL_HS_SRC_POL uint32 = 1 << 19

	DWC_CFGH_FIFO_MODE uint32 = 1 << 1

	DW_CFG_DMA_EN uint32 = 1 << 0
)

func DWC_CTLL_DST_WIDTH(n uint32) uint32 { return n << 1 }
func DWC_CTLL_SRC_WIDTH(n uint32) uint32 { return n << 4 }
func DWC_CTLL_DST_MSIZE(n uint32) uint32 { return n << 11 }
func DWC_CTLL_SRC_MSIZE(n uint32) uint32 { return n << 14 }
func DWC_CTLL_DMS(n uint32) uint32       { return n << 23 }
func DWC_CTLL_SMS(n uint32) uint32       { return n << 25 }
func DWC_CFGL_CH_PRIOR(x uint32) uint32  { return x << 5 }
func DWC_CFGH_PROTCTL(x uint32) uint32   { return x << 2 }
func DWC_CFGH_SRC_PER(x uint32) uint32   { return x << 7 }
func DWC_CFGH_DST_PER(x uint32) uint32   { return x << 11 }
func DWC_LLP_LMS(x uint32) uint32        { return x & 3 }
func DWC_LLP_LOC(x uint32) uint32        { return x &^ 3 }

// dwLLI is one hardware linked-list item as laid out in the descriptor page.
type dwLLI struct {
	SAR   uint32
	DAR   uint32
	LLP   uint32
	CTLLo uint32
	CTLHi uint32
	SStat uint32
	DStat uint32
}

// DW_LLI_SIZE is the size of one linked-list item.
const DW_LLI_SIZE = 28
