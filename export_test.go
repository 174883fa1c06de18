package catpt

// Internal helpers exposed to the external test package.
var (
	FFS                = ffs
	FLS                = fls
	FindNextClearBit   = findNextClearBit
	Hweight32          = hweight32
	Genmask            = genmask
	BuildPageTable     = buildPageTable
	EnumerateDevicesAt = enumerateDevices
	CheckSlice         = checkSlice
)
