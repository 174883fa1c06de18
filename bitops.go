package catpt

import "math/bits"

// ffs returns the index of the least significant set bit of x, or 32 if x is zero.
func ffs(x uint32) int {
	return bits.TrailingZeros32(x)
}

// fls returns the index of the most significant set bit of x, or -1 if x is zero.
func fls(x uint32) int {
	return 31 - bits.LeadingZeros32(x)
}

// findNextClearBit returns the index of the first zero bit of x at or after start, or size if none.
func findNextClearBit(x uint32, size, start int) int {
	for i := start; i < size; i++ {
		if x&(1<<i) == 0 {
			return i
		}
	}

	return size
}

// hweight32 returns the number of set bits in x.
func hweight32(x uint32) int {
	return bits.OnesCount32(x)
}

// genmask returns a mask with bits l through h (inclusive) set.
func genmask(h, l int) uint32 {
	return (^uint32(0) >> (31 - h)) &^ ((1 << l) - 1)
}

func bit(n int) uint32 {
	return 1 << n
}
