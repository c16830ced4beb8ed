package processor

const (
	bandStartHz = 3_550_000_000
	stepHz      = 5_000_000
)

// UnsetFrequency clears the channel [low, high] from the CBSD's available
// frequency bitmask. The mask has one word per bandwidth (5, 10, 15 and
// 20 MHz); bit n stands for the channel centred at 3550 MHz + n*5 MHz.
// A nil mask stays nil and unknown bandwidths leave the mask unchanged.
func UnsetFrequency(mask []uint32, low, high int64) []uint32 {
	if mask == nil {
		return nil
	}
	out := append([]uint32(nil), mask...)
	if high <= low {
		return out
	}
	width := high - low
	if width%stepHz != 0 {
		return out
	}
	idx := int(width/stepHz) - 1
	if idx < 0 || idx >= len(out) {
		return out
	}
	mid := (low + high) / 2
	offset := mid - bandStartHz
	if offset < 0 || offset%stepHz != 0 {
		return out
	}
	bit := offset / stepHz
	if bit >= 32 {
		return out
	}
	out[idx] &^= 1 << uint(bit)
	return out
}
