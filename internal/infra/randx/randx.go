// Package randx covers the two randomness needs of the promotion engine:
// a shared PRNG for indifferent picks (variant/greeting selection, rotation
// shuffles), and a per-mobile reproducible PRNG seeded from a classic
// string hash, so each session visits channels in a different but
// reproducible order.
package randx

import "math/rand/v2"

// StringHash32 is the classic `h = ((h<<5)-h) + ch` string hash, folded
// into an unsigned 32-bit value.
func StringHash32(s string) uint32 {
	var h int32
	for _, ch := range s {
		h = (h << 5) - h + ch
	}
	return uint32(h)
}

// NewSeeded returns a PRNG deterministically seeded from s, suitable for a
// per-mobile reproducible shuffle.
func NewSeeded(s string) *rand.Rand {
	seed := uint64(StringHash32(s))
	return rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
}

// Shuffle performs an in-place Fisher-Yates shuffle of n elements using r
// (or the package-level shared PRNG when r is nil).
func Shuffle(n int, r *rand.Rand, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		var j int
		if r != nil {
			j = r.IntN(i + 1)
		} else {
			j = rand.IntN(i + 1)
		}
		swap(i, j)
	}
}
