package state

import (
	"fmt"
	"math/big"

	fpmath "github.com/miracleworker0118/gamma-univ4-limit-orders/internal/math"
)

// TickIndex is the sparse occupancy index over executable boundaries, one
// bitmap per side. Boundaries are compressed by the pool's tick spacing,
// then sharded into 256-bit words keyed by word position. A direct
// boundary-to-position map rides alongside the bitmap; a bit is set if and
// only if the map holds a key at that boundary for that side.
type TickIndex struct {
	spacing int32
	words   [2]map[int16]*big.Int
	keys    [2]map[int32]PositionKey

	minCompressed int32
	maxCompressed int32
}

func NewTickIndex(spacing int32) *TickIndex {
	if spacing <= 0 {
		panic("FATAL: tick spacing must be positive")
	}
	return &TickIndex{
		spacing:       spacing,
		words:         [2]map[int16]*big.Int{make(map[int16]*big.Int), make(map[int16]*big.Int)},
		keys:          [2]map[int32]PositionKey{make(map[int32]PositionKey), make(map[int32]PositionKey)},
		minCompressed: floorDiv32(fpmath.MinTick, spacing),
		maxCompressed: floorDiv32(fpmath.MaxTick, spacing),
	}
}

func (ti *TickIndex) Spacing() int32 { return ti.spacing }

// compress maps a tick to its bitmap coordinate, rounding toward negative
// infinity so negative ticks land in the right word.
func (ti *TickIndex) compress(tick int32) int32 {
	return floorDiv32(tick, ti.spacing)
}

func wordOf(compressed int32) int16 {
	return int16(floorDiv32(compressed, 256))
}

func bitOf(compressed int32) uint {
	return uint(compressed - int32(wordOf(compressed))*256)
}

// Register marks a boundary occupied by a position. Double-setting a bit is
// a ledger corruption, not a request error.
func (ti *TickIndex) Register(side Side, boundary int32, key PositionKey) {
	c := ti.compress(boundary)
	w, b := wordOf(c), bitOf(c)
	word := ti.words[side][w]
	if word == nil {
		word = new(big.Int)
		ti.words[side][w] = word
	}
	if word.Bit(int(b)) == 1 {
		panic(fmt.Sprintf("FATAL: tick index bit already set at %s boundary %d", side, boundary))
	}
	word.SetBit(word, int(b), 1)
	ti.keys[side][boundary] = key
}

// Unregister clears a boundary. Clearing an unset bit is equally fatal.
func (ti *TickIndex) Unregister(side Side, boundary int32) {
	c := ti.compress(boundary)
	w, b := wordOf(c), bitOf(c)
	word := ti.words[side][w]
	if word == nil || word.Bit(int(b)) == 0 {
		panic(fmt.Sprintf("FATAL: tick index bit not set at %s boundary %d", side, boundary))
	}
	word.SetBit(word, int(b), 0)
	if word.Sign() == 0 {
		delete(ti.words[side], w)
	}
	delete(ti.keys[side], boundary)
}

// IsSet reports whether a boundary is occupied.
func (ti *TickIndex) IsSet(side Side, boundary int32) bool {
	c := ti.compress(boundary)
	word := ti.words[side][wordOf(c)]
	return word != nil && word.Bit(int(bitOf(c))) == 1
}

// KeyAt returns the position registered at a boundary.
func (ti *TickIndex) KeyAt(side Side, boundary int32) (PositionKey, bool) {
	k, ok := ti.keys[side][boundary]
	return k, ok
}

// NextOccupied returns the nearest occupied boundary strictly beyond from
// in the given direction, or ok=false at the index edge. The scan walks
// word by word, isolating the least or most significant set bit of the
// masked word.
func (ti *TickIndex) NextOccupied(side Side, from int32, up bool) (int32, bool) {
	start := ti.compress(from)
	if up {
		c := start + 1
		for c <= ti.maxCompressed {
			w, b := wordOf(c), bitOf(c)
			word := ti.words[side][w]
			if word != nil {
				masked := maskAtOrAbove(word, b)
				if masked.Sign() != 0 {
					hit := int32(w)*256 + int32(lowestSetBit(masked))
					return hit * ti.spacing, true
				}
			}
			// Jump to the first bit of the next word.
			c = (int32(w) + 1) * 256
		}
		return 0, false
	}

	c := start - 1
	for c >= ti.minCompressed {
		w, b := wordOf(c), bitOf(c)
		word := ti.words[side][w]
		if word != nil {
			masked := maskAtOrBelow(word, b)
			if masked.Sign() != 0 {
				hit := int32(w)*256 + int32(masked.BitLen()-1)
				return hit * ti.spacing, true
			}
		}
		// Jump to the last bit of the previous word.
		c = int32(w)*256 - 1
	}
	return 0, false
}

// Count returns the number of occupied boundaries on a side.
func (ti *TickIndex) Count(side Side) int {
	return len(ti.keys[side])
}

func maskAtOrAbove(word *big.Int, bit uint) *big.Int {
	// word & ~((1 << bit) - 1)
	low := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bit), big.NewInt(1))
	return new(big.Int).AndNot(word, low)
}

func maskAtOrBelow(word *big.Int, bit uint) *big.Int {
	// word & ((1 << (bit+1)) - 1)
	low := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), bit+1), big.NewInt(1))
	return new(big.Int).And(word, low)
}

// lowestSetBit returns the index of the least significant set bit via
// x & -x isolation.
func lowestSetBit(x *big.Int) int {
	iso := new(big.Int).Neg(x)
	iso.And(iso, x)
	return iso.BitLen() - 1
}

func floorDiv32(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
