package state

import "fmt"

// Side identifies which asset a resting order sells.
type Side int8

const (
	// SellToken0 orders rest above the market and execute when the price
	// rises through the band's top boundary.
	SellToken0 Side = iota
	// SellToken1 orders rest below the market and execute when the price
	// falls through the band's bottom boundary.
	SellToken1
)

func (s Side) String() string {
	switch s {
	case SellToken0:
		return "sell0"
	case SellToken1:
		return "sell1"
	default:
		return "unknown"
	}
}

func ParseSide(s string) (Side, error) {
	switch s {
	case "sell0", "token0":
		return SellToken0, nil
	case "sell1", "token1":
		return SellToken1, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// BandKey identifies a price band and the asset it sells. Stable across the
// band's repeated reuse after executions.
type BandKey struct {
	Bottom int32
	Top    int32
	Side   Side
}

func (b BandKey) String() string {
	return fmt.Sprintf("%s[%d,%d]", b.Side, b.Bottom, b.Top)
}

// ExecutableBoundary is the band edge whose crossing triggers execution:
// the top for token0 sellers, the bottom for token1 sellers.
func (b BandKey) ExecutableBoundary() int32 {
	if b.Side == SellToken0 {
		return b.Top
	}
	return b.Bottom
}

// PositionKey is a BandKey plus the nonce it was minted under. Nonces
// increment at execution, so a key never conflates a live position with a
// stale executed one still pending claims.
type PositionKey struct {
	Band  BandKey
	Nonce uint64
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s#%d", k.Band, k.Nonce)
}

// ContributorKey addresses one depositor's stake within a position.
type ContributorKey struct {
	Position PositionKey
	Owner    string
}

// OrderRef is the caller-facing handle for one stake: enough to route a
// cancel or claim back to the exact position version it belongs to.
type OrderRef struct {
	Position PositionKey
	Owner    string
}

func appendInt32BE(buf []byte, v int32) []byte {
	return append(buf, byte(uint32(v)>>24), byte(uint32(v)>>16), byte(uint32(v)>>8), byte(uint32(v)))
}

func appendUint64BE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// CanonicalBytes returns a deterministic serialization for hashing.
func (k PositionKey) CanonicalBytes() []byte {
	buf := make([]byte, 0, 17)
	buf = appendInt32BE(buf, k.Band.Bottom)
	buf = appendInt32BE(buf, k.Band.Top)
	buf = append(buf, byte(k.Band.Side))
	buf = appendUint64BE(buf, k.Nonce)
	return buf
}
