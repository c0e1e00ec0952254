package state

import (
	"sort"
)

// PositionManager is the arena for all position aggregates, keyed by
// (band, nonce), plus the per-band nonce counters that version reuse of a
// band after execution.
type PositionManager struct {
	positions map[PositionKey]*Position
	nonces    map[BandKey]uint64
}

func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions: make(map[PositionKey]*Position),
		nonces:    make(map[BandKey]uint64),
	}
}

// CurrentNonce returns the band's running nonce: the version any new or
// still-resting position at this band carries.
func (pm *PositionManager) CurrentNonce(band BandKey) uint64 {
	return pm.nonces[band]
}

// LiveKey resolves a band to the position key of its current version.
func (pm *PositionManager) LiveKey(band BandKey) PositionKey {
	return PositionKey{Band: band, Nonce: pm.nonces[band]}
}

// Get returns the position for an exact key, or nil.
func (pm *PositionManager) Get(key PositionKey) *Position {
	return pm.positions[key]
}

// GetLive returns the position currently resting at a band, or nil.
func (pm *PositionManager) GetLive(band BandKey) *Position {
	return pm.positions[pm.LiveKey(band)]
}

// GetOrCreateLive returns the live position for a band, creating an Active
// one under the current nonce if none exists.
func (pm *PositionManager) GetOrCreateLive(band BandKey) *Position {
	key := pm.LiveKey(band)
	pos := pm.positions[key]
	if pos == nil {
		pos = NewPosition(key)
		pm.positions[key] = pos
	}
	return pos
}

// BumpNonce advances the band's nonce. Called exactly once per execution,
// never at cancellation.
func (pm *PositionManager) BumpNonce(band BandKey) uint64 {
	pm.nonces[band]++
	return pm.nonces[band]
}

// Remove deletes a position record. The caller guarantees the position is
// dead (no contributors, no liquidity, nothing claimable).
func (pm *PositionManager) Remove(key PositionKey) {
	pos := pm.positions[key]
	if pos != nil && !pos.IsDead() {
		panic("FATAL: removing live position " + key.String())
	}
	delete(pm.positions, key)
}

// SortedKeys returns all position keys in canonical order, for hashing and
// snapshots.
func (pm *PositionManager) SortedKeys() []PositionKey {
	keys := make([]PositionKey, 0, len(pm.positions))
	for k := range pm.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessPositionKey(keys[i], keys[j])
	})
	return keys
}

// SortedNonceBands returns all bands with a non-zero nonce counter in
// canonical order.
func (pm *PositionManager) SortedNonceBands() []BandKey {
	bands := make([]BandKey, 0, len(pm.nonces))
	for b := range pm.nonces {
		bands = append(bands, b)
	}
	sort.Slice(bands, func(i, j int) bool {
		return lessBandKey(bands[i], bands[j])
	})
	return bands
}

// Count returns the number of tracked positions.
func (pm *PositionManager) Count() int {
	return len(pm.positions)
}

// RestorePosition directly sets a position (snapshot restore).
func (pm *PositionManager) RestorePosition(pos *Position) {
	pm.positions[pos.Key] = pos
}

// RestoreNonce directly sets a band nonce (snapshot restore).
func (pm *PositionManager) RestoreNonce(band BandKey, nonce uint64) {
	if nonce != 0 {
		pm.nonces[band] = nonce
	}
}

func lessBandKey(a, b BandKey) bool {
	if a.Side != b.Side {
		return a.Side < b.Side
	}
	if a.Bottom != b.Bottom {
		return a.Bottom < b.Bottom
	}
	return a.Top < b.Top
}

func lessPositionKey(a, b PositionKey) bool {
	if a.Band != b.Band {
		return lessBandKey(a.Band, b.Band)
	}
	return a.Nonce < b.Nonce
}
