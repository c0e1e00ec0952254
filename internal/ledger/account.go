package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopePosition AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Position sub-types
	SubTypePrincipal AccountSubType = iota
	SubTypeProceeds
	SubTypeFees

	// System sub-types
	SubTypeSystemTreasury

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalPool
)

// AssetID maps the pool's asset pair to numeric IDs
type AssetID uint16

const (
	AssetToken0 AssetID = 1
	AssetToken1 AssetID = 2
)

var (
	assetToID = map[string]AssetID{
		"token0": AssetToken0,
		"token1": AssetToken1,
	}
	idToAsset = map[AssetID]string{
		AssetToken0: "token0",
		AssetToken1: "token1",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // Position digest, or a name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// PositionEntity digests a position key's canonical bytes into an entity id.
// Canonical bytes exceed 16 bytes, so a truncated hash keeps ids collision-safe.
func PositionEntity(canonical []byte) [16]byte {
	h := sha256.Sum256(canonical)
	var entityID [16]byte
	copy(entityID[:], h[:16])
	return entityID
}

// NewPositionAccountKey creates a key for a position's custody accounts
func NewPositionAccountKey(positionID [16]byte, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopePosition,
		EntityID: positionID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// TreasuryAccountKey is the fallback treasury's custody account
func TreasuryAccountKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("treasury", SubTypeSystemTreasury, assetID)
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopePosition:
		return fmt.Sprintf("position:%s:%s:%s", hex.EncodeToString(k.EntityID[:]), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePrincipal:
		return "principal"
	case SubTypeProceeds:
		return "proceeds"
	case SubTypeFees:
		return "fees"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalPool:
		return "pool"
	default:
		return "unknown"
	}
}
