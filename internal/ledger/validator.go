package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}

	return nil
}

// ValidatePositionCustody checks a position's custody accounts are >= 0
func (v *InvariantValidator) ValidatePositionCustody(positionID [16]byte) error {
	return v.tracker.ValidatePositionNonNegative(positionID)
}

// ValidateTreasuryNonNegative checks the fallback treasury never goes negative
func (v *InvariantValidator) ValidateTreasuryNonNegative() error {
	for _, asset := range []AssetID{AssetToken0, AssetToken1} {
		if err := v.tracker.ValidateNonNegative(TreasuryAccountKey(asset)); err != nil {
			return err
		}
	}
	return nil
}
