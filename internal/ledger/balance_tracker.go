package ledger

import (
	"fmt"
	"math/big"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	debit := bt.at(j.DebitAccount)
	debit.Add(debit, j.Amount)
	credit := bt.at(j.CreditAccount)
	credit.Sub(credit, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns a copy of the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// === Position Balance Queries ===

// GetPositionPrincipal returns the principal still held for a position
func (bt *BalanceTracker) GetPositionPrincipal(positionID [16]byte, assetID AssetID) *big.Int {
	return bt.GetBalance(NewPositionAccountKey(positionID, SubTypePrincipal, assetID))
}

// GetPositionProceeds returns the unclaimed execution proceeds for a position
func (bt *BalanceTracker) GetPositionProceeds(positionID [16]byte, assetID AssetID) *big.Int {
	return bt.GetBalance(NewPositionAccountKey(positionID, SubTypeProceeds, assetID))
}

// GetPositionFees returns the undisbursed fee custody for a position
func (bt *BalanceTracker) GetPositionFees(positionID [16]byte, assetID AssetID) *big.Int {
	return bt.GetBalance(NewPositionAccountKey(positionID, SubTypeFees, assetID))
}

// GetTreasuryBalance returns the accumulated redirected payouts
func (bt *BalanceTracker) GetTreasuryBalance(assetID AssetID) *big.Int {
	return bt.GetBalance(TreasuryAccountKey(assetID))
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if v, ok := bt.balances[key]; ok && v.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), v)
	}
	return nil
}

// ValidatePositionNonNegative checks every custody account of a position
func (bt *BalanceTracker) ValidatePositionNonNegative(positionID [16]byte) error {
	for _, sub := range []AccountSubType{SubTypePrincipal, SubTypeProceeds, SubTypeFees} {
		for _, asset := range []AssetID{AssetToken0, AssetToken1} {
			if err := bt.ValidateNonNegative(NewPositionAccountKey(positionID, sub, asset)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := map[AssetID]*big.Int{
		AssetToken0: new(big.Int),
		AssetToken1: new(big.Int),
	}

	for key, balance := range bt.balances {
		totals[key.AssetID].Add(totals[key.AssetID], balance)
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// SetBalance overwrites an account balance directly. Only used when restoring
// from a snapshot; normal operation goes through ApplyBatch.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance *big.Int) {
	bt.balances[key] = new(big.Int).Set(balance)
}

func (bt *BalanceTracker) at(key AccountKey) *big.Int {
	v, ok := bt.balances[key]
	if !ok {
		v = new(big.Int)
		bt.balances[key] = v
	}
	return v
}
