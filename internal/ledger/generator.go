package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from engine flows.
// Custody model: each position owns principal/proceeds/fees accounts;
// deposits arrive through external:deposits, payouts leave through
// external:withdrawals (or system:treasury on a redirect), and the pool
// boundary account absorbs conversions and rounding dust.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

// SetSequence resets the generator's sequence (used during recovery).
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// GeneratePlacement records an order deposit taken into custody.
// Moves funds: external:deposits → position:principal, per funded asset.
func (jg *JournalGenerator) GeneratePlacement(
	eventRef string,
	positionID [16]byte,
	amount0, amount1 *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)

	jg.addJournal(batch, JournalTypeOrderPrincipal, AssetToken0, amount0,
		NewPositionAccountKey(positionID, SubTypePrincipal, AssetToken0),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetToken0), "")
	jg.addJournal(batch, JournalTypeOrderPrincipal, AssetToken1, amount1,
		NewPositionAccountKey(positionID, SubTypePrincipal, AssetToken1),
		NewExternalAccountKey(SubTypeExternalDeposits, AssetToken1), "")

	if len(batch.Journals) == 0 {
		return nil, fmt.Errorf("placement %s moved no assets", eventRef)
	}
	jg.sequence++
	return batch, nil
}

// GenerateFeeAccrual records swap fees taken into a position's fee custody.
// Moves funds: external:pool → position:fees.
func (jg *JournalGenerator) GenerateFeeAccrual(
	eventRef string,
	positionID [16]byte,
	fee0, fee1 *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)

	jg.addJournal(batch, JournalTypeFeeAccrual, AssetToken0, fee0,
		NewPositionAccountKey(positionID, SubTypeFees, AssetToken0),
		NewExternalAccountKey(SubTypeExternalPool, AssetToken0), "")
	jg.addJournal(batch, JournalTypeFeeAccrual, AssetToken1, fee1,
		NewPositionAccountKey(positionID, SubTypeFees, AssetToken1),
		NewExternalAccountKey(SubTypeExternalPool, AssetToken1), "")

	if len(batch.Journals) == 0 {
		return nil, fmt.Errorf("fee accrual %s moved no assets", eventRef)
	}
	jg.sequence++
	return batch, nil
}

// GenerateExecution converts a position's custody at the moment it fires:
// the resting principal returns to the pool and the realized proceeds enter
// position custody. The burn legs drain whatever the principal accounts
// hold, so custody conservation is exact regardless of rounding inside the
// pool. Fees are not touched here; fee custody was recorded at accrual time
// and the settlement merely delivers it.
func (jg *JournalGenerator) GenerateExecution(
	eventRef string,
	positionID [16]byte,
	proceeds0, proceeds1 *big.Int,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)

	for _, asset := range []AssetID{AssetToken0, AssetToken1} {
		held := jg.balanceTracker.GetPositionPrincipal(positionID, asset)
		jg.addJournal(batch, JournalTypeExecutionBurn, asset, held,
			NewExternalAccountKey(SubTypeExternalPool, asset),
			NewPositionAccountKey(positionID, SubTypePrincipal, asset), "")
	}

	jg.addJournal(batch, JournalTypeExecutionProceeds, AssetToken0, proceeds0,
		NewPositionAccountKey(positionID, SubTypeProceeds, AssetToken0),
		NewExternalAccountKey(SubTypeExternalPool, AssetToken0), "")
	jg.addJournal(batch, JournalTypeExecutionProceeds, AssetToken1, proceeds1,
		NewPositionAccountKey(positionID, SubTypeProceeds, AssetToken1),
		NewExternalAccountKey(SubTypeExternalPool, AssetToken1), "")

	if len(batch.Journals) == 0 {
		return nil, fmt.Errorf("execution %s moved no assets", eventRef)
	}
	jg.sequence++
	return batch, nil
}

// GenerateCancelPayout pays a contributor's withdrawn principal share and
// reconciled fees out of position custody. When redirected, funds land in
// the treasury and the memo records who should have received them.
func (jg *JournalGenerator) GenerateCancelPayout(
	eventRef string,
	positionID [16]byte,
	refund0, refund1 *big.Int,
	fee0, fee1 *big.Int,
	redirected bool,
	intendedRecipient string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)

	refundType, feeType := JournalTypeCancelRefund, JournalTypeFeePayout
	memo := ""
	if redirected {
		refundType, feeType = JournalTypeTreasuryRedirect, JournalTypeTreasuryRedirect
		memo = intendedRecipient
	}

	jg.addJournal(batch, refundType, AssetToken0, refund0,
		jg.payoutAccount(redirected, AssetToken0),
		NewPositionAccountKey(positionID, SubTypePrincipal, AssetToken0), memo)
	jg.addJournal(batch, refundType, AssetToken1, refund1,
		jg.payoutAccount(redirected, AssetToken1),
		NewPositionAccountKey(positionID, SubTypePrincipal, AssetToken1), memo)

	jg.addJournal(batch, feeType, AssetToken0, fee0,
		jg.payoutAccount(redirected, AssetToken0),
		NewPositionAccountKey(positionID, SubTypeFees, AssetToken0), memo)
	jg.addJournal(batch, feeType, AssetToken1, fee1,
		jg.payoutAccount(redirected, AssetToken1),
		NewPositionAccountKey(positionID, SubTypeFees, AssetToken1), memo)

	if len(batch.Journals) == 0 {
		return nil, fmt.Errorf("cancel payout %s moved no assets", eventRef)
	}
	jg.sequence++
	return batch, nil
}

// GenerateClaimPayout pays a contributor's proceeds share and reconciled
// fees out of an executed position's custody.
func (jg *JournalGenerator) GenerateClaimPayout(
	eventRef string,
	positionID [16]byte,
	principal0, principal1 *big.Int,
	fee0, fee1 *big.Int,
	redirected bool,
	intendedRecipient string,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)

	claimType, feeType := JournalTypeClaimPayout, JournalTypeFeePayout
	memo := ""
	if redirected {
		claimType, feeType = JournalTypeTreasuryRedirect, JournalTypeTreasuryRedirect
		memo = intendedRecipient
	}

	jg.addJournal(batch, claimType, AssetToken0, principal0,
		jg.payoutAccount(redirected, AssetToken0),
		NewPositionAccountKey(positionID, SubTypeProceeds, AssetToken0), memo)
	jg.addJournal(batch, claimType, AssetToken1, principal1,
		jg.payoutAccount(redirected, AssetToken1),
		NewPositionAccountKey(positionID, SubTypeProceeds, AssetToken1), memo)

	jg.addJournal(batch, feeType, AssetToken0, fee0,
		jg.payoutAccount(redirected, AssetToken0),
		NewPositionAccountKey(positionID, SubTypeFees, AssetToken0), memo)
	jg.addJournal(batch, feeType, AssetToken1, fee1,
		jg.payoutAccount(redirected, AssetToken1),
		NewPositionAccountKey(positionID, SubTypeFees, AssetToken1), memo)

	if len(batch.Journals) == 0 {
		return nil, fmt.Errorf("claim payout %s moved no assets", eventRef)
	}
	jg.sequence++
	return batch, nil
}

// GenerateRetirement sweeps whatever a dead position's custody accounts
// still hold. Un-withdrawn principal rounding stays with the pool; fee
// flooring residue goes to the treasury where it stays recoverable.
// Returns a nil batch when there is nothing to sweep.
func (jg *JournalGenerator) GenerateRetirement(
	eventRef string,
	positionID [16]byte,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(eventRef, timestamp)

	for _, asset := range []AssetID{AssetToken0, AssetToken1} {
		held := jg.balanceTracker.GetPositionPrincipal(positionID, asset)
		jg.addJournal(batch, JournalTypeDustSweep, asset, held,
			NewExternalAccountKey(SubTypeExternalPool, asset),
			NewPositionAccountKey(positionID, SubTypePrincipal, asset), "retirement")

		held = jg.balanceTracker.GetPositionProceeds(positionID, asset)
		jg.addJournal(batch, JournalTypeDustSweep, asset, held,
			TreasuryAccountKey(asset),
			NewPositionAccountKey(positionID, SubTypeProceeds, asset), "retirement")

		held = jg.balanceTracker.GetPositionFees(positionID, asset)
		jg.addJournal(batch, JournalTypeDustSweep, asset, held,
			TreasuryAccountKey(asset),
			NewPositionAccountKey(positionID, SubTypeFees, asset), "retirement")
	}

	if len(batch.Journals) == 0 {
		return nil, nil
	}
	jg.sequence++
	return batch, nil
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// addJournal appends one balanced leg, skipping nil or zero amounts.
func (jg *JournalGenerator) addJournal(
	batch *Batch,
	jt JournalType,
	asset AssetID,
	amount *big.Int,
	debit, credit AccountKey,
	memo string,
) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       asset,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Memo:          memo,
		Timestamp:     batch.Timestamp,
	})
}

func (jg *JournalGenerator) payoutAccount(redirected bool, asset AssetID) AccountKey {
	if redirected {
		return TreasuryAccountKey(asset)
	}
	return NewExternalAccountKey(SubTypeExternalWithdrawals, asset)
}
