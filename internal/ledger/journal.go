package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeOrderPrincipal JournalType = iota
	JournalTypeCancelRefund
	JournalTypeExecutionBurn
	JournalTypeExecutionProceeds
	JournalTypeFeeAccrual
	JournalTypeFeePayout
	JournalTypeClaimPayout
	JournalTypeTreasuryRedirect
	JournalTypeDustSweep
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeOrderPrincipal:
		return "order_principal"
	case JournalTypeCancelRefund:
		return "cancel_refund"
	case JournalTypeExecutionBurn:
		return "execution_burn"
	case JournalTypeExecutionProceeds:
		return "execution_proceeds"
	case JournalTypeFeeAccrual:
		return "fee_accrual"
	case JournalTypeFeePayout:
		return "fee_payout"
	case JournalTypeClaimPayout:
		return "claim_payout"
	case JournalTypeTreasuryRedirect:
		return "treasury_redirect"
	case JournalTypeDustSweep:
		return "dust_sweep"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        *big.Int    // Base units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Memo          string      // Intended recipient on treasury redirects
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by construction
// (a single positive amount moves from credit account to debit account). Therefore
// Σ debits == Σ credits is guaranteed per-entry. Multi-leg batches (e.g., execution
// with fee settlement) use multiple entries under one batch_id, each individually
// balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s crosses assets", j.JournalID)
		}
	}

	return nil
}
