package query

import "time"

// Amounts travel as decimal strings: NUMERIC(78,0) columns cover the full
// uint256 range and do not fit any machine integer.

// OrderResponse is one contributor stake on a resting or executed band.
type OrderResponse struct {
	Pool         string `json:"pool"`
	Side         string `json:"side"`
	Bottom       int32  `json:"bottom"`
	Top          int32  `json:"top"`
	Nonce        uint64 `json:"nonce"`
	Owner        string `json:"owner"`
	Liquidity    string `json:"liquidity"`
	Amount0      string `json:"amount0"`
	Amount1      string `json:"amount1"`
	Status       string `json:"status"`
	Waiting      bool   `json:"waiting"`
	PlacedSeq    int64  `json:"placed_seq"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ContributorResponse is one depositor's share within a position detail.
type ContributorResponse struct {
	Owner     string `json:"owner"`
	Liquidity string `json:"liquidity"`
	Amount0   string `json:"amount0"`
	Amount1   string `json:"amount1"`
	PlacedSeq int64  `json:"placed_seq"`
}

// PositionDetail is the full projected state of one position version.
type PositionDetail struct {
	Pool              string                `json:"pool"`
	Side              string                `json:"side"`
	Bottom            int32                 `json:"bottom"`
	Top               int32                 `json:"top"`
	Nonce             uint64                `json:"nonce"`
	Status            string                `json:"status"`
	Waiting           bool                  `json:"waiting"`
	TotalLiquidity    string                `json:"total_liquidity"`
	ExecutedLiquidity string                `json:"executed_liquidity"`
	Principal0        string                `json:"principal0"`
	Principal1        string                `json:"principal1"`
	FeePerLiq0        string                `json:"fee_per_liq0"`
	FeePerLiq1        string                `json:"fee_per_liq1"`
	Contributors      []ContributorResponse `json:"contributors"`
	AsOfSequence      int64                 `json:"as_of_sequence"`
}

// ExecutionResponse is one fired band from the durable execution history.
type ExecutionResponse struct {
	Pool            string    `json:"pool"`
	Side            string    `json:"side"`
	Bottom          int32     `json:"bottom"`
	Top             int32     `json:"top"`
	Nonce           uint64    `json:"nonce"`
	Liquidity       string    `json:"liquidity"`
	Proceeds0       string    `json:"proceeds0"`
	Proceeds1       string    `json:"proceeds1"`
	Fee0            string    `json:"fee0"`
	Fee1            string    `json:"fee1"`
	TriggerBoundary int32     `json:"trigger_boundary"`
	ByKeeper        bool      `json:"by_keeper"`
	Sequence        int64     `json:"sequence"`
	ExecutedAt      time.Time `json:"executed_at"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// ClaimResponse is one settled payout, including redirects that landed in
// the fallback treasury instead of the requested recipient.
type ClaimResponse struct {
	Pool         string    `json:"pool"`
	Side         string    `json:"side"`
	Bottom       int32     `json:"bottom"`
	Top          int32     `json:"top"`
	Nonce        uint64    `json:"nonce"`
	Owner        string    `json:"owner"`
	Recipient    string    `json:"recipient"`
	Principal0   string    `json:"principal0"`
	Principal1   string    `json:"principal1"`
	Fee0         string    `json:"fee0"`
	Fee1         string    `json:"fee1"`
	Redirected   bool      `json:"redirected"`
	Sequence     int64     `json:"sequence"`
	ClaimedAt    time.Time `json:"claimed_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry is one double-entry posting touching a position's
// custody accounts.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an admin integrity sweep.
type IntegrityReport struct {
	IsHealthy            bool    `json:"is_healthy"`
	HashChainBreaks      []int64 `json:"hash_chain_breaks,omitempty"`
	OrphanedContributors int64   `json:"orphaned_contributors"`
	NegativeAmountRows   int64   `json:"negative_amount_rows"`
}
