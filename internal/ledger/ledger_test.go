package ledger_test

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ledger"
)

func positionID(seed string) [16]byte {
	return ledger.PositionEntity([]byte(seed))
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_PositionPath(t *testing.T) {
	pid := positionID("band:-120:-60:sell_token1:0")
	assetID, _ := ledger.GetAssetID("token0")
	key := ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, assetID)

	path := key.AccountPath()
	want := "position:" + hexOf(pid) + ":principal:token0"
	if path != want {
		t.Errorf("got %q, want %q", path, want)
	}
}

func hexOf(b [16]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, 32)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return string(out)
}

func TestAccountKey_TreasuryPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("token1")
	key := ledger.TreasuryAccountKey(assetID)

	path := key.AccountPath()
	if path != "system:treasury:token1" {
		t.Errorf("got %q, want %q", path, "system:treasury:token1")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("token0")
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, assetID)

	path := key.AccountPath()
	if path != "external:deposits:token0" {
		t.Errorf("got %q, want %q", path, "external:deposits:token0")
	}
}

func TestGetAssetID_Known(t *testing.T) {
	id, ok := ledger.GetAssetID("token0")
	if !ok {
		t.Fatal("token0 should be a known asset")
	}
	if id == 0 {
		t.Error("token0 asset ID should be non-zero")
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("token2")
	if ok {
		t.Error("token2 should not be a known asset")
	}
}

func TestPositionEntity_DistinctKeys(t *testing.T) {
	a := positionID("band:60:120:sell_token0:0")
	b := positionID("band:60:120:sell_token0:1")
	if a == b {
		t.Error("different nonces must map to different entity ids")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	pid := positionID("p1")

	balance := bt.GetPositionPrincipal(pid, ledger.AssetToken0)
	if balance.Sign() != 0 {
		t.Errorf("initial balance should be 0, got %s", balance)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	pid := positionID("p1")

	// Simulate placement: debit position:principal, credit external:deposits
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken0),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetToken0),
		AssetID:       ledger.AssetToken0,
		Amount:        big.NewInt(1_000_000),
	}

	bt.ApplyJournal(j)

	principal := bt.GetPositionPrincipal(pid, ledger.AssetToken0)
	if principal.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("principal: got %s, want 1000000", principal)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	pid := positionID("p1")

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken0),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetToken0),
		AssetID:       ledger.AssetToken0,
		Amount:        big.NewInt(1_000_000),
	})

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewExternalAccountKey(ledger.SubTypeExternalPool, ledger.AssetToken0),
		CreditAccount: ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken0),
		AssetID:       ledger.AssetToken0,
		Amount:        big.NewInt(400_000),
	})

	totals := bt.ComputeGlobalBalance()
	for aid, total := range totals {
		if total.Sign() != 0 {
			t.Errorf("asset %d has non-zero global balance: %s", aid, total)
		}
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	pid := positionID("p1")

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken1),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetToken1),
		AssetID:       ledger.AssetToken1,
		Amount:        big.NewInt(999),
	})

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k].SetInt64(0)
	}

	if bt.GetPositionPrincipal(pid, ledger.AssetToken1).Cmp(big.NewInt(999)) != 0 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_ZeroAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	pid := positionID("p1")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken0),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetToken0),
				AssetID:       ledger.AssetToken0,
				Amount:        big.NewInt(0),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatchValidate_NegativeAmount_Fails(t *testing.T) {
	batchID := uuid.New()
	pid := positionID("p1")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken0),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetToken0),
				AssetID:       ledger.AssetToken0,
				Amount:        big.NewInt(-100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("negative amount should fail validation")
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.NewPositionAccountKey(positionID("p1"), ledger.SubTypePrincipal, ledger.AssetToken0)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				AssetID:       ledger.AssetToken0,
				Amount:        big.NewInt(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_CrossAsset_Fails(t *testing.T) {
	batchID := uuid.New()
	pid := positionID("p1")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken0),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetToken1),
				AssetID:       ledger.AssetToken0,
				Amount:        big.NewInt(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mixed-asset journal should fail validation")
	}
}

// ============================================================================
// Test: JournalGenerator flows
// ============================================================================

func TestGenerator_PlacementThenExecutionConservation(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	v := ledger.NewInvariantValidator(bt)
	pid := positionID("band:60:120:sell_token0:0")

	place, err := jg.GeneratePlacement("cmd-1", pid, big.NewInt(1_000_000), nil, 1700000000000000)
	if err != nil {
		t.Fatalf("GeneratePlacement: %v", err)
	}
	if err := bt.ApplyBatch(place); err != nil {
		t.Fatalf("apply placement: %v", err)
	}

	if got := bt.GetPositionPrincipal(pid, ledger.AssetToken0); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("principal after placement: %s", got)
	}

	// A swap routes 37 units of token1 fees into custody before the fill.
	accrue, err := jg.GenerateFeeAccrual("fee-1", pid, nil, big.NewInt(37), 1700000000500000)
	if err != nil {
		t.Fatalf("GenerateFeeAccrual: %v", err)
	}
	if err := bt.ApplyBatch(accrue); err != nil {
		t.Fatalf("apply accrual: %v", err)
	}

	// Execution: principal burns back to the pool, token1 proceeds enter custody.
	exec, err := jg.GenerateExecution("cmd-2", pid, nil, big.NewInt(1_015_000), 1700000001000000)
	if err != nil {
		t.Fatalf("GenerateExecution: %v", err)
	}
	if err := bt.ApplyBatch(exec); err != nil {
		t.Fatalf("apply execution: %v", err)
	}

	if got := bt.GetPositionPrincipal(pid, ledger.AssetToken0); got.Sign() != 0 {
		t.Errorf("principal not drained by execution: %s", got)
	}
	if got := bt.GetPositionProceeds(pid, ledger.AssetToken1); got.Cmp(big.NewInt(1_015_000)) != 0 {
		t.Errorf("proceeds: got %s, want 1015000", got)
	}
	if got := bt.GetPositionFees(pid, ledger.AssetToken1); got.Cmp(big.NewInt(37)) != 0 {
		t.Errorf("fee custody: got %s, want 37", got)
	}

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger not zero-sum after execution: %v", err)
	}
	if err := v.ValidatePositionCustody(pid); err != nil {
		t.Errorf("negative custody: %v", err)
	}
}

func TestGenerator_ClaimPayoutDrainsCustody(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	pid := positionID("band:60:120:sell_token0:0")

	place, _ := jg.GeneratePlacement("cmd-1", pid, big.NewInt(500_000), nil, 1)
	bt.ApplyBatch(place)
	accrue, _ := jg.GenerateFeeAccrual("fee-1", pid, nil, big.NewInt(40), 2)
	bt.ApplyBatch(accrue)
	exec, _ := jg.GenerateExecution("cmd-2", pid, nil, big.NewInt(507_000), 3)
	bt.ApplyBatch(exec)

	claim, err := jg.GenerateClaimPayout("cmd-3", pid, nil, big.NewInt(507_000), nil, big.NewInt(40), false, "", 3)
	if err != nil {
		t.Fatalf("GenerateClaimPayout: %v", err)
	}
	if err := bt.ApplyBatch(claim); err != nil {
		t.Fatalf("apply claim: %v", err)
	}

	if got := bt.GetPositionProceeds(pid, ledger.AssetToken1); got.Sign() != 0 {
		t.Errorf("proceeds not drained: %s", got)
	}
	if got := bt.GetPositionFees(pid, ledger.AssetToken1); got.Sign() != 0 {
		t.Errorf("fees not drained: %s", got)
	}
}

func TestGenerator_RedirectedPayoutLandsInTreasury(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	pid := positionID("band:-120:-60:sell_token1:2")

	place, _ := jg.GeneratePlacement("cmd-1", pid, nil, big.NewInt(800), 1)
	bt.ApplyBatch(place)

	payout, err := jg.GenerateCancelPayout("cmd-2", pid, nil, big.NewInt(800), nil, nil, true, "0xdeadbeef", 2)
	if err != nil {
		t.Fatalf("GenerateCancelPayout: %v", err)
	}

	for _, j := range payout.Journals {
		if j.JournalType != ledger.JournalTypeTreasuryRedirect {
			t.Errorf("redirected payout journal has type %d", j.JournalType)
		}
		if j.Memo != "0xdeadbeef" {
			t.Errorf("redirect memo %q, want intended recipient", j.Memo)
		}
	}

	if err := bt.ApplyBatch(payout); err != nil {
		t.Fatalf("apply payout: %v", err)
	}
	if got := bt.GetTreasuryBalance(ledger.AssetToken1); got.Cmp(big.NewInt(800)) != 0 {
		t.Errorf("treasury holds %s, want 800", got)
	}
}

func TestGenerator_RetirementSweepsResidue(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(1, bt)
	pid := positionID("band:60:120:sell_token0:5")

	place, _ := jg.GeneratePlacement("cmd-1", pid, big.NewInt(1_000), nil, 1)
	bt.ApplyBatch(place)
	accrue, _ := jg.GenerateFeeAccrual("fee-1", pid, nil, big.NewInt(9), 2)
	bt.ApplyBatch(accrue)
	exec, _ := jg.GenerateExecution("cmd-2", pid, nil, big.NewInt(1_014), 3)
	bt.ApplyBatch(exec)

	// Claims drain all proceeds but flooring leaves 1 unit of fee custody.
	claim, _ := jg.GenerateClaimPayout("cmd-3", pid, nil, big.NewInt(1_014), nil, big.NewInt(8), false, "", 3)
	bt.ApplyBatch(claim)

	sweep, err := jg.GenerateRetirement("cmd-4", pid, 4)
	if err != nil {
		t.Fatalf("GenerateRetirement: %v", err)
	}
	if sweep == nil {
		t.Fatal("expected a sweep batch for residual fee custody")
	}
	if err := bt.ApplyBatch(sweep); err != nil {
		t.Fatalf("apply sweep: %v", err)
	}

	if got := bt.GetPositionFees(pid, ledger.AssetToken1); got.Sign() != 0 {
		t.Errorf("fee residue not swept: %s", got)
	}
	if got := bt.GetTreasuryBalance(ledger.AssetToken1); got.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("treasury should hold the 1-unit residue, got %s", got)
	}

	// Nothing left: a second retirement is a no-op.
	again, err := jg.GenerateRetirement("cmd-5", pid, 5)
	if err != nil {
		t.Fatalf("second GenerateRetirement: %v", err)
	}
	if again != nil {
		t.Error("clean position should produce no sweep batch")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	// Empty ledger should pass
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	pid := positionID("p1")
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewPositionAccountKey(pid, ledger.SubTypePrincipal, ledger.AssetToken0),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, ledger.AssetToken0),
		AssetID:       ledger.AssetToken0,
		Amount:        big.NewInt(1_000_000),
	})

	// Still zero-sum
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}
