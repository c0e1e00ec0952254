package ingestion_test

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/ingestion"
)

func rawCommand(t *testing.T, commandType string, v interface{}) ingestion.RawCommand {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawCommand{
		Subject:     "test",
		CommandType: commandType,
		Data:        data,
		Received:    time.Now(),
		AckFunc:     func() {},
		NakFunc:     func() {},
	}
}

func TestParsePlaceOrder(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":      "550e8400-e29b-41d4-a716-446655440000",
		"pool":            "ethusdc-3000",
		"owner":           "0xabc",
		"side":            "sell_token0",
		"target_boundary": int32(120),
		"amount":          "2500000000000000000",
		"seq":             int64(7),
		"timestamp_us":    int64(1700000000000000),
	}

	raw := rawCommand(t, "PlaceOrder", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	po, ok := cmd.(*event.PlaceOrder)
	if !ok {
		t.Fatalf("expected *event.PlaceOrder, got %T", cmd)
	}

	if po.Pool != "ethusdc-3000" {
		t.Errorf("pool: got %s, want ethusdc-3000", po.Pool)
	}
	if po.OrderSide != event.SideSellToken0 {
		t.Errorf("side: got %v, want SideSellToken0", po.OrderSide)
	}
	if po.TargetBoundary != 120 {
		t.Errorf("target_boundary: got %d, want 120", po.TargetBoundary)
	}
	want, _ := new(big.Int).SetString("2500000000000000000", 10)
	if po.Amount.Cmp(want) != 0 {
		t.Errorf("amount: got %s, want %s", po.Amount, want)
	}
	if po.Seq != 7 {
		t.Errorf("seq: got %d, want 7", po.Seq)
	}
	if po.CommandType() != event.CommandPlaceOrder {
		t.Errorf("command type: got %v, want PlaceOrder", po.CommandType())
	}
}

func TestParsePlaceScaleOrders(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":    "550e8400-e29b-41d4-a716-446655440000",
		"pool":          "ethusdc-3000",
		"owner":         "0xabc",
		"side":          "sell_token0",
		"low_boundary":  int32(200),
		"high_boundary": int32(240),
		"total_amount":  "4000000",
		"count":         int32(4),
		"skew_x18":      "1500000000000000000",
		"seq":           int64(0),
		"timestamp_us":  int64(1700000000000000),
	}

	raw := rawCommand(t, "PlaceScaleOrders", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ps, ok := cmd.(*event.PlaceScaleOrders)
	if !ok {
		t.Fatalf("expected *event.PlaceScaleOrders, got %T", cmd)
	}

	if ps.LowBoundary != 200 || ps.HighBoundary != 240 {
		t.Errorf("boundaries: got [%d,%d], want [200,240]", ps.LowBoundary, ps.HighBoundary)
	}
	if ps.Count != 4 {
		t.Errorf("count: got %d, want 4", ps.Count)
	}
	wantSkew, _ := new(big.Int).SetString("1500000000000000000", 10)
	if ps.SkewX18.Cmp(wantSkew) != 0 {
		t.Errorf("skew: got %s, want %s", ps.SkewX18, wantSkew)
	}
}

func TestParseCancelOrder(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"pool":         "ethusdc-3000",
		"owner":        "0xabc",
		"side":         "sell_token1",
		"bottom":       int32(90),
		"top":          int32(100),
		"nonce":        uint64(3),
		"seq":          int64(12),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawCommand(t, "CancelOrder", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	co, ok := cmd.(*event.CancelOrder)
	if !ok {
		t.Fatalf("expected *event.CancelOrder, got %T", cmd)
	}

	if co.OrderSide != event.SideSellToken1 {
		t.Errorf("side: got %v, want SideSellToken1", co.OrderSide)
	}
	if co.Bottom != 90 || co.Top != 100 {
		t.Errorf("band: got [%d,%d], want [90,100]", co.Bottom, co.Top)
	}
	if co.Nonce != 3 {
		t.Errorf("nonce: got %d, want 3", co.Nonce)
	}
}

func TestParseClaimProceeds_DefaultsRecipientToOwner(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   "550e8400-e29b-41d4-a716-446655440000",
		"pool":         "ethusdc-3000",
		"owner":        "0xabc",
		"side":         "sell_token0",
		"bottom":       int32(110),
		"top":          int32(120),
		"nonce":        uint64(0),
		"seq":          int64(2),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawCommand(t, "ClaimProceeds", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cp, ok := cmd.(*event.ClaimProceeds)
	if !ok {
		t.Fatalf("expected *event.ClaimProceeds, got %T", cmd)
	}

	if cp.Recipient != "0xabc" {
		t.Errorf("recipient: got %s, want owner 0xabc", cp.Recipient)
	}
}

func TestParseKeeperExecute(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": "550e8400-e29b-41d4-a716-446655440000",
		"pool":       "ethusdc-3000",
		"keeper":     "keeper-1",
		"bands": []map[string]interface{}{
			{"side": "sell_token0", "bottom": int32(110), "top": int32(120)},
			{"side": "sell_token0", "bottom": int32(120), "top": int32(130)},
		},
		"seq":          int64(5),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawCommand(t, "KeeperExecute", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ke, ok := cmd.(*event.KeeperExecute)
	if !ok {
		t.Fatalf("expected *event.KeeperExecute, got %T", cmd)
	}

	if ke.Keeper != "keeper-1" {
		t.Errorf("keeper: got %s, want keeper-1", ke.Keeper)
	}
	if len(ke.Bands) != 2 {
		t.Fatalf("bands: got %d, want 2", len(ke.Bands))
	}
	if ke.Bands[1].Bottom != 120 || ke.Bands[1].Top != 130 {
		t.Errorf("band[1]: got [%d,%d], want [120,130]", ke.Bands[1].Bottom, ke.Bands[1].Top)
	}
}

func TestParseUpdateParams_OptionalMinAmounts(t *testing.T) {
	payload := map[string]interface{}{
		"pool":                 "ethusdc-3000",
		"execution_budget":     int32(7),
		"min_amount0":          "5000",
		"max_orders_per_scale": int32(30),
		"authorized_keepers":   []string{"keeper-2"},
		"fallback_treasury":    "0xvault",
		"effective_seq":        int64(9),
		"seq":                  int64(9),
		"timestamp_us":         int64(1700000000000000),
	}

	raw := rawCommand(t, "UpdateParams", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	up, ok := cmd.(*event.UpdateParams)
	if !ok {
		t.Fatalf("expected *event.UpdateParams, got %T", cmd)
	}

	if up.ExecutionBudget != 7 {
		t.Errorf("budget: got %d, want 7", up.ExecutionBudget)
	}
	if up.MinAmount0 == nil || up.MinAmount0.Cmp(big.NewInt(5000)) != 0 {
		t.Errorf("min_amount0: got %v, want 5000", up.MinAmount0)
	}
	if up.MinAmount1 != nil {
		t.Errorf("min_amount1: got %v, want nil (unchanged)", up.MinAmount1)
	}
	if len(up.AuthorizedKeepers) != 1 || up.AuthorizedKeepers[0] != "keeper-2" {
		t.Errorf("keepers: got %v, want [keeper-2]", up.AuthorizedKeepers)
	}
}

func TestParsePriceMoved(t *testing.T) {
	payload := map[string]interface{}{
		"pool":         "ethusdc-3000",
		"pre":          int32(100),
		"post":         int32(130),
		"price_up":     true,
		"swap_seq":     int64(42),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawCommand(t, "PriceMoved", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pm, ok := cmd.(*event.PriceMoved)
	if !ok {
		t.Fatalf("expected *event.PriceMoved, got %T", cmd)
	}

	if pm.Pre != 100 || pm.Post != 130 {
		t.Errorf("boundaries: got %d->%d, want 100->130", pm.Pre, pm.Post)
	}
	if !pm.PriceUp {
		t.Error("price_up: got false, want true")
	}
	if pm.SwapSeq != 42 {
		t.Errorf("swap_seq: got %d, want 42", pm.SwapSeq)
	}
}

func TestParseFeeAccrued(t *testing.T) {
	payload := map[string]interface{}{
		"pool":         "ethusdc-3000",
		"side":         "sell_token0",
		"bottom":       int32(110),
		"top":          int32(120),
		"fee0":         "400",
		"fee1":         "55",
		"fee_seq":      int64(1),
		"timestamp_us": int64(1700000000000000),
	}

	raw := rawCommand(t, "FeeAccrued", payload)
	cmd, err := ingestion.ParseRawCommand(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	fa, ok := cmd.(*event.FeeAccrued)
	if !ok {
		t.Fatalf("expected *event.FeeAccrued, got %T", cmd)
	}

	if fa.Fee0.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("fee0: got %s, want 400", fa.Fee0)
	}
	if fa.Fee1.Cmp(big.NewInt(55)) != 0 {
		t.Errorf("fee1: got %s, want 55", fa.Fee1)
	}
	if fa.FeeSeq != 1 {
		t.Errorf("fee_seq: got %d, want 1", fa.FeeSeq)
	}
}

func TestParseUnknownCommandType_Fails(t *testing.T) {
	raw := ingestion.RawCommand{CommandType: "NonExistentType", Data: []byte(`{}`)}
	_, err := ingestion.ParseRawCommand(raw)
	if err == nil {
		t.Fatal("expected error for unknown command type")
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	raw := ingestion.RawCommand{CommandType: "PlaceOrder", Data: []byte(`{invalid json`)}
	_, err := ingestion.ParseRawCommand(raw)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseInvalidUUID_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":      "not-a-uuid",
		"pool":            "ethusdc-3000",
		"owner":           "0xabc",
		"side":            "sell_token0",
		"target_boundary": int32(120),
		"amount":          "1000",
		"seq":             int64(0),
	}

	raw := rawCommand(t, "PlaceOrder", payload)
	_, err := ingestion.ParseRawCommand(raw)
	if err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}

func TestParseBadAmount_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":      "550e8400-e29b-41d4-a716-446655440000",
		"pool":            "ethusdc-3000",
		"owner":           "0xabc",
		"side":            "sell_token0",
		"target_boundary": int32(120),
		"amount":          "1.5e18",
		"seq":             int64(0),
	}

	raw := rawCommand(t, "PlaceOrder", payload)
	_, err := ingestion.ParseRawCommand(raw)
	if err == nil {
		t.Fatal("expected error for non-integer amount")
	}
}

func TestStoredCommandRoundTrip(t *testing.T) {
	original := &event.PlaceOrder{
		CommandID:      uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Pool:           "ethusdc-3000",
		Owner:          "0xabc",
		OrderSide:      event.SideSellToken0,
		TargetBoundary: 120,
		Amount:         big.NewInt(1_000_000),
		Seq:            3,
		Timestamp:      time.UnixMicro(1700000000000000).UTC(),
	}

	payload, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	cmd, err := ingestion.ParseStoredCommand("PlaceOrder", payload)
	if err != nil {
		t.Fatalf("decode stored: %v", err)
	}

	restored, ok := cmd.(*event.PlaceOrder)
	if !ok {
		t.Fatalf("expected *event.PlaceOrder, got %T", cmd)
	}

	if restored.CommandID != original.CommandID {
		t.Errorf("command id: got %s, want %s", restored.CommandID, original.CommandID)
	}
	if restored.Amount.Cmp(original.Amount) != 0 {
		t.Errorf("amount: got %s, want %s", restored.Amount, original.Amount)
	}
	if restored.IdempotencyKey() != original.IdempotencyKey() {
		t.Errorf("idempotency key: got %s, want %s", restored.IdempotencyKey(), original.IdempotencyKey())
	}
	if !restored.Timestamp.Equal(original.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", restored.Timestamp, original.Timestamp)
	}
}
