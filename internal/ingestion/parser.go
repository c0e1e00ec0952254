package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed event.Command. The ingestion shell validates and converts
// before anything reaches the deterministic core.
func ParseRawCommand(raw RawCommand) (event.Command, error) {
	switch raw.CommandType {
	case "PlaceOrder":
		return parsePlaceOrder(raw.Data)
	case "PlaceScaleOrders":
		return parsePlaceScaleOrders(raw.Data)
	case "CancelOrder":
		return parseCancelOrder(raw.Data)
	case "ClaimProceeds":
		return parseClaimProceeds(raw.Data)
	case "CancelBatch":
		return parseCancelBatch(raw.Data)
	case "ClaimBatch":
		return parseClaimBatch(raw.Data)
	case "KeeperExecute":
		return parseKeeperExecute(raw.Data)
	case "UpdateParams":
		return parseUpdateParams(raw.Data)
	case "PriceMoved":
		return parsePriceMoved(raw.Data)
	case "FeeAccrued":
		return parseFeeAccrued(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", raw.CommandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS and HTTP.
// Field names use snake_case to match upstream producers. Token amounts are
// decimal strings in base units.

func parseSideString(s string) (event.Side, error) {
	switch s {
	case "sell_token0", "sell0", "token0":
		return event.SideSellToken0, nil
	case "sell_token1", "sell1", "token1":
		return event.SideSellToken1, nil
	default:
		return event.SideUnknown, fmt.Errorf("unknown side %q", s)
	}
}

func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: bad amount %q", field, s)
	}
	return v, nil
}

// parseOptionalAmount returns nil for an absent value, which downstream
// means "leave unchanged".
func parseOptionalAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	return parseAmount(field, s)
}

type placeOrderJSON struct {
	CommandID      string `json:"command_id"`
	Pool           string `json:"pool"`
	Owner          string `json:"owner"`
	Side           string `json:"side"`
	TargetBoundary int32  `json:"target_boundary"`
	Amount         string `json:"amount"`
	Seq            int64  `json:"seq"`
	TimestampUs    int64  `json:"timestamp_us"`
}

func parsePlaceOrder(data []byte) (*event.PlaceOrder, error) {
	var j placeOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PlaceOrder: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	side, err := parseSideString(j.Side)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}

	return &event.PlaceOrder{
		CommandID:      commandID,
		Pool:           j.Pool,
		Owner:          j.Owner,
		OrderSide:      side,
		TargetBoundary: j.TargetBoundary,
		Amount:         amount,
		Seq:            j.Seq,
		Timestamp:      time.UnixMicro(j.TimestampUs),
	}, nil
}

type placeScaleOrdersJSON struct {
	CommandID    string `json:"command_id"`
	Pool         string `json:"pool"`
	Owner        string `json:"owner"`
	Side         string `json:"side"`
	LowBoundary  int32  `json:"low_boundary"`
	HighBoundary int32  `json:"high_boundary"`
	TotalAmount  string `json:"total_amount"`
	Count        int32  `json:"count"`
	SkewX18      string `json:"skew_x18"`
	Seq          int64  `json:"seq"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parsePlaceScaleOrders(data []byte) (*event.PlaceScaleOrders, error) {
	var j placeScaleOrdersJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PlaceScaleOrders: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	side, err := parseSideString(j.Side)
	if err != nil {
		return nil, err
	}
	total, err := parseAmount("total_amount", j.TotalAmount)
	if err != nil {
		return nil, err
	}
	skew, err := parseAmount("skew_x18", j.SkewX18)
	if err != nil {
		return nil, err
	}

	return &event.PlaceScaleOrders{
		CommandID:    commandID,
		Pool:         j.Pool,
		Owner:        j.Owner,
		OrderSide:    side,
		LowBoundary:  j.LowBoundary,
		HighBoundary: j.HighBoundary,
		TotalAmount:  total,
		Count:        j.Count,
		SkewX18:      skew,
		Seq:          j.Seq,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type cancelOrderJSON struct {
	CommandID   string `json:"command_id"`
	Pool        string `json:"pool"`
	Owner       string `json:"owner"`
	Side        string `json:"side"`
	Bottom      int32  `json:"bottom"`
	Top         int32  `json:"top"`
	Nonce       uint64 `json:"nonce"`
	Seq         int64  `json:"seq"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelOrder(data []byte) (*event.CancelOrder, error) {
	var j cancelOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelOrder: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	side, err := parseSideString(j.Side)
	if err != nil {
		return nil, err
	}

	return &event.CancelOrder{
		CommandID: commandID,
		Pool:      j.Pool,
		Owner:     j.Owner,
		OrderSide: side,
		Bottom:    j.Bottom,
		Top:       j.Top,
		Nonce:     j.Nonce,
		Seq:       j.Seq,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type claimProceedsJSON struct {
	CommandID   string `json:"command_id"`
	Pool        string `json:"pool"`
	Owner       string `json:"owner"`
	Recipient   string `json:"recipient"`
	Side        string `json:"side"`
	Bottom      int32  `json:"bottom"`
	Top         int32  `json:"top"`
	Nonce       uint64 `json:"nonce"`
	Seq         int64  `json:"seq"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClaimProceeds(data []byte) (*event.ClaimProceeds, error) {
	var j claimProceedsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimProceeds: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}
	side, err := parseSideString(j.Side)
	if err != nil {
		return nil, err
	}

	recipient := j.Recipient
	if recipient == "" {
		recipient = j.Owner
	}

	return &event.ClaimProceeds{
		CommandID: commandID,
		Pool:      j.Pool,
		Owner:     j.Owner,
		Recipient: recipient,
		OrderSide: side,
		Bottom:    j.Bottom,
		Top:       j.Top,
		Nonce:     j.Nonce,
		Seq:       j.Seq,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type cancelBatchJSON struct {
	CommandID   string `json:"command_id"`
	Pool        string `json:"pool"`
	Owner       string `json:"owner"`
	Offset      int32  `json:"offset"`
	Limit       int32  `json:"limit"`
	Seq         int64  `json:"seq"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCancelBatch(data []byte) (*event.CancelBatch, error) {
	var j cancelBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CancelBatch: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	return &event.CancelBatch{
		CommandID: commandID,
		Pool:      j.Pool,
		Owner:     j.Owner,
		Offset:    j.Offset,
		Limit:     j.Limit,
		Seq:       j.Seq,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type claimBatchJSON struct {
	CommandID   string `json:"command_id"`
	Pool        string `json:"pool"`
	Owner       string `json:"owner"`
	Recipient   string `json:"recipient"`
	Offset      int32  `json:"offset"`
	Limit       int32  `json:"limit"`
	Seq         int64  `json:"seq"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseClaimBatch(data []byte) (*event.ClaimBatch, error) {
	var j claimBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimBatch: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	recipient := j.Recipient
	if recipient == "" {
		recipient = j.Owner
	}

	return &event.ClaimBatch{
		CommandID: commandID,
		Pool:      j.Pool,
		Owner:     j.Owner,
		Recipient: recipient,
		Offset:    j.Offset,
		Limit:     j.Limit,
		Seq:       j.Seq,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type bandRefJSON struct {
	Side   string `json:"side"`
	Bottom int32  `json:"bottom"`
	Top    int32  `json:"top"`
}

type keeperExecuteJSON struct {
	CommandID   string        `json:"command_id"`
	Pool        string        `json:"pool"`
	Keeper      string        `json:"keeper"`
	Bands       []bandRefJSON `json:"bands"`
	Seq         int64         `json:"seq"`
	TimestampUs int64         `json:"timestamp_us"`
}

func parseKeeperExecute(data []byte) (*event.KeeperExecute, error) {
	var j keeperExecuteJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse KeeperExecute: %w", err)
	}

	commandID, err := uuid.Parse(j.CommandID)
	if err != nil {
		return nil, fmt.Errorf("parse command_id: %w", err)
	}

	bands := make([]event.BandRef, 0, len(j.Bands))
	for _, b := range j.Bands {
		side, err := parseSideString(b.Side)
		if err != nil {
			return nil, err
		}
		bands = append(bands, event.BandRef{OrderSide: side, Bottom: b.Bottom, Top: b.Top})
	}

	return &event.KeeperExecute{
		CommandID: commandID,
		Pool:      j.Pool,
		Keeper:    j.Keeper,
		Bands:     bands,
		Seq:       j.Seq,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type updateParamsJSON struct {
	Pool              string   `json:"pool"`
	ExecutionBudget   int32    `json:"execution_budget"`
	MinAmount0        string   `json:"min_amount0"`
	MinAmount1        string   `json:"min_amount1"`
	MaxOrdersPerScale int32    `json:"max_orders_per_scale"`
	AuthorizedKeepers []string `json:"authorized_keepers"`
	FallbackTreasury  string   `json:"fallback_treasury"`
	EffectiveSeq      int64    `json:"effective_seq"`
	Seq               int64    `json:"seq"`
	TimestampUs       int64    `json:"timestamp_us"`
}

func parseUpdateParams(data []byte) (*event.UpdateParams, error) {
	var j updateParamsJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse UpdateParams: %w", err)
	}

	min0, err := parseOptionalAmount("min_amount0", j.MinAmount0)
	if err != nil {
		return nil, err
	}
	min1, err := parseOptionalAmount("min_amount1", j.MinAmount1)
	if err != nil {
		return nil, err
	}

	return &event.UpdateParams{
		Pool:              j.Pool,
		ExecutionBudget:   j.ExecutionBudget,
		MinAmount0:        min0,
		MinAmount1:        min1,
		MaxOrdersPerScale: j.MaxOrdersPerScale,
		AuthorizedKeepers: j.AuthorizedKeepers,
		FallbackTreasury:  j.FallbackTreasury,
		EffectiveSeq:      j.EffectiveSeq,
		Seq:               j.Seq,
		Timestamp:         time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceMovedJSON struct {
	Pool        string `json:"pool"`
	Pre         int32  `json:"pre"`
	Post        int32  `json:"post"`
	PriceUp     bool   `json:"price_up"`
	SwapSeq     int64  `json:"swap_seq"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePriceMoved(data []byte) (*event.PriceMoved, error) {
	var j priceMovedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceMoved: %w", err)
	}

	return &event.PriceMoved{
		Pool:      j.Pool,
		Pre:       j.Pre,
		Post:      j.Post,
		PriceUp:   j.PriceUp,
		SwapSeq:   j.SwapSeq,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type feeAccruedJSON struct {
	Pool        string `json:"pool"`
	Side        string `json:"side"`
	Bottom      int32  `json:"bottom"`
	Top         int32  `json:"top"`
	Fee0        string `json:"fee0"`
	Fee1        string `json:"fee1"`
	FeeSeq      int64  `json:"fee_seq"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseFeeAccrued(data []byte) (*event.FeeAccrued, error) {
	var j feeAccruedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse FeeAccrued: %w", err)
	}

	side, err := parseSideString(j.Side)
	if err != nil {
		return nil, err
	}
	fee0, err := parseAmount("fee0", j.Fee0)
	if err != nil {
		return nil, err
	}
	fee1, err := parseAmount("fee1", j.Fee1)
	if err != nil {
		return nil, err
	}

	return &event.FeeAccrued{
		Pool:      j.Pool,
		OrderSide: side,
		Bottom:    j.Bottom,
		Top:       j.Top,
		Fee0:      fee0,
		Fee1:      fee1,
		FeeSeq:    j.FeeSeq,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
