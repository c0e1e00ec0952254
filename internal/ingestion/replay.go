package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
)

// ParseStoredCommand decodes a command payload read back from the event log.
// Stored payloads are the typed command structs marshaled as-is, so this is
// the inverse of what the core writes into Envelope.Payload, not the NATS
// wire format.
func ParseStoredCommand(commandType string, payload []byte) (event.Command, error) {
	var cmd event.Command
	switch commandType {
	case "PlaceOrder":
		cmd = &event.PlaceOrder{}
	case "PlaceScaleOrders":
		cmd = &event.PlaceScaleOrders{}
	case "CancelOrder":
		cmd = &event.CancelOrder{}
	case "ClaimProceeds":
		cmd = &event.ClaimProceeds{}
	case "CancelBatch":
		cmd = &event.CancelBatch{}
	case "ClaimBatch":
		cmd = &event.ClaimBatch{}
	case "KeeperExecute":
		cmd = &event.KeeperExecute{}
	case "UpdateParams":
		cmd = &event.UpdateParams{}
	case "PriceMoved":
		cmd = &event.PriceMoved{}
	case "FeeAccrued":
		cmd = &event.FeeAccrued{}
	default:
		return nil, fmt.Errorf("unknown stored command type: %s", commandType)
	}

	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode stored %s: %w", commandType, err)
	}
	return cmd, nil
}
