package ingestion

import (
	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
)

// LocalSeq marks a command built inside this process rather than by the
// gateway. The ingestion loop replaces it with the partition's next
// expected sequence right before dispatch.
const LocalSeq int64 = -1

// AssignSourceSeq stamps a locally-built command with its source sequence.
// Feed commands never take this path; their sequences come from the chain
// indexer.
func AssignSourceSeq(cmd event.Command, seq int64) {
	switch e := cmd.(type) {
	case *event.PlaceOrder:
		e.Seq = seq
	case *event.PlaceScaleOrders:
		e.Seq = seq
	case *event.CancelOrder:
		e.Seq = seq
	case *event.ClaimProceeds:
		e.Seq = seq
	case *event.CancelBatch:
		e.Seq = seq
	case *event.ClaimBatch:
		e.Seq = seq
	case *event.KeeperExecute:
		e.Seq = seq
	case *event.UpdateParams:
		e.Seq = seq
	}
}
