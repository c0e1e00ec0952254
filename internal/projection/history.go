package projection

import (
	"math/big"
	"sync"
	"time"

	"github.com/miracleworker0118/gamma-univ4-limit-orders/internal/event"
)

// ExecutionRecord is one fired band as the read side remembers it.
type ExecutionRecord struct {
	Sequence        int64      `json:"sequence"`
	OrderSide       event.Side `json:"side"`
	Bottom          int32      `json:"bottom"`
	Top             int32      `json:"top"`
	Nonce           uint64     `json:"nonce"`
	Liquidity       *big.Int   `json:"liquidity"`
	Proceeds0       *big.Int   `json:"proceeds0"`
	Proceeds1       *big.Int   `json:"proceeds1"`
	Fee0            *big.Int   `json:"fee0"`
	Fee1            *big.Int   `json:"fee1"`
	TriggerBoundary int32      `json:"trigger_boundary"`
	ByKeeper        bool       `json:"by_keeper"`
	Timestamp       time.Time  `json:"timestamp"`
}

// ExecutionHistory keeps the most recent executions in a fixed ring. Older
// records fall off; the full history stays queryable from Postgres.
type ExecutionHistory struct {
	mu      sync.RWMutex
	records []ExecutionRecord
	next    int
	filled  bool
}

func NewExecutionHistory(capacity int) *ExecutionHistory {
	if capacity <= 0 {
		capacity = 256
	}
	return &ExecutionHistory{
		records: make([]ExecutionRecord, capacity),
	}
}

// Add appends a record, evicting the oldest once the ring is full.
func (h *ExecutionHistory) Add(rec ExecutionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.next] = rec
	h.next++
	if h.next == len(h.records) {
		h.next = 0
		h.filled = true
	}
}

// Recent returns up to limit records, newest first. limit <= 0 means all
// retained records.
func (h *ExecutionHistory) Recent(limit int) []ExecutionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.next
	if h.filled {
		size = len(h.records)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]ExecutionRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := h.next - i
		if idx < 0 {
			idx += len(h.records)
		}
		out = append(out, h.records[idx])
	}
	return out
}

// Len reports how many records the ring currently retains.
func (h *ExecutionHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.filled {
		return len(h.records)
	}
	return h.next
}
