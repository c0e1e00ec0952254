package event

import (
	"fmt"
	"math/big"
	"time"
)

// PriceMoved reports one swap's boundary crossing from the host indexer.
// Pre and Post are the boundaries immediately before and after the swap;
// PriceUp is the travel direction. Equal boundaries mean the swap stayed
// inside one spacing and nothing can have crossed.
type PriceMoved struct {
	Pool      string
	Pre       int32
	Post      int32
	PriceUp   bool
	SwapSeq   int64 // Monotonic per pool, gaps allowed
	Timestamp time.Time
}

func (p *PriceMoved) IdempotencyKey() string {
	return fmt.Sprintf("%s:swap:%d", p.Pool, p.SwapSeq)
}

func (p *PriceMoved) CommandType() CommandType {
	return CommandPriceMoved
}

func (p *PriceMoved) PoolID() *string {
	m := p.Pool
	return &m
}

func (p *PriceMoved) SourceSequence() int64 {
	return p.SwapSeq
}

// FeeAccrued reports swap fees the indexer attributes to a band while its
// position rests. The engine credits them to the band's live position.
type FeeAccrued struct {
	Pool      string
	OrderSide Side
	Bottom    int32
	Top       int32
	Fee0      *big.Int
	Fee1      *big.Int
	FeeSeq    int64 // Monotonic per pool, gaps allowed
	Timestamp time.Time
}

func (f *FeeAccrued) IdempotencyKey() string {
	return fmt.Sprintf("%s:fee:%d", f.Pool, f.FeeSeq)
}

func (f *FeeAccrued) CommandType() CommandType {
	return CommandFeeAccrued
}

func (f *FeeAccrued) PoolID() *string {
	m := f.Pool
	return &m
}

func (f *FeeAccrued) SourceSequence() int64 {
	return f.FeeSeq
}
