package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PoolQuery identifies a pool for the pricing source. DefiLlama matches by
// underlying tokens + fee tier, other sources may use the address directly,
// so the query carries both.
type PoolQuery struct {
	PoolAddress string
	Token0      string
	Token1      string
	FeeTier     int
	Network     string
}

// PoolState is the current pricing snapshot for a pool.
type PoolState struct {
	PoolAddress  string
	AprPercent   decimal.Decimal // annualized, e.g. 12.5 for 12.5%
	TVLUSD       decimal.Decimal
	Volume24hUSD decimal.Decimal
	FetchedAt    time.Time
}

// MetricCorrection is queued by the reconciler when the ledger and the chain
// disagree on a position's liquidity value. The APR scheduler drains these
// and uses the on-chain value as the capital base on its next run — the
// reconciler itself never writes.
type MetricCorrection struct {
	PositionID   string
	LiquidityUSD decimal.Decimal
	ObservedAt   time.Time
}

// PositionFailure records one position skipped during an APR run.
type PositionFailure struct {
	PositionID string
	Reason     string
}

// RunSummary is the outcome of one APR update run. The scheduler keeps the
// last one for diagnostics.
type RunSummary struct {
	StartedAt        time.Time
	FinishedAt       time.Time
	PositionsUpdated int
	Failed           []PositionFailure
	TotalDistributed decimal.Decimal
}
