package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/waybank/internal/domain"
)

type fakeLedger struct {
	virtuals []domain.VirtualPosition
	err      error
}

func (f *fakeLedger) GetVirtualPositions(context.Context, string) ([]domain.VirtualPosition, error) {
	return f.virtuals, f.err
}
func (f *fakeLedger) GetActivePositions(context.Context) ([]domain.VirtualPosition, error) {
	return f.virtuals, f.err
}
func (f *fakeLedger) CreateVirtualPosition(context.Context, *domain.VirtualPosition) error { return nil }
func (f *fakeLedger) ActivatePosition(context.Context, string, time.Time) error            { return nil }
func (f *fakeLedger) ClosePosition(context.Context, string, time.Time) error               { return nil }
func (f *fakeLedger) UpdatePositionMetrics(context.Context, string, decimal.Decimal, decimal.Decimal, time.Time) error {
	return nil
}
func (f *fakeLedger) RecordRealPosition(context.Context, *domain.RealPosition) error { return nil }
func (f *fakeLedger) RealPositionsFor(context.Context, string) ([]domain.RealPosition, error) {
	return nil, nil
}
func (f *fakeLedger) Close() error { return nil }

type fakeChain struct {
	reals []domain.RealPosition
	err   error
}

func (f *fakeChain) GetRealPositions(context.Context, string) ([]domain.RealPosition, error) {
	return f.reals, f.err
}

func virtualPos(id string, deposited float64, createdAt time.Time) domain.VirtualPosition {
	return domain.VirtualPosition{
		ID:           id,
		WalletAddress: "0xwallet",
		PoolName:     "WETH/USDC 0.05%",
		DepositedUSD: decimal.NewFromFloat(deposited),
		Status:       domain.PositionActive,
		CreatedAt:    createdAt,
	}
}

func realPos(id, virtualID string, tokenID uint64, liquidity float64, mintedAt time.Time) domain.RealPosition {
	return domain.RealPosition{
		ID:                id,
		VirtualPositionID: virtualID,
		TokenID:           tokenID,
		LiquidityUSD:      decimal.NewFromFloat(liquidity),
		InRange:           true,
		Status:            domain.RealMinted,
		MintedAt:          mintedAt,
	}
}

func TestReconcileMergedAndVirtualOnly(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{
		virtualPos("v1", 1000, t0),
		virtualPos("v2", 500, t0.Add(time.Hour)),
	}}
	chain := &fakeChain{reals: []domain.RealPosition{
		realPos("r1", "v1", 42, 1005, t0.Add(time.Minute)),
	}}

	res, err := New(ledger, chain).Reconcile(context.Background(), "0xWALLET")
	require.NoError(t, err)

	require.Len(t, res.Positions, 2)
	assert.Empty(t, res.Orphans)
	assert.False(t, res.Partial)

	merged := res.Positions[0]
	assert.Equal(t, "v1", merged.Virtual.ID)
	require.NotNil(t, merged.Real)
	assert.True(t, merged.OnChain)
	assert.True(t, merged.LiquidityUSD.Equal(decimal.NewFromInt(1005)), "on-chain liquidity wins")

	virtualOnly := res.Positions[1]
	assert.Equal(t, "v2", virtualOnly.Virtual.ID)
	assert.Nil(t, virtualOnly.Real)
	assert.False(t, virtualOnly.OnChain)
	assert.True(t, virtualOnly.LiquidityUSD.Equal(decimal.NewFromInt(500)), "virtual-only uses deposited value")
	assert.True(t, virtualOnly.InRange)
}

func TestReconcileDeterministicOrder(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// Entrada desordenada a propósito.
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{
		virtualPos("v3", 1, t0.Add(2*time.Hour)),
		virtualPos("v1", 1, t0),
		virtualPos("v2", 1, t0.Add(time.Hour)),
	}}
	r := New(ledger, &fakeChain{})

	for range 5 {
		res, err := r.Reconcile(context.Background(), "0xw")
		require.NoError(t, err)
		require.Len(t, res.Positions, 3)
		assert.Equal(t, "v1", res.Positions[0].Virtual.ID)
		assert.Equal(t, "v2", res.Positions[1].Virtual.ID)
		assert.Equal(t, "v3", res.Positions[2].Virtual.ID)
	}
}

func TestReconcileOrphanIsAdvisory(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{virtualPos("v1", 100, t0)}}
	chain := &fakeChain{reals: []domain.RealPosition{
		realPos("r1", "v1", 1, 100, t0),
		realPos("r9", "v-missing", 9, 250, t0.Add(time.Minute)),
	}}

	res, err := New(ledger, chain).Reconcile(context.Background(), "0xw")
	require.NoError(t, err, "orphans must never fail the pass")

	require.Len(t, res.Positions, 1)
	require.Len(t, res.Orphans, 1)
	assert.Equal(t, "r9", res.Orphans[0].ID)
}

func TestReconcileChainFailureDegrades(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{virtualPos("v1", 750, t0)}}
	chain := &fakeChain{err: errors.New("subgraph 502")}

	res, err := New(ledger, chain).Reconcile(context.Background(), "0xw")
	require.NoError(t, err, "chain failure degrades, never aborts")

	assert.True(t, res.Partial)
	require.Len(t, res.Positions, 1)
	assert.Nil(t, res.Positions[0].Real)
	assert.True(t, res.Positions[0].LiquidityUSD.Equal(decimal.NewFromInt(750)))
}

func TestReconcileLedgerFailureIsFatal(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("disk full")}

	_, err := New(ledger, &fakeChain{}).Reconcile(context.Background(), "0xw")
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
}

func TestReconcileQueuesCorrectionOnDisagreement(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{virtualPos("v1", 1000, t0)}}
	// 12% de diferencia: por encima de la tolerancia.
	chain := &fakeChain{reals: []domain.RealPosition{realPos("r1", "v1", 1, 1120, t0)}}

	r := New(ledger, chain)
	_, err := r.Reconcile(context.Background(), "0xw")
	require.NoError(t, err)

	corrections := r.DrainCorrections()
	require.Len(t, corrections, 1)
	assert.Equal(t, "v1", corrections[0].PositionID)
	assert.True(t, corrections[0].LiquidityUSD.Equal(decimal.NewFromInt(1120)))

	assert.Empty(t, r.DrainCorrections(), "drain clears the queue")
}

func TestReconcileNoCorrectionWithinTolerance(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{virtualPos("v1", 1000, t0)}}
	// 0.5%: ruido de mercado, no corrección.
	chain := &fakeChain{reals: []domain.RealPosition{realPos("r1", "v1", 1, 1005, t0)}}

	r := New(ledger, chain)
	_, err := r.Reconcile(context.Background(), "0xw")
	require.NoError(t, err)

	assert.Empty(t, r.DrainCorrections())
}

func TestReconcileLatestCorrectionWins(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{virtualPos("v1", 1000, t0)}}
	chain := &fakeChain{reals: []domain.RealPosition{realPos("r1", "v1", 1, 1200, t0)}}

	r := New(ledger, chain)
	_, err := r.Reconcile(context.Background(), "0xw")
	require.NoError(t, err)

	chain.reals[0].LiquidityUSD = decimal.NewFromInt(1300)
	_, err = r.Reconcile(context.Background(), "0xw")
	require.NoError(t, err)

	corrections := r.DrainCorrections()
	require.Len(t, corrections, 1, "one pending correction per position")
	assert.True(t, corrections[0].LiquidityUSD.Equal(decimal.NewFromInt(1300)))
}

func TestReconcilePendingRealUsesDepositedValue(t *testing.T) {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{virtuals: []domain.VirtualPosition{virtualPos("v1", 900, t0)}}
	pending := realPos("r1", "v1", 7, 0, t0)
	pending.Status = domain.RealPending
	chain := &fakeChain{reals: []domain.RealPosition{pending}}

	res, err := New(ledger, chain).Reconcile(context.Background(), "0xw")
	require.NoError(t, err)

	require.Len(t, res.Positions, 1)
	p := res.Positions[0]
	assert.False(t, p.OnChain)
	assert.True(t, p.LiquidityUSD.Equal(decimal.NewFromInt(900)))
}
