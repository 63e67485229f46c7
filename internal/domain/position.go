package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle of a virtual position in the ledger.
type PositionStatus string

const (
	PositionPending PositionStatus = "Pending"
	PositionActive  PositionStatus = "Active"
	PositionClosed  PositionStatus = "Closed"
)

// RealPositionStatus is the lifecycle of the on-chain NFT backing.
type RealPositionStatus string

const (
	RealPending RealPositionStatus = "Pending"
	RealMinted  RealPositionStatus = "Minted"
	RealFailed  RealPositionStatus = "Failed"
)

// Token is one side of a pool pair.
type Token struct {
	Address  string
	Symbol   string
	Decimals int
}

// VirtualPosition is a liquidity position tracked in the internal ledger,
// created when a user opens a position through the app and independent of
// whether an on-chain NFT exists yet. The APR scheduler writes Apr,
// FeesEarned and LastAprUpdate; position-close operations write Status.
// Nothing else mutates it.
type VirtualPosition struct {
	ID            string
	WalletAddress string
	PoolAddress   string
	PoolName      string
	Token0        Token
	Token1        Token
	FeeTier       int // Uniswap fee tier in hundredths of a bip (500, 3000, ...)
	DepositedUSD  decimal.Decimal
	TimeframeDays int // contracted timeframe: 30, 90 or 365
	Network       string
	Apr           decimal.Decimal
	FeesEarned    decimal.Decimal
	Status        PositionStatus
	CreatedAt     time.Time
	StartDate     *time.Time // set when the position is activated
	ClosedAt      *time.Time
	LastAprUpdate *time.Time
}

// RealPosition is the on-chain NFT-backed position. VirtualPositionID is a
// lookup reference, never ownership: deleting the real record must not
// affect the virtual one. The reconciler refreshes Status, InRange and
// LiquidityUSD from chain state; everything else is immutable after mint.
type RealPosition struct {
	ID                string
	VirtualPositionID string
	TokenID           uint64 // on-chain NFT id
	Network           string
	TxHash            string
	InRange           bool
	LiquidityUSD      decimal.Decimal
	Status            RealPositionStatus
	MintedAt          time.Time
}

// ReconciledPosition is the merge of a virtual position and its optional
// real counterpart. Derived on every reconciliation pass, never stored.
type ReconciledPosition struct {
	Virtual VirtualPosition
	Real    *RealPosition // nil when not yet on-chain

	// OnChain is true when a minted real position backs the virtual one.
	OnChain bool
	// LiquidityUSD is the effective value: the on-chain figure when one
	// exists (chain state is verifiable, so it wins), otherwise the
	// deposited amount from the ledger.
	LiquidityUSD decimal.Decimal
	InRange      bool
}

// PendingOnChain reports whether the position has a real record whose NFT
// mint has not confirmed yet. The UI flags these instead of omitting them.
func (p ReconciledPosition) PendingOnChain() bool {
	return p.Real != nil && p.Real.Status != RealMinted
}
