package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef", NormalizeAddress("0xABCdef"))
	assert.Equal(t, "0xabcdef", NormalizeAddress("  0xABCDEF\n"))
	assert.Equal(t, "", NormalizeAddress(""))
}

func TestWalletSessionConnected(t *testing.T) {
	assert.False(t, WalletSession{}.Connected())
	assert.False(t, WalletSession{Status: StatusConnected}.Connected(),
		"connected without address is not a usable session")
	assert.False(t, WalletSession{Status: StatusConnecting, Address: "0xa"}.Connected())
	assert.True(t, WalletSession{Status: StatusConnected, Address: "0xa"}.Connected())
}

func TestReconciledPositionPendingOnChain(t *testing.T) {
	assert.False(t, ReconciledPosition{}.PendingOnChain(), "virtual-only is not pending")

	pending := ReconciledPosition{Real: &RealPosition{Status: RealPending}}
	assert.True(t, pending.PendingOnChain())

	minted := ReconciledPosition{Real: &RealPosition{Status: RealMinted}, OnChain: true}
	assert.False(t, minted.PendingOnChain())
}
