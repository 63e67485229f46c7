package domain

import "errors"

// Error taxonomy for wallet and position operations. These are expected
// failures — a missing extension or a human clicking "reject" is normal
// operation, so callers match with errors.Is and map to actionable
// messages instead of crashing.
var (
	// ErrProviderUnavailable: the wallet SDK is not installed or reachable.
	ErrProviderUnavailable = errors.New("wallet provider unavailable")

	// ErrUserRejected: the human explicitly declined the request.
	ErrUserRejected = errors.New("connection request rejected by user")

	// ErrTimeout: no response from the provider within the bounded wait.
	ErrTimeout = errors.New("wallet request timed out")

	// ErrAlreadyConnecting: a connect attempt is already in flight.
	ErrAlreadyConnecting = errors.New("another connect attempt is in progress")

	// ErrNoActiveSession: the operation needs a connected session.
	ErrNoActiveSession = errors.New("no active wallet session")

	// ErrNetworkSwitchRejected: the provider declined the chain switch;
	// the session chain id is left unchanged.
	ErrNetworkSwitchRejected = errors.New("network switch rejected")

	// ErrLedgerUnavailable: the virtual position ledger could not be read.
	// Fatal to reconciliation — virtual data is authoritative for identity.
	ErrLedgerUnavailable = errors.New("position ledger unavailable")

	// ErrChainUnreachable: the on-chain/subgraph source failed. Reconciliation
	// degrades to virtual-only instead of failing.
	ErrChainUnreachable = errors.New("on-chain source unreachable")

	// ErrPositionNotFound: the ledger has no position with that id.
	ErrPositionNotFound = errors.New("position not found")
)
