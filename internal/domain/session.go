package domain

import (
	"strings"
	"time"
)

// ConnectorKind identifies which wallet provider backs a session.
type ConnectorKind string

const (
	KindNone          ConnectorKind = "NONE"
	KindInjected      ConnectorKind = "INJECTED"
	KindWalletConnect ConnectorKind = "WALLETCONNECT"
	KindCoinbase      ConnectorKind = "COINBASE"
	KindCustodial     ConnectorKind = "CUSTODIAL"
)

// SessionStatus is the lifecycle state of the single wallet session.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "DISCONNECTED"
	StatusConnecting   SessionStatus = "CONNECTING"
	StatusConnected    SessionStatus = "CONNECTED"
	StatusError        SessionStatus = "ERROR"
)

// Account is what a connector yields on a successful connect.
type Account struct {
	Address string
	ChainID int64
}

// WalletSession is the single piece of mutable session state. Only the
// session manager writes it; everyone else reads snapshots. The session
// never owns the provider handle — it records which connector is active
// and the manager resolves capabilities (signer, refresh) through it.
type WalletSession struct {
	Address     string // lower-cased hex, empty when disconnected
	ChainID     int64  // 0 when disconnected
	Kind        ConnectorKind
	Status      SessionStatus
	AttemptID   string // identifies the connect attempt that produced this state
	ConnectedAt time.Time
	LastError   string // error kind of the most recent failed connect
}

// Connected reports whether the session holds a usable account.
func (s WalletSession) Connected() bool {
	return s.Status == StatusConnected && s.Address != ""
}

// ProviderEventType classifies events emitted by connector adapters.
type ProviderEventType string

const (
	EventAccountsChanged ProviderEventType = "accountsChanged"
	EventChainChanged    ProviderEventType = "chainChanged"
	EventDisconnected    ProviderEventType = "disconnect"
)

// ProviderEvent is a typed message from a connector adapter. Adapters never
// mutate the session directly; they emit these into a queue the session
// manager drains sequentially.
type ProviderEvent struct {
	Source   ConnectorKind
	Type     ProviderEventType
	Accounts []string
	ChainID  int64
}

// NormalizeAddress lower-cases a hex account address. All addresses stored
// in the session and the ledger go through this.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
