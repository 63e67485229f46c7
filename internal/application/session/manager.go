package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

const (
	defaultConnectTimeout = 30 * time.Second
	eventQueueSize        = 32
)

// Config holds configuration for the session manager.
type Config struct {
	// ConnectTimeout bounds the wait for a provider response during connect.
	ConnectTimeout time.Duration
}

// Manager owns the single wallet session and is its only writer. Connector
// adapters report through the event queue; the manager drains it
// sequentially in Run, so session mutations never race and event handling
// is never re-entrant.
type Manager struct {
	mu         sync.Mutex
	session    domain.WalletSession
	connectors map[domain.ConnectorKind]ports.Connector
	active     ports.Connector

	events         chan domain.ProviderEvent
	connectTimeout time.Duration
}

// NewManager creates a manager with an empty, disconnected session.
func NewManager(cfg Config) *Manager {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	return &Manager{
		session:        domain.WalletSession{Kind: domain.KindNone, Status: domain.StatusDisconnected},
		connectors:     make(map[domain.ConnectorKind]ports.Connector),
		events:         make(chan domain.ProviderEvent, eventQueueSize),
		connectTimeout: timeout,
	}
}

// Events is the queue connector adapters emit into. Pass it to adapter
// constructors; the manager drains it in Run.
func (m *Manager) Events() chan<- domain.ProviderEvent {
	return m.events
}

// Register makes a connector selectable by Connect. Registering the same
// kind twice replaces the previous adapter.
func (m *Manager) Register(c ports.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[c.Kind()] = c
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() domain.WalletSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Connect activates the connector of the given kind and transitions the
// session Disconnected -> Connecting -> Connected. A second Connect while
// one is in flight fails with ErrAlreadyConnecting instead of racing.
// Connecting while already connected to another kind first tears that
// session down, so the switch always passes through Disconnected.
func (m *Manager) Connect(ctx context.Context, kind domain.ConnectorKind) (domain.WalletSession, error) {
	m.mu.Lock()
	if m.session.Status == domain.StatusConnecting {
		m.mu.Unlock()
		return domain.WalletSession{}, fmt.Errorf("session.Connect(%s): %w", kind, domain.ErrAlreadyConnecting)
	}

	c, ok := m.connectors[kind]
	if !ok || !c.Available() {
		m.mu.Unlock()
		return domain.WalletSession{}, fmt.Errorf("session.Connect(%s): %w", kind, domain.ErrProviderUnavailable)
	}

	if m.session.Status == domain.StatusConnected {
		prev := m.active
		m.resetLocked("")
		m.mu.Unlock()
		if prev != nil {
			if err := prev.Disconnect(ctx); err != nil {
				slog.Warn("previous connector disconnect failed", "kind", prev.Kind(), "err", err)
			}
		}
		m.mu.Lock()
		// Another Connect may have slipped in while we were tearing down.
		if m.session.Status != domain.StatusDisconnected {
			m.mu.Unlock()
			return domain.WalletSession{}, fmt.Errorf("session.Connect(%s): %w", kind, domain.ErrAlreadyConnecting)
		}
	}

	attempt := uuid.New().String()
	m.session = domain.WalletSession{
		Kind:      kind,
		Status:    domain.StatusConnecting,
		AttemptID: attempt,
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	acct, err := c.Connect(ctx)

	m.mu.Lock()
	if m.session.AttemptID != attempt {
		// The caller abandoned this attempt (cancel or explicit disconnect)
		// while the provider round-trip was in flight. Tear down whatever
		// the adapter set up for it without touching the current session.
		m.mu.Unlock()
		if err == nil {
			if derr := c.Disconnect(context.Background()); derr != nil {
				slog.Warn("stale connect teardown failed", "kind", kind, "err", derr)
			}
		}
		return domain.WalletSession{}, fmt.Errorf("session.Connect(%s): attempt superseded: %w", kind, context.Canceled)
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		// Error state carries the failure kind while it is reported, then
		// auto-resets so the next attempt starts clean.
		m.session.Status = domain.StatusError
		m.session.LastError = err.Error()
		m.mu.Unlock()

		slog.Warn("wallet connect failed", "kind", kind, "err", err)

		m.mu.Lock()
		if m.session.AttemptID == attempt {
			m.resetLocked(err.Error())
		}
		m.mu.Unlock()
		return domain.WalletSession{}, fmt.Errorf("session.Connect(%s): %w", kind, err)
	}

	m.session = domain.WalletSession{
		Address:     domain.NormalizeAddress(acct.Address),
		ChainID:     acct.ChainID,
		Kind:        kind,
		Status:      domain.StatusConnected,
		AttemptID:   attempt,
		ConnectedAt: time.Now().UTC(),
	}
	m.active = c
	snap := m.session
	m.mu.Unlock()

	slog.Info("wallet connected", "kind", kind, "address", snap.Address, "chain_id", snap.ChainID)
	return snap, nil
}

// Disconnect clears the session and tells the active adapter to tear down.
// Idempotent: disconnecting an already-disconnected session is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.session.Status == domain.StatusDisconnected && m.active == nil {
		m.mu.Unlock()
		return nil
	}
	prev := m.active
	kind := m.session.Kind
	m.resetLocked("")
	m.mu.Unlock()

	if prev != nil {
		if err := prev.Disconnect(ctx); err != nil {
			// The session is already cleared; adapter teardown failures are
			// logged, never surfaced — disconnect always succeeds.
			slog.Warn("connector disconnect failed", "kind", kind, "err", err)
		}
	}
	slog.Info("wallet disconnected", "kind", kind)
	return nil
}

// RefreshConnection re-queries the active adapter for the current account
// and chain without a full reconnect, and reports whether the address
// changed. An empty account list from the provider means access was revoked
// and is treated as a disconnect.
func (m *Manager) RefreshConnection(ctx context.Context) (changed bool, err error) {
	m.mu.Lock()
	if m.session.Status != domain.StatusConnected || m.active == nil {
		m.mu.Unlock()
		return false, fmt.Errorf("session.RefreshConnection: %w", domain.ErrNoActiveSession)
	}
	c := m.active
	prevAddr := m.session.Address
	m.mu.Unlock()

	acct, err := c.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("session.RefreshConnection: %w", err)
	}

	if acct.Address == "" {
		// Provider-side revocation.
		if derr := m.Disconnect(ctx); derr != nil {
			return false, derr
		}
		return prevAddr != "", nil
	}

	addr := domain.NormalizeAddress(acct.Address)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.Status != domain.StatusConnected {
		return false, fmt.Errorf("session.RefreshConnection: %w", domain.ErrNoActiveSession)
	}
	changed = addr != m.session.Address
	m.session.Address = addr
	if acct.ChainID != 0 {
		m.session.ChainID = acct.ChainID
	}
	if changed {
		slog.Info("wallet account switched", "from", prevAddr, "to", addr)
	}
	return changed, nil
}

// SwitchNetwork asks the active adapter to change chains. On adapter
// rejection the session chain id is left untouched.
func (m *Manager) SwitchNetwork(ctx context.Context, chainID int64) error {
	m.mu.Lock()
	if m.session.Status != domain.StatusConnected || m.active == nil {
		m.mu.Unlock()
		return fmt.Errorf("session.SwitchNetwork: %w", domain.ErrNoActiveSession)
	}
	c := m.active
	m.mu.Unlock()

	if err := c.SwitchChain(ctx, chainID); err != nil {
		return fmt.Errorf("session.SwitchNetwork(%d): %w: %v", chainID, domain.ErrNetworkSwitchRejected, err)
	}

	m.mu.Lock()
	if m.session.Status == domain.StatusConnected {
		m.session.ChainID = chainID
	}
	m.mu.Unlock()

	slog.Info("network switched", "chain_id", chainID)
	return nil
}

// Signer resolves the active connector's signer. The session itself never
// holds the handle; it is looked up through the adapter on demand.
func (m *Manager) Signer() (ports.Signer, error) {
	m.mu.Lock()
	c := m.active
	connected := m.session.Status == domain.StatusConnected
	m.mu.Unlock()

	if !connected || c == nil {
		return nil, fmt.Errorf("session.Signer: %w", domain.ErrNoActiveSession)
	}
	return c.Signer()
}

// Run drains adapter events sequentially until the context is cancelled.
// Sequential draining preserves event order and keeps session mutation
// single-threaded even with several adapters reporting.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		}
	}
}

// handleEvent applies one adapter event to the session.
func (m *Manager) handleEvent(ctx context.Context, ev domain.ProviderEvent) {
	m.mu.Lock()
	activeKind := m.session.Kind
	connected := m.session.Status == domain.StatusConnected
	m.mu.Unlock()

	// Events from adapters that are not the active connector are stale
	// noise (e.g. a torn-down attempt still flushing its queue).
	if !connected || ev.Source != activeKind {
		slog.Debug("ignoring event from inactive connector", "source", ev.Source, "type", ev.Type)
		return
	}

	switch ev.Type {
	case domain.EventAccountsChanged:
		if len(ev.Accounts) == 0 {
			// Empty account list means the provider revoked access.
			slog.Info("provider reported empty accounts, disconnecting", "kind", ev.Source)
			_ = m.Disconnect(ctx)
			return
		}
		addr := domain.NormalizeAddress(ev.Accounts[0])
		m.mu.Lock()
		if m.session.Status == domain.StatusConnected && addr != m.session.Address {
			slog.Info("provider account switched", "from", m.session.Address, "to", addr)
			m.session.Address = addr
		}
		m.mu.Unlock()

	case domain.EventChainChanged:
		m.mu.Lock()
		if m.session.Status == domain.StatusConnected && ev.ChainID != 0 {
			m.session.ChainID = ev.ChainID
		}
		m.mu.Unlock()
		slog.Info("provider chain changed", "chain_id", ev.ChainID)

	case domain.EventDisconnected:
		slog.Info("provider reported disconnect", "kind", ev.Source)
		_ = m.Disconnect(ctx)
	}
}

// resetLocked clears the session back to Disconnected. Caller holds mu.
func (m *Manager) resetLocked(lastError string) {
	m.session = domain.WalletSession{
		Kind:      domain.KindNone,
		Status:    domain.StatusDisconnected,
		LastError: lastError,
	}
	m.active = nil
}
