package connector

// browser.go — adapter base para providers estilo EIP-1193 (extensión
// inyectada tipo MetaMask y el SDK de Coinbase Wallet). Ambos exponen la
// misma superficie request/on, así que comparten implementación y solo
// difieren en el kind que reportan.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

// Códigos de error EIP-1193 que nos interesan.
const (
	codeUserRejected      = 4001
	codeUnrecognizedChain = 4902
)

type browserConnector struct {
	kind     domain.ConnectorKind
	provider ports.BrowserProvider
	events   chan<- domain.ProviderEvent

	mu       sync.Mutex
	removers []func()
	account  domain.Account
}

// NewInjected crea el adapter para la extensión de wallet inyectada.
func NewInjected(provider ports.BrowserProvider, events chan<- domain.ProviderEvent) ports.Connector {
	return &browserConnector{kind: domain.KindInjected, provider: provider, events: events}
}

// NewCoinbase crea el adapter para el provider del Coinbase Wallet SDK.
func NewCoinbase(provider ports.BrowserProvider, events chan<- domain.ProviderEvent) ports.Connector {
	return &browserConnector{kind: domain.KindCoinbase, provider: provider, events: events}
}

func (c *browserConnector) Kind() domain.ConnectorKind { return c.kind }

func (c *browserConnector) Available() bool {
	return c.provider != nil && c.provider.Present()
}

// Connect pide acceso a la cuenta con eth_requestAccounts y registra los
// listeners de accountsChanged/chainChanged.
func (c *browserConnector) Connect(ctx context.Context) (domain.Account, error) {
	if !c.Available() {
		return domain.Account{}, domain.ErrProviderUnavailable
	}

	raw, err := c.provider.Request(ctx, "eth_requestAccounts")
	if err != nil {
		return domain.Account{}, mapProviderErr(err)
	}

	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return domain.Account{}, fmt.Errorf("connector: parse accounts: %w", err)
	}
	if len(accounts) == 0 {
		return domain.Account{}, fmt.Errorf("connector: provider returned no accounts: %w", domain.ErrUserRejected)
	}

	chainID, err := c.requestChainID(ctx)
	if err != nil {
		return domain.Account{}, err
	}

	acct := domain.Account{Address: domain.NormalizeAddress(accounts[0]), ChainID: chainID}

	c.mu.Lock()
	c.account = acct
	c.registerListenersLocked()
	c.mu.Unlock()

	return acct, nil
}

// Current consulta cuenta y chain sin prompt.
func (c *browserConnector) Current(ctx context.Context) (domain.Account, error) {
	if !c.Available() {
		return domain.Account{}, domain.ErrProviderUnavailable
	}

	raw, err := c.provider.Request(ctx, "eth_accounts")
	if err != nil {
		return domain.Account{}, mapProviderErr(err)
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return domain.Account{}, fmt.Errorf("connector: parse accounts: %w", err)
	}
	if len(accounts) == 0 {
		return domain.Account{}, nil // acceso revocado
	}

	chainID, err := c.requestChainID(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{Address: domain.NormalizeAddress(accounts[0]), ChainID: chainID}, nil
}

// Disconnect elimina los listeners. Las extensiones inyectadas no tienen
// RPC de desconexión: olvidar la cuenta es suficiente. Idempotente.
func (c *browserConnector) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, remove := range c.removers {
		remove()
	}
	c.removers = nil
	c.account = domain.Account{}
	return nil
}

// SwitchChain pide el cambio de red con wallet_switchEthereumChain.
func (c *browserConnector) SwitchChain(ctx context.Context, chainID int64) error {
	if !c.Available() {
		return domain.ErrProviderUnavailable
	}
	param := map[string]string{"chainId": fmt.Sprintf("0x%x", chainID)}
	if _, err := c.provider.Request(ctx, "wallet_switchEthereumChain", param); err != nil {
		return mapProviderErr(err)
	}
	return nil
}

// Signer devuelve un firmante que delega en personal_sign del provider.
func (c *browserConnector) Signer() (ports.Signer, error) {
	c.mu.Lock()
	acct := c.account
	c.mu.Unlock()
	if acct.Address == "" {
		return nil, domain.ErrNoActiveSession
	}
	return &browserSigner{provider: c.provider, address: acct.Address}, nil
}

// registerListenersLocked registra los listeners una sola vez. Registrar de
// nuevo con listeners vivos es un no-op: tolera hot-reload sin duplicar
// callbacks. Caller holds mu.
func (c *browserConnector) registerListenersLocked() {
	if c.removers != nil {
		return
	}

	removeAccounts := c.provider.On("accountsChanged", func(payload json.RawMessage) {
		var accounts []string
		if err := json.Unmarshal(payload, &accounts); err != nil {
			slog.Warn("connector: bad accountsChanged payload", "kind", c.kind, "err", err)
			return
		}
		c.emit(domain.ProviderEvent{Source: c.kind, Type: domain.EventAccountsChanged, Accounts: accounts})
	})

	removeChain := c.provider.On("chainChanged", func(payload json.RawMessage) {
		var hexID string
		if err := json.Unmarshal(payload, &hexID); err != nil {
			slog.Warn("connector: bad chainChanged payload", "kind", c.kind, "err", err)
			return
		}
		chainID, err := parseHexChainID(hexID)
		if err != nil {
			slog.Warn("connector: bad chain id", "kind", c.kind, "value", hexID)
			return
		}
		c.emit(domain.ProviderEvent{Source: c.kind, Type: domain.EventChainChanged, ChainID: chainID})
	})

	c.removers = []func(){removeAccounts, removeChain}
}

// emit encola sin bloquear; si la cola está llena el evento se descarta con
// warning (el siguiente refresh reconcilia el estado).
func (c *browserConnector) emit(ev domain.ProviderEvent) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("connector: event queue full, dropping", "kind", c.kind, "type", ev.Type)
	}
}

func (c *browserConnector) requestChainID(ctx context.Context) (int64, error) {
	raw, err := c.provider.Request(ctx, "eth_chainId")
	if err != nil {
		return 0, mapProviderErr(err)
	}
	var hexID string
	if err := json.Unmarshal(raw, &hexID); err != nil {
		return 0, fmt.Errorf("connector: parse chain id: %w", err)
	}
	return parseHexChainID(hexID)
}

// browserSigner firma vía personal_sign del provider.
type browserSigner struct {
	provider ports.BrowserProvider
	address  string
}

func (s *browserSigner) Address() string { return s.address }

func (s *browserSigner) SignHash(hash []byte) ([]byte, error) {
	raw, err := s.provider.Request(context.Background(), "personal_sign",
		fmt.Sprintf("0x%x", hash), s.address)
	if err != nil {
		return nil, mapProviderErr(err)
	}
	var sigHex string
	if err := json.Unmarshal(raw, &sigHex); err != nil {
		return nil, fmt.Errorf("connector: parse signature: %w", err)
	}
	return hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
}

// mapProviderErr traduce errores EIP-1193 a la taxonomía del dominio.
func mapProviderErr(err error) error {
	var perr *ports.ProviderError
	if errors.As(err, &perr) {
		switch perr.Code {
		case codeUserRejected:
			return fmt.Errorf("%w: %s", domain.ErrUserRejected, perr.Message)
		case codeUnrecognizedChain:
			return fmt.Errorf("%w: %s", domain.ErrNetworkSwitchRejected, perr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return err
}

func parseHexChainID(s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("connector: chain id %q: %w", s, err)
	}
	return v, nil
}
