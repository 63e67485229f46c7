package connector

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

// CustodialConfig configura el conector de clave custodiada.
type CustodialConfig struct {
	// PrivateKeyHex es la clave privada en hex, con o sin prefijo 0x.
	PrivateKeyHex string
	// DefaultChainID es la cadena activa tras conectar.
	DefaultChainID int64
	// RPCByChain mapea chain id a endpoint RPC. SwitchChain solo acepta
	// cadenas presentes aquí.
	RPCByChain map[int64]string
}

// Custodial es el conector headless: la clave vive en el proceso y no hay
// prompts de usuario, así que Connect nunca puede ser rechazado. Lo usan los
// despliegues de servidor donde no existe una extensión de navegador.
type Custodial struct {
	key     *ecdsa.PrivateKey
	address string
	cfg     CustodialConfig

	mu      sync.Mutex
	chainID int64
	client  *ethclient.Client
}

// NewCustodial valida la clave y deriva la dirección. Falla rápido en
// construcción: una clave malformada no debe descubrirse en el primer
// Connect.
func NewCustodial(cfg CustodialConfig) (*Custodial, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	if raw == "" {
		return nil, fmt.Errorf("custodial: empty private key")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("custodial: invalid private key: %w", err)
	}
	if cfg.DefaultChainID == 0 {
		return nil, fmt.Errorf("custodial: default chain id required")
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Custodial{
		key:     key,
		address: domain.NormalizeAddress(addr.Hex()),
		cfg:     cfg,
		chainID: cfg.DefaultChainID,
	}, nil
}

func (c *Custodial) Kind() domain.ConnectorKind { return domain.KindCustodial }

func (c *Custodial) Available() bool { return c.key != nil }

// Connect verifica que el RPC de la cadena activa responde y devuelve la
// cuenta derivada de la clave.
func (c *Custodial) Connect(ctx context.Context) (domain.Account, error) {
	c.mu.Lock()
	chainID := c.chainID
	c.mu.Unlock()

	if _, err := c.clientFor(ctx, chainID); err != nil {
		return domain.Account{}, err
	}
	return domain.Account{Address: c.address, ChainID: chainID}, nil
}

// Current no consulta nada: la cuenta custodiada no puede cambiar por
// debajo nuestro.
func (c *Custodial) Current(_ context.Context) (domain.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Account{Address: c.address, ChainID: c.chainID}, nil
}

// Disconnect cierra el cliente RPC si está abierto. Idempotente.
func (c *Custodial) Disconnect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.chainID = c.cfg.DefaultChainID
	return nil
}

// SwitchChain cambia a otra cadena configurada. Sin RPC configurado para la
// cadena no hay forma de operar en ella, así que se rechaza.
func (c *Custodial) SwitchChain(ctx context.Context, chainID int64) error {
	if _, ok := c.cfg.RPCByChain[chainID]; !ok {
		return fmt.Errorf("custodial: chain %d not configured: %w", chainID, domain.ErrNetworkSwitchRejected)
	}
	client, err := c.clientFor(ctx, chainID)
	if err != nil {
		return fmt.Errorf("custodial: %w: %v", domain.ErrNetworkSwitchRejected, err)
	}

	c.mu.Lock()
	if c.client != nil && c.client != client {
		c.client.Close()
	}
	c.client = client
	c.chainID = chainID
	c.mu.Unlock()
	return nil
}

// Signer firma localmente con la clave custodiada.
func (c *Custodial) Signer() (ports.Signer, error) {
	return &localSigner{key: c.key, address: c.address}, nil
}

// Address devuelve la dirección derivada de la clave.
func (c *Custodial) Address() common.Address {
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// clientFor abre (lazy) el cliente RPC de la cadena pedida. El dial de
// ethclient es perezoso, así que verificamos con ChainID que el endpoint
// responde de verdad.
func (c *Custodial) clientFor(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	c.mu.Lock()
	if c.client != nil && c.chainID == chainID {
		cached := c.client
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	url, ok := c.cfg.RPCByChain[chainID]
	if !ok {
		return nil, fmt.Errorf("custodial: no rpc endpoint for chain %d: %w", chainID, domain.ErrProviderUnavailable)
	}

	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("custodial: dial %s: %w: %v", url, domain.ErrProviderUnavailable, err)
	}
	got, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("custodial: chain id check: %w: %v", domain.ErrProviderUnavailable, err)
	}
	if got.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("custodial: endpoint %s serves chain %d, expected %d", url, got.Int64(), chainID)
	}

	c.mu.Lock()
	if c.client != nil && c.client != client {
		c.client.Close()
	}
	c.client = client
	c.chainID = chainID
	c.mu.Unlock()
	return client, nil
}

type localSigner struct {
	key     *ecdsa.PrivateKey
	address string
}

func (s *localSigner) Address() string { return s.address }

func (s *localSigner) SignHash(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("custodial: hash must be 32 bytes, got %d", len(hash))
	}
	return crypto.Sign(hash, s.key)
}
