package ports

import (
	"context"
	"encoding/json"

	"github.com/alejandrodnm/waybank/internal/domain"
)

// BrowserProvider es la superficie mínima que exigimos a un SDK de wallet
// estilo EIP-1193 (extensión inyectada, Coinbase SDK, etc). El adapter
// consume este contrato; nunca el tipo concreto del SDK.
type BrowserProvider interface {
	// Request ejecuta una llamada JSON-RPC del provider (eth_requestAccounts,
	// eth_chainId, wallet_switchEthereumChain, ...).
	Request(ctx context.Context, method string, params ...any) (json.RawMessage, error)

	// On registra un listener para un evento del provider y devuelve la
	// función que lo elimina. Los adapters deben registrar/eliminar de forma
	// idempotente.
	On(event string, handler func(payload json.RawMessage)) (remove func())

	// Present indica si el provider está realmente instalado/inyectado.
	Present() bool
}

// ProviderError es un error EIP-1193 con código numérico (4001 = rechazo
// del usuario, 4902 = chain desconocida, ...).
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string { return e.Message }

// Signer firma en nombre de la cuenta activa. Handle opaco: el session
// manager lo expone pero no conoce la implementación.
type Signer interface {
	// Address devuelve la cuenta (hex en minúsculas) que firma.
	Address() string

	// SignHash firma un hash de 32 bytes y devuelve la firma cruda.
	SignHash(hash []byte) ([]byte, error)
}

// Connector normaliza un SDK de wallet externo en una superficie única.
// Los adapters nunca mutan la sesión: solo emiten domain.ProviderEvent en
// la cola que reciben al construirse.
type Connector interface {
	// Kind identifica el tipo de provider que normaliza este adapter.
	Kind() domain.ConnectorKind

	// Available indica si el provider subyacente está presente.
	Available() bool

	// Connect solicita acceso a la cuenta. Falla con ErrProviderUnavailable,
	// ErrUserRejected o ErrTimeout según el caso.
	Connect(ctx context.Context) (domain.Account, error)

	// Current consulta cuenta y chain actuales sin prompt (eth_accounts).
	// Una lista vacía de cuentas se reporta como Account con Address vacío.
	Current(ctx context.Context) (domain.Account, error)

	// Disconnect cierra la conexión y elimina los listeners registrados.
	// Idempotente.
	Disconnect(ctx context.Context) error

	// SwitchChain pide al provider cambiar de red.
	SwitchChain(ctx context.Context, chainID int64) error

	// Signer devuelve el firmante de la cuenta conectada.
	Signer() (Signer, error)
}
