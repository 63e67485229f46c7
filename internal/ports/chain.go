package ports

import (
	"context"

	"github.com/alejandrodnm/waybank/internal/domain"
)

// ChainSource obtiene las posiciones reales (NFTs on-chain) de una wallet,
// refrescadas con el estado verificable de la cadena. Puede fallar con
// domain.ErrChainUnreachable; el reconciler degrada a modo parcial en ese
// caso en vez de abortar.
type ChainSource interface {
	// GetRealPositions devuelve las posiciones reales ordenadas por fecha
	// de mint ascendente.
	GetRealPositions(ctx context.Context, walletAddress string) ([]domain.RealPosition, error)
}
