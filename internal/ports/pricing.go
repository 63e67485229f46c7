package ports

import (
	"context"

	"github.com/alejandrodnm/waybank/internal/domain"
)

// PoolStateSource provee el estado actual de un pool (APR, TVL) para el
// cálculo de rendimientos. El scheduler lo consulta una vez por posición
// en cada run.
type PoolStateSource interface {
	GetPoolState(ctx context.Context, q domain.PoolQuery) (domain.PoolState, error)
}
