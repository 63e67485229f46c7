package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/waybank/internal/domain"
)

// Ledger es el almacén interno de posiciones virtuales, la fuente
// autoritativa de identidad. El scheduler solo escribe métricas
// (apr/fees/lastAprUpdate); las operaciones de ciclo de vida solo escriben
// status. Nadie más muta posiciones.
type Ledger interface {
	// GetVirtualPositions devuelve las posiciones de una wallet ordenadas
	// por fecha de creación ascendente.
	GetVirtualPositions(ctx context.Context, walletAddress string) ([]domain.VirtualPosition, error)

	// GetActivePositions devuelve todas las posiciones Active (para el
	// scheduler de APR).
	GetActivePositions(ctx context.Context) ([]domain.VirtualPosition, error)

	// CreateVirtualPosition inserta una posición nueva en estado Pending.
	CreateVirtualPosition(ctx context.Context, p *domain.VirtualPosition) error

	// ActivatePosition pasa una posición Pending a Active y fija StartDate.
	ActivatePosition(ctx context.Context, id string, start time.Time) error

	// ClosePosition pasa una posición Active a Closed.
	ClosePosition(ctx context.Context, id string, at time.Time) error

	// UpdatePositionMetrics escribe apr y feesEarned recalculados.
	// Devuelve domain.ErrPositionNotFound si el id no existe.
	UpdatePositionMetrics(ctx context.Context, id string, apr, feesEarned decimal.Decimal, ts time.Time) error

	// RecordRealPosition registra el eco local de un mint confirmado.
	// Una posición virtual admite como máximo una real (1:0..1).
	RecordRealPosition(ctx context.Context, p *domain.RealPosition) error

	// RealPositionsFor devuelve los ecos locales de posiciones reales de
	// una wallet, ordenados por fecha de mint ascendente.
	RealPositionsFor(ctx context.Context, walletAddress string) ([]domain.RealPosition, error)

	// Close cierra la conexión limpiamente.
	Close() error
}
