package ports

import "context"

// Notifier publica eventos fuera de banda (alertas del scheduler, avisos
// de drift). La implementación de consola imprime; la de webhook hace POST.
type Notifier interface {
	// Notify publica un evento con su payload. No debe bloquear el flujo
	// principal: los errores se loggean, nunca abortan la operación.
	Notify(ctx context.Context, event string, payload any) error
}
