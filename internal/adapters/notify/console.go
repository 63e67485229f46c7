package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/waybank/internal/domain"
)

// Console implementa ports.Notifier escribiendo a stdout.
type Console struct {
	out   io.Writer
	table bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(table bool) *Console {
	return &Console{out: os.Stdout, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, table bool) *Console {
	return &Console{out: w, table: table}
}

// Notify imprime el evento en una línea. Los eventos de consola nunca
// fallan.
func (c *Console) Notify(_ context.Context, event string, payload any) error {
	fmt.Fprintf(c.out, "[%s] %s: %v\n", time.Now().Format("15:04:05"), event, payload)
	return nil
}

// PrintPositions imprime el resultado de una reconciliación.
func (c *Console) PrintPositions(positions []domain.ReconciledPosition, orphans []domain.RealPosition, partial bool) {
	now := time.Now().Format("15:04:05")

	if len(positions) == 0 {
		fmt.Fprintf(c.out, "[%s] no positions\n", now)
		return
	}

	suffix := ""
	if partial {
		suffix = " (PARTIAL: chain unreachable, virtual-only)"
	}
	fmt.Fprintf(c.out, "\n[%s] %d positions, %d orphans%s\n",
		now, len(positions), len(orphans), suffix)

	if c.table {
		c.printTable(positions)
	} else {
		c.printCompact(positions)
	}

	for _, o := range orphans {
		fmt.Fprintf(c.out, "  !! orphan NFT #%d (%s) liq $%s — no virtual position\n",
			o.TokenID, o.Network, o.LiquidityUSD.StringFixed(2))
	}
}

// printCompact imprime una línea por posición.
func (c *Console) printCompact(positions []domain.ReconciledPosition) {
	for _, p := range positions {
		fmt.Fprintf(c.out, "  %s %-24s liq:$%s apr:%s%% fees:$%s %s\n",
			rangeIcon(p.InRange), p.Virtual.PoolName,
			p.LiquidityUSD.StringFixed(2),
			p.Virtual.Apr.StringFixed(2),
			p.Virtual.FeesEarned.StringFixed(4),
			chainLabel(p))
	}
}

// printTable imprime la tabla completa.
func (c *Console) printTable(positions []domain.ReconciledPosition) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Pool", "Net", "Status", "Liq$", "APR%", "Fees$", "Range", "Chain", "NFT")

	for i, p := range positions {
		nft := "-"
		if p.Real != nil {
			nft = fmt.Sprintf("%d", p.Real.TokenID)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			truncate(p.Virtual.PoolName, 28),
			p.Virtual.Network,
			string(p.Virtual.Status),
			p.LiquidityUSD.StringFixed(2),
			p.Virtual.Apr.StringFixed(2),
			p.Virtual.FeesEarned.StringFixed(4),
			rangeIcon(p.InRange),
			chainLabel(p),
			nft,
		)
	}

	table.Render()
}

// PrintRunSummary imprime el resultado de una pasada del scheduler.
func (c *Console) PrintRunSummary(s domain.RunSummary) {
	fmt.Fprintf(c.out, "\n[%s] apr run: %d updated, %d failed, +$%s distributed (%s)\n",
		s.FinishedAt.Format("15:04:05"),
		s.PositionsUpdated, len(s.Failed),
		s.TotalDistributed.StringFixed(4),
		s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	for _, f := range s.Failed {
		fmt.Fprintf(c.out, "  !! %s: %s\n", f.PositionID, f.Reason)
	}
}

// --- helpers ---

func rangeIcon(inRange bool) string {
	if inRange {
		return "IN"
	}
	return "OUT"
}

func chainLabel(p domain.ReconciledPosition) string {
	if p.OnChain {
		return "on-chain"
	}
	if p.PendingOnChain() {
		return "pending"
	}
	return "virtual"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
