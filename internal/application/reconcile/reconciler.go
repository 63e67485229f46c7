package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

// liquidityTolerance is the relative disagreement between the ledger's
// deposited value and the on-chain liquidity value above which a corrective
// metrics update is queued. Small drift from price movement is expected.
const liquidityTolerance = 0.01

// Result is the outcome of one reconciliation pass.
type Result struct {
	Positions []domain.ReconciledPosition
	// Orphans are real positions whose virtual counterpart is missing from
	// the ledger. Data drift between ledger and chain — reported as an
	// advisory, never fatal.
	Orphans []domain.RealPosition
	// Partial is true when the on-chain fetch failed and Positions holds
	// virtual-only projections.
	Partial bool
}

// Reconciler merges the virtual ledger view and the on-chain view of a
// wallet's positions into one consistent projection. It is read-only: when
// the two layers disagree it queues a correction for the APR scheduler
// instead of writing synchronously.
type Reconciler struct {
	ledger ports.Ledger
	chain  ports.ChainSource

	mu          sync.Mutex
	corrections []domain.MetricCorrection
}

// New creates a reconciler over the given ledger and chain source.
func New(ledger ports.Ledger, chain ports.ChainSource) *Reconciler {
	return &Reconciler{ledger: ledger, chain: chain}
}

// Reconcile fetches both position sets for the address and merges them.
// The two fetches run concurrently; the merge only happens after both
// resolve, so callers never observe a partial merge. Ledger failure is
// fatal (identity loss); chain failure degrades to virtual-only with
// Partial set.
func (r *Reconciler) Reconcile(ctx context.Context, walletAddress string) (Result, error) {
	address := domain.NormalizeAddress(walletAddress)

	var (
		wg       sync.WaitGroup
		virtuals []domain.VirtualPosition
		reals    []domain.RealPosition
		lerr     error
		cerr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		virtuals, lerr = r.ledger.GetVirtualPositions(ctx, address)
	}()
	go func() {
		defer wg.Done()
		reals, cerr = r.chain.GetRealPositions(ctx, address)
	}()
	wg.Wait()

	if lerr != nil {
		return Result{}, fmt.Errorf("reconcile %s: %w: %v", address, domain.ErrLedgerUnavailable, lerr)
	}

	res := Result{}
	if cerr != nil {
		slog.Warn("on-chain fetch failed, degrading to virtual-only",
			"address", address,
			"err", cerr,
		)
		res.Partial = true
		reals = nil
	}

	res.Positions, res.Orphans = r.merge(virtuals, reals)

	slog.Debug("reconciliation complete",
		"address", address,
		"positions", len(res.Positions),
		"orphans", len(res.Orphans),
		"partial", res.Partial,
	)
	return res, nil
}

// merge pairs virtual and real positions by VirtualPositionID. Output order
// is deterministic: virtuals sorted by creation time ascending, orphaned
// reals sorted by mint time ascending.
func (r *Reconciler) merge(virtuals []domain.VirtualPosition, reals []domain.RealPosition) ([]domain.ReconciledPosition, []domain.RealPosition) {
	sort.SliceStable(virtuals, func(i, j int) bool {
		return virtuals[i].CreatedAt.Before(virtuals[j].CreatedAt)
	})

	// Back-reference as an index lookup, never an owning pointer: a virtual
	// position's lifecycle does not depend on a real one existing. Rows
	// without attribution cannot pair with anything and go straight to the
	// orphan list.
	byVirtualID := make(map[string]domain.RealPosition, len(reals))
	var unattributed []domain.RealPosition
	for _, rp := range reals {
		if rp.VirtualPositionID == "" {
			unattributed = append(unattributed, rp)
			continue
		}
		byVirtualID[rp.VirtualPositionID] = rp
	}

	positions := make([]domain.ReconciledPosition, 0, len(virtuals))
	for _, vp := range virtuals {
		rp, ok := byVirtualID[vp.ID]
		if !ok {
			// Not yet on-chain: virtual-only projection with real fields
			// defaulted.
			positions = append(positions, domain.ReconciledPosition{
				Virtual:      vp,
				LiquidityUSD: vp.DepositedUSD,
				InRange:      true,
			})
			continue
		}
		delete(byVirtualID, vp.ID)

		merged := domain.ReconciledPosition{
			Virtual: vp,
			Real:    &rp,
			OnChain: rp.Status == domain.RealMinted,
			InRange: rp.InRange,
		}

		// Conflict policy: the on-chain value is authoritative — it reflects
		// verifiable state. The virtual side gets a queued correction rather
		// than a synchronous overwrite.
		if rp.Status == domain.RealMinted && rp.LiquidityUSD.IsPositive() {
			merged.LiquidityUSD = rp.LiquidityUSD
			if disagrees(vp, rp) {
				r.queueCorrection(domain.MetricCorrection{
					PositionID:   vp.ID,
					LiquidityUSD: rp.LiquidityUSD,
					ObservedAt:   time.Now().UTC(),
				})
			}
		} else {
			merged.LiquidityUSD = vp.DepositedUSD
		}

		positions = append(positions, merged)
	}

	orphans := make([]domain.RealPosition, 0, len(byVirtualID)+len(unattributed))
	for _, rp := range byVirtualID {
		orphans = append(orphans, rp)
	}
	orphans = append(orphans, unattributed...)
	for _, rp := range orphans {
		slog.Warn("orphaned real position: no matching virtual position in ledger",
			"real_id", rp.ID,
			"virtual_position_id", rp.VirtualPositionID,
			"token_id", rp.TokenID,
		)
	}
	sort.SliceStable(orphans, func(i, j int) bool {
		return orphans[i].MintedAt.Before(orphans[j].MintedAt)
	})

	return positions, orphans
}

// DrainCorrections hands the queued corrections to the caller (the APR
// scheduler) and clears the queue.
func (r *Reconciler) DrainCorrections() []domain.MetricCorrection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.corrections
	r.corrections = nil
	return out
}

func (r *Reconciler) queueCorrection(c domain.MetricCorrection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// One pending correction per position is enough; the latest observation
	// wins.
	for i := range r.corrections {
		if r.corrections[i].PositionID == c.PositionID {
			r.corrections[i] = c
			return
		}
	}
	r.corrections = append(r.corrections, c)
}

// disagrees reports whether ledger and chain differ on liquidity beyond
// tolerance.
func disagrees(vp domain.VirtualPosition, rp domain.RealPosition) bool {
	if vp.DepositedUSD.IsZero() {
		return rp.LiquidityUSD.IsPositive()
	}
	diff := rp.LiquidityUSD.Sub(vp.DepositedUSD).Abs()
	rel, _ := diff.Div(vp.DepositedUSD).Float64()
	return rel > liquidityTolerance
}
