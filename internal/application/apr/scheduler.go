package apr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/waybank/internal/domain"
	"github.com/alejandrodnm/waybank/internal/ports"
)

// ErrRunInProgress is returned by TriggerManualRun when a scheduled run is
// already executing.
var ErrRunInProgress = errors.New("apr update run already in progress")

const defaultCronSpec = "0 0 * * *" // midnight UTC

// Config holds configuration for the APR update scheduler.
type Config struct {
	// CronSpec is a standard 5-field cron expression. Default: daily at
	// midnight UTC.
	CronSpec string
	// AlertAfterFailures is the number of consecutive missed updates for a
	// position before an out-of-band alert is emitted.
	AlertAfterFailures int
	// TimeframeAdjustments maps a contract timeframe in days to the APR
	// percentage points subtracted from the pool APR before distribution.
	TimeframeAdjustments map[int]decimal.Decimal
}

// CorrectionSource supplies liquidity corrections queued by the reconciler.
type CorrectionSource interface {
	DrainCorrections() []domain.MetricCorrection
}

// Scheduler recomputes apr and feesEarned for every active virtual position
// on a fixed schedule. It writes only metrics fields — never identity or
// status — so it cannot conflict with other position mutators.
type Scheduler struct {
	ledger      ports.Ledger
	pools       ports.PoolStateSource
	notifier    ports.Notifier
	corrections CorrectionSource
	cfg         Config

	cron *cron.Cron

	mu          sync.Mutex
	running     bool
	last        *domain.RunSummary
	failStreaks map[string]int
	alerted     map[string]bool
}

// New creates a scheduler. corrections may be nil when no reconciler feeds
// it (tests, one-shot runs).
func New(ledger ports.Ledger, pools ports.PoolStateSource, notifier ports.Notifier, corrections CorrectionSource, cfg Config) *Scheduler {
	if cfg.CronSpec == "" {
		cfg.CronSpec = defaultCronSpec
	}
	if cfg.AlertAfterFailures <= 0 {
		cfg.AlertAfterFailures = 3
	}
	return &Scheduler{
		ledger:      ledger,
		pools:       pools,
		notifier:    notifier,
		corrections: corrections,
		cfg:         cfg,
		failStreaks: make(map[string]int),
		alerted:     make(map[string]bool),
	}
}

// Start schedules the periodic runs. The cron job never stops the scheduler:
// run-level errors are logged and the next tick fires regardless.
func (s *Scheduler) Start() error {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.cfg.CronSpec, func() {
		if _, err := s.run(context.Background()); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				slog.Warn("apr run still in progress, skipping tick")
				return
			}
			slog.Error("apr update run failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("apr.Start: invalid cron spec %q: %w", s.cfg.CronSpec, err)
	}
	c.Start()
	s.cron = c
	slog.Info("apr scheduler started", "cron", s.cfg.CronSpec)
	return nil
}

// Stop halts the cron schedule. A run already executing finishes.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// TriggerManualRun executes one update run immediately. Diagnostics hook —
// same code path as the scheduled run.
func (s *Scheduler) TriggerManualRun(ctx context.Context) (domain.RunSummary, error) {
	return s.run(ctx)
}

// LastRunSummary returns the outcome of the most recent run, or false when
// no run has completed yet.
func (s *Scheduler) LastRunSummary() (domain.RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.RunSummary{}, false
	}
	return *s.last, true
}

// run executes one full update pass. Per-position failures are isolated:
// they land in the summary and the position is skipped, never aborting the
// batch.
func (s *Scheduler) run(ctx context.Context) (domain.RunSummary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return domain.RunSummary{}, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	summary := domain.RunSummary{StartedAt: time.Now().UTC()}

	positions, err := s.ledger.GetActivePositions(ctx)
	if err != nil {
		summary.FinishedAt = time.Now().UTC()
		s.storeSummary(summary)
		return summary, fmt.Errorf("apr run: %w: %v", domain.ErrLedgerUnavailable, err)
	}

	corrected := s.drainCorrections()

	slog.Info("apr update run starting",
		"active_positions", len(positions),
		"corrections", len(corrected),
	)

	now := time.Now().UTC()
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			summary.FinishedAt = time.Now().UTC()
			s.storeSummary(summary)
			return summary, err
		}

		capital := p.DepositedUSD
		if c, ok := corrected[p.ID]; ok {
			capital = c.LiquidityUSD
		}

		apr, fees, err := s.compute(ctx, p, capital, now)
		if err == nil {
			err = s.ledger.UpdatePositionMetrics(ctx, p.ID, apr, fees, now)
		}
		if err != nil {
			s.recordFailure(ctx, p, err, &summary)
			continue
		}

		s.clearFailure(p.ID)
		summary.PositionsUpdated++
		summary.TotalDistributed = summary.TotalDistributed.Add(fees.Sub(p.FeesEarned))
	}

	summary.FinishedAt = time.Now().UTC()
	s.storeSummary(summary)

	slog.Info("apr update run finished",
		"updated", summary.PositionsUpdated,
		"failed", len(summary.Failed),
		"duration", summary.FinishedAt.Sub(summary.StartedAt),
	)
	return summary, nil
}

// compute derives apr and lifetime feesEarned for a position from the
// pool's current state and the elapsed full days since activation. Derived
// from first principles each run: re-running with unchanged inputs yields
// identical values, no accumulation double-counting.
func (s *Scheduler) compute(ctx context.Context, p domain.VirtualPosition, capital decimal.Decimal, now time.Time) (apr, fees decimal.Decimal, err error) {
	state, err := s.pools.GetPoolState(ctx, domain.PoolQuery{
		PoolAddress: p.PoolAddress,
		Token0:      p.Token0.Address,
		Token1:      p.Token1.Address,
		FeeTier:     p.FeeTier,
		Network:     p.Network,
	})
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("pool state %s: %w", p.PoolAddress, err)
	}

	// adjustedApr = poolApr - timeframeAdjustment. A negative adjusted APR
	// reduces the day's yield; lifetime fees are floored at zero.
	adjusted := state.AprPercent.Sub(s.adjustment(p.TimeframeDays))

	start := p.CreatedAt
	if p.StartDate != nil {
		start = *p.StartDate
	}
	days := fullDaysBetween(start, now)

	// dailyYield = capital * apr% / 365
	daily := capital.Mul(adjusted).Div(decimal.NewFromInt(100)).Div(decimal.NewFromInt(365))
	fees = daily.Mul(decimal.NewFromInt(days)).Round(6)
	if fees.IsNegative() {
		fees = decimal.Zero
	}

	return adjusted.Round(2), fees, nil
}

// recordFailure isolates one position's failure: log, count the streak and
// alert out-of-band once it crosses the threshold. Position status is never
// touched.
func (s *Scheduler) recordFailure(ctx context.Context, p domain.VirtualPosition, err error, summary *domain.RunSummary) {
	slog.Warn("apr update failed for position, skipping",
		"position_id", p.ID,
		"pool", p.PoolAddress,
		"err", err,
	)
	summary.Failed = append(summary.Failed, domain.PositionFailure{
		PositionID: p.ID,
		Reason:     err.Error(),
	})

	s.mu.Lock()
	s.failStreaks[p.ID]++
	streak := s.failStreaks[p.ID]
	shouldAlert := streak >= s.cfg.AlertAfterFailures && !s.alerted[p.ID]
	if shouldAlert {
		s.alerted[p.ID] = true
	}
	s.mu.Unlock()

	if shouldAlert && s.notifier != nil {
		payload := map[string]any{
			"position_id":          p.ID,
			"pool_address":         p.PoolAddress,
			"consecutive_failures": streak,
			"last_error":           err.Error(),
		}
		if nerr := s.notifier.Notify(ctx, "apr.update.stalled", payload); nerr != nil {
			slog.Warn("stalled-position alert failed", "position_id", p.ID, "err", nerr)
		}
	}
}

func (s *Scheduler) clearFailure(id string) {
	s.mu.Lock()
	delete(s.failStreaks, id)
	delete(s.alerted, id)
	s.mu.Unlock()
}

func (s *Scheduler) storeSummary(summary domain.RunSummary) {
	s.mu.Lock()
	s.last = &summary
	s.mu.Unlock()
}

func (s *Scheduler) drainCorrections() map[string]domain.MetricCorrection {
	out := make(map[string]domain.MetricCorrection)
	if s.corrections == nil {
		return out
	}
	for _, c := range s.corrections.DrainCorrections() {
		out[c.PositionID] = c
	}
	return out
}

func (s *Scheduler) adjustment(timeframeDays int) decimal.Decimal {
	if adj, ok := s.cfg.TimeframeAdjustments[timeframeDays]; ok {
		return adj
	}
	return decimal.Zero
}

// fullDaysBetween counts complete 24h periods between start and now.
func fullDaysBetween(start, now time.Time) int64 {
	if now.Before(start) {
		return 0
	}
	return int64(now.Sub(start).Hours() / 24)
}
