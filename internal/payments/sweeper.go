package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/joao-fontenele/gallery-checkout/internal/paystack"
)

// Settler is satisfied by Service.
type Settler interface {
	Settle(ctx context.Context, reference, eventType string) (*Result, error)
}

type SweeperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	// AbandonAfter is how long an abandoned checkout is waited on before it
	// is settled as failed. Zero waits forever.
	AbandonAfter time.Duration
	BatchSize    int
}

// Sweeper settles payments still PENDING long after initialization, covering
// webhooks that never arrived or were acknowledged after an internal error.
type Sweeper struct {
	store   Store
	settler Settler
	cfg     SweeperConfig
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweeper(store Store, settler Settler, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		settler: settler,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run sweeps once immediately and then on every interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("payment sweeper started", "interval", s.cfg.Interval, "stale_after", s.cfg.StaleAfter)

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("payment sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepStats counts what a single sweep did.
type SweepStats struct {
	Checked int
	Settled int
	Pending int
	Failed  int
}

// Sweep settles one batch of stale payments. Per-payment failures are logged
// and left for the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	stale, err := s.store.ListStalePending(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, p := range stale {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++

		eventType := EventSweep
		if s.cfg.AbandonAfter > 0 && s.now().Sub(p.CreatedAt) >= s.cfg.AbandonAfter {
			eventType = EventExpire
		}

		result, err := s.settler.Settle(ctx, p.GatewayRef, eventType)
		var (
			conflict *ReconciliationConflict
			gerr     *paystack.GatewayError
		)
		switch {
		case errors.As(err, &conflict):
			stats.Settled++
		case errors.As(err, &gerr):
			stats.Failed++
			s.logger.Warn("gateway unavailable for stale payment", "error", err, "reference", p.GatewayRef, "order_id", p.OrderID)
			continue
		case err != nil:
			stats.Failed++
			s.logger.Error("failed to settle stale payment", "error", err, "reference", p.GatewayRef, "order_id", p.OrderID)
			continue
		case result.Outcome == OutcomePending:
			stats.Pending++
		default:
			stats.Settled++
		}
	}

	if stats.Checked > 0 {
		s.logger.Info("payment sweep finished",
			"checked", stats.Checked,
			"settled", stats.Settled,
			"pending", stats.Pending,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}
