package analysis

import (
	"context"
	"log/slog"
	"time"
)

const (
	sweepInterval = 60 * time.Second
	stuckAfter    = 5 * time.Minute
)

// SweepStore releases analyses stranded in processing.
type SweepStore interface {
	ReleaseStuckAnalyses(ctx context.Context, cutoff time.Time, maxRetries int) (requeued, failed int64, err error)
}

// Sweeper periodically requeues rows stuck in processing -- a crashed
// instance, a lost claim, a persist that never landed. Rows out of retry
// budget are failed instead.
type Sweeper struct {
	store      SweepStore
	interval   time.Duration
	stuckAfter time.Duration
	maxRetries int
}

// NewSweeper builds a Sweeper with the default cadence.
func NewSweeper(store SweepStore, maxRetries int) *Sweeper {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Sweeper{
		store:      store,
		interval:   sweepInterval,
		stuckAfter: stuckAfter,
		maxRetries: maxRetries,
	}
}

// Name returns the worker identifier.
func (s *Sweeper) Name() string { return "analysis_sweeper" }

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	requeued, failed, err := s.store.ReleaseStuckAnalyses(ctx, time.Now().UTC().Add(-s.stuckAfter), s.maxRetries)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "stuck analysis sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if requeued > 0 || failed > 0 {
		slog.LogAttrs(ctx, slog.LevelInfo, "released stuck analyses",
			slog.Int64("requeued", requeued),
			slog.Int64("failed", failed),
		)
	}
}
