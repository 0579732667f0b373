package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run starts every worker in its own goroutine and blocks until all of
// them return. The first failure cancels the shared context so the
// remaining workers can drain; the returned error names the worker
// that failed first.
func Run(ctx context.Context, workers ...Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			slog.Info("worker started", "worker", w.Name())
			start := time.Now()
			if err := w.Run(ctx); err != nil {
				slog.Error("worker failed", "worker", w.Name(), "uptime", time.Since(start), "error", err)
				return fmt.Errorf("%s: %w", w.Name(), err)
			}
			slog.Info("worker stopped", "worker", w.Name(), "uptime", time.Since(start))
			return nil
		})
	}
	return g.Wait()
}
