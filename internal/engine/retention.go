package engine

import (
	"context"
	"fmt"
)

// Clean purges terminal traces that ended more than Retention ago,
// together with their contexts and notifications. Pages of
// CleanBatchSize are purged until a short page comes back or
// CleanMaxRounds pages were handled. It returns the number of traces
// deleted.
func (e *Engine) Clean(ctx context.Context) (int, error) {
	cutoff := e.cfg.Now().Add(-e.cfg.Retention)
	total := 0
	for round := 0; round < e.cfg.CleanMaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ids, err := e.store.ListExpiredTraces(ctx, cutoff, e.cfg.CleanBatchSize)
		if err != nil {
			return total, fmt.Errorf("list expired traces: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		n, err := e.store.PurgeTraces(ctx, ids)
		if err != nil {
			return total, fmt.Errorf("purge traces: %w", err)
		}
		total += n
		if len(ids) < e.cfg.CleanBatchSize {
			break
		}
	}
	if total > 0 {
		e.logger.Info("purged expired traces", "count", total, "cutoff", cutoff)
	}
	return total, nil
}
