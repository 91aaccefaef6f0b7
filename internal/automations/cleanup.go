package automations

import (
	"context"
	"fmt"
	"time"

	"autopilot/internal/jobs"
	"autopilot/internal/storage"
	logx "autopilot/pkg/logx"
)

// defaultCleanupAge keeps roughly a month of archived jobs.
const defaultCleanupAge = 30 * 24 * time.Hour

// NewHistoryCleanup builds the history_cleanup maintenance handler. It prunes
// archived job rows and the queue's retained terminal records past max_age.
//
// Payload:
//   - max_age (duration string, optional): retention cutoff, default 720h
//
// store may be nil (archive disabled); the queue purge still runs.
func NewHistoryCleanup(store storage.Store, queue *jobs.Queue, log logx.Logger) jobs.Handler {
	return jobs.HandlerFunc(func(ctx context.Context, payload map[string]any) (jobs.Result, error) {
		maxAge, err := payloadDuration(payload, "max_age", defaultCleanupAge)
		if err != nil {
			return nil, jobs.NoRetry(fmt.Errorf("%w: %v", jobs.ErrValidation, err))
		}
		cutoff := time.Now().Add(-maxAge)

		var archived int64
		if store != nil {
			archived, err = store.PruneJobs(ctx, cutoff)
			if err != nil {
				return nil, fmt.Errorf("prune archive: %w", err)
			}
		}
		purged := 0
		if queue != nil {
			purged = queue.PurgeTerminal(cutoff)
		}

		log.Info("history cleanup done",
			logx.Duration("max_age", maxAge),
			logx.Int64("archive_rows", archived),
			logx.Int("queue_records", purged),
		)
		return jobs.Result{
			"max_age":       maxAge.String(),
			"archive_rows":  archived,
			"queue_records": purged,
		}, nil
	})
}
