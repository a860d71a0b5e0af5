package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/corebank/corebank/internal/jobs"
	"github.com/corebank/corebank/internal/shared"
)

// IdempotencyCleanupJob purges processed idempotency keys past retention.
type IdempotencyCleanupJob struct {
	store   *shared.IdempotencyStore
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob constructs the job.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{store: store, logger: logger, metrics: metrics}
}

// Handle processes a TaskIdempotencyCleanup task.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	tracker := j.metrics.Track("idempotency_cleanup")
	if err := j.store.Cleanup(ctx, retention); err != nil {
		return tracker.End(err)
	}
	j.logger.Info("idempotency keys cleaned up", slog.Duration("retention", retention))
	return tracker.End(nil)
}
