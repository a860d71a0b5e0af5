package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerIntegrity verifies that every account balance equals the sum
	// of its committed transactions.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup purges idempotency keys past retention.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// LedgerIntegrityPayload bounds the integrity scan.
type LedgerIntegrityPayload struct {
	// BatchSize caps how many accounts are checked concurrently.
	BatchSize int `json:"batch_size"`
}

// NewLedgerIntegrityTask constructs the integrity-check task.
func NewLedgerIntegrityTask(batchSize int) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerIntegrityPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}

// IdempotencyCleanupPayload carries the retention window in hours.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
