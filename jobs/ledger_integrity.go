package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/corebank/corebank/internal/jobs"
)

const defaultIntegrityBatchSize = 8

// AccountBalance is one stored balance to verify against its transactions.
type AccountBalance struct {
	AccountID int64
	Balance   decimal.Decimal
}

// IntegrityStore reads the two sides of the balance invariant.
type IntegrityStore interface {
	AccountBalances(ctx context.Context) ([]AccountBalance, error)
	TransactionSum(ctx context.Context, accountID int64) (decimal.Decimal, error)
}

// PGIntegrityStore serves the integrity queries from PostgreSQL.
type PGIntegrityStore struct {
	pool *pgxpool.Pool
}

// NewPGIntegrityStore constructs the store.
func NewPGIntegrityStore(pool *pgxpool.Pool) *PGIntegrityStore {
	return &PGIntegrityStore{pool: pool}
}

func (s *PGIntegrityStore) AccountBalances(ctx context.Context) ([]AccountBalance, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, balance FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []AccountBalance
	for rows.Next() {
		var a AccountBalance
		if err := rows.Scan(&a.AccountID, &a.Balance); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PGIntegrityStore) TransactionSum(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(value), 0) FROM transactions WHERE account_id=$1`, accountID).Scan(&sum)
	return sum, err
}

// LedgerIntegrityJob cross-checks stored account balances against the sum of
// committed transaction values, the core invariant of the ledger.
type LedgerIntegrityJob struct {
	store   IntegrityStore
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob constructs the job.
func NewLedgerIntegrityJob(store IntegrityStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerIntegrityJob{store: store, logger: logger, metrics: metrics}
}

// Handle processes a TaskLedgerIntegrity task.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerIntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track("ledger_integrity")
	mismatches, err := j.Run(ctx, payload.BatchSize)
	if err != nil {
		return tracker.End(err)
	}
	j.metrics.AddBalanceMismatches(mismatches)
	if mismatches > 0 {
		return tracker.End(fmt.Errorf("ledger integrity: %d account(s) out of balance", mismatches))
	}
	return tracker.End(nil)
}

// Run scans every account and returns how many balances disagree with their
// transaction sums. Accounts are checked concurrently up to batchSize.
func (j *LedgerIntegrityJob) Run(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultIntegrityBatchSize
	}

	accounts, err := j.store.AccountBalances(ctx)
	if err != nil {
		return 0, err
	}

	var (
		g, gctx    = errgroup.WithContext(ctx)
		mismatches = make(chan int64, len(accounts))
	)
	g.SetLimit(batchSize)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			sum, err := j.store.TransactionSum(gctx, account.AccountID)
			if err != nil {
				return err
			}
			if !sum.Equal(account.Balance) {
				j.logger.Error("account balance does not match transaction sum",
					slog.Int64("account_id", account.AccountID),
					slog.String("balance", account.Balance.String()),
					slog.String("transaction_sum", sum.String()))
				mismatches <- account.AccountID
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(mismatches)

	count := len(mismatches)
	j.logger.Info("ledger integrity check executed",
		slog.Int("accounts", len(accounts)),
		slog.Int("mismatches", count))
	return count, nil
}
