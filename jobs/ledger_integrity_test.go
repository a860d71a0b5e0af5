package jobs

import (
	"context"
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryIntegrityStore struct {
	balances map[int64]decimal.Decimal
	sums     map[int64]decimal.Decimal
}

func (s *memoryIntegrityStore) AccountBalances(ctx context.Context) ([]AccountBalance, error) {
	ids := make([]int64, 0, len(s.balances))
	for id := range s.balances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	accounts := make([]AccountBalance, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, AccountBalance{AccountID: id, Balance: s.balances[id]})
	}
	return accounts, nil
}

func (s *memoryIntegrityStore) TransactionSum(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	return s.sums[accountID], nil
}

func TestIntegrityRunFlagsCorruptedBalance(t *testing.T) {
	store := &memoryIntegrityStore{
		balances: map[int64]decimal.Decimal{
			1: decimal.RequireFromString("700"),
			2: decimal.RequireFromString("100"),
		},
		sums: map[int64]decimal.Decimal{
			1: decimal.RequireFromString("700"),
			// Balance edited behind the ledger's back.
			2: decimal.RequireFromString("90"),
		},
	}
	job := NewLedgerIntegrityJob(store, nil, nil)

	mismatches, err := job.Run(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, 1, mismatches)
}

func TestIntegrityRunAllBalanced(t *testing.T) {
	store := &memoryIntegrityStore{
		balances: map[int64]decimal.Decimal{
			1: decimal.RequireFromString("500"),
			2: decimal.Zero,
		},
		sums: map[int64]decimal.Decimal{
			1: decimal.RequireFromString("500"),
			2: decimal.Zero,
		},
	}
	job := NewLedgerIntegrityJob(store, nil, nil)

	mismatches, err := job.Run(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, mismatches)
}

func TestIntegrityHandleFailsOnMismatch(t *testing.T) {
	store := &memoryIntegrityStore{
		balances: map[int64]decimal.Decimal{1: decimal.RequireFromString("100")},
		sums:     map[int64]decimal.Decimal{1: decimal.RequireFromString("80")},
	}
	job := NewLedgerIntegrityJob(store, nil, nil)

	task, err := NewLedgerIntegrityTask(0)
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.ErrorContains(t, err, "out of balance")
}
