package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu          sync.Mutex
	clients     map[string]Client
	accounts    map[int64]*Account
	trans       []Transaction
	nextClient  int64
	nextAccount int64
	nextTran    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		clients:  make(map[string]Client),
		accounts: make(map[int64]*Account),
	}
}

type memoryTx struct {
	repo *memoryRepo
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetAccount(ctx context.Context, accountID int64) (Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getAccountLocked(accountID)
}

func (r *memoryRepo) getAccountLocked(accountID int64) (Account, error) {
	account, ok := r.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *account, nil
}

func (r *memoryRepo) SumDailyWithdrawals(ctx context.Context, accountID int64, day time.Time) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sumDailyWithdrawalsLocked(accountID, day), nil
}

func (r *memoryRepo) sumDailyWithdrawalsLocked(accountID int64, day time.Time) decimal.Decimal {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	sum := decimal.Zero
	for _, tran := range r.trans {
		if tran.AccountID != accountID || !tran.Value.IsNegative() {
			continue
		}
		if tran.Date.Before(start) || !tran.Date.Before(end) {
			continue
		}
		sum = sum.Add(tran.Value)
	}
	return sum
}

func (r *memoryRepo) AccountStatement(ctx context.Context, accountID int64, start, end time.Time) ([]StatementLine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]Transaction, 0, len(r.trans))
	for _, tran := range r.trans {
		if tran.AccountID == accountID {
			all = append(all, tran)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Date.Equal(all[j].Date) {
			return all[i].ID < all[j].ID
		}
		return all[i].Date.Before(all[j].Date)
	})

	var lines []StatementLine
	running := decimal.Zero
	for _, tran := range all {
		running = running.Add(tran.Value)
		if tran.Date.Before(start) || tran.Date.After(end) {
			continue
		}
		lines = append(lines, StatementLine{
			TransactionID:  tran.ID,
			Value:          tran.Value,
			Date:           tran.Date,
			AccountID:      tran.AccountID,
			RunningBalance: running,
		})
	}
	return lines, nil
}

func (r *memoryRepo) BlockAccount(ctx context.Context, accountID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return false, nil
	}
	account.Active = false
	return true, nil
}

func (tx *memoryTx) GetAccountForUpdate(ctx context.Context, accountID int64) (Account, error) {
	return tx.repo.getAccountLocked(accountID)
}

func (tx *memoryTx) FindClientByDocument(ctx context.Context, document string) (Client, bool, error) {
	client, ok := tx.repo.clients[document]
	return client, ok, nil
}

func (tx *memoryTx) InsertClient(ctx context.Context, client Client) (Client, error) {
	if _, exists := tx.repo.clients[client.Document]; exists {
		return Client{}, ErrDocumentConflict
	}
	tx.repo.nextClient++
	client.ID = tx.repo.nextClient
	client.CreatedAt = time.Now()
	tx.repo.clients[client.Document] = client
	return client, nil
}

func (tx *memoryTx) InsertAccount(ctx context.Context, account Account) (Account, error) {
	tx.repo.nextAccount++
	account.ID = tx.repo.nextAccount
	account.Active = true
	account.CreatedAt = time.Now()
	tx.repo.accounts[account.ID] = &account
	return account, nil
}

func (tx *memoryTx) UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	account, ok := tx.repo.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Balance = balance
	return nil
}

func (tx *memoryTx) InsertTransaction(ctx context.Context, tran Transaction) (Transaction, error) {
	tx.repo.nextTran++
	tran.ID = tx.repo.nextTran
	tx.repo.trans = append(tx.repo.trans, tran)
	return tran, nil
}

func (tx *memoryTx) SumDailyWithdrawals(ctx context.Context, accountID int64, day time.Time) (decimal.Decimal, error) {
	return tx.repo.sumDailyWithdrawalsLocked(accountID, day), nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	return NewService(repo, nil, nil), repo
}

func createTestAccount(t *testing.T, service *Service, limit *decimal.Decimal) Account {
	t.Helper()
	account, err := service.CreateAccount(context.Background(), CreateAccountInput{
		ClientName:           "Maria Silva",
		ClientDocument:       "12345678900",
		ClientBirthDate:      time.Date(1990, 4, 1, 0, 0, 0, 0, time.UTC),
		Type:                 AccountTypeSimple,
		DailyWithdrawalLimit: limit,
	})
	require.NoError(t, err)
	return account
}

func decimalPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestCreateAccountStartsEmptyAndActive(t *testing.T) {
	service, _ := newTestService(t)

	account := createTestAccount(t, service, nil)

	require.True(t, account.Active)
	require.True(t, account.Balance.IsZero())
	require.NotZero(t, account.ID)
	require.NotZero(t, account.ClientID)
}

func TestCreateAccountReusesClientByDocument(t *testing.T) {
	service, _ := newTestService(t)

	first := createTestAccount(t, service, nil)
	second, err := service.CreateAccount(context.Background(), CreateAccountInput{
		ClientName:      "Maria Silva",
		ClientDocument:  "12345678900",
		ClientBirthDate: time.Date(1990, 4, 1, 0, 0, 0, 0, time.UTC),
		Type:            AccountTypeExecutive,
	})
	require.NoError(t, err)

	require.Equal(t, first.ClientID, second.ClientID)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCreateAccountRejectsBadInput(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.CreateAccount(context.Background(), CreateAccountInput{
		ClientDocument:  "123",
		ClientBirthDate: time.Now(),
		Type:            AccountTypeSimple,
	})
	require.True(t, IsKind(err, KindValidation))

	_, err = service.CreateAccount(context.Background(), CreateAccountInput{
		ClientName:           "Maria",
		ClientDocument:       "123",
		ClientBirthDate:      time.Now(),
		Type:                 AccountTypeSimple,
		DailyWithdrawalLimit: decimalPtr("-5"),
	})
	require.True(t, IsKind(err, KindValidation))
}

func TestGetAccountByIDUnknownFailsInvalid(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.GetAccountByID(context.Background(), 42)
	require.True(t, IsKind(err, KindInvalidAccount))
}

func TestDepositThenWithdrawScenario(t *testing.T) {
	service, repo := newTestService(t)
	account := createTestAccount(t, service, nil)

	dep, err := service.Deposit(context.Background(), account.ID, decimal.RequireFromString("1000"))
	require.NoError(t, err)
	require.Equal(t, "1000", dep.Value.String())

	balance, err := service.Balance(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, "1000", balance.String())

	wd, err := service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("300"))
	require.NoError(t, err)
	require.Equal(t, "-300", wd.Value.String())

	balance, err = service.Balance(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, "700", balance.String())

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	lines, err := service.Statement(context.Background(), account.ID, start, end)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, "1000", lines[0].RunningBalance.String())
	require.Equal(t, "700", lines[1].RunningBalance.String())

	// The stored balance always equals the sum of committed transactions.
	sum := decimal.Zero
	for _, tran := range repo.trans {
		sum = sum.Add(tran.Value)
	}
	require.True(t, sum.Equal(balance))
}

func TestDepositNegativeValueFails(t *testing.T) {
	service, repo := newTestService(t)
	account := createTestAccount(t, service, nil)

	_, err := service.Deposit(context.Background(), account.ID, decimal.RequireFromString("-10"))
	require.True(t, IsKind(err, KindValidation))
	require.Empty(t, repo.trans)
}

func TestZeroValueTransactionFails(t *testing.T) {
	service, repo := newTestService(t)
	account := createTestAccount(t, service, nil)

	_, err := service.Deposit(context.Background(), account.ID, decimal.Zero)
	require.True(t, IsKind(err, KindValidation))

	_, err = service.Withdraw(context.Background(), account.ID, decimal.Zero)
	require.True(t, IsKind(err, KindValidation))
	require.Empty(t, repo.trans)
}

func TestWithdrawInsufficientBalanceFails(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, nil)

	_, err := service.Deposit(context.Background(), account.ID, decimal.RequireFromString("900"))
	require.NoError(t, err)

	_, err = service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("1000"))
	require.True(t, IsKind(err, KindValidation))

	balance, err := service.Balance(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, "900", balance.String())
}

func TestWithdrawNegativeInputPassesThrough(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, nil)

	_, err := service.Deposit(context.Background(), account.ID, decimal.RequireFromString("100"))
	require.NoError(t, err)

	wd, err := service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("-40"))
	require.NoError(t, err)
	require.Equal(t, "-40", wd.Value.String())

	balance, err := service.Balance(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, "60", balance.String())
}

func TestWithdrawDailyLimitReachedFails(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, decimalPtr("200"))

	_, err := service.Deposit(context.Background(), account.ID, decimal.RequireFromString("1000"))
	require.NoError(t, err)

	// A single withdrawal past the limit is rejected outright.
	_, err = service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("250"))
	require.True(t, IsKind(err, KindValidation))

	_, err = service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("100"))
	require.NoError(t, err)
	_, err = service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("99"))
	require.NoError(t, err)

	_, err = service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("1"))
	require.True(t, IsKind(err, KindValidation))
	require.Contains(t, err.Error(), "available withdrawal amount is 1")

	balance, err := service.Balance(context.Background(), account.ID)
	require.NoError(t, err)
	require.Equal(t, "801", balance.String())
}

func TestWithdrawReachingLimitExactlyIsRejected(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, decimalPtr("500"))

	_, err := service.Deposit(context.Background(), account.ID, decimal.RequireFromString("1000"))
	require.NoError(t, err)

	_, err = service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("500"))
	require.True(t, IsKind(err, KindValidation))
}

func TestOperationsOnBlockedAccountFail(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, nil)

	updated, err := service.BlockAccount(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, updated)

	_, err = service.Deposit(context.Background(), account.ID, decimal.RequireFromString("10"))
	require.True(t, IsKind(err, KindBlockedAccount))
	_, err = service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("10"))
	require.True(t, IsKind(err, KindBlockedAccount))
	_, err = service.Balance(context.Background(), account.ID)
	require.True(t, IsKind(err, KindBlockedAccount))
	_, err = service.Statement(context.Background(), account.ID, time.Now().Add(-time.Hour), time.Now())
	require.True(t, IsKind(err, KindBlockedAccount))
}

func TestBlockAccountIsNotIdempotent(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, nil)

	updated, err := service.BlockAccount(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, updated)

	_, err = service.BlockAccount(context.Background(), account.ID)
	require.True(t, IsKind(err, KindBlockedAccount))
}

func TestStatementRejectsInvertedRange(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, nil)

	_, err := service.Statement(context.Background(), account.ID, time.Now(), time.Now().Add(-time.Hour))
	require.True(t, IsKind(err, KindValidation))
}

func TestStatementBlockedAccountWinsOverBadRange(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, nil)

	_, err := service.BlockAccount(context.Background(), account.ID)
	require.NoError(t, err)

	// The usability gate runs before range validation.
	_, err = service.Statement(context.Background(), account.ID, time.Now(), time.Now().Add(-time.Hour))
	require.True(t, IsKind(err, KindBlockedAccount))
}

func TestStatementRowsOrderedByDate(t *testing.T) {
	service, _ := newTestService(t)
	account := createTestAccount(t, service, nil)

	for _, v := range []string{"100", "200", "50"} {
		_, err := service.Deposit(context.Background(), account.ID, decimal.RequireFromString(v))
		require.NoError(t, err)
	}
	_, err := service.Withdraw(context.Background(), account.ID, decimal.RequireFromString("75"))
	require.NoError(t, err)

	lines, err := service.Statement(context.Background(), account.ID, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, lines, 4)
	for i := 1; i < len(lines); i++ {
		require.False(t, lines[i].Date.Before(lines[i-1].Date))
	}
	require.Equal(t, "275", lines[len(lines)-1].RunningBalance.String())
}
