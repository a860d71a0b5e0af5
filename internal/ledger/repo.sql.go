package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/corebank/corebank/internal/platform/db"
)

// Store-level sentinels. The engine translates them into typed errors.
var (
	// ErrAccountNotFound reports a point lookup that matched no account row.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrDocumentConflict reports a concurrent insert of the same client document.
	ErrDocumentConflict = errors.New("ledger: client document already registered")
)

// Repository persists clients, accounts and transactions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations available inside one unit of work.
type TxRepository interface {
	// GetAccountForUpdate loads an account under a row lock, serialising the
	// read-check-write sequence of concurrent postings per account.
	GetAccountForUpdate(ctx context.Context, accountID int64) (Account, error)
	FindClientByDocument(ctx context.Context, document string) (Client, bool, error)
	InsertClient(ctx context.Context, client Client) (Client, error)
	InsertAccount(ctx context.Context, account Account) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error
	InsertTransaction(ctx context.Context, tran Transaction) (Transaction, error)
	SumDailyWithdrawals(ctx context.Context, accountID int64, day time.Time) (decimal.Decimal, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn as one atomic unit of work. Any error from fn rolls the
// whole transaction back; the connection is returned to the pool in all cases.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so point reads share
// one implementation inside and outside a unit of work.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const accountColumns = `id, client_id, balance, account_type, daily_withdrawal_limit, active, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a     Account
		limit decimal.NullDecimal
	)
	err := row.Scan(&a.ID, &a.ClientID, &a.Balance, &a.Type, &limit, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	if limit.Valid {
		a.DailyWithdrawalLimit = &limit.Decimal
	}
	return a, nil
}

// GetAccount is the point lookup used by the engine's status gate.
func (r *Repository) GetAccount(ctx context.Context, accountID int64) (Account, error) {
	return getAccount(ctx, r.pool, accountID, "")
}

func (r *txRepository) GetAccountForUpdate(ctx context.Context, accountID int64) (Account, error) {
	return getAccount(ctx, r.tx, accountID, " FOR UPDATE")
}

func getAccount(ctx context.Context, q querier, accountID int64, suffix string) (Account, error) {
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`+suffix, accountID)
	return scanAccount(row)
}

func (r *txRepository) FindClientByDocument(ctx context.Context, document string) (Client, bool, error) {
	var c Client
	err := r.tx.QueryRow(ctx, `SELECT id, name, document, birth_date, created_at FROM clients WHERE document=$1`, document).
		Scan(&c.ID, &c.Name, &c.Document, &c.BirthDate, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, false, nil
		}
		return Client{}, false, err
	}
	return c, true, nil
}

func (r *txRepository) InsertClient(ctx context.Context, client Client) (Client, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO clients (name, document, birth_date) VALUES ($1,$2,$3) RETURNING id, created_at`,
		client.Name, client.Document, client.BirthDate)
	if err := row.Scan(&client.ID, &client.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Client{}, ErrDocumentConflict
		}
		return Client{}, err
	}
	return client, nil
}

func (r *txRepository) InsertAccount(ctx context.Context, account Account) (Account, error) {
	var limit decimal.NullDecimal
	if account.DailyWithdrawalLimit != nil {
		limit = decimal.NullDecimal{Decimal: *account.DailyWithdrawalLimit, Valid: true}
	}
	row := r.tx.QueryRow(ctx, `INSERT INTO accounts (client_id, balance, account_type, daily_withdrawal_limit, active)
VALUES ($1,$2,$3,$4,true) RETURNING id, created_at`,
		account.ClientID, account.Balance, account.Type, limit)
	if err := row.Scan(&account.ID, &account.CreatedAt); err != nil {
		return Account{}, err
	}
	account.Active = true
	return account, nil
}

func (r *txRepository) UpdateAccountBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE accounts SET balance=$2 WHERE id=$1`, accountID, balance)
	return err
}

func (r *txRepository) InsertTransaction(ctx context.Context, tran Transaction) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO transactions (account_id, value, reference, transaction_date)
VALUES ($1,$2,$3,$4) RETURNING id`,
		tran.AccountID, tran.Value, tran.Reference, tran.Date)
	if err := row.Scan(&tran.ID); err != nil {
		return Transaction{}, err
	}
	return tran, nil
}

// SumDailyWithdrawals sums the negative movements of one UTC calendar day.
func (r *Repository) SumDailyWithdrawals(ctx context.Context, accountID int64, day time.Time) (decimal.Decimal, error) {
	return sumDailyWithdrawals(ctx, r.pool, accountID, day)
}

func (r *txRepository) SumDailyWithdrawals(ctx context.Context, accountID int64, day time.Time) (decimal.Decimal, error) {
	return sumDailyWithdrawals(ctx, r.tx, accountID, day)
}

func sumDailyWithdrawals(ctx context.Context, q querier, accountID int64, day time.Time) (decimal.Decimal, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var sum decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(value), 0) FROM transactions
WHERE account_id=$1 AND value < 0 AND transaction_date >= $2 AND transaction_date < $3`,
		accountID, start, end).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// AccountStatement returns every transaction in [start, end] with its running
// balance. Ties on transaction_date are broken by insertion id ascending, both
// for ordering and for the window sum, so reruns are deterministic.
func (r *Repository) AccountStatement(ctx context.Context, accountID int64, start, end time.Time) ([]StatementLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT t1.id, t1.value, t1.transaction_date, t1.account_id, SUM(t2.value) AS balance
FROM transactions t1
JOIN transactions t2
  ON t2.account_id = t1.account_id
 AND (t2.transaction_date, t2.id) <= (t1.transaction_date, t1.id)
WHERE t1.account_id = $1 AND t1.transaction_date BETWEEN $2 AND $3
GROUP BY t1.id, t1.value, t1.transaction_date, t1.account_id
ORDER BY t1.transaction_date, t1.id`, accountID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []StatementLine
	for rows.Next() {
		var line StatementLine
		if err := rows.Scan(&line.TransactionID, &line.Value, &line.Date, &line.AccountID, &line.RunningBalance); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// BlockAccount sets the active flag false and reports whether exactly one row
// changed. The usability gate ran before, so the update is unconditional on id.
func (r *Repository) BlockAccount(ctx context.Context, accountID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET active=false WHERE id=$1`, accountID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
