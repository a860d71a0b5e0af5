package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/corebank/corebank/internal/shared"
)

// RepositoryPort abstracts the ledger store. WithTx is the only write path;
// the remaining methods are point reads served outside a unit of work.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, accountID int64) (Account, error)
	SumDailyWithdrawals(ctx context.Context, accountID int64, day time.Time) (decimal.Decimal, error)
	AccountStatement(ctx context.Context, accountID int64, start, end time.Time) ([]StatementLine, error)
	BlockAccount(ctx context.Context, accountID int64) (bool, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// StatementCachePort caches rendered statements; postings invalidate it.
type StatementCachePort interface {
	Get(ctx context.Context, accountID int64, start, end time.Time) ([]StatementLine, bool)
	Set(ctx context.Context, accountID int64, start, end time.Time, lines []StatementLine)
	Invalidate(ctx context.Context, accountID int64)
}

// Service is the transactional ledger engine. It is the sole writer of
// balance mutations and enforces the account-status and withdrawal-limit
// invariants inside atomic units of work.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	cache  StatementCachePort
	logger *slog.Logger
	now    func() time.Time
	flight singleflight.Group
}

// NewService constructs the ledger engine.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithStatementCache attaches a statement cache invalidated on postings.
func (s *Service) WithStatementCache(cache StatementCachePort) *Service {
	s.cache = cache
	return s
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateAccount opens an account for the given client, creating the client
// when the document is not on file yet. Client upsert and account insert run
// in one unit of work.
func (s *Service) CreateAccount(ctx context.Context, in CreateAccountInput) (Account, error) {
	if err := in.Validate(); err != nil {
		return Account{}, err
	}

	var account Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		client, found, err := tx.FindClientByDocument(ctx, in.ClientDocument)
		if err != nil {
			return err
		}
		if !found {
			client, err = tx.InsertClient(ctx, Client{
				Name:      in.ClientName,
				Document:  in.ClientDocument,
				BirthDate: in.ClientBirthDate,
			})
			if err != nil {
				return err
			}
			s.logger.Info("created new client",
				slog.Int64("client_id", client.ID),
				slog.String("document", client.Document))
		}

		account, err = tx.InsertAccount(ctx, Account{
			ClientID:             client.ID,
			Balance:              decimal.Zero,
			Type:                 in.Type,
			DailyWithdrawalLimit: in.DailyWithdrawalLimit,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDocumentConflict) {
			return Account{}, NewValidationError("client document %s was registered concurrently", in.ClientDocument)
		}
		s.logger.Error("create account failed", slog.Any("error", err))
		return Account{}, err
	}

	s.logger.Info("new account created", slog.Int64("account_id", account.ID))
	s.recordAudit(ctx, shared.AuditLog{
		Action:   shared.AuditAccountCreate,
		Entity:   "account",
		EntityID: fmt.Sprintf("%d", account.ID),
		Meta:     map[string]any{"client_id": account.ClientID, "type": string(account.Type)},
		At:       s.now(),
	})
	return account, nil
}

// GetAccountByID loads an account and applies the shared usability gate:
// missing accounts fail with KindInvalidAccount, inactive ones with
// KindBlockedAccount. Every other operation goes through this check.
func (s *Service) GetAccountByID(ctx context.Context, accountID int64) (Account, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Account{}, NewInvalidAccountError(accountID)
		}
		return Account{}, err
	}
	if !account.Active {
		return Account{}, NewBlockedAccountError(accountID)
	}
	return account, nil
}

// Balance returns the current balance of a usable account.
func (s *Service) Balance(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	account, err := s.GetAccountByID(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// BlockAccount transitions an account from active to blocked. Blocking an
// already-blocked account is rejected, not treated as idempotent success.
func (s *Service) BlockAccount(ctx context.Context, accountID int64) (bool, error) {
	account, err := s.GetAccountByID(ctx, accountID)
	if err != nil {
		return false, err
	}

	updated, err := s.repo.BlockAccount(ctx, account.ID)
	if err != nil {
		s.logger.Error("block account failed", slog.Any("error", err))
		return false, err
	}
	if updated {
		s.logger.Info("blocked account", slog.Int64("account_id", account.ID))
		s.invalidate(ctx, account.ID)
		s.recordAudit(ctx, shared.AuditLog{
			Action:   shared.AuditAccountBlock,
			Entity:   "account",
			EntityID: fmt.Sprintf("%d", account.ID),
			At:       s.now(),
		})
	}
	return updated, nil
}

// Deposit posts a non-negative value to the account.
func (s *Service) Deposit(ctx context.Context, accountID int64, value decimal.Decimal) (Transaction, error) {
	if value.IsNegative() {
		return Transaction{}, NewValidationError("deposit transaction can not be negative")
	}

	tran, err := s.post(ctx, accountID, value)
	if err != nil {
		return Transaction{}, err
	}

	s.logger.Info("new deposit transaction",
		slog.Int64("account_id", accountID),
		slog.String("value", tran.Value.String()))
	s.recordAudit(ctx, shared.AuditLog{
		Action:   shared.AuditDeposit,
		Entity:   "transaction",
		EntityID: fmt.Sprintf("%d", tran.ID),
		Meta:     map[string]any{"account_id": accountID, "value": tran.Value.String()},
		At:       s.now(),
	})
	return tran, nil
}

// Withdraw posts a withdrawal. A positive input is treated as the amount to
// withdraw and normalised to a negative movement; a negative input passes
// through unchanged.
func (s *Service) Withdraw(ctx context.Context, accountID int64, value decimal.Decimal) (Transaction, error) {
	if value.IsPositive() {
		value = value.Neg()
	}

	tran, err := s.post(ctx, accountID, value)
	if err != nil {
		return Transaction{}, err
	}

	s.logger.Info("new withdrawal transaction",
		slog.Int64("account_id", accountID),
		slog.String("value", tran.Value.String()))
	s.recordAudit(ctx, shared.AuditLog{
		Action:   shared.AuditWithdrawal,
		Entity:   "transaction",
		EntityID: fmt.Sprintf("%d", tran.ID),
		Meta:     map[string]any{"account_id": accountID, "value": tran.Value.String()},
		At:       s.now(),
	})
	return tran, nil
}

// post writes one signed movement and the resulting balance as a single unit
// of work. The account row is re-read under FOR UPDATE, so balance and
// daily-limit checks run against the locked row. At repeatable read a posting
// that loses the lock race is not re-checked once the holder commits; it
// fails with a serialization error the caller may retry. Two competing
// withdrawals can never both commit when only one is covered.
func (s *Service) post(ctx context.Context, accountID int64, value decimal.Decimal) (Transaction, error) {
	// Fail fast on blocked or missing accounts before opening a transaction.
	if _, err := s.GetAccountByID(ctx, accountID); err != nil {
		return Transaction{}, err
	}

	var tran Transaction
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		account, err := tx.GetAccountForUpdate(ctx, accountID)
		if err != nil {
			if errors.Is(err, ErrAccountNotFound) {
				return NewInvalidAccountError(accountID)
			}
			return err
		}
		if !account.Active {
			return NewBlockedAccountError(accountID)
		}
		if err := validateTransaction(value, account.Balance); err != nil {
			return err
		}
		if value.IsNegative() {
			if err := s.checkDailyLimit(ctx, tx, account, value); err != nil {
				return err
			}
		}

		newBalance := account.Balance.Add(value)
		if err := tx.UpdateAccountBalance(ctx, account.ID, newBalance); err != nil {
			return err
		}
		tran, err = tx.InsertTransaction(ctx, Transaction{
			AccountID: account.ID,
			Value:     value,
			Reference: uuid.New(),
			Date:      s.now(),
		})
		return err
	})
	if err != nil {
		if KindOf(err) == "" {
			s.logger.Error("post transaction failed",
				slog.Int64("account_id", accountID),
				slog.Any("error", err))
		}
		return Transaction{}, err
	}

	s.invalidate(ctx, accountID)
	return tran, nil
}

// validateTransaction is the shared pre-posting check: the value must be
// non-zero, and a withdrawal must be covered by the current balance.
func validateTransaction(value, balance decimal.Decimal) error {
	if value.IsZero() {
		return NewValidationError("invalid transaction value, must be less or more than 0, not equal to")
	}
	if value.IsNegative() && balance.LessThan(value.Abs()) {
		return NewValidationError("account has less balance than %s", value.Abs().String())
	}
	return nil
}

// checkDailyLimit rejects a withdrawal when the day's withdrawals plus this
// one would reach or exceed the account's daily limit. Reaching the limit
// exactly is also rejected.
func (s *Service) checkDailyLimit(ctx context.Context, tx TxRepository, account Account, value decimal.Decimal) error {
	if account.DailyWithdrawalLimit == nil {
		return nil
	}
	dailyWithdrawals, err := tx.SumDailyWithdrawals(ctx, account.ID, s.now())
	if err != nil {
		return err
	}
	limit := *account.DailyWithdrawalLimit
	if dailyWithdrawals.Abs().Add(value.Abs()).GreaterThanOrEqual(limit) {
		available := limit.Sub(dailyWithdrawals.Abs())
		return NewValidationError("the withdrawal request surpasses the account's daily withdrawal limit, the available withdrawal amount is %s", available.String())
	}
	return nil
}

// Statement returns the transactions of [start, end] with running balances,
// ordered by transaction date ascending.
func (s *Service) Statement(ctx context.Context, accountID int64, start, end time.Time) ([]StatementLine, error) {
	if _, err := s.GetAccountByID(ctx, accountID); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, NewValidationError("statement range end precedes start")
	}

	if s.cache != nil {
		if lines, ok := s.cache.Get(ctx, accountID, start, end); ok {
			return lines, nil
		}
	}

	// Concurrent readers of the same range share one store query.
	key := fmt.Sprintf("%d:%d:%d", accountID, start.UnixNano(), end.UnixNano())
	result, err, _ := s.flight.Do(key, func() (any, error) {
		lines, err := s.repo.AccountStatement(ctx, accountID, start, end)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			s.cache.Set(ctx, accountID, start, end, lines)
		}
		return lines, nil
	})
	if err != nil {
		// Expected kinds pass through without the generic error log.
		if KindOf(err) == "" {
			s.logger.Error("account statement failed",
				slog.Int64("account_id", accountID),
				slog.Any("error", err))
		}
		return nil, err
	}
	lines, _ := result.([]StatementLine)
	return lines, nil
}

// DailyWithdrawals exposes the day's withdrawal sum, used by callers showing
// remaining limit.
func (s *Service) DailyWithdrawals(ctx context.Context, accountID int64) (decimal.Decimal, error) {
	if _, err := s.GetAccountByID(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	return s.repo.SumDailyWithdrawals(ctx, accountID, s.now())
}

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("audit record failed", slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context, accountID int64) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, accountID)
	}
}
