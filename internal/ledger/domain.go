package ledger

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType enumerates the commercial account categories. The type has no
// behavioural effect on posting; it is carried for reporting.
type AccountType string

const (
	AccountTypeSimple    AccountType = "SIMPLE"
	AccountTypeExecutive AccountType = "EXECUTIVE"
)

// Valid reports whether the account type is one of the known categories.
func (t AccountType) Valid() bool {
	return t == AccountTypeSimple || t == AccountTypeExecutive
}

// Client is the natural person owning one or more accounts. Clients are
// created on demand during account creation and never mutated afterwards.
type Client struct {
	ID        int64
	Name      string
	Document  string
	BirthDate time.Time
	CreatedAt time.Time
}

// Account is a balance-bearing ledger owned by exactly one client. The
// balance is always the sum of the committed transaction values.
type Account struct {
	ID                   int64
	ClientID             int64
	Balance              decimal.Decimal
	Type                 AccountType
	DailyWithdrawalLimit *decimal.Decimal
	Active               bool
	CreatedAt            time.Time
}

// Transaction is an immutable signed value movement against one account.
// Positive values are deposits, negative values withdrawals; zero is invalid.
type Transaction struct {
	ID        int64
	AccountID int64
	Value     decimal.Decimal
	Reference uuid.UUID
	Date      time.Time
}

// StatementLine is one row of an account statement: a transaction together
// with the running balance as of that transaction.
type StatementLine struct {
	TransactionID  int64           `json:"transactionId"`
	Value          decimal.Decimal `json:"value"`
	Date           time.Time       `json:"transactionDate"`
	AccountID      int64           `json:"accountId"`
	RunningBalance decimal.Decimal `json:"balance"`
}

// CreateAccountInput groups the fields required to open an account. When the
// document is already on file the existing client is reused.
type CreateAccountInput struct {
	ClientName           string
	ClientDocument       string
	ClientBirthDate      time.Time
	Type                 AccountType
	DailyWithdrawalLimit *decimal.Decimal
}

// Validate checks the input before any storage work happens.
func (in CreateAccountInput) Validate() error {
	if strings.TrimSpace(in.ClientName) == "" {
		return NewValidationError("client name must not be empty")
	}
	if strings.TrimSpace(in.ClientDocument) == "" {
		return NewValidationError("client document must not be empty")
	}
	if in.ClientBirthDate.IsZero() {
		return NewValidationError("client birth date must be provided")
	}
	if !in.Type.Valid() {
		return NewValidationError("unknown account type %q", in.Type)
	}
	if in.DailyWithdrawalLimit != nil && !in.DailyWithdrawalLimit.IsPositive() {
		return NewValidationError("daily withdrawal limit must be positive when set")
	}
	return nil
}
