package ledger

import (
	"errors"
	"fmt"
)

// ErrorKind tags a caller-visible ledger failure. The HTTP boundary switches
// on the kind, never on concrete error identity.
type ErrorKind string

const (
	// KindValidation marks malformed or policy-violating input: negative
	// deposits, zero-value transactions, insufficient balance, daily limit
	// reached, nonsensical date ranges.
	KindValidation ErrorKind = "VALIDATION"
	// KindInvalidAccount marks a reference to an account that does not exist.
	KindInvalidAccount ErrorKind = "INVALID_ACCOUNT"
	// KindBlockedAccount marks an operation against an inactive account.
	KindBlockedAccount ErrorKind = "BLOCKED_ACCOUNT"
)

// Error is a typed ledger failure. Validation and blocked-account errors are
// expected control flow and are never logged at error level by the engine.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewValidationError builds a KindValidation error.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewInvalidAccountError builds a KindInvalidAccount error.
func NewInvalidAccountError(accountID int64) *Error {
	return &Error{Kind: KindInvalidAccount, Message: fmt.Sprintf("no account with id %d", accountID)}
}

// NewBlockedAccountError builds a KindBlockedAccount error.
func NewBlockedAccountError(accountID int64) *Error {
	return &Error{Kind: KindBlockedAccount, Message: fmt.Sprintf("account with id %d is blocked", accountID)}
}

// KindOf returns the error's kind, or the empty kind for untyped errors.
func KindOf(err error) ErrorKind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
