package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/corebank/corebank/internal/platform/httpx"
	"github.com/corebank/corebank/internal/shared"
)

const idempotencyHeader = "Idempotency-Key"

// IdempotencyPort guards movement replays keyed by a client-supplied token.
// A duplicate key fails with shared.ErrIdempotencyConflict.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler exposes the ledger engine over HTTP. It parses and validates
// requests, invokes the engine with primitive inputs and maps typed errors to
// response statuses; no business rules live here.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	idem     IdempotencyPort
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, idem IdempotencyPort) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		idem:     idem,
	}
}

// MountRoutes registers the account endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/create", h.handleCreate)
	r.Get("/{accountID}/balance", h.handleBalance)
	r.Get("/{accountID}/statement", h.handleStatement)
	r.Put("/{accountID}/block", h.handleBlock)
	r.Put("/deposit", h.handleDeposit)
	r.Put("/withdraw", h.handleWithdraw)
}

type createAccountRequest struct {
	ClientName           string           `json:"clientName" validate:"required"`
	ClientDocument       string           `json:"clientDocument" validate:"required"`
	ClientBirthDate      string           `json:"clientBirthDate" validate:"required"`
	AccountType          string           `json:"accountType" validate:"required,oneof=SIMPLE EXECUTIVE"`
	DailyWithdrawalLimit *decimal.Decimal `json:"dailyWithdrawalLimit"`
}

type movementRequest struct {
	AccountID int64           `json:"accountId" validate:"required,gt=0"`
	Value     decimal.Decimal `json:"value"`
}

type accountResponse struct {
	AccountID            int64            `json:"accountId"`
	ClientID             int64            `json:"clientId"`
	Balance              decimal.Decimal  `json:"balance"`
	AccountType          AccountType      `json:"accountType"`
	DailyWithdrawalLimit *decimal.Decimal `json:"dailyWithdrawalLimit"`
	Active               bool             `json:"active"`
	CreateDate           time.Time        `json:"createDate"`
}

type transactionResponse struct {
	TransactionID   int64           `json:"transactionId"`
	AccountID       int64           `json:"accountId"`
	Value           decimal.Decimal `json:"value"`
	Reference       string          `json:"reference"`
	TransactionDate time.Time       `json:"transactionDate"`
}

func toAccountResponse(a Account) accountResponse {
	return accountResponse{
		AccountID:            a.ID,
		ClientID:             a.ClientID,
		Balance:              a.Balance,
		AccountType:          a.Type,
		DailyWithdrawalLimit: a.DailyWithdrawalLimit,
		Active:               a.Active,
		CreateDate:           a.CreatedAt,
	}
}

func toTransactionResponse(t Transaction) transactionResponse {
	return transactionResponse{
		TransactionID:   t.ID,
		AccountID:       t.AccountID,
		Value:           t.Value,
		Reference:       t.Reference.String(),
		TransactionDate: t.Date,
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	birthDate, err := time.Parse("2006-01-02", req.ClientBirthDate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "clientBirthDate must be formatted as YYYY-MM-DD")
		return
	}

	account, err := h.service.CreateAccount(r.Context(), CreateAccountInput{
		ClientName:           req.ClientName,
		ClientDocument:       req.ClientDocument,
		ClientBirthDate:      birthDate,
		Type:                 AccountType(req.AccountType),
		DailyWithdrawalLimit: req.DailyWithdrawalLimit,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountIDParam(w, r)
	if !ok {
		return
	}
	balance, err := h.service.Balance(r.Context(), accountID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"balance":   balance,
	})
}

func (h *Handler) handleStatement(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountIDParam(w, r)
	if !ok {
		return
	}
	start, err := parseTimeParam(r.URL.Query().Get("start"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "start must be an RFC3339 timestamp or YYYY-MM-DD date")
		return
	}
	end, err := parseTimeParam(r.URL.Query().Get("end"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "end must be an RFC3339 timestamp or YYYY-MM-DD date")
		return
	}

	lines, err := h.service.Statement(r.Context(), accountID, start, end)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if lines == nil {
		lines = []StatementLine{}
	}
	httpx.JSON(w, http.StatusOK, lines)
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountIDParam(w, r)
	if !ok {
		return
	}
	updated, err := h.service.BlockAccount(r.Context(), accountID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	h.handleMovement(w, r, "ledger.deposit", h.service.Deposit)
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	h.handleMovement(w, r, "ledger.withdraw", h.service.Withdraw)
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request, module string, post func(ctx context.Context, accountID int64, value decimal.Decimal) (Transaction, error)) {
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	idemKey := r.Header.Get(idempotencyHeader)
	if idemKey != "" && h.idem != nil {
		if err := h.idem.CheckAndInsert(r.Context(), idemKey, module); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Conflict", "request with this idempotency key was already processed")
				return
			}
			h.logger.Error("idempotency check failed", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
	}

	tran, err := post(r.Context(), req.AccountID, req.Value)
	if err != nil {
		if idemKey != "" && h.idem != nil {
			// A rejected movement must stay retryable under the same key.
			_ = h.idem.Delete(r.Context(), idemKey)
		}
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransactionResponse(tran))
}

func (h *Handler) accountIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	accountID, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || accountID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "accountID must be a positive integer")
		return 0, false
	}
	return accountID, true
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// respondError maps ledger error kinds onto response statuses: blocked
// accounts are forbidden, validation failures and unknown accounts are bad
// requests, anything untyped is an internal failure.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch KindOf(err) {
	case KindBlockedAccount:
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case KindValidation, KindInvalidAccount:
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		h.logger.Error("ledger handler failure", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
